package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/postgres"
)

// RunPostgresMigrations applies all embedded PostgreSQL files in lexical order.
// Migrations are idempotent; per-market tables are not migrated here.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) ([]string, error) {
	return applyAll(PostgresFS, "postgres", func(name, sql string) error {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		return nil
	})
}

// applyAll feeds every non-empty .sql file under dir to apply and returns the applied names.
func applyAll(fsys fs.FS, dir string, apply func(name, sql string) error) ([]string, error) {
	files, err := listSQL(fsys, dir)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		data, err := fs.ReadFile(fsys, dir+"/"+file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := apply(file, string(data)); err != nil {
			return applied, err
		}
		applied = append(applied, file)
	}
	return applied, nil
}

func listSQL(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
