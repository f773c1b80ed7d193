// Package workingset holds the durable set of addresses being monitored.
package workingset

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
)

// Store is a concurrency-safe address set persisted to a text file, one
// address per line. The set lock is never held across file I/O.
type Store struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	addrs map[domain.Address]struct{}

	// Orders persists so the last rename always carries the newest copy.
	persistMu sync.Mutex
}

// New creates an empty store backed by path. Call Load to read existing state.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Component(logger, "workingset"),
		addrs:  make(map[domain.Address]struct{}),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Merge adds addrs and returns how many were new. System addresses are ignored.
func (s *Store) Merge(addrs []domain.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, a := range addrs {
		if a == "" || a.IsSystem() {
			continue
		}
		if _, ok := s.addrs[a]; !ok {
			s.addrs[a] = struct{}{}
			added++
		}
	}
	return added
}

// All returns a sorted point-in-time copy of the set.
func (s *Store) All() []domain.Address {
	s.mu.RLock()
	out := make([]domain.Address, 0, len(s.addrs))
	for a := range s.addrs {
		out = append(out, a)
	}
	s.mu.RUnlock()

	domain.SortAddresses(out)
	return out
}

// Remove deletes addr and reports whether it was present.
func (s *Store) Remove(addr domain.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.addrs[addr]; !ok {
		return false
	}
	delete(s.addrs, addr)
	return true
}

// Contains reports whether addr is in the set.
func (s *Store) Contains(addr domain.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[addr]
	return ok
}

// Len returns the set size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs)
}

// Persist writes the set to a temp file in the same directory and renames it
// over the target, so readers only ever see a complete file.
func (s *Store) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	addrs := s.All()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create working set dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "# Active addresses for position monitoring\n")
	fmt.Fprintf(w, "# Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "# Count: %d\n", len(addrs))
	for _, a := range addrs {
		w.WriteString(string(a))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write working set: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync working set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close working set: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace working set: %w", err)
	}
	tmpName = ""

	s.logger.Debug().Int("addresses", len(addrs)).Str("path", s.path).Msg("working set persisted")
	return nil
}

// Load replaces the in-memory set with the file contents. A missing file
// leaves the store empty. Blank lines, comments and invalid entries are
// skipped; lines in the older "MARKET:address" form are accepted.
func (s *Store) Load() (skipped int, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.mu.Lock()
			s.addrs = make(map[domain.Address]struct{})
			s.mu.Unlock()
			return 0, nil
		}
		return 0, fmt.Errorf("open working set: %w", err)
	}
	defer f.Close()

	loaded := make(map[domain.Address]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.LastIndexByte(line, ':'); i >= 0 {
			line = line[i+1:]
		}
		addr, err := domain.ParseAddress(line)
		if err != nil || addr.IsSystem() {
			skipped++
			continue
		}
		loaded[addr] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return skipped, fmt.Errorf("read working set: %w", err)
	}

	s.mu.Lock()
	s.addrs = loaded
	s.mu.Unlock()

	s.logger.Info().Int("addresses", len(loaded)).Int("skipped", skipped).Msg("working set loaded")
	return skipped, nil
}
