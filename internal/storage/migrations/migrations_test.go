package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsPresent(t *testing.T) {
	pg, err := listSQL(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Contains(t, pg, "001_user_metrics.sql")

	ch, err := listSQL(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	assert.Contains(t, ch, "001_position_history.sql")
}

func TestSplitStatements(t *testing.T) {
	sql := `
-- leading comment
CREATE TABLE a (x Int32);

-- another
CREATE TABLE b (y String)
ENGINE = Memory;
`
	stmts := splitStatements(sql)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x Int32)", stmts[0])
	assert.Contains(t, stmts[1], "ENGINE = Memory")
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, validateNoSemicolonInStrings("SELECT 'a''b'; SELECT 1;"))
	assert.Error(t, validateNoSemicolonInStrings("SELECT 'a;b';"))
}

func TestEmbeddedClickhouseMigrationsAreSplittable(t *testing.T) {
	_, err := applyAll(ClickhouseFS, "clickhouse", func(name, sql string) error {
		require.NoError(t, validateNoSemicolonInStrings(sql), name)
		assert.NotEmpty(t, splitStatements(sql), name)
		return nil
	})
	require.NoError(t, err)
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/positions")
	require.NoError(t, err)
	assert.Equal(t, "positions", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}
