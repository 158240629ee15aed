package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func tableExists(t *testing.T, conn *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestApplyPendingFreshDatabase(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	reg := Default()

	applied, err := reg.ApplyPending(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)

	v, err := CurrentVersion(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, reg.Latest(), v)

	for _, table := range []string{"products", "products_fts", "cart_items", "invoices", "invoice_items", "sync_metadata"} {
		assert.True(t, tableExists(t, conn, table), "table %s should exist", table)
	}

	_, err = conn.Exec(`SELECT sync_attempts, last_sync_error FROM invoices`)
	assert.NoError(t, err)
}

func TestApplyPendingSkipsAppliedVersions(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	calls := 0
	reg, err := NewRegistry(
		Migration{Version: 1, Name: "one", Apply: func(ctx context.Context, tx *sql.Tx) error {
			calls++
			_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t1 (id INTEGER)`)
			return err
		}},
	)
	require.NoError(t, err)

	_, err = reg.ApplyPending(ctx, conn)
	require.NoError(t, err)

	applied, err := reg.ApplyPending(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 1, calls)
}

func TestApplyPendingFailureKeepsLastGoodVersion(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	boom := errors.New("boom")

	ms := []Migration{
		{Version: 1, Name: "ok", Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t1 (id INTEGER)`)
			return err
		}},
		{Version: 2, Name: "broken", Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t2 (id INTEGER)`); err != nil {
				return err
			}
			return boom
		}},
	}
	reg, err := NewRegistry(ms...)
	require.NoError(t, err)

	applied, err := reg.ApplyPending(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, []int{1}, applied)
	assert.True(t, errors.Is(err, ErrMigrationFailed))
	assert.True(t, errors.Is(err, boom))

	var merr *MigrationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, 2, merr.Version)

	v, err := CurrentVersion(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.False(t, tableExists(t, conn, "t2"), "failed unit must roll back its statements")

	// A fixed unit resumes from version 1.
	ms[1].Apply = func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t2 (id INTEGER)`)
		return err
	}
	reg, err = NewRegistry(ms...)
	require.NoError(t, err)

	applied, err = reg.ApplyPending(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, applied)
}

func TestNewRegistryValidation(t *testing.T) {
	noop := func(context.Context, *sql.Tx) error { return nil }

	_, err := NewRegistry(Migration{Version: 1, Apply: noop}, Migration{Version: 1, Apply: noop})
	assert.ErrorIs(t, err, ErrInvalidRegistry)

	_, err = NewRegistry(Migration{Version: 0, Apply: noop})
	assert.ErrorIs(t, err, ErrInvalidRegistry)

	_, err = NewRegistry(Migration{Version: 1})
	assert.ErrorIs(t, err, ErrInvalidRegistry)

	reg, err := NewRegistry(Migration{Version: 3, Apply: noop}, Migration{Version: 1, Apply: noop})
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Latest())
	assert.Equal(t, 1, reg.Migrations()[0].Version)
}

func TestAddColumnIfMissingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	_, err := Default().ApplyPending(ctx, conn)
	require.NoError(t, err)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	assert.NoError(t, invoiceSyncAttempts(ctx, tx))
}
