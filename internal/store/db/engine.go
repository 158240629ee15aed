// Package db manages the embedded SQLite database that backs the POS client.
//
// The Engine owns the single on-disk file and the one shared *sql.DB handle.
// Every repository receives the Engine at construction; nothing reaches the
// database through a package-level global.
//
// Architecture:
//   - Database file: <data_dir>/pos.db
//   - WAL mode: readers proceed while a transaction writes
//   - Foreign keys enforced on every pooled connection
//   - Schema: managed by the migrate package via PRAGMA user_version
//
// Lifecycle:
//  1. New(path) builds an Engine without touching disk
//  2. Initialize(ctx) opens the file and applies pending migrations
//  3. Repositories call Handle / WithTx
//  4. Close (or DeleteDatabase in tests) tears it down
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/sync/singleflight"

	"github.com/surelaces/posync/internal/store/migrate"
)

var (
	// ErrNotInitialized is returned when the handle is requested before
	// Initialize has completed, or after Close.
	ErrNotInitialized = errors.New("store not initialized")
)

// initTimeout bounds a shared open once no caller's ctx governs it.
const initTimeout = time.Minute

// Engine wraps the SQLite connection pool with lazy, memoized initialization.
type Engine struct {
	path       string
	logger     *log.Logger
	migrations *migrate.Registry

	mu   sync.RWMutex
	conn *sql.DB

	init singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMigrations replaces the default migration registry.
func WithMigrations(r *migrate.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.migrations = r
		}
	}
}

// New creates an Engine for the database file at path. No I/O happens
// until Initialize.
func New(path string, opts ...Option) *Engine {
	e := &Engine{
		path:       path,
		logger:     log.New(os.Stderr, "[store] ", log.LstdFlags),
		migrations: migrate.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// Logger returns the engine's logger so repositories log under one prefix.
func (e *Engine) Logger() *log.Logger {
	return e.logger
}

// Initialize opens the database and applies pending migrations.
//
// It is idempotent and safe for concurrent use: callers that arrive while an
// initialization is in flight wait for and share its result. A failed
// attempt is not remembered, so a later call retries. The shared open does
// not follow any one caller's ctx; a cancelled caller only stops waiting.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.RLock()
	ready := e.conn != nil
	e.mu.RUnlock()
	if ready {
		return nil
	}

	ch := e.init.DoChan("init", func() (interface{}, error) {
		e.mu.RLock()
		ready := e.conn != nil
		e.mu.RUnlock()
		if ready {
			return nil, nil
		}

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		defer cancel()
		conn, err := e.open(octx)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// open creates the file, verifies the connection and migrates the schema.
func (e *Engine) open(ctx context.Context) (*sql.DB, error) {
	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(e.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	applied, err := e.migrations.ApplyPending(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if len(applied) > 0 {
		e.logger.Printf("Applied migrations %v to %s", applied, e.path)
	}

	return conn, nil
}

// dsn builds a connection string whose pragmas apply to every pooled
// connection, not just the first one.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Handle returns the shared connection pool.
func (e *Engine) Handle() (*sql.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conn == nil {
		return nil, ErrNotInitialized
	}
	return e.conn, nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back on error or panic; a panic is re-raised after
// the rollback.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := e.Handle()
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			e.logger.Printf("WARNING: rollback failed: %v", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// clearOrder lists application tables children-first so foreign keys never
// block the deletes. products_fts is emptied by the product delete trigger.
var clearOrder = []string{
	"invoice_items",
	"invoices",
	"cart_items",
	"products",
	"sync_metadata",
}

// ClearAllData deletes every application row but keeps the schema. It is
// used on logout.
func (e *Engine) ClearAllData(ctx context.Context) error {
	return e.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range clearOrder {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		// Rows whose trigger never fired (e.g. written before v1 triggers).
		if _, err := tx.ExecContext(ctx, "DELETE FROM products_fts"); err != nil {
			return fmt.Errorf("failed to clear search index: %w", err)
		}
		return nil
	})
}

// Stats holds diagnostic counters.
type Stats struct {
	Products        int `json:"products" yaml:"products"`
	CartItems       int `json:"cart_items" yaml:"cart_items"`
	Invoices        int `json:"invoices" yaml:"invoices"`
	PendingInvoices int `json:"pending_invoices" yaml:"pending_invoices"`
	SchemaVersion   int `json:"schema_version" yaml:"schema_version"`
}

// Stats returns diagnostic counters. It never fails: any error is logged
// and the affected counters stay zero.
func (e *Engine) Stats(ctx context.Context) Stats {
	var s Stats

	conn, err := e.Handle()
	if err != nil {
		return s
	}

	queries := []struct {
		dst   *int
		query string
	}{
		{&s.Products, `SELECT COUNT(*) FROM products WHERE is_active = 1`},
		{&s.CartItems, `SELECT COALESCE(SUM(quantity), 0) FROM cart_items`},
		{&s.Invoices, `SELECT COUNT(*) FROM invoices`},
		{&s.PendingInvoices, `SELECT COUNT(*) FROM invoices WHERE sync_status = 'PENDING'`},
		{&s.SchemaVersion, `PRAGMA user_version`},
	}
	for _, q := range queries {
		if err := conn.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			e.logger.Printf("WARNING: stats query failed: %v", err)
			return Stats{}
		}
	}
	return s
}

// SchemaVersion returns the persisted schema version.
func (e *Engine) SchemaVersion(ctx context.Context) (int, error) {
	conn, err := e.Handle()
	if err != nil {
		return 0, err
	}
	return migrate.CurrentVersion(ctx, conn)
}

// Close checkpoints the WAL and closes the pool. Initialize may be called
// again afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}

	if _, err := e.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		e.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}

	err := e.conn.Close()
	e.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// DeleteDatabase closes the engine and removes the database file and its
// WAL side files. Initialize must be called again before further use.
func (e *Engine) DeleteDatabase() error {
	if err := e.Close(); err != nil {
		return err
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", e.path+suffix, err)
		}
	}
	return nil
}
