// Package migrate applies versioned schema changes to the local store.
//
// The schema version lives in SQLite's own PRAGMA user_version counter, outside
// any application table. Each Migration runs inside its own transaction
// together with the counter bump, so a failing unit leaves the counter at the
// last version that fully applied.
//
// Example:
//
//	reg := migrate.Default()
//	applied, err := reg.ApplyPending(ctx, conn)
//	if err != nil {
//	    return err // fatal at startup
//	}
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMigrationFailed is matched by every MigrationError.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidRegistry is returned when migrations are misnumbered.
	ErrInvalidRegistry = errors.New("invalid migration registry")
)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// MigrationError reports which unit failed.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Is reports ErrMigrationFailed.
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigrationFailed
}

// Registry is an ordered set of migrations.
type Registry struct {
	migrations []Migration
}

// NewRegistry builds a registry sorted by version. Versions must be positive
// and unique.
func NewRegistry(ms ...Migration) (*Registry, error) {
	sorted := make([]Migration, len(ms))
	copy(sorted, ms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	seen := make(map[int]bool, len(sorted))
	for _, m := range sorted {
		if m.Version <= 0 {
			return nil, fmt.Errorf("%w: version %d must be positive", ErrInvalidRegistry, m.Version)
		}
		if seen[m.Version] {
			return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidRegistry, m.Version)
		}
		if m.Apply == nil {
			return nil, fmt.Errorf("%w: version %d has no Apply func", ErrInvalidRegistry, m.Version)
		}
		seen[m.Version] = true
	}

	return &Registry{migrations: sorted}, nil
}

// Migrations returns the registered units in ascending order.
func (r *Registry) Migrations() []Migration {
	out := make([]Migration, len(r.migrations))
	copy(out, r.migrations)
	return out
}

// Latest returns the highest registered version, or 0 if empty.
func (r *Registry) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// CurrentVersion reads the persisted schema version counter.
func CurrentVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// ApplyPending runs every migration whose version is above the persisted
// counter, in ascending order, and returns the versions it applied.
//
// The first failure stops the sequence and is returned as *MigrationError.
// Calling ApplyPending again after a failure resumes from the last
// successful version.
func (r *Registry) ApplyPending(ctx context.Context, conn *sql.DB) ([]int, error) {
	current, err := CurrentVersion(ctx, conn)
	if err != nil {
		return nil, err
	}

	var applied []int
	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := applyOne(ctx, conn, m); err != nil {
			return applied, &MigrationError{Version: m.Version, Name: m.Name, Err: err}
		}
		applied = append(applied, m.Version)
	}

	return applied, nil
}

func applyOne(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.Apply(ctx, tx); err != nil {
		return err
	}

	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("failed to bump schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
