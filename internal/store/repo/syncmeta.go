package repo

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/schema"
)

// SyncLog is the append-only sync_metadata diagnostic log. Business logic
// never reads it.
type SyncLog struct {
	engine *db.Engine
	logger *log.Logger
}

// NewSyncLog creates a sync log.
func NewSyncLog(engine *db.Engine) *SyncLog {
	return &SyncLog{engine: engine, logger: engine.Logger()}
}

// Record appends one entry. Failures are logged, never returned, since the
// log must not break a sync.
func (l *SyncLog) Record(ctx context.Context, m schema.SyncMetadata) {
	if m.LastSyncTime.IsZero() {
		m.LastSyncTime = time.Now()
	}
	conn, err := l.engine.Handle()
	if err != nil {
		l.logger.Printf("WARNING: sync log: %v", err)
		return
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO sync_metadata (entity_type, last_sync_time, sync_status, records_synced, error_message)
		VALUES (?, ?, ?, ?, ?)
	`, m.EntityType, formatTime(m.LastSyncTime), m.SyncStatus, m.RecordsSynced, nullString(m.ErrorMessage))
	if err != nil {
		l.logger.Printf("WARNING: sync log %s: %v", m.EntityType, err)
	}
}

// Recent returns the newest entries first.
func (l *SyncLog) Recent(ctx context.Context, limit int) ([]schema.SyncMetadata, error) {
	conn, err := l.engine.Handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, entity_type, last_sync_time, sync_status, records_synced, COALESCE(error_message, '')
		FROM sync_metadata
		ORDER BY id DESC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}
	defer rows.Close()

	var out []schema.SyncMetadata
	for rows.Next() {
		var (
			m  schema.SyncMetadata
			ts string
		)
		if err := rows.Scan(&m.ID, &m.EntityType, &ts, &m.SyncStatus, &m.RecordsSynced, &m.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		m.LastSyncTime = parseTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
