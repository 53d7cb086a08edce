package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteAuditStore implements AuditStore backed by SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore returns a new SQLiteAuditStore.
func NewSQLiteAuditStore(db *sql.DB) *SQLiteAuditStore {
	return &SQLiteAuditStore{db: db}
}

// WriteAuditEntry appends an entry to the audit log.
func (s *SQLiteAuditStore) WriteAuditEntry(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, entity_type, entity_id, actor_kind, actor_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Action, e.EntityType, e.EntityID, e.ActorKind, e.ActorID, e.Detail, toMillis(e.CreatedAt),
	)
	if err != nil {
		return unavailable("inserting audit entry", err)
	}
	return nil
}

// ListAuditEntries returns the most recent entries ordered by creation time descending.
func (s *SQLiteAuditStore) ListAuditEntries(ctx context.Context, limit int) (_ []AuditEntry, err error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, actor_kind, actor_id, detail, created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("querying audit log", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			e       AuditEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID,
			&e.ActorKind, &e.ActorID, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}
