package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const notificationColumns = `id, outage_id, user_id, channel, kind, outage_version, status,
	subject, body, locale, address, provider_message_id, retry_count, max_attempts,
	last_error, next_attempt_at, lease_until, created_at, sent_at, delivered_at, updated_at`

// SQLiteNotificationStore implements NotificationStore backed by SQLite.
type SQLiteNotificationStore struct {
	db *sql.DB
}

// NewSQLiteNotificationStore returns a new SQLiteNotificationStore.
func NewSQLiteNotificationStore(db *sql.DB) *SQLiteNotificationStore {
	return &SQLiteNotificationStore{db: db}
}

// Admit checks the dedup key and the existing record inside one transaction.
func (s *SQLiteNotificationStore) Admit(ctx context.Context, req AdmitRequest) (*Notification, AdmitResult, error) {
	if req.MaxAttempts < 1 {
		req.MaxAttempts = 1
	}
	dedup := DedupVersion(req.Key.Kind, req.OutageVersion)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", unavailable("begin admit", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE outage_id = ? AND user_id = ? AND channel = ? AND kind = ? AND dedup_version = ?`,
		req.Key.OutageID, req.Key.UserID, string(req.Key.Channel), string(req.Key.Kind), dedup)
	existing, err := scanNotification(row)
	switch {
	case err == nil:
		return s.admitExisting(ctx, tx, existing, req)
	case !errors.Is(err, ErrNotFound):
		return nil, "", err
	}

	now := req.Now.UTC()
	leaseUntil := req.LeaseUntil.UTC()
	n := &Notification{
		ID:            uuid.NewString(),
		Key:           req.Key,
		OutageVersion: req.OutageVersion,
		Status:        StatusPending,
		MaxAttempts:   req.MaxAttempts,
		NextAttemptAt: &now,
		LeaseUntil:    &leaseUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, outage_id, user_id, channel, kind, dedup_version,
		                           outage_version, status, max_attempts, next_attempt_at,
		                           lease_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Key.OutageID, n.Key.UserID, string(n.Key.Channel), string(n.Key.Kind), dedup,
		n.OutageVersion, string(n.Status), n.MaxAttempts, toMillis(now),
		toMillis(leaseUntil), toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Duplicate, nil
		}
		return nil, "", unavailable(fmt.Sprintf("admitting %s", req.Key), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", unavailable("commit admit", err)
	}
	return n, Admitted, nil
}

func (s *SQLiteNotificationStore) admitExisting(ctx context.Context, tx *sql.Tx, n *Notification, req AdmitRequest) (*Notification, AdmitResult, error) {
	if n.Status != StatusPending {
		return n, Duplicate, nil
	}
	if n.LeaseUntil != nil && n.LeaseUntil.After(req.Now) {
		return n, Duplicate, nil
	}
	if n.RetryCount >= n.MaxAttempts {
		return n, Duplicate, nil
	}

	now := req.Now.UTC()
	leaseUntil := req.LeaseUntil.UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE notifications SET lease_until = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		toMillis(leaseUntil), toMillis(now), toMillis(now), n.ID, string(StatusPending))
	if err != nil {
		return nil, "", unavailable(fmt.Sprintf("reclaiming %s", n.Key), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", unavailable("commit reclaim", err)
	}
	n.LeaseUntil = &leaseUntil
	n.NextAttemptAt = &now
	n.UpdatedAt = now
	return n, Reclaimed, nil
}

// GetNotification returns a record by id.
func (s *SQLiteNotificationStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("getting notification %q: %w", id, err)
	}
	return n, nil
}

// FindByProviderMessageID looks up a record by the id a provider returned.
func (s *SQLiteNotificationStore) FindByProviderMessageID(ctx context.Context, channel ChannelType, providerMessageID string) (*Notification, error) {
	if providerMessageID == "" {
		return nil, fmt.Errorf("empty provider message id: %w", ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE channel = ? AND provider_message_id = ?
		ORDER BY created_at DESC LIMIT 1`, string(channel), providerMessageID)
	n, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("finding %s message %q: %w", channel, providerMessageID, err)
	}
	return n, nil
}

// SaveContent stores the rendered snapshot on a PENDING record.
func (s *SQLiteNotificationStore) SaveContent(ctx context.Context, id, subject, body, locale, address string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET subject = ?, body = ?, locale = ?, address = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		subject, body, locale, address, toMillis(time.Now()), id, string(StatusPending))
	if err != nil {
		return unavailable(fmt.Sprintf("saving content for %q", id), err)
	}
	return s.checkTransition(ctx, res, id)
}

// RenewLease pushes lease_until forward on a PENDING record.
func (s *SQLiteNotificationStore) RenewLease(ctx context.Context, id string, leaseUntil, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		toMillis(leaseUntil), toMillis(at), id, string(StatusPending))
	if err != nil {
		return unavailable(fmt.Sprintf("renewing lease of %q", id), err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkSent moves PENDING → SENT.
func (s *SQLiteNotificationStore) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, provider_message_id = ?, sent_at = ?,
		       lease_until = NULL, next_attempt_at = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusSent), providerMessageID, toMillis(at), toMillis(at), id, string(StatusPending))
	if err != nil {
		return unavailable(fmt.Sprintf("marking %q sent", id), err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkDelivered moves SENT → DELIVERED. A record already DELIVERED is left
// untouched and reported as success.
func (s *SQLiteNotificationStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusDelivered), toMillis(at), toMillis(at), id, string(StatusSent))
	if err != nil {
		return unavailable(fmt.Sprintf("marking %q delivered", id), err)
	}
	err = s.checkTransition(ctx, res, id)
	if errors.Is(err, ErrInvalidTransition) {
		if n, gerr := s.GetNotification(ctx, id); gerr == nil && n.Status == StatusDelivered {
			return nil
		}
	}
	return err
}

// MarkFailed moves PENDING → FAILED.
func (s *SQLiteNotificationStore) MarkFailed(ctx context.Context, id, lastError string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, last_error = ?, lease_until = NULL,
		       next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), lastError, toMillis(at), id, string(StatusPending))
	if err != nil {
		return unavailable(fmt.Sprintf("marking %q failed", id), err)
	}
	return s.checkTransition(ctx, res, id)
}

// RecordRetry bumps retry_count on a PENDING record and returns the new count.
func (s *SQLiteNotificationStore) RecordRetry(ctx context.Context, id, lastError string, nextAttempt, leaseUntil, at time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET retry_count = retry_count + 1, last_error = ?,
		       next_attempt_at = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING retry_count`,
		lastError, toMillis(nextAttempt), toMillis(leaseUntil), toMillis(at), id, string(StatusPending),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.missingOrInvalid(ctx, id)
	}
	if err != nil {
		return 0, unavailable(fmt.Sprintf("recording retry for %q", id), err)
	}
	return count, nil
}

// ListNotifications returns records newest first.
func (s *SQLiteNotificationStore) ListNotifications(ctx context.Context, filter NotificationFilter) (_ []Notification, err error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if filter.OutageID != "" {
		where = append(where, "outage_id = ?")
		args = append(args, filter.OutageID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("listing notifications", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()
	return collectNotifications(rows)
}

// ListStalePending returns PENDING records whose lease expired before now and
// that still have attempts left.
func (s *SQLiteNotificationStore) ListStalePending(ctx context.Context, now time.Time, limit int) (_ []Notification, err error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE status = ? AND (lease_until IS NULL OR lease_until <= ?) AND retry_count < max_attempts
		ORDER BY lease_until ASC LIMIT ?`,
		string(StatusPending), toMillis(now), limit)
	if err != nil {
		return nil, unavailable("listing stale notifications", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()
	return collectNotifications(rows)
}

func (s *SQLiteNotificationStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

func (s *SQLiteNotificationStore) missingOrInvalid(ctx context.Context, id string) error {
	n, err := s.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("notification %q is %s: %w", id, n.Status, ErrInvalidTransition)
}

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating notifications", err)
	}
	return out, nil
}

func scanNotification(row scanner) (*Notification, error) {
	var (
		n                                   Notification
		channel, kind, status               string
		nextAttempt, lease, sent, delivered sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := row.Scan(&n.ID, &n.Key.OutageID, &n.Key.UserID, &channel, &kind, &n.OutageVersion, &status,
		&n.Subject, &n.Body, &n.Locale, &n.Address, &n.ProviderMessageID, &n.RetryCount, &n.MaxAttempts,
		&n.LastError, &nextAttempt, &lease, &createdAt, &sent, &delivered, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scanning notification", err)
	}
	n.Key.Channel = ChannelType(channel)
	n.Key.Kind = NotificationKind(kind)
	n.Status = NotificationStatus(status)
	n.NextAttemptAt = timePtr(nextAttempt)
	n.LeaseUntil = timePtr(lease)
	n.SentAt = timePtr(sent)
	n.DeliveredAt = timePtr(delivered)
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return &n, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
