// Package tracker owns the lifecycle of notification records: admission
// under the dedup guard, status transitions, and the retry policy.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Config is the retry policy.
type Config struct {
	// MaxAttempts is the total number of send attempts, first one included.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt. It doubles per
	// attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1).
	Jitter float64
	// Lease is how long an admitted record is considered in flight.
	Lease time.Duration
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
		Jitter:      0.2,
		Lease:       10 * time.Minute,
	}
}

// Decision is the tracker's verdict after a failed attempt.
type Decision struct {
	// Final is true when the record is now FAILED.
	Final      bool
	RetryCount int
	// NextAttempt is when the task may run again. Zero when Final.
	NextAttempt time.Time
}

// Tracker records delivery state in a NotificationStore.
type Tracker struct {
	store  storage.NotificationStore
	clock  clockwork.Clock
	config Config
	logger *slog.Logger
}

// New creates a Tracker. Zero config fields take their defaults.
func New(store storage.NotificationStore, clock clockwork.Clock, config Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax < config.BackoffBase {
		config.BackoffMax = max(def.BackoffMax, config.BackoffBase)
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = 0
	}
	if config.Lease <= 0 {
		config.Lease = def.Lease
	}
	return &Tracker{store: store, clock: clock, config: config, logger: logger}
}

// Config returns the effective retry policy.
func (t *Tracker) Config() Config { return t.config }

// Admit asks for permission to deliver key. Only Admitted and Reclaimed
// results may proceed to sending.
func (t *Tracker) Admit(ctx context.Context, key storage.TaskKey, outageVersion int64) (*storage.Notification, storage.AdmitResult, error) {
	now := t.clock.Now()
	n, res, err := t.store.Admit(ctx, storage.AdmitRequest{
		Key:           key,
		OutageVersion: outageVersion,
		MaxAttempts:   t.config.MaxAttempts,
		Now:           now,
		LeaseUntil:    now.Add(t.config.Lease),
	})
	if err != nil {
		return nil, "", fmt.Errorf("admitting %s: %w", key, err)
	}
	return n, res, nil
}

// Renew extends the lease of a record that is still PENDING, keeping it out of
// the recovery sweep while its task waits or sends. It wraps
// storage.ErrInvalidTransition when the record was finalized elsewhere.
func (t *Tracker) Renew(ctx context.Context, id string) error {
	now := t.clock.Now()
	if err := t.store.RenewLease(ctx, id, now.Add(t.config.Lease), now); err != nil {
		return fmt.Errorf("renewing lease of %s: %w", id, err)
	}
	return nil
}

// SaveContent stores the rendered snapshot and the address it goes to.
func (t *Tracker) SaveContent(ctx context.Context, id string, content render.Content, address string) error {
	if err := t.store.SaveContent(ctx, id, content.Subject, content.Body, content.Locale, address); err != nil {
		return fmt.Errorf("saving content for %s: %w", id, err)
	}
	return nil
}

// MarkSent records provider acceptance.
func (t *Tracker) MarkSent(ctx context.Context, id, providerMessageID string) error {
	if err := t.store.MarkSent(ctx, id, providerMessageID, t.clock.Now()); err != nil {
		return fmt.Errorf("marking %s sent: %w", id, err)
	}
	return nil
}

// MarkDelivered records a delivery confirmation. The record must be SENT;
// confirming an already delivered record is a no-op.
func (t *Tracker) MarkDelivered(ctx context.Context, id string) error {
	if err := t.store.MarkDelivered(ctx, id, t.clock.Now()); err != nil {
		return fmt.Errorf("marking %s delivered: %w", id, err)
	}
	return nil
}

// ConfirmByProviderMessageID marks the record carrying the provider message id
// as delivered and returns it.
func (t *Tracker) ConfirmByProviderMessageID(ctx context.Context, ch storage.ChannelType, providerMessageID string) (*storage.Notification, error) {
	if providerMessageID == "" {
		return nil, fmt.Errorf("provider message id is required: %w", storage.ErrNotFound)
	}
	n, err := t.store.FindByProviderMessageID(ctx, ch, providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("finding %s message %s: %w", ch, providerMessageID, err)
	}
	if err := t.MarkDelivered(ctx, n.ID); err != nil {
		return nil, err
	}
	return t.store.GetNotification(ctx, n.ID)
}

// MarkFailed applies the retry policy to a failed attempt. Permanent failures
// finalize the record at once. Transient failures count against MaxAttempts
// and are scheduled after an exponential backoff until the budget runs out.
func (t *Tracker) MarkFailed(ctx context.Context, id string, permanent bool, cause error) (Decision, error) {
	now := t.clock.Now()
	reason := errorText(cause)

	if permanent {
		if err := t.store.MarkFailed(ctx, id, reason, now); err != nil {
			return Decision{}, fmt.Errorf("marking %s failed: %w", id, err)
		}
		return Decision{Final: true}, nil
	}

	current, err := t.store.GetNotification(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("loading %s: %w", id, err)
	}
	next := now.Add(t.Backoff(current.RetryCount + 1))
	count, err := t.store.RecordRetry(ctx, id, reason, next, next.Add(t.config.Lease), now)
	if err != nil {
		return Decision{}, fmt.Errorf("recording retry for %s: %w", id, err)
	}
	if count >= current.MaxAttempts {
		if err := t.store.MarkFailed(ctx, id, reason, now); err != nil {
			return Decision{}, fmt.Errorf("finalizing %s: %w", id, err)
		}
		t.logger.Warn("notification retries exhausted",
			"notification_id", id,
			"attempts", count,
			"error", reason,
		)
		return Decision{Final: true, RetryCount: count}, nil
	}
	return Decision{RetryCount: count, NextAttempt: next}, nil
}

// Backoff returns the delay before the attempt that follows the given number
// of failures: base × 2^(failures−1), capped at BackoffMax, jittered.
func (t *Tracker) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     t.config.BackoffBase,
		RandomizationFactor: t.config.Jitter,
		Multiplier:          2,
		MaxInterval:         t.config.BackoffMax,
	}
	b.Reset()
	var d time.Duration
	for range failures {
		d = b.NextBackOff()
	}
	return d
}

// Stale returns PENDING records whose lease has lapsed and that still have
// attempts left.
func (t *Tracker) Stale(ctx context.Context, limit int) ([]storage.Notification, error) {
	out, err := t.store.ListStalePending(ctx, t.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale notifications: %w", err)
	}
	return out, nil
}

// Get returns one record.
func (t *Tracker) Get(ctx context.Context, id string) (*storage.Notification, error) {
	return t.store.GetNotification(ctx, id)
}

// List returns records matching the filter, newest first.
func (t *Tracker) List(ctx context.Context, filter storage.NotificationFilter) ([]storage.Notification, error) {
	return t.store.ListNotifications(ctx, filter)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// IsUnavailable reports whether err comes from the store itself rather than
// from the record.
func IsUnavailable(err error) bool {
	return errors.Is(err, storage.ErrUnavailable)
}
