package tracker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
	"github.com/shaharia-lab/outagewatch/internal/storage/mocks"
	"github.com/shaharia-lab/outagewatch/internal/tracker"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, cfg tracker.Config) (*tracker.Tracker, *clockwork.FakeClock) {
	t.Helper()
	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return tracker.New(storage.NewSQLiteNotificationStore(db), clock, cfg, logger), clock
}

func noJitter() tracker.Config {
	return tracker.Config{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  90 * time.Second,
		Lease:       5 * time.Minute,
	}
}

var key = storage.TaskKey{OutageID: "o-1", UserID: "u-1", Channel: storage.ChannelSMS, Kind: storage.KindCreated}

func TestTracker_RetryCap(t *testing.T) {
	tr, _ := newTracker(t, noJitter())
	ctx := context.Background()

	n, res, err := tr.Admit(ctx, key, 1)
	require.NoError(t, err)
	require.Equal(t, storage.Admitted, res)

	timeout := errors.New("gateway timeout")

	d, err := tr.MarkFailed(ctx, n.ID, false, timeout)
	require.NoError(t, err)
	assert.False(t, d.Final)
	assert.Equal(t, 1, d.RetryCount)
	assert.Equal(t, epoch.Add(30*time.Second), d.NextAttempt)

	d, err = tr.MarkFailed(ctx, n.ID, false, timeout)
	require.NoError(t, err)
	assert.False(t, d.Final)
	assert.Equal(t, epoch.Add(60*time.Second), d.NextAttempt)

	d, err = tr.MarkFailed(ctx, n.ID, false, timeout)
	require.NoError(t, err)
	assert.True(t, d.Final)
	assert.Equal(t, 3, d.RetryCount)

	got, err := tr.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "gateway timeout", got.LastError)

	// A finalized record is never admitted again.
	_, res, err = tr.Admit(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.Duplicate, res)
}

func TestTracker_PermanentFailure(t *testing.T) {
	tr, _ := newTracker(t, noJitter())
	ctx := context.Background()

	n, _, err := tr.Admit(ctx, key, 1)
	require.NoError(t, err)

	d, err := tr.MarkFailed(ctx, n.ID, true, errors.New("invalid number"))
	require.NoError(t, err)
	assert.True(t, d.Final)
	assert.Zero(t, d.RetryCount)

	got, err := tr.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
}

func TestTracker_SentAndConfirmed(t *testing.T) {
	tr, clock := newTracker(t, noJitter())
	ctx := context.Background()

	n, _, err := tr.Admit(ctx, key, 1)
	require.NoError(t, err)
	require.NoError(t, tr.SaveContent(ctx, n.ID, render.Content{Subject: "s", Body: "b", Locale: "en"}, "+94771234567"))
	require.NoError(t, tr.MarkSent(ctx, n.ID, "sms-1"))

	clock.Advance(time.Minute)
	got, err := tr.ConfirmByProviderMessageID(ctx, storage.ChannelSMS, "sms-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, got.Status)
	assert.Equal(t, "+94771234567", got.Address)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, epoch.Add(time.Minute), *got.DeliveredAt)

	_, err = tr.ConfirmByProviderMessageID(ctx, storage.ChannelSMS, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = tr.ConfirmByProviderMessageID(ctx, storage.ChannelSMS, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTracker_StaleAfterLease(t *testing.T) {
	tr, clock := newTracker(t, noJitter())
	ctx := context.Background()

	_, _, err := tr.Admit(ctx, key, 1)
	require.NoError(t, err)

	stale, err := tr.Stale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.Advance(6 * time.Minute)
	stale, err = tr.Stale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	_, res, err := tr.Admit(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.Reclaimed, res)
}

func TestTracker_Renew(t *testing.T) {
	tr, clock := newTracker(t, noJitter())
	ctx := context.Background()

	n, _, err := tr.Admit(ctx, key, 1)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	require.NoError(t, tr.Renew(ctx, n.ID))

	clock.Advance(4 * time.Minute)
	stale, err := tr.Stale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "renewed lease runs from the renewal")

	require.NoError(t, tr.MarkSent(ctx, n.ID, "m-1"))
	assert.ErrorIs(t, tr.Renew(ctx, n.ID), storage.ErrInvalidTransition)
}

func TestTracker_Backoff(t *testing.T) {
	tr, _ := newTracker(t, noJitter())

	assert.Equal(t, 30*time.Second, tr.Backoff(1))
	assert.Equal(t, 60*time.Second, tr.Backoff(2))
	assert.Equal(t, 90*time.Second, tr.Backoff(3))
	assert.Equal(t, 90*time.Second, tr.Backoff(10))
	assert.Equal(t, 30*time.Second, tr.Backoff(0))

	jittered, _ := newTracker(t, tracker.Config{BackoffBase: 10 * time.Second, BackoffMax: time.Minute, Jitter: 0.5})
	for range 20 {
		d := jittered.Backoff(1)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second+time.Nanosecond)
	}
}

func TestTracker_Defaults(t *testing.T) {
	tr, _ := newTracker(t, tracker.Config{})
	assert.Equal(t, tracker.DefaultConfig().MaxAttempts, tr.Config().MaxAttempts)
	assert.Equal(t, tracker.DefaultConfig().Lease, tr.Config().Lease)
}

func TestTracker_StoreUnavailable(t *testing.T) {
	store := &mocks.MockNotificationStore{}
	store.On("Admit", mock.Anything, mock.Anything).
		Return(nil, storage.AdmitResult(""), errors.Join(storage.ErrUnavailable, errors.New("disk I/O error")))

	tr := tracker.New(store, clockwork.NewFakeClockAt(epoch), noJitter(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, _, err := tr.Admit(context.Background(), key, 1)
	require.Error(t, err)
	assert.True(t, tracker.IsUnavailable(err))
	store.AssertExpectations(t)
}
