package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

func newNotificationStore(t *testing.T) *storage.SQLiteNotificationStore {
	t.Helper()
	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewSQLiteNotificationStore(db)
}

func admitReq(key storage.TaskKey, version int64, now time.Time) storage.AdmitRequest {
	return storage.AdmitRequest{
		Key:           key,
		OutageVersion: version,
		MaxAttempts:   3,
		Now:           now,
		LeaseUntil:    now.Add(time.Hour),
	}
}

func TestSQLiteNotificationStore_Admit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	key := storage.TaskKey{OutageID: "o-1", UserID: "u-1", Channel: storage.ChannelEmail, Kind: storage.KindCreated}

	t.Run("first admission creates pending record", func(t *testing.T) {
		store := newNotificationStore(t)
		n, res, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)
		assert.Equal(t, storage.Admitted, res)
		assert.Equal(t, storage.StatusPending, n.Status)
		assert.Equal(t, 0, n.RetryCount)
		assert.Equal(t, 3, n.MaxAttempts)

		got, err := store.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, key, got.Key)
		assert.Equal(t, now, got.CreatedAt)
	})

	t.Run("in-flight record is a duplicate", func(t *testing.T) {
		store := newNotificationStore(t)
		_, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		_, res, err := store.Admit(ctx, admitReq(key, 1, now.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, storage.Duplicate, res)
	})

	t.Run("sent record is a duplicate", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)
		require.NoError(t, store.MarkSent(ctx, n.ID, "msg-1", now))

		_, res, err := store.Admit(ctx, admitReq(key, 1, now.Add(2*time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, storage.Duplicate, res)
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		later := now.Add(2 * time.Hour)
		got, res, err := store.Admit(ctx, admitReq(key, 1, later))
		require.NoError(t, err)
		assert.Equal(t, storage.Reclaimed, res)
		assert.Equal(t, n.ID, got.ID)
		require.NotNil(t, got.LeaseUntil)
		assert.Equal(t, later.Add(time.Hour), *got.LeaseUntil)
	})

	t.Run("updated kind dedups per outage version", func(t *testing.T) {
		store := newNotificationStore(t)
		upd := key
		upd.Kind = storage.KindUpdated

		_, res, err := store.Admit(ctx, admitReq(upd, 1, now))
		require.NoError(t, err)
		assert.Equal(t, storage.Admitted, res)

		_, res, err = store.Admit(ctx, admitReq(upd, 2, now))
		require.NoError(t, err)
		assert.Equal(t, storage.Admitted, res)

		_, res, err = store.Admit(ctx, admitReq(upd, 2, now))
		require.NoError(t, err)
		assert.Equal(t, storage.Duplicate, res)
	})

	t.Run("created kind ignores version", func(t *testing.T) {
		store := newNotificationStore(t)
		_, res, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)
		assert.Equal(t, storage.Admitted, res)

		_, res, err = store.Admit(ctx, admitReq(key, 9, now))
		require.NoError(t, err)
		assert.Equal(t, storage.Duplicate, res)
	})
}

func TestSQLiteNotificationStore_ConcurrentAdmit(t *testing.T) {
	store := newNotificationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	key := storage.TaskKey{OutageID: "o-1", UserID: "u-1", Channel: storage.ChannelSMS, Kind: storage.KindAdvance}

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, res, err := store.Admit(ctx, admitReq(key, 1, now))
			assert.NoError(t, err)
			if res == storage.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestSQLiteNotificationStore_Transitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	key := storage.TaskKey{OutageID: "o-1", UserID: "u-1", Channel: storage.ChannelMessagingApp, Kind: storage.KindCreated}

	t.Run("pending to sent to delivered", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		require.NoError(t, store.SaveContent(ctx, n.ID, "Power outage", "body", "en", "+9477"))
		require.NoError(t, store.MarkSent(ctx, n.ID, "wa-123", now.Add(time.Second)))

		found, err := store.FindByProviderMessageID(ctx, storage.ChannelMessagingApp, "wa-123")
		require.NoError(t, err)
		assert.Equal(t, n.ID, found.ID)
		assert.Equal(t, "Power outage", found.Subject)
		assert.Nil(t, found.LeaseUntil)

		require.NoError(t, store.MarkDelivered(ctx, n.ID, now.Add(time.Minute)))
		// A second confirmation is accepted without changing the record.
		require.NoError(t, store.MarkDelivered(ctx, n.ID, now.Add(2*time.Minute)))

		got, err := store.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusDelivered, got.Status)
		require.NotNil(t, got.DeliveredAt)
		assert.Equal(t, now.Add(time.Minute), *got.DeliveredAt)
	})

	t.Run("delivered requires sent", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		err = store.MarkDelivered(ctx, n.ID, now)
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		require.NoError(t, store.MarkFailed(ctx, n.ID, "rejected", now))
		assert.ErrorIs(t, store.MarkSent(ctx, n.ID, "x", now), storage.ErrInvalidTransition)
		_, err = store.RecordRetry(ctx, n.ID, "again", now, now, now)
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	})

	t.Run("record retry counts attempts", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		next := now.Add(30 * time.Second)
		count, err := store.RecordRetry(ctx, n.ID, "timeout", next, next.Add(time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = store.RecordRetry(ctx, n.ID, "timeout", next, next.Add(time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		got, err := store.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, "timeout", got.LastError)
		require.NotNil(t, got.NextAttemptAt)
		assert.Equal(t, next, *got.NextAttemptAt)
	})

	t.Run("renew lease keeps record out of the stale list", func(t *testing.T) {
		store := newNotificationStore(t)
		n, _, err := store.Admit(ctx, admitReq(key, 1, now))
		require.NoError(t, err)

		later := now.Add(90 * time.Minute)
		require.NoError(t, store.RenewLease(ctx, n.ID, later.Add(time.Hour), later))
		stale, err := store.ListStalePending(ctx, later.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		require.NoError(t, store.MarkSent(ctx, n.ID, "m-1", later))
		assert.ErrorIs(t, store.RenewLease(ctx, n.ID, later.Add(time.Hour), later), storage.ErrInvalidTransition)
	})

	t.Run("unknown id", func(t *testing.T) {
		store := newNotificationStore(t)
		assert.ErrorIs(t, store.MarkSent(ctx, "nope", "x", now), storage.ErrNotFound)
	})
}

func TestSQLiteNotificationStore_Listing(t *testing.T) {
	store := newNotificationStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	var ids []string
	for i, ch := range storage.AllChannels {
		key := storage.TaskKey{OutageID: "o-1", UserID: "u-1", Channel: ch, Kind: storage.KindCreated}
		n, _, err := store.Admit(ctx, admitReq(key, 1, now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	require.NoError(t, store.MarkSent(ctx, ids[0], "m-0", now))

	all, err := store.ListNotifications(ctx, storage.NotificationFilter{OutageID: "o-1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID)

	pending, err := store.ListNotifications(ctx, storage.NotificationFilter{Status: storage.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	stale, err := store.ListStalePending(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 3)

	stale, err = store.ListStalePending(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
