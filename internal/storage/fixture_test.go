package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

func TestLoadFixture_Apply(t *testing.T) {
	fx, err := storage.LoadFixture(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)
	require.Len(t, fx.Areas, 2)
	require.Len(t, fx.Users, 2)
	require.Len(t, fx.Outages, 1)

	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewSQLiteDirectoryStore(db)
	ctx := context.Background()

	stats, err := fx.Apply(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, storage.FixtureStats{Areas: 2, Users: 2, Outages: 1}, stats)

	u, err := store.GetUser(ctx, "u-100")
	require.NoError(t, err)
	p, ok := u.Preference(storage.OutageWater, storage.ChannelEmail)
	require.True(t, ok)
	assert.Equal(t, 60, p.AdvanceNoticeMinutes)
	assert.True(t, p.ReceiveRestoration)

	o, err := store.GetOutage(ctx, "out-2026-001")
	require.NoError(t, err)
	assert.Equal(t, "Main pipe replacement", o.Reason)
	require.NotNil(t, o.EstimatedEndTime)

	area, err := store.GetArea(ctx, "hillside")
	require.NoError(t, err)
	assert.Len(t, area.Boundary, 4)

	// Applying twice is an upsert, not a duplicate insert.
	_, err = fx.Apply(ctx, store)
	require.NoError(t, err)
}

func TestLoadFixture_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := storage.LoadFixture(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	typo := filepath.Join(dir, "typo.yaml")
	require.NoError(t, os.WriteFile(typo, []byte("users:\n  - id: u-1\n    emial: x@example.com\n"), 0600))
	_, err = storage.LoadFixture(typo)
	assert.Error(t, err)
}

func TestFixture_ApplyRejectsBadData(t *testing.T) {
	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewSQLiteDirectoryStore(db)

	fx := &storage.Fixture{Users: []storage.User{{
		ID: "u-1", Active: true, AreaID: "a",
		Preferences: []storage.NotificationPreference{{OutageType: storage.OutageGas, Channel: "PIGEON", Enabled: true}},
	}}}
	_, err = fx.Apply(context.Background(), store)
	assert.ErrorContains(t, err, "unknown channel")

	fx = &storage.Fixture{Outages: []storage.Outage{{ID: "o-1", Type: storage.OutageGas, Status: storage.OutageScheduled}}}
	_, err = fx.Apply(context.Background(), store)
	assert.ErrorContains(t, err, "area is required")
}
