package scheduler_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/channel"
	"github.com/shaharia-lab/outagewatch/internal/dispatch"
	"github.com/shaharia-lab/outagewatch/internal/recipients"
	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/scheduler"
	"github.com/shaharia-lab/outagewatch/internal/storage"
	"github.com/shaharia-lab/outagewatch/internal/tracker"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// --- helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDirectory(t *testing.T) (*sql.DB, *storage.SQLiteDirectoryStore) {
	t.Helper()
	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := storage.NewSQLiteDirectoryStore(db)
	ctx := context.Background()
	require.NoError(t, dir.UpsertArea(ctx, &storage.Area{ID: "A1", Name: "Harbor District"}))
	users := []*storage.User{
		{
			ID: "u1", Name: "Amal", Email: "amal@example.com", Phone: "+94771111111", Active: true, AreaID: "A1",
			Preferences: []storage.NotificationPreference{
				{OutageType: storage.OutageWater, Channel: storage.ChannelEmail, Enabled: true, AdvanceNoticeMinutes: 60, ReceiveUpdates: true},
				{OutageType: storage.OutageWater, Channel: storage.ChannelSMS, Enabled: true, ReceiveUpdates: true},
			},
		},
		{
			ID: "u2", Name: "Bimal", Email: "bimal@example.com", Active: true, AreaID: "A1",
			Preferences: []storage.NotificationPreference{
				{OutageType: storage.OutageWater, Channel: storage.ChannelEmail, Enabled: true},
			},
		},
		{
			ID: "u3", Name: "Chathura", Active: true, AreaID: "A1",
			Preferences: []storage.NotificationPreference{
				// Advance notice wanted but no address for the channel.
				{OutageType: storage.OutageWater, Channel: storage.ChannelEmail, Enabled: true, AdvanceNoticeMinutes: 120},
			},
		},
	}
	for _, u := range users {
		require.NoError(t, dir.UpsertUser(ctx, u))
	}
	return db, dir
}

func waterOutage(id string, start time.Time) *storage.Outage {
	return &storage.Outage{ID: id, Type: storage.OutageWater, Status: storage.OutageScheduled,
		StartTime: start, AreaID: "A1", Version: 1}
}

// --- stubs ---

type submitted struct {
	outageID   string
	candidates []dispatch.Candidate
}

type stubSubmitter struct {
	mu        sync.Mutex
	advance   []submitted
	recovered [][]storage.Notification
	err       error
}

func (s *stubSubmitter) SubmitAdvance(_ context.Context, o *storage.Outage, c []dispatch.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.advance = append(s.advance, submitted{outageID: o.ID, candidates: c})
	return nil
}

func (s *stubSubmitter) Recover(_ context.Context, stale []storage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recovered = append(s.recovered, stale)
	return nil
}

func (s *stubSubmitter) Advance() []submitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submitted(nil), s.advance...)
}

func (s *stubSubmitter) Recovered() [][]storage.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]storage.Notification(nil), s.recovered...)
}

type stubStale struct {
	records []storage.Notification
	err     error
	limit   int
}

func (s *stubStale) Stale(_ context.Context, limit int) ([]storage.Notification, error) {
	s.limit = limit
	return s.records, s.err
}

type failingResolver struct {
	failFor string
	next    scheduler.RecipientResolver
}

func (f *failingResolver) Resolve(ctx context.Context, o *storage.Outage) ([]recipients.Recipient, error) {
	if o.ID == f.failFor {
		return nil, &recipients.ResolutionError{OutageID: o.ID, Err: errors.New("directory timeout")}
	}
	return f.next.Resolve(ctx, o)
}

type countingDispatcher struct {
	ch storage.ChannelType
	mu sync.Mutex
	n  int
}

func (d *countingDispatcher) Channel() storage.ChannelType { return d.ch }

func (d *countingDispatcher) Send(context.Context, string, render.Content) channel.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	return channel.Accept(fmt.Sprintf("%s-%d", d.ch, d.n))
}

func (d *countingDispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func newTickScheduler(t *testing.T, dir *storage.SQLiteDirectoryStore, clock clockwork.Clock, sub scheduler.Submitter) *scheduler.Scheduler {
	t.Helper()
	logger := newTestLogger()
	s, err := scheduler.New(scheduler.Config{
		Outages:  dir,
		Resolver: recipients.NewResolver(dir, logger),
		Engine:   sub,
		Clock:    clock,
		Logger:   logger,
		Interval: 5 * time.Minute,
		Horizon:  48 * time.Hour,
	})
	require.NoError(t, err)
	return s
}

// --- Tick ---

func TestScheduler_TickWindow(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-1", epoch.Add(24*time.Hour))))

	clock := clockwork.NewFakeClockAt(epoch)
	sub := &stubSubmitter{}
	s := newTickScheduler(t, dir, clock, sub)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outages)
	assert.Zero(t, res.Candidates)
	assert.Empty(t, sub.Advance())

	clock.Advance(23 * time.Hour)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TickResult{Outages: 1, Candidates: 1, Submitted: 1}, res)

	got := sub.Advance()
	require.Len(t, got, 1)
	assert.Equal(t, "o-1", got[0].outageID)
	require.Len(t, got[0].candidates, 1)
	assert.Equal(t, "u1", got[0].candidates[0].User.ID)
	assert.Equal(t, storage.ChannelEmail, got[0].candidates[0].Channel)

	// At the start instant the outage is no longer upcoming.
	clock.Advance(time.Hour)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Outages)
	assert.Len(t, sub.Advance(), 1)
}

func TestScheduler_TickBeyondHorizon(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-far", epoch.Add(72*time.Hour))))

	sub := &stubSubmitter{}
	s := newTickScheduler(t, dir, clockwork.NewFakeClockAt(epoch), sub)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Outages)
}

func TestScheduler_TickSkipsUnresolvableOutage(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-bad", epoch.Add(30*time.Minute))))
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-good", epoch.Add(40*time.Minute))))

	logger := newTestLogger()
	sub := &stubSubmitter{}
	s, err := scheduler.New(scheduler.Config{
		Outages:  dir,
		Resolver: &failingResolver{failFor: "o-bad", next: recipients.NewResolver(dir, logger)},
		Engine:   sub,
		Clock:    clockwork.NewFakeClockAt(epoch),
		Logger:   logger,
	})
	require.NoError(t, err)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Outages)
	got := sub.Advance()
	require.Len(t, got, 1)
	assert.Equal(t, "o-good", got[0].outageID)
}

func TestScheduler_TickReportsSubmitErrors(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-1", epoch.Add(30*time.Minute))))

	sub := &stubSubmitter{err: dispatch.ErrQueueFull}
	s := newTickScheduler(t, dir, clockwork.NewFakeClockAt(epoch), sub)

	res, err := s.Tick(ctx)
	require.ErrorIs(t, err, dispatch.ErrQueueFull)
	assert.Equal(t, 1, res.Candidates)
	assert.Zero(t, res.Submitted)
}

func TestScheduler_TickStoreUnavailable(t *testing.T) {
	db, dir := newDirectory(t)
	sub := &stubSubmitter{}
	s := newTickScheduler(t, dir, clockwork.NewFakeClockAt(epoch), sub)
	require.NoError(t, db.Close())

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestScheduler_NewRequiresCollaborators(t *testing.T) {
	_, err := scheduler.New(scheduler.Config{})
	assert.Error(t, err)
}

// --- recovery sweep ---

func TestScheduler_Sweep(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("re-queues stale records", func(t *testing.T) {
		sub := &stubSubmitter{}
		stale := &stubStale{records: []storage.Notification{{ID: "n-1"}, {ID: "n-2"}}}
		s, err := scheduler.New(scheduler.Config{
			Outages: dir, Resolver: recipients.NewResolver(dir, logger), Engine: sub,
			Stale: stale, RecoveryInterval: time.Minute, RecoveryBatch: 25, Logger: logger,
		})
		require.NoError(t, err)

		n, err := s.ExportedSweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 25, stale.limit)
		require.Len(t, sub.Recovered(), 1)
		assert.Len(t, sub.Recovered()[0], 2)
	})

	t.Run("nothing stale", func(t *testing.T) {
		sub := &stubSubmitter{}
		s, err := scheduler.New(scheduler.Config{
			Outages: dir, Resolver: recipients.NewResolver(dir, logger), Engine: sub,
			Stale: &stubStale{}, Logger: logger,
		})
		require.NoError(t, err)

		n, err := s.ExportedSweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, sub.Recovered())
	})

	t.Run("source error", func(t *testing.T) {
		s, err := scheduler.New(scheduler.Config{
			Outages: dir, Resolver: recipients.NewResolver(dir, logger), Engine: &stubSubmitter{},
			Stale: &stubStale{err: storage.ErrUnavailable}, Logger: logger,
		})
		require.NoError(t, err)

		_, err = s.ExportedSweep(ctx)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})
}

// --- gocron wiring ---

type stubLocker struct {
	mu    sync.Mutex
	deny  bool
	keys  []string
	count int
}

type noopLock struct{}

func (noopLock) Unlock(context.Context) error { return nil }

func (l *stubLocker) Lock(_ context.Context, key string) (gocron.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.deny {
		return nil, scheduler.ErrLockHeld
	}
	l.count++
	return noopLock{}, nil
}

func (l *stubLocker) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

func TestScheduler_StartRunsTickImmediately(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-now", time.Now().Add(30*time.Minute))))

	logger := newTestLogger()
	sub := &stubSubmitter{}
	locker := &stubLocker{}
	s, err := scheduler.New(scheduler.Config{
		Outages:  dir,
		Resolver: recipients.NewResolver(dir, logger),
		Engine:   sub,
		Logger:   logger,
		Interval: time.Hour,
		Locker:   locker,
	})
	require.NoError(t, err)

	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool { return len(sub.Advance()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, locker.Keys(), scheduler.JobAdvanceTick)
}

func TestScheduler_LockHeldSkipsRun(t *testing.T) {
	_, dir := newDirectory(t)
	ctx := context.Background()
	require.NoError(t, dir.UpsertOutage(ctx, waterOutage("o-now", time.Now().Add(30*time.Minute))))

	logger := newTestLogger()
	sub := &stubSubmitter{}
	locker := &stubLocker{deny: true}
	s, err := scheduler.New(scheduler.Config{
		Outages:  dir,
		Resolver: recipients.NewResolver(dir, logger),
		Engine:   sub,
		Logger:   logger,
		Interval: time.Hour,
		Locker:   locker,
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return len(locker.Keys()) > 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Empty(t, sub.Advance())
}

// --- end to end with the dispatch engine ---

type e2e struct {
	dir     *storage.SQLiteDirectoryStore
	tracker *tracker.Tracker
	clock   *clockwork.FakeClock
	email   *countingDispatcher
	sms     *countingDispatcher
	engine  *dispatch.Engine
	sched   *scheduler.Scheduler
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	db, dir := newDirectory(t)
	logger := newTestLogger()
	clock := clockwork.NewFakeClockAt(epoch)

	tr := tracker.New(storage.NewSQLiteNotificationStore(db), clock, tracker.Config{
		MaxAttempts: 3, BackoffBase: 10 * time.Second, BackoffMax: time.Minute, Lease: 5 * time.Minute,
	}, logger)
	catalogs, err := render.NewCatalogSource("", logger)
	require.NoError(t, err)

	env := &e2e{
		dir:     dir,
		tracker: tr,
		clock:   clock,
		email:   &countingDispatcher{ch: storage.ChannelEmail},
		sms:     &countingDispatcher{ch: storage.ChannelSMS},
	}
	env.engine = dispatch.New(dispatch.Config{Workers: 2, TriggerWorkers: 1}, dispatch.Deps{
		Directory: dir,
		Resolver:  recipients.NewResolver(dir, logger),
		Filter:    recipients.NewFilter(),
		Renderer:  render.NewRenderer(catalogs, time.UTC, clock),
		Channels:  channel.NewRegistry(env.email, env.sms),
		Tracker:   tr,
		Clock:     clock,
		Logger:    logger,
	})
	env.engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.engine.Close(ctx)
	})

	env.sched, err = scheduler.New(scheduler.Config{
		Outages:  dir,
		Resolver: recipients.NewResolver(dir, logger),
		Engine:   env.engine,
		Stale:    tr,
		Clock:    clock,
		Logger:   logger,
		Interval: 5 * time.Minute,
	})
	require.NoError(t, err)
	return env
}

func (e *e2e) tick(t *testing.T) {
	t.Helper()
	_, err := e.sched.Tick(context.Background())
	require.NoError(t, err)
	e.waitIdle(t)
}

func (e *e2e) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.engine.WaitIdle(ctx))
}

func (e *e2e) count(t *testing.T, outageID string, kind storage.NotificationKind) int {
	t.Helper()
	recs, err := e.tracker.List(context.Background(), storage.NotificationFilter{OutageID: outageID})
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Key.Kind == kind {
			n++
		}
	}
	return n
}

func TestScheduler_AdvanceWindowSendsOnce(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()
	o := waterOutage("o-w", epoch.Add(90*time.Minute))
	require.NoError(t, env.dir.UpsertOutage(ctx, o))

	// Ticks every 5 minutes across the whole 60-minute window.
	for env.clock.Now().Before(o.StartTime) {
		env.tick(t)
		env.clock.Advance(5 * time.Minute)
	}

	assert.Equal(t, 1, env.count(t, "o-w", storage.KindAdvance))
	assert.Equal(t, 1, env.email.Count())
	assert.Zero(t, env.sms.Count())
}

func TestScheduler_CreatedThenAdvanceScenario(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()
	o := waterOutage("o-w", epoch.Add(24*time.Hour))
	require.NoError(t, env.dir.UpsertOutage(ctx, o))
	require.NoError(t, env.engine.OnOutageCreated(ctx, o))
	env.waitIdle(t)

	// u1 email, u1 sms, u2 email.
	assert.Equal(t, 3, env.count(t, "o-w", storage.KindCreated))
	env.tick(t)
	assert.Zero(t, env.count(t, "o-w", storage.KindAdvance))

	env.clock.Advance(22*time.Hour + 55*time.Minute)
	env.tick(t)
	assert.Zero(t, env.count(t, "o-w", storage.KindAdvance))

	env.clock.Advance(5 * time.Minute)
	env.tick(t)
	assert.Equal(t, 1, env.count(t, "o-w", storage.KindAdvance))

	for range 6 {
		env.clock.Advance(5 * time.Minute)
		env.tick(t)
	}
	assert.Equal(t, 1, env.count(t, "o-w", storage.KindAdvance))
}

func TestScheduler_CancelledOutageGetsNoAdvance(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()
	o := waterOutage("o-w", epoch.Add(24*time.Hour))
	require.NoError(t, env.dir.UpsertOutage(ctx, o))
	require.NoError(t, env.engine.OnOutageCreated(ctx, o))
	env.waitIdle(t)

	env.clock.Advance(10 * time.Minute)
	cancelled := *o
	cancelled.Status = storage.OutageCancelled
	cancelled.Version = 2
	require.NoError(t, env.dir.UpsertOutage(ctx, &cancelled))
	require.NoError(t, env.engine.OnOutageCancelled(ctx, &cancelled))
	env.waitIdle(t)

	// Only u1 asked for updates, on both channels.
	assert.Equal(t, 2, env.count(t, "o-w", storage.KindCancelled))

	env.clock.Advance(23 * time.Hour)
	env.tick(t)
	assert.Zero(t, env.count(t, "o-w", storage.KindAdvance))
}
