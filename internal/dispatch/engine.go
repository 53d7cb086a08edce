// Package dispatch turns outage lifecycle events and scheduler batches into
// delivered notifications.
//
// A trigger (one event or one batch) is resolved, filtered and admitted on a
// small pool of trigger partitions; all triggers of one outage share a
// partition and run in arrival order. Every admitted task then joins a lane
// keyed by outage, user and channel; lanes are served by the task worker
// pool, one task per lane at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/outagewatch/internal/audit"
	"github.com/shaharia-lab/outagewatch/internal/channel"
	"github.com/shaharia-lab/outagewatch/internal/eventbus"
	"github.com/shaharia-lab/outagewatch/internal/recipients"
	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
	"github.com/shaharia-lab/outagewatch/internal/tracker"
)

// ErrQueueFull is returned when the trigger buffer is saturated.
var ErrQueueFull = errors.New("dispatch: trigger queue full")

// ErrClosed is returned once the engine is shutting down.
var ErrClosed = errors.New("dispatch: engine closed")

var (
	errSuperseded = errors.New("superseded by a newer outage version")
	errNotClaimed = errors.New("notification not claimed")
)

// Config sizes the engine.
type Config struct {
	Workers int
	// TriggerWorkers is the number of trigger partitions.
	TriggerWorkers int
	TriggerQueue   int
	// TriggerRetries is how many times a trigger aborted by an unavailable
	// store is retried in place before it is dropped.
	TriggerRetries int
	TriggerBackoff time.Duration
	SendTimeout    time.Duration
	Channels       map[storage.ChannelType]ChannelLimit
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.TriggerWorkers <= 0 {
		c.TriggerWorkers = 2
	}
	if c.TriggerQueue <= 0 {
		c.TriggerQueue = 256
	}
	if c.TriggerRetries < 0 {
		c.TriggerRetries = 0
	}
	if c.TriggerBackoff <= 0 {
		c.TriggerBackoff = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Directory is the read side of the directory store the engine needs.
type Directory interface {
	GetOutage(ctx context.Context, id string) (*storage.Outage, error)
	GetArea(ctx context.Context, id string) (*storage.Area, error)
	GetUser(ctx context.Context, id string) (*storage.User, error)
}

// ContentRenderer renders one notification.
type ContentRenderer interface {
	Render(outage *storage.Outage, user *storage.User, ch storage.ChannelType, kind storage.NotificationKind) (render.Content, error)
}

// Auditor receives audit entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Metrics observes the engine. All methods must be safe for concurrent use.
type Metrics interface {
	TriggerHandled(kind storage.NotificationKind, outcome string)
	TaskAdmitted(ch storage.ChannelType, kind storage.NotificationKind, result storage.AdmitResult)
	TaskFinished(ch storage.ChannelType, kind storage.NotificationKind, state string)
	SendAttempt(ch storage.ChannelType, result string, d time.Duration)
	QueueDepth(n int)
}

// Deps are the engine's collaborators. Audit and Metrics may be nil.
type Deps struct {
	Directory Directory
	Resolver  *recipients.Resolver
	Filter    *recipients.Filter
	Renderer  ContentRenderer
	Channels  *channel.Registry
	Tracker   *tracker.Tracker
	Audit     Auditor
	Metrics   Metrics
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Engine is the dispatch orchestrator.
type Engine struct {
	cfg  Config
	deps Deps

	bus      *eventbus.Partitioned[trigger]
	queue    *laneQueue
	gates    map[storage.ChannelType]*channelGate
	versions *versionTracker
	tracer   trace.Tracer
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
	stopping chan struct{}
}

// New builds an engine. Call Start to begin processing.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Audit == nil {
		deps.Audit = noopAuditor{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		bus:      eventbus.NewPartitioned[trigger]("triggers", cfg.TriggerWorkers, cfg.TriggerQueue, trigger.outageID, deps.Logger),
		queue:    newLaneQueue(deps.Clock),
		gates:    newChannelGates(cfg.Channels, cfg.Workers),
		versions: newVersionTracker(),
		tracer:   otel.Tracer("github.com/shaharia-lab/outagewatch/internal/dispatch"),
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	e.bus.Subscribe(e.runTrigger)

	for _, c := range deps.Channels.Confirmers() {
		c.OnDelivered(func(ctx context.Context, conf channel.Confirmation) {
			actor := audit.Actor{Kind: "provider", ID: string(conf.Channel)}
			if _, err := e.Confirm(ctx, conf, actor); err != nil {
				e.logger.Warn("delivery receipt not applied",
					"channel", conf.Channel,
					"provider_message_id", conf.ProviderMessageID,
					"error", err,
				)
			}
		})
	}
	return e
}

// Start launches the task workers.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.work()
		}()
	}
	e.logger.Info("dispatch engine started",
		"workers", e.cfg.Workers,
		"trigger_workers", e.cfg.TriggerWorkers,
		"channels", e.deps.Channels.Channels(),
	)
}

// OnOutageCreated notifies about a new outage.
func (e *Engine) OnOutageCreated(ctx context.Context, o *storage.Outage) error {
	return e.submitEvent(ctx, o, storage.KindCreated)
}

// OnOutageUpdated notifies about a change. A status of CANCELLED or
// COMPLETED routes to the cancellation or restoration notice instead.
func (e *Engine) OnOutageUpdated(ctx context.Context, o *storage.Outage) error {
	if o == nil {
		return fmt.Errorf("outage is required")
	}
	return e.submitEvent(ctx, o, KindForStatus(o))
}

// OnOutageCancelled notifies that an outage will not happen.
func (e *Engine) OnOutageCancelled(ctx context.Context, o *storage.Outage) error {
	return e.submitEvent(ctx, o, storage.KindCancelled)
}

// OnOutageRestored notifies that service is back.
func (e *Engine) OnOutageRestored(ctx context.Context, o *storage.Outage) error {
	return e.submitEvent(ctx, o, storage.KindRestored)
}

// SubmitAdvance queues advance notices for candidates the scheduler found
// inside their window.
func (e *Engine) SubmitAdvance(_ context.Context, o *storage.Outage, candidates []Candidate) error {
	if o == nil {
		return fmt.Errorf("outage is required")
	}
	if len(candidates) == 0 {
		return nil
	}
	return e.publish(trigger{
		source:     sourceAdvance,
		kind:       storage.KindAdvance,
		outage:     o,
		candidates: candidates,
	})
}

// Recover re-queues PENDING records whose lease lapsed, typically after a
// crash. Records are grouped into one trigger per outage. Records still held
// by a lane of this engine are left alone.
func (e *Engine) Recover(_ context.Context, stale []storage.Notification) error {
	var order []string
	byOutage := make(map[string][]storage.Notification)
	for _, n := range stale {
		id := n.Key.OutageID
		if _, ok := byOutage[id]; !ok {
			order = append(order, id)
		}
		byOutage[id] = append(byOutage[id], n)
	}
	for _, id := range order {
		if err := e.publish(trigger{source: sourceRecovery, stale: byOutage[id]}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submitEvent(_ context.Context, o *storage.Outage, kind storage.NotificationKind) error {
	if o == nil {
		return fmt.Errorf("outage is required")
	}
	if err := o.Validate(); err != nil {
		return err
	}
	return e.publish(trigger{
		source: sourceEvent,
		kind:   kind,
		outage: o,
	})
}

func (e *Engine) publish(tr trigger) error {
	if e.closed.Load() {
		return ErrClosed
	}
	switch err := e.bus.Publish(tr); {
	case errors.Is(err, eventbus.ErrFull):
		return ErrQueueFull
	case errors.Is(err, eventbus.ErrClosed):
		return ErrClosed
	case err != nil:
		return err
	}
	return nil
}

// Confirm applies a provider delivery confirmation.
func (e *Engine) Confirm(ctx context.Context, c channel.Confirmation, actor audit.Actor) (*storage.Notification, error) {
	n, err := e.deps.Tracker.ConfirmByProviderMessageID(ctx, c.Channel, c.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	e.delivered(ctx, n, actor)
	return n, nil
}

// ConfirmNotification marks a record delivered by id.
func (e *Engine) ConfirmNotification(ctx context.Context, id string, actor audit.Actor) (*storage.Notification, error) {
	if err := e.deps.Tracker.MarkDelivered(ctx, id); err != nil {
		return nil, err
	}
	n, err := e.deps.Tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.delivered(ctx, n, actor)
	return n, nil
}

func (e *Engine) delivered(ctx context.Context, n *storage.Notification, actor audit.Actor) {
	e.deps.Metrics.TaskFinished(n.Key.Channel, n.Key.Kind, string(StateDelivered))
	e.deps.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionDelivered,
		EntityType: "notification",
		EntityID:   n.ID,
		Actor:      actor,
		Detail: map[string]string{
			"channel":             string(n.Key.Channel),
			"provider_message_id": n.ProviderMessageID,
		},
	})
	e.logger.Info("notification delivered",
		"notification_id", n.ID,
		"outage_id", n.Key.OutageID,
		"user_id", n.Key.UserID,
		"channel", n.Key.Channel,
	)
}

// Pending returns the number of triggers and tasks not yet finished.
func (e *Engine) Pending() int {
	return int(e.bus.Pending()) + e.queue.size()
}

// WaitIdle blocks until no trigger or task is pending. Tasks waiting for a
// retry count as pending.
func (e *Engine) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting triggers, lets queued work finish until ctx expires,
// then stops the workers. Triggers waiting to retry are dropped. Records
// abandoned mid-flight stay PENDING and are picked up by the recovery sweep
// after their lease.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopping)
	e.bus.Close()
	waitErr := e.WaitIdle(ctx)
	e.cancel()
	abandoned := e.queue.close()
	e.wg.Wait()
	if abandoned > 0 {
		e.logger.Warn("dispatch engine stopped with queued tasks", "abandoned", abandoned)
	}
	e.logger.Info("dispatch engine stopped")
	if waitErr != nil {
		return fmt.Errorf("waiting for dispatch queue: %w", waitErr)
	}
	return nil
}

// --- trigger stage ---

// runTrigger handles tr, retrying in place while the store is unavailable.
// Later triggers for the same outage wait on the partition meanwhile.
func (e *Engine) runTrigger(tr trigger) {
	for attempt := 0; ; attempt++ {
		err := e.handleTrigger(tr, attempt)
		if err == nil {
			return
		}
		if attempt >= e.cfg.TriggerRetries {
			e.logger.Error("dropping trigger after repeated store failures",
				"source", tr.source,
				"kind", tr.kind,
				"outage_id", tr.outageID(),
				"attempts", attempt+1,
				"error", err,
			)
			e.deps.Metrics.TriggerHandled(tr.kind, "abandoned")
			return
		}
		delay := e.triggerDelay(attempt + 1)
		e.logger.Warn("store unavailable, retrying trigger",
			"source", tr.source,
			"kind", tr.kind,
			"outage_id", tr.outageID(),
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err,
		)
		e.deps.Metrics.TriggerHandled(tr.kind, "retrying")
		select {
		case <-e.deps.Clock.After(delay):
		case <-e.stopping:
			e.logger.Warn("engine closing, dropping trigger", "kind", tr.kind, "outage_id", tr.outageID())
			e.deps.Metrics.TriggerHandled(tr.kind, "abandoned")
			return
		}
	}
}

// handleTrigger runs one attempt of tr. It returns an error only when the
// store was unavailable and the trigger should be retried.
func (e *Engine) handleTrigger(tr trigger, attempt int) error {
	ctx, span := e.tracer.Start(e.ctx, "dispatch.trigger", trace.WithAttributes(
		attribute.String("source", string(tr.source)),
		attribute.String("kind", string(tr.kind)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	if tr.source == sourceRecovery {
		e.recoverStale(ctx, tr)
		return nil
	}

	outage := tr.outage
	span.SetAttributes(attribute.String("outage_id", outage.ID))
	log := e.logger.With("outage_id", outage.ID, "kind", tr.kind)

	if err := e.ensureArea(ctx, outage); err != nil {
		if tracker.IsUnavailable(err) {
			return err
		}
		rerr := &recipients.ResolutionError{OutageID: outage.ID, Err: err}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, "area lookup failed")
		log.Error("skipping trigger, outage area could not be loaded", "area_id", outage.AreaID, "error", rerr)
		e.deps.Metrics.TriggerHandled(tr.kind, "resolution_failed")
		return nil
	}

	version := outage.EffectiveVersion()
	if !e.versions.observe(outage.ID, version) && tr.kind == storage.KindUpdated {
		log.Debug("update superseded by a newer version", "version", version)
		e.deps.Metrics.TriggerHandled(tr.kind, RejectSuperseded)
		return nil
	}

	candidates := tr.candidates
	if tr.source == sourceEvent {
		recips, err := e.deps.Resolver.Resolve(ctx, outage)
		if err != nil {
			if tracker.IsUnavailable(err) {
				return err
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolution failed")
			log.Error("skipping trigger, recipients could not be resolved", "error", err)
			e.deps.Metrics.TriggerHandled(tr.kind, "resolution_failed")
			return nil
		}
		for _, r := range recips {
			for _, ch := range e.deps.Filter.Dispatchable(r.User, outage, tr.kind) {
				candidates = append(candidates, Candidate{User: r.User, Channel: ch})
			}
		}
	}

	admitted := 0
	for _, c := range candidates {
		if _, err := e.deps.Channels.Get(c.Channel); err != nil {
			log.Debug("no dispatcher for channel, skipping", "channel", c.Channel, "user_id", c.User.ID)
			continue
		}
		if tr.kind == storage.KindUpdated && e.versions.superseded(outage.ID, version) {
			log.Debug("update superseded mid-batch", "version", version)
			e.deps.Metrics.TriggerHandled(tr.kind, RejectSuperseded)
			return nil
		}

		key := storage.TaskKey{OutageID: outage.ID, UserID: c.User.ID, Channel: c.Channel, Kind: tr.kind}
		n, res, err := e.deps.Tracker.Admit(ctx, key, version)
		if err != nil {
			if tracker.IsUnavailable(err) {
				return err
			}
			log.Error("admission failed", "user_id", c.User.ID, "channel", c.Channel, "error", err)
			continue
		}
		e.deps.Metrics.TaskAdmitted(c.Channel, tr.kind, res)
		if res == storage.Duplicate {
			log.Debug("notification suppressed",
				"reason", RejectDuplicate,
				"user_id", c.User.ID,
				"channel", c.Channel,
			)
			continue
		}

		t := &task{
			key:            key,
			notificationID: n.ID,
			outageVersion:  version,
			outage:         outage,
			user:           c.User,
			address:        c.User.Address(c.Channel),
			state:          StateNew,
		}
		e.transition(t, StateAdmitted)
		if !e.queue.push(t) {
			log.Warn("engine closing, admitted task left for recovery", "notification_id", n.ID)
			continue
		}
		admitted++
	}

	e.deps.Metrics.QueueDepth(e.queue.size())
	e.deps.Metrics.TriggerHandled(tr.kind, "processed")
	log.Info("trigger processed",
		"source", tr.source,
		"candidates", len(candidates),
		"admitted", admitted,
	)
	return nil
}

// ensureArea fills in the outage's area from the directory when the event
// arrived without it.
func (e *Engine) ensureArea(ctx context.Context, o *storage.Outage) error {
	if o.Area != nil || o.AreaID == "" {
		return nil
	}
	area, err := e.deps.Directory.GetArea(ctx, o.AreaID)
	if err != nil {
		return err
	}
	o.Area = area
	return nil
}

func (e *Engine) triggerDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.TriggerBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()
	var d time.Duration
	for range attempt {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) recoverStale(ctx context.Context, tr trigger) {
	recovered := 0
	for _, n := range tr.stale {
		log := e.logger.With("notification_id", n.ID, "outage_id", n.Key.OutageID, "user_id", n.Key.UserID)
		if e.queue.holds(n.ID) {
			log.Debug("stale record still queued, skipping")
			continue
		}

		outage, err := e.deps.Directory.GetOutage(ctx, n.Key.OutageID)
		if err == nil {
			err = e.ensureArea(ctx, outage)
		}
		var user *storage.User
		if err == nil {
			user, err = e.deps.Directory.GetUser(ctx, n.Key.UserID)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if _, ferr := e.deps.Tracker.MarkFailed(ctx, n.ID, true, fmt.Errorf("recovery: %w", err)); ferr != nil {
				log.Error("failed to finalize orphaned notification", "error", ferr)
			}
			e.deps.Metrics.TaskFinished(n.Key.Channel, n.Key.Kind, string(StateFailed))
			continue
		case err != nil:
			log.Error("recovery aborted", "error", err)
			return
		}

		reclaimed, res, err := e.deps.Tracker.Admit(ctx, n.Key, n.OutageVersion)
		if err != nil {
			log.Error("recovery admission failed", "error", err)
			if tracker.IsUnavailable(err) {
				return
			}
			continue
		}
		if res == storage.Duplicate {
			continue
		}
		t := &task{
			key:            n.Key,
			notificationID: reclaimed.ID,
			outageVersion:  n.OutageVersion,
			outage:         outage,
			user:           user,
			address:        user.Address(n.Key.Channel),
			state:          StateNew,
			resumed:        true,
		}
		e.transition(t, StateAdmitted)
		if e.queue.push(t) {
			recovered++
		}
	}
	if recovered > 0 {
		e.logger.Info("recovered stale notifications", "count", recovered)
	}
	e.deps.Metrics.TriggerHandled("", "recovered")
}

// --- task stage ---

func (e *Engine) work() {
	for {
		l, t := e.queue.next()
		if l == nil {
			return
		}
		retry := e.process(t)
		e.queue.done(l, t, retry)
		e.deps.Metrics.QueueDepth(e.queue.size())
	}
}

// process runs one attempt of t. It reports true when the attempt failed
// transiently and another one is due later.
func (e *Engine) process(t *task) (retry bool) {
	ctx, span := e.tracer.Start(e.ctx, "dispatch.task", trace.WithAttributes(
		attribute.String("notification_id", t.notificationID),
		attribute.String("outage_id", t.key.OutageID),
		attribute.String("channel", string(t.key.Channel)),
		attribute.String("kind", string(t.key.Kind)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "notification_id", t.notificationID, "panic", r)
			e.fail(ctx, t, fmt.Errorf("panic: %v", r))
			retry = false
		}
	}()

	if t.resumed && t.key.Kind == storage.KindUpdated && e.versions.superseded(t.key.OutageID, t.outageVersion) {
		e.supersede(ctx, t)
		return false
	}
	if !e.claim(ctx, t) {
		return false
	}

	if t.content == nil {
		e.transition(t, StateRendering)
		content, err := e.deps.Renderer.Render(t.outage, t.user, t.key.Channel, t.key.Kind)
		if err != nil {
			span.RecordError(err)
			e.fail(ctx, t, err)
			return false
		}
		t.content = &content
		if err := e.deps.Tracker.SaveContent(ctx, t.notificationID, content, t.address); err != nil {
			e.logger.Warn("failed to store rendered content", "notification_id", t.notificationID, "error", err)
		}
	}

	e.transition(t, StateSending)
	d, err := e.deps.Channels.Get(t.key.Channel)
	if err != nil {
		e.fail(ctx, t, err)
		return false
	}

	out, err := e.send(ctx, t, d)
	switch {
	case errors.Is(err, errNotClaimed):
		return false
	case err != nil:
		// Only happens while shutting down; the lease lapses and the
		// recovery sweep resends.
		e.logger.Warn("send abandoned", "notification_id", t.notificationID, "error", err)
		return false
	}

	switch out.Result {
	case channel.Accepted:
		if err := e.deps.Tracker.MarkSent(ctx, t.notificationID, out.ProviderMessageID); err != nil {
			e.logger.Error("notification sent but not recorded", "notification_id", t.notificationID, "error", err)
		}
		e.transition(t, StateSent)
		e.deps.Metrics.TaskFinished(t.key.Channel, t.key.Kind, string(StateSent))
		e.deps.Audit.Record(ctx, audit.Entry{
			Action:     audit.ActionSent,
			EntityType: "notification",
			EntityID:   t.notificationID,
			Actor:      actorFor(t.key.Kind),
			Detail: map[string]string{
				"outage_id":           t.key.OutageID,
				"user_id":             t.key.UserID,
				"channel":             string(t.key.Channel),
				"kind":                string(t.key.Kind),
				"provider_message_id": out.ProviderMessageID,
			},
		})
		e.logger.Info("notification sent",
			"notification_id", t.notificationID,
			"outage_id", t.key.OutageID,
			"user_id", t.key.UserID,
			"channel", t.key.Channel,
			"kind", t.key.Kind,
		)
		return false

	case channel.Rejected:
		span.RecordError(out.Err)
		e.fail(ctx, t, out.Err)
		return false
	}

	span.RecordError(out.Err)
	decision, err := e.deps.Tracker.MarkFailed(ctx, t.notificationID, false, out.Err)
	if err != nil {
		e.logger.Error("failed to record send failure", "notification_id", t.notificationID, "error", err)
		return false
	}
	if decision.Final {
		e.failed(ctx, t, out.Err)
		return false
	}
	t.notBefore = decision.NextAttempt
	e.transition(t, StateAdmitted)
	e.logger.Info("notification retry scheduled",
		"notification_id", t.notificationID,
		"channel", t.key.Channel,
		"retry_count", decision.RetryCount,
		"next_attempt_at", decision.NextAttempt,
		"error", out.Err,
	)
	return true
}

// send performs one provider call inside the channel's concurrency and rate
// bounds.
func (e *Engine) send(ctx context.Context, t *task, d channel.Dispatcher) (channel.Outcome, error) {
	release, err := e.gates[t.key.Channel].acquire(ctx)
	if err != nil {
		return channel.Outcome{}, err
	}
	defer release()
	if !e.claim(ctx, t) {
		return channel.Outcome{}, errNotClaimed
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	start := e.deps.Clock.Now()
	out := d.Send(sendCtx, t.address, *t.content)
	e.deps.Metrics.SendAttempt(t.key.Channel, out.Result.String(), e.deps.Clock.Since(start))
	return out, nil
}

// claim renews the lease of t's record. It reports false when t must not be
// sent, either because the record already left PENDING or because the store
// could not confirm it; in the latter case the recovery sweep picks the
// record up once the lease lapses.
func (e *Engine) claim(ctx context.Context, t *task) bool {
	err := e.deps.Tracker.Renew(ctx, t.notificationID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrNotFound):
		e.transition(t, StateRejected)
		e.deps.Metrics.TaskFinished(t.key.Channel, t.key.Kind, string(StateRejected))
		e.logger.Info("notification dropped",
			"reason", RejectFinalized,
			"notification_id", t.notificationID,
			"channel", t.key.Channel,
			"kind", t.key.Kind,
		)
	default:
		e.logger.Warn("lease not renewed, leaving notification for recovery",
			"notification_id", t.notificationID,
			"error", err,
		)
	}
	return false
}

// supersede finalizes a retried update once a newer version of its outage
// has been seen.
func (e *Engine) supersede(ctx context.Context, t *task) {
	if _, err := e.deps.Tracker.MarkFailed(ctx, t.notificationID, true, errSuperseded); err != nil {
		e.logger.Error("failed to finalize superseded update", "notification_id", t.notificationID, "error", err)
	}
	e.transition(t, StateRejected)
	e.deps.Metrics.TaskFinished(t.key.Channel, t.key.Kind, string(StateRejected))
	e.logger.Info("notification dropped",
		"reason", RejectSuperseded,
		"notification_id", t.notificationID,
		"channel", t.key.Channel,
		"outage_version", t.outageVersion,
	)
}

// fail finalizes t as permanently failed.
func (e *Engine) fail(ctx context.Context, t *task, cause error) {
	if _, err := e.deps.Tracker.MarkFailed(ctx, t.notificationID, true, cause); err != nil {
		e.logger.Error("failed to record permanent failure", "notification_id", t.notificationID, "error", err)
	}
	e.failed(ctx, t, cause)
}

func (e *Engine) failed(ctx context.Context, t *task, cause error) {
	e.transition(t, StateFailed)
	e.deps.Metrics.TaskFinished(t.key.Channel, t.key.Kind, string(StateFailed))
	e.deps.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionFailed,
		EntityType: "notification",
		EntityID:   t.notificationID,
		Actor:      actorFor(t.key.Kind),
		Detail: map[string]string{
			"outage_id": t.key.OutageID,
			"user_id":   t.key.UserID,
			"channel":   string(t.key.Channel),
			"kind":      string(t.key.Kind),
			"error":     errText(cause),
		},
	})
	e.logger.Warn("notification failed",
		"notification_id", t.notificationID,
		"outage_id", t.key.OutageID,
		"user_id", t.key.UserID,
		"channel", t.key.Channel,
		"kind", t.key.Kind,
		"error", cause,
	)
}

func (e *Engine) transition(t *task, to TaskState) {
	if !CanTransition(t.state, to) {
		e.logger.Error("task state machine violated",
			"notification_id", t.notificationID,
			"error", transitionError{from: t.state, to: to},
		)
	}
	t.state = to
}

func actorFor(kind storage.NotificationKind) audit.Actor {
	if kind == storage.KindAdvance {
		return audit.ActorScheduler
	}
	return audit.ActorDispatcher
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type noopMetrics struct{}

func (noopMetrics) TriggerHandled(storage.NotificationKind, string)                                 {}
func (noopMetrics) TaskAdmitted(storage.ChannelType, storage.NotificationKind, storage.AdmitResult) {}
func (noopMetrics) TaskFinished(storage.ChannelType, storage.NotificationKind, string)              {}
func (noopMetrics) SendAttempt(storage.ChannelType, string, time.Duration)                          {}
func (noopMetrics) QueueDepth(int)                                                                  {}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Entry) {}
