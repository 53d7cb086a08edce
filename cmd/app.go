package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/audit"
	"github.com/shaharia-lab/outagewatch/internal/build"
	"github.com/shaharia-lab/outagewatch/internal/channel"
	"github.com/shaharia-lab/outagewatch/internal/config"
	"github.com/shaharia-lab/outagewatch/internal/dispatch"
	"github.com/shaharia-lab/outagewatch/internal/logger"
	"github.com/shaharia-lab/outagewatch/internal/recipients"
	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/scheduler"
	"github.com/shaharia-lab/outagewatch/internal/storage"
	"github.com/shaharia-lab/outagewatch/internal/telemetry"
	"github.com/shaharia-lab/outagewatch/internal/tracker"
)

// app holds the wired dispatch pipeline shared by serve and tick.
type app struct {
	cfg    *config.AppConfig
	logger *slog.Logger
	clock  clockwork.Clock

	db            *sql.DB
	directory     *storage.SQLiteDirectoryStore
	notifications *storage.SQLiteNotificationStore
	auditStore    *storage.SQLiteAuditStore

	telemetry *telemetry.Providers
	catalogs  *render.CatalogSource
	recorder  *audit.Recorder
	tracker   *tracker.Tracker
	resolver  *recipients.Resolver
	filter    *recipients.Filter
	engine    *dispatch.Engine
	whatsapp  *channel.WhatsAppSession

	closers []func(ctx context.Context) error
}

// newApp opens storage, telemetry and channel providers and builds the
// engine. The caller must Start the engine and eventually call close.
func newApp(ctx context.Context, cfg *config.AppConfig) (_ *app, err error) {
	a := &app{cfg: cfg, clock: clockwork.NewRealClock()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "outagewatch",
		ServiceVersion: build.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	sysLogger, logCloser, err := logger.NewSystemLogger(cfg.LogDir(), logger.Options{
		Level:      cfg.SlogLevel(),
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Mirror:     a.telemetry.LogHandler(),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a.logger = sysLogger
	a.closers = append(a.closers, closeFunc(logCloser))

	db, fresh, err := storage.NewSQLiteDB(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, closeFunc(db))
	a.logger.Info("database ready", "path", cfg.DBPath(), "fresh", fresh)

	a.directory = storage.NewSQLiteDirectoryStore(db)
	a.notifications = storage.NewSQLiteNotificationStore(db)
	a.auditStore = storage.NewSQLiteAuditStore(db)

	a.catalogs, err = render.NewCatalogSource(cfg.TemplateFile, a.logger.With("component", "templates"))
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	registry, err := a.buildChannels(ctx)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewDispatchMetrics(a.telemetry.Meter("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	a.recorder = audit.NewRecorder(a.auditStore, a.clock, cfg.AuditWorkers, cfg.AuditBuffer, a.logger.With("component", "audit"))
	a.tracker = tracker.New(a.notifications, a.clock, tracker.Config{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Jitter:      cfg.BackoffJitter,
		Lease:       cfg.Lease,
	}, a.logger.With("component", "tracker"))
	a.resolver = recipients.NewResolver(a.directory, a.logger.With("component", "recipients"))
	a.filter = recipients.NewFilter()

	a.engine = dispatch.New(dispatch.Config{
		Workers:        cfg.Workers,
		TriggerWorkers: cfg.TriggerWorkers,
		TriggerQueue:   cfg.TriggerQueue,
		TriggerRetries: cfg.TriggerRetries,
		SendTimeout:    cfg.SendTimeout,
		Channels:       channelLimits(cfg),
	}, dispatch.Deps{
		Directory: a.directory,
		Resolver:  a.resolver,
		Filter:    a.filter,
		Renderer:  render.NewRenderer(a.catalogs, loc, a.clock),
		Channels:  registry,
		Tracker:   a.tracker,
		Audit:     a.recorder,
		Metrics:   metrics,
		Clock:     a.clock,
		Logger:    a.logger.With("component", "dispatch"),
	})
	return a, nil
}

// buildChannels picks a provider per channel. Channels without settings get
// the logging Noop dispatcher in dev mode and are left out otherwise.
func (a *app) buildChannels(ctx context.Context) (*channel.Registry, error) {
	cfg := a.cfg
	log := a.logger.With("component", "channel")
	var dispatchers []channel.Dispatcher

	switch cfg.ResolvedEmailProvider() {
	case config.EmailProviderPostmark:
		d, err := channel.NewPostmarkDispatcher(channel.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			FromAddr:     cfg.EmailFrom,
			FromName:     cfg.EmailFromName,
			MessageTag:   cfg.PostmarkMessageTag,
		}, log)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	case config.EmailProviderSMTP:
		dispatchers = append(dispatchers, channel.NewSMTPDispatcher(channel.SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			FromAddr:   cfg.EmailFrom,
			FromName:   cfg.EmailFromName,
			Encryption: cfg.SMTPEncryption,
			Timeout:    cfg.SendTimeout,
		}, log))
	case config.EmailProviderNoop:
		dispatchers = append(dispatchers, channel.NewNoop(storage.ChannelEmail, log))
	default:
		dispatchers = unconfigured(dispatchers, cfg, storage.ChannelEmail, log)
	}

	if cfg.SMSGatewayURL != "" {
		d, err := channel.NewSMSDispatcher(channel.SMSConfig{
			URL:      cfg.SMSGatewayURL,
			APIKey:   cfg.SMSAPIKey,
			UserID:   cfg.SMSUserID,
			Password: cfg.SMSPassword,
			SenderID: cfg.SMSSenderID,
			Timeout:  cfg.SendTimeout,
		}, &http.Client{Timeout: cfg.SendTimeout}, log)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	} else {
		dispatchers = unconfigured(dispatchers, cfg, storage.ChannelSMS, log)
	}

	if cfg.FCMProjectID != "" {
		d, err := channel.NewPushDispatcher(ctx, channel.PushConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsFile: cfg.FCMCredentialsFile,
		}, nil, log)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	} else {
		dispatchers = unconfigured(dispatchers, cfg, storage.ChannelPush, log)
	}

	if cfg.WhatsAppEnabled {
		session, err := openWhatsApp(ctx, cfg, a.logger)
		if err != nil {
			return nil, err
		}
		if !session.Paired() {
			session.Close()
			return nil, fmt.Errorf("whatsapp device is not paired; run `outagewatch whatsapp-pair` first")
		}
		a.whatsapp = session
		a.closers = append(a.closers, func(context.Context) error {
			session.Close()
			return nil
		})
		dispatchers = append(dispatchers, channel.NewWhatsAppDispatcher(session, log))
	} else {
		dispatchers = unconfigured(dispatchers, cfg, storage.ChannelMessagingApp, log)
	}

	return channel.NewRegistry(dispatchers...), nil
}

// unconfigured handles a channel with no provider settings. Outside dev mode
// the channel is not registered, so the engine skips it instead of recording
// notifications that were never sent.
func unconfigured(dispatchers []channel.Dispatcher, cfg *config.AppConfig, ch storage.ChannelType, log *slog.Logger) []channel.Dispatcher {
	if cfg.DevMode {
		log.Warn("channel has no provider, using noop dispatcher", "channel", ch)
		return append(dispatchers, channel.NewNoop(ch, log))
	}
	log.Warn("channel disabled, no provider configured", "channel", ch)
	return dispatchers
}

// openWhatsApp opens the device store and session. Closing the session does
// not close the database; the device store keeps it for the process lifetime.
func openWhatsApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*channel.WhatsAppSession, error) {
	db, err := storage.OpenDeviceDB(cfg.WhatsAppDBPath())
	if err != nil {
		return nil, err
	}
	session, err := channel.NewWhatsAppSession(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return session, nil
}

func channelLimits(cfg *config.AppConfig) map[storage.ChannelType]dispatch.ChannelLimit {
	limits := make(map[storage.ChannelType]dispatch.ChannelLimit)
	for ch, n := range cfg.ChannelMaxInFlight {
		l := limits[storage.ChannelType(ch)]
		l.MaxInFlight = n
		limits[storage.ChannelType(ch)] = l
	}
	for ch, r := range cfg.ChannelRatePerSecond {
		l := limits[storage.ChannelType(ch)]
		l.RatePerSecond = r
		limits[storage.ChannelType(ch)] = l
	}
	return limits
}

// newScheduler builds the advance-notice scheduler over the app's engine.
// A nil locker runs every job locally.
func (a *app) newScheduler(locker gocron.Locker) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Outages:          a.directory,
		Resolver:         a.resolver,
		Filter:           a.filter,
		Engine:           a.engine,
		Stale:            a.tracker,
		Clock:            a.clock,
		Logger:           a.logger.With("component", "scheduler"),
		Interval:         a.cfg.SchedulerInterval,
		Horizon:          a.cfg.SchedulerHorizon,
		RecoveryInterval: a.cfg.RecoveryInterval,
		Locker:           locker,
	})
}

// shutdown drains the engine, flushes the audit log and closes everything
// newApp opened.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing engine: %w", err))
		}
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if err := a.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
