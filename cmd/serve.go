package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaharia-lab/outagewatch/internal/api"
	"github.com/shaharia-lab/outagewatch/internal/build"
	"github.com/shaharia-lab/outagewatch/internal/ingest"
	"github.com/shaharia-lab/outagewatch/internal/scheduler"
	"github.com/shaharia-lab/outagewatch/internal/server"
	"github.com/shaharia-lab/outagewatch/internal/service"
)

// NewServeCmd returns the "serve" subcommand that runs the dispatcher.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher",
		Long: "Start the HTTP API, the advance-notice scheduler, the recovery sweep and, " +
			"when KAFKA_BROKERS is set, the Kafka event consumer.",
		RunE: runServe,
	}
	cmd.Flags().Int("port", 8990, "HTTP server port (overrides PORT env var)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.logger
	log.Info("starting outagewatch", "version", build.Get().String(), "port", cfg.Port)

	var locker gocron.Locker
	if cfg.RedisURL != "" {
		client, rerr := scheduler.NewRedisClient(cfg.RedisURL)
		if rerr != nil {
			return errors.Join(rerr, a.close(context.Background()))
		}
		a.closers = append(a.closers, closeFunc(client))
		locker = scheduler.NewRedisLocker(client, "", 0)
		log.Info("scheduler jobs use a distributed lock", "redis", client.Options().Addr)
	}

	sched, err := a.newScheduler(locker)
	if err != nil {
		return errors.Join(err, a.close(context.Background()))
	}

	outageSvc := service.NewOutageService(a.directory, a.engine, a.clock, log.With("component", "outages"))
	notificationSvc := service.NewNotificationService(a.tracker, a.engine, a.auditStore)
	apiSrv := api.New(outageSvc, notificationSvc, log.With("component", "api"))

	checks := map[string]server.HealthCheck{
		"database": func(ctx context.Context) error { return a.db.PingContext(ctx) },
	}
	srv := server.New(apiSrv, a.telemetry.Handler(), checks, server.Config{
		Port:           cfg.Port,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, log.With("component", "server"))

	if a.whatsapp != nil {
		if err := a.whatsapp.Connect(); err != nil {
			return errors.Join(err, a.close(context.Background()))
		}
	}

	a.engine.Start()
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return a.catalogs.Watch(gctx) })
	if len(cfg.KafkaBrokers) > 0 {
		reader := ingest.NewReader(ingest.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, log.With("component", "kafka"))
		consumer := ingest.NewConsumer(reader, outageSvc, cfg.BackoffBase, log.With("component", "ingest"))
		g.Go(func() error { return consumer.Run(gctx) })
		log.Info("consuming outage events from kafka", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
	}

	fmt.Fprintf(os.Stderr, "outagewatch %s listening on http://localhost:%d\n", build.Version, cfg.Port)
	fmt.Fprintf(os.Stderr, "  POST /api/outages/events     → lifecycle events\n")
	fmt.Fprintf(os.Stderr, "  GET  /api/notifications      → delivery records\n")
	fmt.Fprintf(os.Stderr, "  GET  /health, /metrics\n")

	runErr := g.Wait()

	if err := sched.Stop(); err != nil {
		log.Warn("stopping scheduler", "error", err)
	}
	sctx, scancel := shutdownContext()
	defer scancel()
	if err := a.shutdown(sctx); err != nil {
		log.Error("shutdown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
