package main

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/metailurini/cati-queue/api"
	"github.com/metailurini/cati-queue/contact"
	"github.com/metailurini/cati-queue/dispatch"
	"github.com/metailurini/cati-queue/ingest"
	"github.com/metailurini/cati-queue/metrics"
	"github.com/metailurini/cati-queue/notify"
	"github.com/metailurini/cati-queue/reaper"
	"github.com/metailurini/cati-queue/reconcile"
	"github.com/metailurini/cati-queue/recorder"
	"github.com/metailurini/cati-queue/storage/migrator"
)

func serveCmd(a *app) *cobra.Command {
	var (
		addr        string
		autoMigrate bool
	)

	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, lease reaper and reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger := a.logger

			db, store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if autoMigrate {
				if err := migrator.Run(ctx, db, &logger); err != nil {
					return err
				}
			}

			pub, err := a.publisher()
			if err != nil {
				return err
			}
			defer pub.Close()

			var wakeups dispatch.Wakeups
			if cfg.Notify.Enabled {
				pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				listener, err := notify.Listen(ctx, pool, &logger)
				if err != nil {
					return err
				}
				defer listener.Close()
				wakeups = listener
			}

			pipeline, err := ingest.New(store, contact.NewNormalizer(cfg.Queue.CountryCode), ingest.Config{
				ChunkSize:   cfg.Queue.ChunkSize,
				MaxAttempts: cfg.Queue.MaxAttempts,
				RefreshGeo:  cfg.Queue.RefreshGeo,
				Events:      pub,
				Logger:      &logger,
			})
			if err != nil {
				return err
			}
			dispatcher, err := dispatch.New(store, dispatch.Config{
				LeaseDuration: cfg.Queue.LeaseDuration,
				PollInterval:  cfg.Queue.PollInterval,
				Wakeups:       wakeups,
				Logger:        &logger,
			})
			if err != nil {
				return err
			}
			rec, err := recorder.New(store, recorder.Config{
				Backoff: cfg.BackoffPolicy(),
				Events:  pub,
				Logger:  &logger,
			})
			if err != nil {
				return err
			}
			reap, err := reaper.NewRunner(store, reaper.Config{
				Interval:    cfg.Reaper.Interval,
				BatchSize:   cfg.Reaper.BatchSize,
				GracePeriod: cfg.Reaper.GracePeriod,
				Backoff:     cfg.BackoffPolicy(),
				Events:      pub,
				Logger:      &logger,
			})
			if err != nil {
				return err
			}

			collector := metrics.NewStatsCollector(store, 5*time.Second, &logger)
			if err := prometheus.Register(collector); err != nil {
				return err
			}
			defer prometheus.Unregister(collector)

			server, err := api.NewServer(api.Config{
				Ingester:        pipeline,
				Claimer:         dispatcher,
				Reporter:        rec,
				Reader:          store,
				Pinger:          db,
				MaxWait:         cfg.HTTP.MaxWait,
				MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
				ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
				Logger:          &logger,
			})
			if err != nil {
				return err
			}

			var reconciler *reconcile.Runner
			if cfg.Reconcile.Enabled {
				reconciler, err = reconcile.NewRunner(store, reconcile.Config{
					Schedule: cfg.Reconcile.Schedule,
					Logger:   &logger,
				})
				if err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(gctx, cfg.HTTP.Addr) })
			g.Go(func() error { return ignoreCanceled(reap.Run(gctx)) })
			if reconciler != nil {
				g.Go(func() error { return ignoreCanceled(reconciler.Run(gctx)) })
			}

			logger.Info().Str("event", "serve").Str("addr", cfg.HTTP.Addr).Msg("catiqueue serving")
			err = g.Wait()
			logger.Info().Str("event", "serve").Msg("catiqueue stopped")
			return err
		},
	}

	command.Flags().StringVar(&addr, "addr", "", "Listen address (overrides CATI_HTTP_ADDR)")
	command.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending migrations before serving")
	return command
}
