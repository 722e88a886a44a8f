package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/metailurini/cati-queue/config"
	"github.com/metailurini/cati-queue/diag"
	"github.com/metailurini/cati-queue/events"
	"github.com/metailurini/cati-queue/storage"
	"github.com/metailurini/cati-queue/timeprovider"
)

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	var (
		a        app
		envFile  string
		logLevel string
	)

	command := &cobra.Command{
		Use:           "catiqueue",
		Short:         "CATI respondent call queue and assignment dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(os.Stderr)
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	command.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file read before the environment")
	command.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override CATI_LOG_LEVEL")

	command.AddCommand(serveCmd(&a))
	command.AddCommand(dialCmd(&a))
	command.AddCommand(migrateCmd(&a))
	command.AddCommand(reapCmd(&a))
	command.AddCommand(statsCmd(&a))

	return command
}

// openDB opens and pings the configured database.
func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// openStore opens the database and builds a store whose clock follows the
// database clock when the two have drifted apart.
func (a *app) openStore(ctx context.Context) (*sql.DB, *storage.Store, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	var provider timeprovider.Provider = timeprovider.RealProvider{}
	if drift, err := diag.RecordClockDrift(ctx, db, provider, &a.logger); err == nil {
		provider = diag.AlignedProvider(provider, drift, a.cfg.Diag.DriftTolerance)
	}
	store, err := storage.NewStoreWithProvider(db, provider)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// publisher returns the Kafka event publisher, or Nop when no broker is set.
func (a *app) publisher() (events.Publisher, error) {
	kc, ok := a.cfg.KafkaConfig()
	if !ok {
		a.logger.Info().Str("event", "events").Msg("no kafka brokers configured, operator events disabled")
		return events.Nop{}, nil
	}
	kc.Logger = &a.logger
	pub, err := events.NewKafkaPublisher(kc)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("event", "events").Strs("brokers", kc.Brokers).Str("topic", kc.Topic).Msg("publishing operator events")
	return pub, nil
}

// ignoreCanceled treats a shutdown-triggered context error as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
