// Package config loads process configuration from the environment, with an
// optional .env file underneath. Every variable carries the CATI_ prefix.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/backoff"
	"github.com/metailurini/cati-queue/events"
	"github.com/metailurini/cati-queue/ingest"
	"github.com/metailurini/cati-queue/reconcile"
)

// Prefix is prepended to every environment variable name.
const Prefix = "CATI_"

// Config is the full process configuration.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is "json" or "console".
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	HTTP      HTTP      `envPrefix:"HTTP_"`
	Queue     Queue     `envPrefix:"QUEUE_"`
	Backoff   Backoff   `envPrefix:"BACKOFF_"`
	Reaper    Reaper    `envPrefix:"REAPER_"`
	Reconcile Reconcile `envPrefix:"RECONCILE_"`
	Kafka     Kafka     `envPrefix:"KAFKA_"`
	Notify    Notify    `envPrefix:"NOTIFY_"`
	Diag      Diag      `envPrefix:"DIAG_"`
}

// HTTP configures the API server.
type HTTP struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	MaxWait         time.Duration `env:"MAX_WAIT" envDefault:"60s"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"33554432"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Queue configures leasing, ingestion and phone normalization.
type Queue struct {
	LeaseDuration time.Duration `env:"LEASE_DURATION" envDefault:"20m"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	ChunkSize     int           `env:"CHUNK_SIZE" envDefault:"1000"`
	CountryCode   string        `env:"COUNTRY_CODE"`
	RefreshGeo    bool          `env:"REFRESH_GEO" envDefault:"false"`
}

// Backoff configures the retry delay after an abandoned call.
type Backoff struct {
	Base   time.Duration `env:"BASE" envDefault:"10m"`
	Max    time.Duration `env:"MAX" envDefault:"6h"`
	Jitter float64       `env:"JITTER" envDefault:"0"`
}

// Reaper configures the expired-lease sweep.
type Reaper struct {
	Interval    time.Duration `env:"INTERVAL" envDefault:"30s"`
	BatchSize   int           `env:"BATCH_SIZE" envDefault:"500"`
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"10s"`
}

// Reconcile configures the scheduled count reconciliation.
type Reconcile struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	Schedule string `env:"SCHEDULE" envDefault:"*/15 * * * *"`
}

// Kafka configures the operator event stream.
type Kafka struct {
	// Brokers is a comma-separated list; empty disables the event stream.
	Brokers string `env:"BROKERS"`
	Topic        string        `env:"TOPIC" envDefault:"cati.queue.events"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
}

// Notify toggles LISTEN/NOTIFY wakeups for waiting claimers.
type Notify struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
}

// Diag configures the startup clock diagnostics.
type Diag struct {
	// DriftTolerance is the DB/app clock skew above which the app clock is
	// shifted onto the database clock.
	DriftTolerance time.Duration `env:"DRIFT_TOLERANCE" envDefault:"500ms"`
}

// Load reads the given .env files (missing files are skipped, existing
// variables win) and parses the environment.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse(nil)
}

// Parse reads configuration from environ, or from the process environment
// when environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var c Config
	opts := env.Options{Prefix: Prefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.LeaseDuration < time.Second {
		errs = append(errs, errors.New("queue lease duration must be at least 1s"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue max attempts must be positive"))
	}
	if c.Queue.ChunkSize < 1 || c.Queue.ChunkSize > ingest.MaxChunkSize {
		errs = append(errs, fmt.Errorf("queue chunk size must be in [1, %d]", ingest.MaxChunkSize))
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, errors.New("backoff requires 0 < base <= max"))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		errs = append(errs, errors.New("backoff jitter must be in [0, 1)"))
	}
	if c.Reaper.Interval <= 0 || c.Reaper.BatchSize <= 0 {
		errs = append(errs, errors.New("reaper interval and batch size must be positive"))
	}
	if c.Reconcile.Enabled {
		if _, err := reconcile.ParseSchedule(c.Reconcile.Schedule); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log level %q: %w", c.LogLevel, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// BackoffPolicy returns the configured retry policy.
func (c Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{Base: c.Backoff.Base, Max: c.Backoff.Max, Jitter: c.Backoff.Jitter}
}

// KafkaConfig returns the event stream settings; ok is false when no broker
// is configured.
func (c Config) KafkaConfig() (events.KafkaConfig, bool) {
	brokers := events.ParseBrokers(c.Kafka.Brokers)
	return events.KafkaConfig{
		Brokers:      brokers,
		Topic:        c.Kafka.Topic,
		WriteTimeout: c.Kafka.WriteTimeout,
	}, len(brokers) > 0
}

// RequireDatabase reports a missing database URL.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%sDATABASE_URL is required: %w", Prefix, apperrors.ErrNotConfigured)
	}
	return nil
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
