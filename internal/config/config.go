// Package config loads the engine's settings from PAIRING_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/whisper/pairing/internal/protocol"
)

// Prefix is prepended to every variable name.
const Prefix = "PAIRING_"

// Store backends.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2112"`
	// AdminID receives report and auto-block notifications. Empty disables
	// them.
	AdminID string `env:"ADMIN_ID"`

	NATS        NATS        `envPrefix:"NATS_"`
	Redis       Redis       `envPrefix:"REDIS_"`
	Postgres    Postgres    `envPrefix:"POSTGRES_"`
	Store       Store       `envPrefix:"STORE_"`
	Engine      Engine      `envPrefix:"ENGINE_"`
	Moderation  Moderation  `envPrefix:"MODERATION_"`
	Maintenance Maintenance `envPrefix:"MAINTENANCE_"`
	Tracing     Tracing     `envPrefix:"TRACING_"`
}

type NATS struct {
	URL           string        `env:"URL"            envDefault:"nats://127.0.0.1:4222"`
	Name          string        `env:"NAME"           envDefault:"whisper-pairing"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"-1"`
}

// Redis backs rate limiting. An empty Addr disables it.
type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

// Postgres backs the report archive. An empty DSN disables it.
type Postgres struct {
	DSN             string        `env:"DSN"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"    envDefault:"5"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"    envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

type Store struct {
	Backend             string        `env:"BACKEND"              envDefault:"file"`
	Dir                 string        `env:"DIR"                  envDefault:"./data"`
	BoltPath            string        `env:"BOLT_PATH"            envDefault:"./data/pairing.db"`
	BoltTimeout         time.Duration `env:"BOLT_TIMEOUT"         envDefault:"5s"`
	MaxBytes            int           `env:"MAX_BYTES"            envDefault:"52428800"`
	CompactParticipants int           `env:"COMPACT_PARTICIPANTS" envDefault:"5000"`
	CompactReports      int           `env:"COMPACT_REPORTS"      envDefault:"1000"`
	WriteRetries        int           `env:"WRITE_RETRIES"        envDefault:"3"`
}

type Engine struct {
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"30m"`
	QueueMaxWait   time.Duration `env:"QUEUE_MAX_WAIT"  envDefault:"5m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"  envDefault:"30s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
}

type Moderation struct {
	Threshold          int  `env:"THRESHOLD"             envDefault:"3"`
	EndSessionOnReport bool `env:"END_SESSION_ON_REPORT" envDefault:"false"`
}

type Maintenance struct {
	Interval              time.Duration `env:"INTERVAL"                envDefault:"24h"`
	ParticipantRetention  time.Duration `env:"PARTICIPANT_RETENTION"   envDefault:"720h"`
	ReportRetentionMonths int           `env:"REPORT_RETENTION_MONTHS" envDefault:"6"`
	Timeout               time.Duration `env:"TIMEOUT"                 envDefault:"10m"`
}

type Tracing struct {
	Enabled    bool    `env:"ENABLED"     envDefault:"false"`
	Endpoint   string  `env:"ENDPOINT"    envDefault:"localhost:4318"`
	Insecure   bool    `env:"INSECURE"    envDefault:"true"`
	SampleRate float64 `env:"SAMPLE_RATE" envDefault:"1"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store dir is empty"))
		}
	case BackendBolt:
		if c.Store.BoltPath == "" {
			errs = append(errs, errors.New("bolt path is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.AdminID != "" {
		if err := protocol.CheckParticipantID(c.AdminID); err != nil {
			errs = append(errs, fmt.Errorf("admin id: %w", err))
		}
	}
	if c.Store.MaxBytes < 0 {
		errs = append(errs, errors.New("store max bytes is negative"))
	}
	if c.Store.WriteRetries < 1 {
		errs = append(errs, errors.New("store write retries must be at least 1"))
	}
	if c.Engine.SessionTimeout <= 0 {
		errs = append(errs, errors.New("session timeout must be positive"))
	}
	if c.Engine.QueueMaxWait < 0 {
		errs = append(errs, errors.New("queue max wait is negative"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.Moderation.Threshold < 1 {
		errs = append(errs, errors.New("moderation threshold must be at least 1"))
	}
	if c.Maintenance.Timeout <= 0 {
		errs = append(errs, errors.New("maintenance timeout must be positive"))
	}
	if c.Maintenance.Interval <= 0 {
		errs = append(errs, errors.New("maintenance interval must be positive"))
	}
	if c.Maintenance.ParticipantRetention <= 0 || c.Maintenance.ReportRetentionMonths < 1 {
		errs = append(errs, errors.New("retention windows must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing sample rate must be within [0, 1]"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
