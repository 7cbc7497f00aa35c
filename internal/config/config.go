// Package config loads posync configuration from a YAML file and the
// environment, and validates it against a CUE schema.
//
// Precedence, lowest first: built-in defaults, the YAML file, POSYNC_*
// environment variables.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/roach88/posync/internal/cache"
	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/engine"
	"github.com/roach88/posync/internal/remote"
)

// EnvPrefix is the prefix of environment overrides, e.g. POSYNC_REMOTE_URL.
const EnvPrefix = "posync"

//go:embed schema.cue
var schemaCUE string

type RemoteConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type TransactionConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"       split_words:"true"`
	RetentionDays     int           `yaml:"retentionDays"     split_words:"true"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow" split_words:"true"`
}

type QueueConfig struct {
	MaxAttempts       int `yaml:"maxAttempts"       split_words:"true"`
	OverflowThreshold int `yaml:"overflowThreshold" split_words:"true"`
	KeepRecent        int `yaml:"keepRecent"        split_words:"true"`
	RetentionDays     int `yaml:"retentionDays"     split_words:"true"`
}

type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
}

type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	LockTimeout time.Duration `yaml:"lockTimeout" split_words:"true"`
}

type SchedulerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	StaleAttemptTimeout time.Duration `yaml:"staleAttemptTimeout" split_words:"true"`
	BatchSize           int           `yaml:"batchSize"           split_words:"true"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listenAddress" split_words:"true"`
}

// LogConfig configures the long-running serve logger. One-shot commands
// always log text to stderr at Level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	DatabasePath string            `yaml:"databasePath" split_words:"true"`
	Remote       RemoteConfig      `yaml:"remote"`
	Transaction  TransactionConfig `yaml:"transaction"`
	Queue        QueueConfig       `yaml:"queue"`
	Backoff      BackoffConfig     `yaml:"backoff"`
	Cache        CacheConfig       `yaml:"cache"`
	Scheduler    SchedulerConfig   `yaml:"scheduler"`
	Monitor      MonitorConfig     `yaml:"monitor"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	Log          LogConfig         `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "posync.db",
		Remote: RemoteConfig{
			Timeout: remote.DefaultTimeout,
		},
		Transaction: TransactionConfig{
			MaxAttempts:       domain.DefaultTransactionMaxAttempts,
			RetentionDays:     30,
			IdempotencyWindow: domain.DefaultIdempotencyWindow,
		},
		Queue: QueueConfig{
			MaxAttempts:       domain.DefaultQueueMaxAttempts,
			OverflowThreshold: engine.DefaultOverflowThreshold,
			KeepRecent:        engine.DefaultKeepRecent,
			RetentionDays:     7,
		},
		Backoff: BackoffConfig{
			Base: domain.DefaultBackoffBase,
			Cap:  domain.DefaultBackoffCap,
		},
		Cache: CacheConfig{
			TTL:         cache.DefaultTTL,
			LockTimeout: cache.DefaultLockTimeout,
		},
		Scheduler: SchedulerConfig{
			Interval:            engine.DefaultSchedulerInterval,
			StaleAttemptTimeout: engine.DefaultStaleAttemptTimeout,
			BatchSize:           engine.DefaultBatchSize,
		},
		Monitor: MonitorConfig{
			Interval: engine.DefaultMonitorInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML from r onto cfg. Unknown keys are rejected.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Parse overlays YAML from data onto the defaults without reading the
// environment. The result is validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// document is the view of Config checked against the CUE schema.
type document struct {
	DatabasePath string `json:"databasePath"`
	Remote       struct {
		URL            string  `json:"url"`
		TimeoutSeconds float64 `json:"timeoutSeconds"`
	} `json:"remote"`
	Transaction struct {
		MaxAttempts              int     `json:"maxAttempts"`
		RetentionDays            int     `json:"retentionDays"`
		IdempotencyWindowSeconds float64 `json:"idempotencyWindowSeconds"`
	} `json:"transaction"`
	Queue struct {
		MaxAttempts       int `json:"maxAttempts"`
		OverflowThreshold int `json:"overflowThreshold"`
		KeepRecent        int `json:"keepRecent"`
		RetentionDays     int `json:"retentionDays"`
	} `json:"queue"`
	Backoff struct {
		BaseSeconds float64 `json:"baseSeconds"`
		CapSeconds  float64 `json:"capSeconds"`
	} `json:"backoff"`
	Cache struct {
		TTLSeconds         float64 `json:"ttlSeconds"`
		LockTimeoutSeconds float64 `json:"lockTimeoutSeconds"`
	} `json:"cache"`
	Scheduler struct {
		IntervalSeconds            float64 `json:"intervalSeconds"`
		StaleAttemptTimeoutSeconds float64 `json:"staleAttemptTimeoutSeconds"`
		BatchSize                  int     `json:"batchSize"`
	} `json:"scheduler"`
	Monitor struct {
		IntervalSeconds float64 `json:"intervalSeconds"`
	} `json:"monitor"`
	Metrics struct {
		ListenAddress string `json:"listenAddress"`
	} `json:"metrics"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

func (c *Config) document() document {
	var d document
	d.DatabasePath = c.DatabasePath
	d.Remote.URL = c.Remote.URL
	d.Remote.TimeoutSeconds = c.Remote.Timeout.Seconds()
	d.Transaction.MaxAttempts = c.Transaction.MaxAttempts
	d.Transaction.RetentionDays = c.Transaction.RetentionDays
	d.Transaction.IdempotencyWindowSeconds = c.Transaction.IdempotencyWindow.Seconds()
	d.Queue.MaxAttempts = c.Queue.MaxAttempts
	d.Queue.OverflowThreshold = c.Queue.OverflowThreshold
	d.Queue.KeepRecent = c.Queue.KeepRecent
	d.Queue.RetentionDays = c.Queue.RetentionDays
	d.Backoff.BaseSeconds = c.Backoff.Base.Seconds()
	d.Backoff.CapSeconds = c.Backoff.Cap.Seconds()
	d.Cache.TTLSeconds = c.Cache.TTL.Seconds()
	d.Cache.LockTimeoutSeconds = c.Cache.LockTimeout.Seconds()
	d.Scheduler.IntervalSeconds = c.Scheduler.Interval.Seconds()
	d.Scheduler.StaleAttemptTimeoutSeconds = c.Scheduler.StaleAttemptTimeout.Seconds()
	d.Scheduler.BatchSize = c.Scheduler.BatchSize
	d.Monitor.IntervalSeconds = c.Monitor.Interval.Seconds()
	d.Metrics.ListenAddress = c.Metrics.ListenAddress
	d.Log.Level = c.Log.Level
	d.Log.Format = c.Log.Format
	return d
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(c.document()))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EngineSettings converts the configuration to engine settings.
func (c *Config) EngineSettings() engine.Settings {
	backoff := domain.Backoff{Base: c.Backoff.Base, Cap: c.Backoff.Cap}
	return engine.Settings{
		TransactionPolicy: domain.RetryPolicy{
			MaxAttempts: c.Transaction.MaxAttempts,
			Backoff:     backoff,
		},
		QueuePolicy: domain.RetryPolicy{
			MaxAttempts: c.Queue.MaxAttempts,
			Backoff:     backoff,
		},
		IdempotencyWindow:    c.Transaction.IdempotencyWindow,
		OverflowThreshold:    c.Queue.OverflowThreshold,
		KeepRecent:           c.Queue.KeepRecent,
		TransactionRetention: days(c.Transaction.RetentionDays),
		QueueRetention:       days(c.Queue.RetentionDays),
		StaleAttemptTimeout:  c.Scheduler.StaleAttemptTimeout,
		BatchSize:            c.Scheduler.BatchSize,
	}
}

// CacheOptions returns the cache validator options of the configuration.
func (c *Config) CacheOptions() []cache.Option {
	return []cache.Option{
		cache.WithTTL(c.Cache.TTL),
		cache.WithLockTimeout(c.Cache.LockTimeout),
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
