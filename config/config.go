package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketsync MarketsyncConfig `yaml:"marketsync"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Connector  ConnectorConfig  `yaml:"connector"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Polling    PollingConfig    `yaml:"polling"`
	Venues     VenuesConfig     `yaml:"venues"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketsyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type ExecutorConfig struct {
	Timeout          time.Duration   `yaml:"timeout"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	RetryDelay       time.Duration   `yaml:"retry_delay"`
	BusyDelay        time.Duration   `yaml:"busy_delay"`
	RateLimitDelay   time.Duration   `yaml:"rate_limit_delay"`
	MaxRetriesGet    int             `yaml:"max_retries_get"`
	MaxRetriesSubmit int             `yaml:"max_retries_submit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectorConfig struct {
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	StaleTimeout   time.Duration     `yaml:"stale_timeout"`
	CheckInterval  time.Duration     `yaml:"check_interval"`
	DialBackoff    DialBackoffConfig `yaml:"dial_backoff"`
}

type DialBackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type ReconcilerConfig struct {
	TradeTapeLimit     int     `yaml:"trade_tape_limit"`
	MalformedThreshold int     `yaml:"malformed_threshold"`
	BalanceTolerance   float64 `yaml:"balance_tolerance"`
}

type PollingConfig struct {
	BalancesInterval    time.Duration `yaml:"balances_interval"`
	InstrumentsInterval time.Duration `yaml:"instruments_interval"`
}

type VenuesConfig struct {
	Kraken VenueConfig `yaml:"kraken"`
	Bitmex VenueConfig `yaml:"bitmex"`
	Bybit  VenueConfig `yaml:"bybit"`
}

// VenueConfig carries venue connectivity settings. Credentials are read from
// the environment variables named by KeyEnv/SecretEnv so secrets never live
// in the config file.
type VenueConfig struct {
	Enabled      bool             `yaml:"enabled"`
	RestURL      string           `yaml:"rest_url"`
	WebsocketURL string           `yaml:"websocket_url"`
	KeyEnv       string           `yaml:"key_env"`
	SecretEnv    string           `yaml:"secret_env"`
	Symbols      []string         `yaml:"symbols"`
	Timeframes   []string         `yaml:"timeframes"`
	Retry        VenueRetryConfig `yaml:"retry"`
}

// VenueRetryConfig selects the reconnect budget mode. When WindowInterval is
// zero the budget is a plain MaxRetries immediate-fail count; otherwise
// MaxRetries attempts are allowed within the trailing WindowInterval.
type VenueRetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	WindowInterval time.Duration `yaml:"window_interval"`
}

type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
	// Credentials are never read from the config file, only from the
	// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY environment variables.
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	MaxAge    int    `yaml:"max_age"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{EventBuffer: 4096},
		Executor: ExecutorConfig{
			Timeout:          10 * time.Second,
			RateLimit:        RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
			RetryDelay:       time.Second,
			BusyDelay:        5 * time.Second,
			RateLimitDelay:   10 * time.Second,
			MaxRetriesGet:    5,
			MaxRetriesSubmit: 2,
		},
		Connector: ConnectorConfig{
			ConnectTimeout: 10 * time.Second,
			StaleTimeout:   5 * time.Second,
			CheckInterval:  time.Second,
			DialBackoff: DialBackoffConfig{
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			},
		},
		Reconciler: ReconcilerConfig{
			TradeTapeLimit:     1000,
			MalformedThreshold: 25,
			BalanceTolerance:   1e-8,
		},
		Polling: PollingConfig{
			BalancesInterval:    time.Second,
			InstrumentsInterval: time.Hour,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.History.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.History.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.History.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.History.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.History.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.History.S3.Bucket = strings.TrimSpace(config.History.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Credentials resolves the API key pair for a venue from the environment.
func (v VenueConfig) Credentials() (key, secret string) {
	if v.KeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(v.KeyEnv))
	}
	if v.SecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(v.SecretEnv))
	}
	return key, secret
}

func validateConfig(cfg *Config) error {
	if cfg.Marketsync.Name == "" {
		return fmt.Errorf("marketsync.name is required")
	}

	if cfg.Marketsync.Version == "" {
		return fmt.Errorf("marketsync.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be greater than 0")
	}
	if cfg.Executor.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("executor.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Connector.StaleTimeout <= 0 {
		return fmt.Errorf("connector.stale_timeout must be greater than 0")
	}
	if cfg.Connector.ConnectTimeout <= 0 {
		return fmt.Errorf("connector.connect_timeout must be greater than 0")
	}

	if cfg.Reconciler.TradeTapeLimit <= 0 {
		return fmt.Errorf("reconciler.trade_tape_limit must be greater than 0")
	}
	if cfg.Reconciler.MalformedThreshold <= 0 {
		return fmt.Errorf("reconciler.malformed_threshold must be greater than 0")
	}

	productionLike := IsProductionLike(AppEnvironment())
	for name, venue := range map[string]VenueConfig{
		"kraken": cfg.Venues.Kraken,
		"bitmex": cfg.Venues.Bitmex,
		"bybit":  cfg.Venues.Bybit,
	} {
		if !venue.Enabled {
			continue
		}
		if venue.RestURL == "" {
			return fmt.Errorf("venues.%s.rest_url is required when venue is enabled", name)
		}
		if venue.WebsocketURL == "" {
			return fmt.Errorf("venues.%s.websocket_url is required when venue is enabled", name)
		}
		if venue.Retry.MaxRetries <= 0 {
			return fmt.Errorf("venues.%s.retry.max_retries must be greater than 0", name)
		}
		// Development tolerates missing credentials (public streams still
		// work); production-like environments must fail fast.
		if productionLike {
			if key, secret := venue.Credentials(); key == "" || secret == "" {
				return fmt.Errorf("venues.%s credentials missing: %s and %s must be set in a production environment", name, venue.KeyEnv, venue.SecretEnv)
			}
		}
	}

	if cfg.History.Enabled {
		if cfg.History.Directory == "" && !cfg.History.S3.Enabled {
			return fmt.Errorf("history.directory or history.s3 is required when history is enabled")
		}
		if cfg.History.BatchSize <= 0 {
			return fmt.Errorf("history.batch_size must be greater than 0")
		}
		if cfg.History.FlushInterval <= 0 {
			return fmt.Errorf("history.flush_interval must be greater than 0")
		}
		if cfg.History.S3.Enabled {
			if cfg.History.S3.Bucket == "" {
				return fmt.Errorf("history.s3.bucket is required when S3 is enabled")
			}
			if cfg.History.S3.Region == "" {
				return fmt.Errorf("history.s3.region is required when S3 is enabled")
			}
		}
	}

	return nil
}
