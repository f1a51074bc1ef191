package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PLANTSYNC"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "plantsync.db"
	defaultDocstoreDriver    = "memory"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 30
	defaultWorkerCount       = 2
	defaultBatchSize         = 25
	defaultMaxAttempts       = 8
	defaultLeaseSeconds      = 30
	defaultPollMillis        = 500
	defaultRetryBaseSeconds  = 2
	defaultRetryCapSeconds   = 300
	defaultProjectorBatch    = 100
	defaultProjectorPollMs   = 500
	defaultReconcileMinutes  = 60
	defaultRetentionHours    = 24
	defaultCallTimeoutSecond = 5
)

// AppConfig captures runtime configuration for the sync API server and its
// background workers.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	DocstoreDriver    string
	DocstoreURL       string
	DocstoreNamespace string
	DocstoreName      string
	DocstoreUser      string
	DocstorePass      string

	SigningSecret string
	TokenTTL      time.Duration

	IDPAudience string
	IDPJWKSURL  string
	IDPIssuer   string

	WorkerCount     int
	WorkerBatchSize int
	MaxAttempts     int
	LeaseDuration   time.Duration
	PollInterval    time.Duration
	RetryBase       time.Duration
	RetryCap        time.Duration
	CallTimeout     time.Duration

	ProjectorBatchSize    int
	ProjectorPollInterval time.Duration

	ReconcileInterval time.Duration
	QueueRetention    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")

	configViper.SetDefault("docstore.driver", defaultDocstoreDriver)
	configViper.SetDefault("docstore.url", "")
	configViper.SetDefault("docstore.namespace", "plantsync")
	configViper.SetDefault("docstore.name", "cache")
	configViper.SetDefault("docstore.user", "")
	configViper.SetDefault("docstore.pass", "")

	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("idp.audience", "")
	configViper.SetDefault("idp.jwks_url", "")
	configViper.SetDefault("idp.issuer", "")

	configViper.SetDefault("sync.worker_count", defaultWorkerCount)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.lease_seconds", defaultLeaseSeconds)
	configViper.SetDefault("sync.poll_millis", defaultPollMillis)
	configViper.SetDefault("sync.retry_base_seconds", defaultRetryBaseSeconds)
	configViper.SetDefault("sync.retry_cap_seconds", defaultRetryCapSeconds)
	configViper.SetDefault("sync.call_timeout_seconds", defaultCallTimeoutSecond)

	configViper.SetDefault("projector.batch_size", defaultProjectorBatch)
	configViper.SetDefault("projector.poll_millis", defaultProjectorPollMs)

	configViper.SetDefault("reconcile.interval_minutes", defaultReconcileMinutes)
	configViper.SetDefault("queue.retention_hours", defaultRetentionHours)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),

		DatabaseDriver: configViper.GetString("database.driver"),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		DocstoreDriver:    configViper.GetString("docstore.driver"),
		DocstoreURL:       configViper.GetString("docstore.url"),
		DocstoreNamespace: configViper.GetString("docstore.namespace"),
		DocstoreName:      configViper.GetString("docstore.name"),
		DocstoreUser:      configViper.GetString("docstore.user"),
		DocstorePass:      configViper.GetString("docstore.pass"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		IDPAudience: configViper.GetString("idp.audience"),
		IDPJWKSURL:  configViper.GetString("idp.jwks_url"),
		IDPIssuer:   configViper.GetString("idp.issuer"),

		WorkerCount:     configViper.GetInt("sync.worker_count"),
		WorkerBatchSize: configViper.GetInt("sync.batch_size"),
		MaxAttempts:     configViper.GetInt("sync.max_attempts"),
		LeaseDuration:   time.Duration(configViper.GetInt("sync.lease_seconds")) * time.Second,
		PollInterval:    time.Duration(configViper.GetInt("sync.poll_millis")) * time.Millisecond,
		RetryBase:       time.Duration(configViper.GetInt("sync.retry_base_seconds")) * time.Second,
		RetryCap:        time.Duration(configViper.GetInt("sync.retry_cap_seconds")) * time.Second,
		CallTimeout:     time.Duration(configViper.GetInt("sync.call_timeout_seconds")) * time.Second,

		ProjectorBatchSize:    configViper.GetInt("projector.batch_size"),
		ProjectorPollInterval: time.Duration(configViper.GetInt("projector.poll_millis")) * time.Millisecond,

		ReconcileInterval: time.Duration(configViper.GetInt("reconcile.interval_minutes")) * time.Minute,
		QueueRetention:    time.Duration(configViper.GetInt("queue.retention_hours")) * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	switch c.DocstoreDriver {
	case "memory":
	case "surreal":
		if strings.TrimSpace(c.DocstoreURL) == "" {
			return fmt.Errorf("docstore.url is required for the surreal driver")
		}
	default:
		return fmt.Errorf("unsupported docstore.driver %q", c.DocstoreDriver)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("sync.lease_seconds must be positive")
	}
	return nil
}
