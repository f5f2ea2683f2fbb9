package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DOCSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabaseDSN       = "doccollab.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultBlobRoot          = "data"
	defaultThreshold         = 100
	defaultCompactionWorkers = 2
	defaultCompactionQueue   = 256
	defaultCompactionRetry   = 3
	defaultCompactionBackoff = 200 * time.Millisecond
	defaultCompactionCeiling = 5 * time.Second
	defaultKafkaTopic        = "doccollab.room-closed"
	defaultPresenceTTL       = 10 * time.Minute
	defaultAuthIssuer        = "doccollab"
	defaultSessionCookieName = "docsync_session"
	DatabaseDriverSQLite     = "sqlite"
	DatabaseDriverMySQL      = "mysql"
)

// CompactionConfig tunes the background snapshot compaction.
type CompactionConfig struct {
	Threshold   int64
	Workers     int
	QueueSize   int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	BlobRoot          string
	Compaction        CompactionConfig
	KafkaBrokers      []string
	KafkaTopic        string
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	PresenceTTL       time.Duration
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("blob.root", defaultBlobRoot)
	configViper.SetDefault("compaction.threshold", defaultThreshold)
	configViper.SetDefault("compaction.workers", defaultCompactionWorkers)
	configViper.SetDefault("compaction.queue_size", defaultCompactionQueue)
	configViper.SetDefault("compaction.max_retry", defaultCompactionRetry)
	configViper.SetDefault("compaction.base_backoff", defaultCompactionBackoff)
	configViper.SetDefault("compaction.max_backoff", defaultCompactionCeiling)
	configViper.SetDefault("kafka.brokers", "")
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultSessionCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		BlobRoot:       strings.TrimSpace(configViper.GetString("blob.root")),
		Compaction: CompactionConfig{
			Threshold:   configViper.GetInt64("compaction.threshold"),
			Workers:     configViper.GetInt("compaction.workers"),
			QueueSize:   configViper.GetInt("compaction.queue_size"),
			MaxRetry:    configViper.GetInt("compaction.max_retry"),
			BaseBackoff: configViper.GetDuration("compaction.base_backoff"),
			MaxBackoff:  configViper.GetDuration("compaction.max_backoff"),
		},
		KafkaBrokers:      splitList(configViper.GetString("kafka.brokers")),
		KafkaTopic:        strings.TrimSpace(configViper.GetString("kafka.topic")),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		PresenceTTL:       configViper.GetDuration("presence.ttl"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthCookieName:    strings.TrimSpace(configViper.GetString("auth.cookie_name")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionTokensEnabled reports whether identities come from signed session tokens.
func (c AppConfig) SessionTokensEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverMySQL:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverMySQL, c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.BlobRoot == "" {
		return fmt.Errorf("blob.root is required")
	}
	if c.Compaction.Threshold <= 0 {
		return fmt.Errorf("compaction.threshold must be positive")
	}
	if c.Compaction.Workers <= 0 {
		return fmt.Errorf("compaction.workers must be positive")
	}
	if c.Compaction.QueueSize <= 0 {
		return fmt.Errorf("compaction.queue_size must be positive")
	}
	if c.Compaction.MaxRetry < 0 {
		return fmt.Errorf("compaction.max_retry must not be negative")
	}
	if c.Compaction.BaseBackoff <= 0 || c.Compaction.MaxBackoff < c.Compaction.BaseBackoff {
		return fmt.Errorf("compaction.base_backoff must be positive and not exceed compaction.max_backoff")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.SessionTokensEnabled() && c.AuthIssuer == "" {
		return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
