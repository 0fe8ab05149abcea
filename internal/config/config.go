package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "FEATUREBOARD"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "featureboard.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "tauth"
	defaultNotifyWorkers       = 2
	defaultDispatchConcurrency = 8
	defaultQueueSize           = 256
	defaultSendTimeout         = 10 * time.Second
	defaultSubmitTimeout       = 250 * time.Millisecond
	defaultQueueBackend        = QueueBackendMemory
	defaultRedisAddress        = "localhost:6379"
	defaultRedisQueueKey       = "featureboard:notify:events"
	defaultAMQPQueue           = "featureboard.notify.events"
	defaultPushEndpoint        = "https://exp.host/--/api/v2/push/send"
	defaultPushRatePerSecond   = 100.0
)

// Queue backends.
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
	QueueBackendAMQP   = "amqp"
)

// AppConfig captures runtime configuration for the API server and the
// notification engine.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver        string
	DatabasePath          string
	DatabaseDSN           string
	ManageDirectoryTables bool

	LogLevel  string
	LogFormat string

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	IngestToken string

	NotifyWorkers             int
	NotifyDispatchConcurrency int
	NotifyQueueSize           int
	NotifySendTimeout         time.Duration
	NotifySubmitTimeout       time.Duration
	QueueBackend              string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisQueueKey string

	AMQPURL   string
	AMQPQueue string

	PushEnabled       bool
	PushEndpoint      string
	PushAccessToken   string
	PushRatePerSecond float64

	EmailEnabled    bool
	EmailAPIKey     string
	EmailFrom       string
	EmailRedirectTo string

	StatusGateApplyToPush bool
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.manage_directory_tables", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("notify.workers", defaultNotifyWorkers)
	configViper.SetDefault("notify.dispatch_concurrency", defaultDispatchConcurrency)
	configViper.SetDefault("notify.queue_size", defaultQueueSize)
	configViper.SetDefault("notify.send_timeout", defaultSendTimeout)
	configViper.SetDefault("notify.submit_timeout", defaultSubmitTimeout)
	configViper.SetDefault("notify.queue.backend", defaultQueueBackend)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.queue_key", defaultRedisQueueKey)
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("push.enabled", false)
	configViper.SetDefault("push.endpoint", defaultPushEndpoint)
	configViper.SetDefault("push.rate_per_second", defaultPushRatePerSecond)
	configViper.SetDefault("email.enabled", false)
	configViper.SetDefault("status_gate.apply_to_push", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),

		DatabaseDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:          configViper.GetString("database.path"),
		DatabaseDSN:           configViper.GetString("database.dsn"),
		ManageDirectoryTables: configViper.GetBool("database.manage_directory_tables"),

		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),

		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),

		IngestToken: configViper.GetString("ingest.token"),

		NotifyWorkers:             configViper.GetInt("notify.workers"),
		NotifyDispatchConcurrency: configViper.GetInt("notify.dispatch_concurrency"),
		NotifyQueueSize:           configViper.GetInt("notify.queue_size"),
		NotifySendTimeout:         configViper.GetDuration("notify.send_timeout"),
		NotifySubmitTimeout:       configViper.GetDuration("notify.submit_timeout"),
		QueueBackend:              strings.ToLower(strings.TrimSpace(configViper.GetString("notify.queue.backend"))),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		RedisQueueKey: configViper.GetString("redis.queue_key"),

		AMQPURL:   configViper.GetString("amqp.url"),
		AMQPQueue: configViper.GetString("amqp.queue"),

		PushEnabled:       configViper.GetBool("push.enabled"),
		PushEndpoint:      configViper.GetString("push.endpoint"),
		PushAccessToken:   configViper.GetString("push.access_token"),
		PushRatePerSecond: configViper.GetFloat64("push.rate_per_second"),

		EmailEnabled:    configViper.GetBool("email.enabled"),
		EmailAPIKey:     configViper.GetString("email.resend_api_key"),
		EmailFrom:       configViper.GetString("email.from"),
		EmailRedirectTo: configViper.GetString("email.redirect_to"),

		StatusGateApplyToPush: configViper.GetBool("status_gate.apply_to_push"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.IngestToken) == "" {
		return fmt.Errorf("ingest.token is required")
	}
	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("notify.workers must be positive")
	}
	if c.NotifyDispatchConcurrency <= 0 {
		return fmt.Errorf("notify.dispatch_concurrency must be positive")
	}
	if c.NotifyQueueSize <= 0 {
		return fmt.Errorf("notify.queue_size must be positive")
	}
	if c.NotifySendTimeout <= 0 {
		return fmt.Errorf("notify.send_timeout must be positive")
	}
	if c.NotifySubmitTimeout <= 0 {
		return fmt.Errorf("notify.submit_timeout must be positive")
	}
	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis queue backend")
		}
	case QueueBackendAMQP:
		if strings.TrimSpace(c.AMQPURL) == "" {
			return fmt.Errorf("amqp.url is required for the amqp queue backend")
		}
	default:
		return fmt.Errorf("notify.queue.backend %q is not supported", c.QueueBackend)
	}
	if c.PushEnabled && strings.TrimSpace(c.PushAccessToken) == "" {
		return fmt.Errorf("push.access_token is required when push is enabled")
	}
	if c.EmailEnabled {
		if strings.TrimSpace(c.EmailAPIKey) == "" {
			return fmt.Errorf("email.resend_api_key is required when email is enabled")
		}
		if strings.TrimSpace(c.EmailFrom) == "" {
			return fmt.Errorf("email.from is required when email is enabled")
		}
	}
	return nil
}
