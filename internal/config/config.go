package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for newton.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	// DatabaseURL empty selects in-memory stores.
	DatabaseURL string `json:"database_url"`
	// RedisAddrs: the first node backs cache, dedup and circuit state; all
	// nodes take part in Redlock. Empty selects in-memory implementations.
	RedisAddrs []string `json:"redis_addrs,omitempty"`
	HTTPAddr   string   `json:"http_addr"`

	LogLevel  string `json:"log_level"`
	LogPretty bool   `json:"log_pretty"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	LockTTL    time.Duration `json:"-"`
	LockTTLStr string        `json:"lock_ttl"`

	NetworkDriver string `json:"network_driver"`

	ReconnectDelay        time.Duration `json:"-"`
	ReconnectDelayStr     string        `json:"reconnect_delay"`
	IdleReconnectDelay    time.Duration `json:"-"`
	IdleReconnectDelayStr string        `json:"idle_reconnect_delay"`
	ConnectTimeout        time.Duration `json:"-"`
	ConnectTimeoutStr     string        `json:"connect_timeout"`
	SessionCacheTTL       time.Duration `json:"-"`
	SessionCacheTTLStr    string        `json:"session_cache_ttl"`

	QueueWorkers           int           `json:"queue_workers"`
	QueueMaxAttempts       int           `json:"queue_max_attempts"`
	QueueInitialBackoff    time.Duration `json:"-"`
	QueueInitialBackoffStr string        `json:"queue_initial_backoff"`
	QueueMaxBackoff        time.Duration `json:"-"`
	QueueMaxBackoffStr     string        `json:"queue_max_backoff"`
	QueuePollInterval      time.Duration `json:"-"`
	QueuePollIntervalStr   string        `json:"queue_poll_interval"`
	// SendRatePerSession is messages per second per session; 0 disables pacing.
	SendRatePerSession float64 `json:"send_rate_per_session"`
	SendBurst          int     `json:"send_burst"`

	WebhookWorkers           int           `json:"webhook_workers"`
	WebhookBufferSize        int           `json:"webhook_buffer_size"`
	WebhookTimeout           time.Duration `json:"-"`
	WebhookTimeoutStr        string        `json:"webhook_timeout"`
	WebhookMaxAttempts       int           `json:"webhook_max_attempts"`
	WebhookInitialBackoff    time.Duration `json:"-"`
	WebhookInitialBackoffStr string        `json:"webhook_initial_backoff"`
	WebhookDedupWindow       time.Duration `json:"-"`
	WebhookDedupWindowStr    string        `json:"webhook_dedup_window"`
	WebhookMaxResponseBytes  int           `json:"webhook_max_response_bytes"`

	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerWindow      time.Duration `json:"-"`
	CircuitBreakerWindowStr   string        `json:"circuit_breaker_window"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	SweepInterval        time.Duration `json:"-"`
	SweepIntervalStr     string        `json:"sweep_interval"`
	SweepLookback        time.Duration `json:"-"`
	SweepLookbackStr     string        `json:"sweep_lookback"`
	SweepBatchSize       int           `json:"sweep_batch_size"`
	StaleJobThreshold    time.Duration `json:"-"`
	StaleJobThresholdStr string        `json:"stale_job_threshold"`
	Retention            time.Duration `json:"-"`
	RetentionStr         string        `json:"retention"`
	// PurgeSchedule is a cron expression evaluated in UTC; empty disables purging.
	PurgeSchedule string `json:"purge_schedule"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	// MetricsPort empty serves metrics on the ops HTTP server.
	MetricsPort string `json:"metrics_port,omitempty"`

	// AMQPURL empty disables the event stream.
	AMQPURL      string `json:"amqp_url,omitempty"`
	AMQPExchange string `json:"amqp_exchange"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey string `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	DrainTimeout           time.Duration `json:"-"`
	DrainTimeoutStr        string        `json:"drain_timeout"`

	OTEL OTELConfig `json:"otel"`
}

// OTELConfig configures trace export.
type OTELConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Insecure    bool    `json:"insecure"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

type durationSetting struct {
	env string
	def string
	str *string
	dst *time.Duration
}

func (c *Config) durations() []durationSetting {
	return []durationSetting{
		{"DB_CONN_MAX_LIFETIME", "30m", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"LOCK_TTL", "5s", &c.LockTTLStr, &c.LockTTL},
		{"RECONNECT_DELAY", "5s", &c.ReconnectDelayStr, &c.ReconnectDelay},
		{"IDLE_RECONNECT_DELAY", "30s", &c.IdleReconnectDelayStr, &c.IdleReconnectDelay},
		{"CONNECT_TIMEOUT", "30s", &c.ConnectTimeoutStr, &c.ConnectTimeout},
		{"SESSION_CACHE_TTL", "5m", &c.SessionCacheTTLStr, &c.SessionCacheTTL},
		{"QUEUE_INITIAL_BACKOFF", "3s", &c.QueueInitialBackoffStr, &c.QueueInitialBackoff},
		{"QUEUE_MAX_BACKOFF", "5m", &c.QueueMaxBackoffStr, &c.QueueMaxBackoff},
		{"QUEUE_POLL_INTERVAL", "1s", &c.QueuePollIntervalStr, &c.QueuePollInterval},
		{"WEBHOOK_TIMEOUT", "10s", &c.WebhookTimeoutStr, &c.WebhookTimeout},
		{"WEBHOOK_INITIAL_BACKOFF", "30s", &c.WebhookInitialBackoffStr, &c.WebhookInitialBackoff},
		{"WEBHOOK_DEDUP_WINDOW", "5s", &c.WebhookDedupWindowStr, &c.WebhookDedupWindow},
		{"CIRCUIT_BREAKER_WINDOW", "1m", &c.CircuitBreakerWindowStr, &c.CircuitBreakerWindow},
		{"CIRCUIT_BREAKER_COOLDOWN", "5m", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"SWEEP_INTERVAL", "1m", &c.SweepIntervalStr, &c.SweepInterval},
		{"SWEEP_LOOKBACK", "24h", &c.SweepLookbackStr, &c.SweepLookback},
		{"STALE_JOB_THRESHOLD", "5m", &c.StaleJobThresholdStr, &c.StaleJobThreshold},
		{"RETENTION", "168h", &c.RetentionStr, &c.Retention},
		{"ANALYTICS_RETENTION", "24h", &c.AnalyticsRetentionStr, &c.AnalyticsRetention},
		{"LEADER_RETRY_INTERVAL", "5s", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", "2s", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
		{"HTTP_SHUTDOWN_TIMEOUT", "10s", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DRAIN_TIMEOUT", "30s", &c.DrainTimeoutStr, &c.DrainTimeout},
	}
}

type intSetting struct {
	env string
	def int
	min int
	dst *int
}

func (c *Config) ints() []intSetting {
	return []intSetting{
		{"DB_MAX_OPEN_CONNS", 25, 1, &c.DBMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 5, 1, &c.DBMaxIdleConns},
		{"QUEUE_WORKERS", 4, 1, &c.QueueWorkers},
		{"QUEUE_MAX_ATTEMPTS", 5, 1, &c.QueueMaxAttempts},
		{"SEND_BURST", 1, 1, &c.SendBurst},
		{"WEBHOOK_WORKERS", 4, 1, &c.WebhookWorkers},
		{"WEBHOOK_BUFFER_SIZE", 1000, 1, &c.WebhookBufferSize},
		{"WEBHOOK_MAX_ATTEMPTS", 5, 1, &c.WebhookMaxAttempts},
		{"WEBHOOK_MAX_RESPONSE_BYTES", 4096, 0, &c.WebhookMaxResponseBytes},
		{"CIRCUIT_BREAKER_THRESHOLD", 5, 1, &c.CircuitBreakerThreshold},
		{"SWEEP_BATCH_SIZE", 100, 1, &c.SweepBatchSize},
		{"EVENTBUS_BUFFER_SIZE", 100, 1, &c.EventBusBufferSize},
	}
}

// LoadEnvFiles preloads variables from dotenv files. Missing files are
// ignored and variables already set in the environment win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddrs:    splitList(os.Getenv("REDIS_ADDRS")),
		HTTPAddr:      os.Getenv("HTTP_ADDR"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogPretty:     os.Getenv("LOG_PRETTY") == "true",
		NetworkDriver: envOr("NETWORK_DRIVER", "loopback"),
		PurgeSchedule: envOr("PURGE_SCHEDULE", "0 3 * * *"),

		MetricsEnabled: os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:    envOr("METRICS_PATH", "/metrics"),
		MetricsPort:    os.Getenv("METRICS_PORT"),

		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: envOr("AMQP_EXCHANGE", "newton.events"),

		AnalyticsEnabled: os.Getenv("ANALYTICS_ENABLED") == "true",
		LeaderLockKey:    envOr("LEADER_LOCK_KEY", "newton-reconciler"),

		OTEL: OTELConfig{
			Enabled:     os.Getenv("OTEL_ENABLED") == "true",
			Endpoint:    envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			ServiceName: envOr("OTEL_SERVICE_NAME", "newton"),
			SampleRatio: 1.0,
		},
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	for _, s := range cfg.ints() {
		*s.dst = s.def
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < s.min {
			log.Warn().Str("var", s.env).Str("value", raw).Int("default", s.def).Msg("config: invalid integer, using default")
			continue
		}
		*s.dst = n
	}

	cfg.SendRatePerSession = envFloat("SEND_RATE_PER_SESSION", 0)
	cfg.OTEL.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", 1.0)

	// Parse durations; validation is handled separately by Validate().
	for _, s := range cfg.durations() {
		*s.str = envOr(s.env, s.def)
		if d, err := time.ParseDuration(*s.str); err == nil {
			*s.dst = d
		}
	}

	return cfg
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("var", key).Str("value", raw).Float64("default", def).Msg("config: invalid number, using default")
		return def
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.AMQPURL = maskSecret(c.AMQPURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "amqp://", "amqps://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
