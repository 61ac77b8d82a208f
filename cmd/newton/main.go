package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`newton - session concurrency and delivery engine

Usage:
  newton <command>

Commands:
  serve      Start sessions, the outbound queue, webhooks and the ops API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (empty: in-memory stores)
  REDIS_ADDRS               Comma-separated Redis nodes; all take part in Redlock (empty: in-process)
  HTTP_ADDR                 Ops API address (default: ":8080", or ":$PORT")
  LOG_LEVEL                 debug, info, warn, error (default: "info")
  LOG_PRETTY                Human-readable console logs (default: "false")
  NETWORK_DRIVER            Protocol connector (default: "loopback")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  LOCK_TTL                  Conversation lease TTL (default: "5s")
  RECONNECT_DELAY           Delay after a generic disconnect (default: "5s")
  IDLE_RECONNECT_DELAY      Delay after an idle timeout (default: "30s")
  CONNECT_TIMEOUT           Bound on opening a connection (default: "30s")
  SESSION_CACHE_TTL         Session snapshot cache TTL (default: "5m")

  QUEUE_WORKERS             Outbound send workers (default: "4")
  QUEUE_MAX_ATTEMPTS        Attempts before dead-lettering (default: "5")
  QUEUE_INITIAL_BACKOFF     First retry delay (default: "3s")
  QUEUE_MAX_BACKOFF         Retry delay cap (default: "5m")
  QUEUE_POLL_INTERVAL       Idle worker poll interval (default: "1s")
  SEND_RATE_PER_SESSION     Sends per second per session, 0 disables (default: "0")
  SEND_BURST                Send burst per session (default: "1")

  WEBHOOK_WORKERS           Webhook delivery workers (default: "4")
  WEBHOOK_BUFFER_SIZE       Notification buffer (default: "1000")
  WEBHOOK_TIMEOUT           Default request timeout (default: "10s")
  WEBHOOK_MAX_ATTEMPTS      Automatic attempts per delivery (default: "5")
  WEBHOOK_INITIAL_BACKOFF   First redelivery delay (default: "30s")
  WEBHOOK_DEDUP_WINDOW      Duplicate suppression window (default: "5s")
  WEBHOOK_MAX_RESPONSE_BYTES Response body bytes kept (default: "4096")
  CIRCUIT_BREAKER_THRESHOLD Failures before a target is skipped (default: "5")
  CIRCUIT_BREAKER_WINDOW    Failure counting window (default: "1m")
  CIRCUIT_BREAKER_COOLDOWN  How long an open circuit skips a target (default: "5m")

  SWEEP_INTERVAL            Reconciler cycle interval (default: "1m")
  SWEEP_LOOKBACK            Max age of redelivered webhooks (default: "24h")
  SWEEP_BATCH_SIZE          Redeliveries per cycle (default: "100")
  STALE_JOB_THRESHOLD       Age before an active job is requeued (default: "5m")
  RETENTION                 Delivery record retention (default: "168h")
  PURGE_SCHEDULE            Cron expression in UTC for purging (default: "0 3 * * *")

  EVENTBUS_BUFFER_SIZE      Per-subscriber event buffer (default: "100")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Separate metrics port (default: serve on HTTP_ADDR)
  AMQP_URL                  RabbitMQ URL for the event stream (optional)
  AMQP_EXCHANGE             Topic exchange (default: "newton.events")
  ANALYTICS_ENABLED         Count events in Redis (default: "false")
  ANALYTICS_RETENTION       Analytics bucket TTL (default: "24h")

  LEADER_LOCK_KEY           Advisory lock name for the reconciler leader (default: "newton-reconciler")
  LEADER_RETRY_INTERVAL     Election retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DRAIN_TIMEOUT             Drain timeout per component on shutdown (default: "30s")

  OTEL_ENABLED              Export traces over OTLP gRPC (default: "false")
  OTEL_EXPORTER_OTLP_ENDPOINT Collector endpoint (default: "localhost:4317")
  OTEL_EXPORTER_OTLP_INSECURE Disable TLS (default: "false")
  OTEL_SERVICE_NAME         Service name (default: "newton")
  OTEL_TRACES_SAMPLER_ARG   Sampling ratio (default: "1.0")`)
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogPretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "newton").Logger()
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("newton version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
