package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/analytics"
	"github.com/void0-space/newton-backend-sub000/internal/api"
	"github.com/void0-space/newton-backend-sub000/internal/cache"
	"github.com/void0-space/newton-backend-sub000/internal/circuitbreaker"
	"github.com/void0-space/newton-backend-sub000/internal/config"
	"github.com/void0-space/newton-backend-sub000/internal/conversation"
	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/leaderelection"
	"github.com/void0-space/newton-backend-sub000/internal/lock"
	"github.com/void0-space/newton-backend-sub000/internal/metrics"
	"github.com/void0-space/newton-backend-sub000/internal/network/loopback"
	"github.com/void0-space/newton-backend-sub000/internal/observability"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
	"github.com/void0-space/newton-backend-sub000/internal/reconciler"
	"github.com/void0-space/newton-backend-sub000/internal/session"
	"github.com/void0-space/newton-backend-sub000/internal/store/postgres"
	"github.com/void0-space/newton-backend-sub000/internal/transport/channel"
	"github.com/void0-space/newton-backend-sub000/internal/transport/rabbitmq"
	"github.com/void0-space/newton-backend-sub000/internal/webhook"

	_ "github.com/lib/pq"
)

const (
	dbPingTimeout      = 5 * time.Second
	amqpPublishTimeout = 5 * time.Second
)

func runServe() int {
	cfg := config.Load()
	setupLogging(cfg)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := log.With().Str("component", "main").Logger()
	logConfigWarnings(logger, cfg)

	ctx := context.Background()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Error().Err(err).Msg("tracing setup failed")
		return exitRuntimeError
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		logger.Info().Str("path", cfg.MetricsPath).Str("port", cfg.MetricsPort).Msg("metrics enabled")
	}

	// Durable stores: Postgres when configured, in-process otherwise.
	var (
		db           *sql.DB
		sessionStore session.Store
		credentials  session.Credentials
		inbound      session.InboundHandler
		jobStore     outbound.Store
		targets      webhook.TargetSource
		deliveries   webhook.DeliveryStore
	)
	if cfg.DatabaseURL != "" {
		db, err = openDatabase(ctx, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return exitRuntimeError
		}
		defer db.Close()

		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to apply schema")
			return exitRuntimeError
		}
		sessionStore, credentials, inbound = pg, pg, pg
		jobStore = pg
		targets, deliveries = pg, pg
		logger.Info().
			Int("max_open", cfg.DBMaxOpenConns).
			Int("max_idle", cfg.DBMaxIdleConns).
			Dur("max_lifetime", cfg.DBConnMaxLifetime).
			Msg("postgres store ready")
	} else {
		ms := session.NewMemoryStore()
		ws := webhook.NewMemoryStore()
		sessionStore, credentials, inbound = ms, ms, ms
		jobStore = outbound.NewMemoryStore()
		targets, deliveries = ws, ws
	}

	// Shared coordination state: Redis when configured, in-process otherwise.
	var (
		locker       lock.Locker          = lock.NewMemory()
		deduper      webhook.Deduper      = webhook.NewMemoryDeduper()
		breakerStore circuitbreaker.Store = circuitbreaker.NewMemoryStore()
		sessionCache *cache.SessionCache
		primary      *redis.Client
	)
	if len(cfg.RedisAddrs) > 0 {
		clients := connectRedis(ctx, logger, cfg.RedisAddrs)
		defer func() {
			for _, c := range clients {
				_ = c.Close()
			}
		}()
		nodes := make([]redis.UniversalClient, len(clients))
		for i, c := range clients {
			nodes[i] = c
		}
		primary = clients[0]
		locker = lock.NewRedlock(nodes...)
		deduper = webhook.NewRedisDeduper(primary)
		breakerStore = circuitbreaker.NewRedisStore(primary)
		sessionCache = cache.NewSessionCache(primary, cfg.SessionCacheTTL)
	}

	connector, err := newConnector(cfg.NetworkDriver)
	if err != nil {
		logger.Error().Err(err).Msg("network driver")
		return exitInvalidConfig
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	controller := conversation.New(locker).
		WithLockTTL(cfg.LockTTL).
		WithMetrics(sink)

	manager := session.New(
		session.Config{
			ReconnectDelay:     cfg.ReconnectDelay,
			IdleReconnectDelay: cfg.IdleReconnectDelay,
			ConnectTimeout:     cfg.ConnectTimeout,
		},
		sessionStore,
		connector,
		controller,
		inbound,
	).
		WithPublisher(bus).
		WithCredentials(credentials).
		WithMetrics(sink)
	if sessionCache != nil {
		manager = manager.WithCache(sessionCache)
	}

	queue := outbound.New(
		outbound.Config{
			Workers:        cfg.QueueWorkers,
			MaxAttempts:    cfg.QueueMaxAttempts,
			InitialBackoff: cfg.QueueInitialBackoff,
			MaxBackoff:     cfg.QueueMaxBackoff,
			PollInterval:   cfg.QueuePollInterval,
			RatePerSession: cfg.SendRatePerSession,
			Burst:          cfg.SendBurst,
		},
		jobStore,
		manager,
	).WithMetrics(sink)
	manager = manager.WithEnqueuer(queue)

	sender := webhook.NewHTTPSender().
		WithTimeout(cfg.WebhookTimeout).
		WithMaxResponseBytes(cfg.WebhookMaxResponseBytes)
	breaker := circuitbreaker.New(breakerStore, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerWindow, cfg.CircuitBreakerCooldown)

	notifierCfg := webhook.DefaultConfig()
	notifierCfg.Workers = cfg.WebhookWorkers
	notifierCfg.BufferSize = cfg.WebhookBufferSize
	notifierCfg.MaxAttempts = cfg.WebhookMaxAttempts
	notifierCfg.InitialBackoff = cfg.WebhookInitialBackoff
	notifierCfg.DedupWindow = cfg.WebhookDedupWindow
	notifierCfg.DrainTimeout = cfg.DrainTimeout
	notifier := webhook.New(notifierCfg, targets, deliveries, sender, breaker).
		WithDeduper(deduper).
		WithMetrics(sink, metrics.ClassifyStatus)

	bus.Subscribe("webhook", func(_ context.Context, ev domain.Event) {
		notifier.HandleEvent(ev)
	})
	bus.Subscribe("outbound", queue.HandleEvent)

	if cfg.AnalyticsEnabled {
		counter := analytics.NewRedisSink(primary, cfg.AnalyticsRetention)
		bus.Subscribe("analytics", counter.Handle)
		logger.Info().Str("redis", cfg.RedisAddrs[0]).Msg("analytics enabled")
	}

	if cfg.AMQPURL != "" {
		pub, err := rabbitmq.Dial(rabbitmq.Config{
			URL:            cfg.AMQPURL,
			Exchange:       cfg.AMQPExchange,
			PublishTimeout: amqpPublishTimeout,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to rabbitmq")
			return exitRuntimeError
		}
		defer pub.Close()
		bus.Subscribe("amqp", pub.Handle)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("event stream enabled")
	}

	recon, err := reconciler.New(
		reconciler.Config{
			Interval:          cfg.SweepInterval,
			Lookback:          cfg.SweepLookback,
			BatchSize:         cfg.SweepBatchSize,
			StaleJobThreshold: cfg.StaleJobThreshold,
			Retention:         cfg.Retention,
			PurgeSchedule:     cfg.PurgeSchedule,
		},
		notifier,
		queue,
		deliveries,
	)
	if err != nil {
		logger.Error().Err(err).Msg("reconciler")
		return exitInvalidConfig
	}
	recon = recon.WithMetrics(sink)

	// Ops API
	gin.SetMode(gin.ReleaseMode)
	apiHandler := api.New(queue, notifier, manager)
	if db != nil {
		apiHandler.WithComponent("database", db.PingContext)
	}
	if primary != nil {
		apiHandler.WithComponent("redis", func(ctx context.Context) error {
			return primary.Ping(ctx).Err()
		})
	}
	if cfg.OTEL.Enabled {
		apiHandler.WithTracing(cfg.OTEL.ServiceName)
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		if cfg.MetricsPort == "" {
			apiHandler.WithMetrics(cfg.MetricsPath, promhttp.Handler())
		} else {
			mux := http.NewServeMux()
			mux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{
				Addr:              ":" + cfg.MetricsPort,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server error")
				}
			}()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Separate contexts per component enable ordered shutdown.
	busCtx, cancelBus := context.WithCancel(context.Background())
	notifierCtx, cancelNotifier := context.WithCancel(context.Background())
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())

	var busWg, notifierWg, queueWg, backgroundWg sync.WaitGroup

	busWg.Add(1)
	go func() {
		defer busWg.Done()
		bus.Run(busCtx)
	}()

	notifierWg.Add(1)
	go func() {
		defer notifierWg.Done()
		notifier.Run(notifierCtx)
	}()

	queueWg.Add(1)
	go func() {
		defer queueWg.Done()
		queue.Run(queueCtx)
	}()

	// With a shared database only the elected leader runs the reconciler.
	duties := &leaderDuties{run: recon.Run}
	backgroundWg.Add(1)
	if db != nil {
		elector := leaderelection.New(
			db,
			leaderelection.KeyFromName(cfg.LeaderLockKey),
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			duties.start,
			duties.stop,
		).WithMetrics(sink)
		go func() {
			defer backgroundWg.Done()
			elector.Run(backgroundCtx)
		}()
	} else {
		go func() {
			defer backgroundWg.Done()
			recon.Run(backgroundCtx)
		}()
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	restoreCtx, cancelRestore := context.WithTimeout(ctx, cfg.DrainTimeout)
	restored, err := manager.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		logger.Error().Err(err).Msg("session restore failed")
	} else {
		logger.Info().Int("sessions", restored).Msg("sessions restored")
	}

	logger.Info().
		Str("version", version).
		Str("network", cfg.NetworkDriver).
		Bool("postgres", db != nil).
		Int("redis_nodes", len(cfg.RedisAddrs)).
		Msg("started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: stop ingestion. Persisted state is untouched so the next start
	// restores the same sessions.
	logger.Info().Msg("closing sessions...")
	withTimeout(cfg.DrainTimeout, func(ctx context.Context) {
		if err := manager.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("session close timed out")
		}
	})
	logger.Info().Msg("sessions closed")

	// Phase 2: finish inbound work already accepted.
	logger.Info().Msg("draining conversations...")
	withTimeout(cfg.DrainTimeout, func(ctx context.Context) {
		if err := controller.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("conversation drain timed out")
		}
	})
	logger.Info().Msg("conversations drained")

	// Phase 3: outbound workers finish in-flight sends.
	logger.Info().Msg("stopping outbound queue...")
	cancelQueue()
	queueWg.Wait()
	logger.Info().Msg("outbound queue stopped")

	// Phase 4: hand buffered events to subscribers.
	logger.Info().Msg("draining event bus...")
	cancelBus()
	busWg.Wait()
	logger.Info().Msg("event bus drained")

	// Phase 5: deliver buffered notifications.
	logger.Info().Msg("draining webhook notifier...")
	cancelNotifier()
	notifierWg.Wait()
	logger.Info().Msg("webhook notifier stopped")

	// Phase 6: reconciler and leader election.
	logger.Info().Msg("stopping reconciler...")
	cancelBackground()
	backgroundWg.Wait()
	duties.stop()
	logger.Info().Msg("reconciler stopped")

	// Phase 7: HTTP servers.
	logger.Info().Msg("stopping http server...")
	withTimeout(cfg.HTTPShutdownTimeout, func(ctx context.Context) {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown error")
		}
	})
	if metricsServer != nil {
		withTimeout(cfg.HTTPShutdownTimeout, func(ctx context.Context) {
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
		})
	}
	logger.Info().Msg("http server stopped")

	// Phase 8: flush spans.
	withTimeout(cfg.HTTPShutdownTimeout, func(ctx context.Context) {
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	})

	logger.Info().Msg("stopped")
	return exitSuccess
}

func withTimeout(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	fn(ctx)
}

// openDatabase opens the pool and verifies connectivity.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// connectRedis creates one client per node. Unreachable nodes are logged
// and kept: Redlock only needs a majority.
func connectRedis(ctx context.Context, logger zerolog.Logger, addrs []string) []*redis.Client {
	clients := make([]*redis.Client, 0, len(addrs))
	for _, addr := range addrs {
		c := redis.NewClient(&redis.Options{Addr: addr})
		pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
		if err := c.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("redis node unreachable at startup")
		}
		cancel()
		clients = append(clients, c)
	}
	return clients
}

func newConnector(driver string) (session.Connector, error) {
	switch driver {
	case "loopback":
		return loopback.New(), nil
	default:
		return nil, fmt.Errorf("unknown network driver %q", driver)
	}
}

// leaderDuties starts and stops the reconciler as leadership changes.
type leaderDuties struct {
	run func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (d *leaderDuties) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go func() {
		defer close(done)
		d.run(runCtx)
	}()
}

// stop blocks until the duties have returned. It is idempotent.
func (d *leaderDuties) stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
