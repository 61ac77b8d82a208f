package main

import (
	"github.com/rs/zerolog"

	"github.com/void0-space/newton-backend-sub000/internal/config"
)

// logConfigWarnings flags deployments that run but lose guarantees.
func logConfigWarnings(logger zerolog.Logger, cfg config.Config) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Str("priority", "P0").
			Msg("DATABASE_URL not set: sessions, jobs and deliveries are kept in memory and lost on restart")
	}
	if len(cfg.RedisAddrs) == 0 {
		logger.Warn().Str("priority", "P0").
			Msg("REDIS_ADDRS not set: conversation locks are process-local; run a single replica")
	} else if len(cfg.RedisAddrs)%2 == 0 {
		logger.Warn().Str("priority", "P1").Int("nodes", len(cfg.RedisAddrs)).
			Msg("even number of Redis nodes tolerates no more failures than one fewer node")
	}
	if !cfg.MetricsEnabled {
		logger.Warn().Str("priority", "P1").
			Msg("METRICS_ENABLED=false: queue depth, dead letters and circuit state are invisible")
	}
	if cfg.NetworkDriver == "loopback" {
		logger.Info().Msg("NETWORK_DRIVER=loopback: sessions are simulated in process")
	}
}
