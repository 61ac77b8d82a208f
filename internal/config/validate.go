package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/void0-space/newton-backend-sub000/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// NetworkDrivers lists the supported NETWORK_DRIVER values.
var NetworkDrivers = []string{"loopback"}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// Every duration must parse and be positive.
	for _, s := range cfg.durations() {
		if *s.str == "" {
			continue
		}
		d, err := time.ParseDuration(*s.str)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   s.env,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   s.env,
				Message: "must be positive",
			})
		}
	}

	if cfg.DatabaseURL != "" && !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "must be a postgres:// or postgresql:// URL",
		})
	}

	if !contains(NetworkDrivers, cfg.NetworkDriver) {
		errs = append(errs, ValidationError{
			Field:   "NETWORK_DRIVER",
			Message: fmt.Sprintf("must be one of %s, got %q", strings.Join(NetworkDrivers, ", "), cfg.NetworkDriver),
		})
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("unknown level %q", cfg.LogLevel),
		})
	}

	if cfg.PurgeSchedule != "" {
		if _, err := cron.NewParser().Parse(cfg.PurgeSchedule, "UTC"); err != nil {
			errs = append(errs, ValidationError{
				Field:   "PURGE_SCHEDULE",
				Message: err.Error(),
			})
		}
	}

	if cfg.SendRatePerSession < 0 {
		errs = append(errs, ValidationError{
			Field:   "SEND_RATE_PER_SESSION",
			Message: "must not be negative",
		})
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "OTEL_TRACES_SAMPLER_ARG",
			Message: "must be between 0 and 1",
		})
	}

	if cfg.QueueMaxBackoff > 0 && cfg.QueueMaxBackoff < cfg.QueueInitialBackoff {
		errs = append(errs, ValidationError{
			Field:   "QUEUE_MAX_BACKOFF",
			Message: "must not be less than QUEUE_INITIAL_BACKOFF",
		})
	}

	if cfg.AMQPURL != "" && cfg.AMQPExchange == "" {
		errs = append(errs, ValidationError{
			Field:   "AMQP_EXCHANGE",
			Message: "required when AMQP_URL is set",
		})
	}

	if cfg.AnalyticsEnabled && len(cfg.RedisAddrs) == 0 {
		errs = append(errs, ValidationError{
			Field:   "ANALYTICS_ENABLED",
			Message: "requires REDIS_ADDRS",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
