package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"LOCK_TTL", "RECONNECT_DELAY", "IDLE_RECONNECT_DELAY", "QUEUE_WORKERS", "QUEUE_INITIAL_BACKOFF", "WEBHOOK_MAX_ATTEMPTS", "CIRCUIT_BREAKER_THRESHOLD", "HTTP_ADDR", "PORT", "NETWORK_DRIVER", "REDIS_ADDRS"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.LockTTL != 5*time.Second {
		t.Errorf("LockTTL: expected 5s, got %v", cfg.LockTTL)
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay: expected 5s, got %v", cfg.ReconnectDelay)
	}
	if cfg.IdleReconnectDelay != 30*time.Second {
		t.Errorf("IdleReconnectDelay: expected 30s, got %v", cfg.IdleReconnectDelay)
	}
	if cfg.QueueWorkers != 4 {
		t.Errorf("QueueWorkers: expected 4, got %d", cfg.QueueWorkers)
	}
	if cfg.QueueInitialBackoff != 3*time.Second {
		t.Errorf("QueueInitialBackoff: expected 3s, got %v", cfg.QueueInitialBackoff)
	}
	if cfg.WebhookMaxAttempts != 5 {
		t.Errorf("WebhookMaxAttempts: expected 5, got %d", cfg.WebhookMaxAttempts)
	}
	if cfg.CircuitBreakerThreshold != 5 {
		t.Errorf("CircuitBreakerThreshold: expected 5, got %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.NetworkDriver != "loopback" {
		t.Errorf("NetworkDriver: expected loopback, got %q", cfg.NetworkDriver)
	}
	if len(cfg.RedisAddrs) != 0 {
		t.Errorf("RedisAddrs: expected none, got %v", cfg.RedisAddrs)
	}
	if cfg.OTEL.SampleRatio != 1.0 {
		t.Errorf("OTEL.SampleRatio: expected 1, got %v", cfg.OTEL.SampleRatio)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("LOCK_TTL", "10s")
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("SEND_RATE_PER_SESSION", "0.5")
	t.Setenv("REDIS_ADDRS", "r1:6379, r2:6379,,r3:6379")
	t.Setenv("DRAIN_TIMEOUT", "60s")
	t.Setenv("PORT", "9999")
	t.Setenv("HTTP_ADDR", "")

	cfg := Load()

	if cfg.LockTTL != 10*time.Second {
		t.Errorf("LockTTL: expected 10s, got %v", cfg.LockTTL)
	}
	if cfg.QueueWorkers != 8 {
		t.Errorf("QueueWorkers: expected 8, got %d", cfg.QueueWorkers)
	}
	if cfg.SendRatePerSession != 0.5 {
		t.Errorf("SendRatePerSession: expected 0.5, got %v", cfg.SendRatePerSession)
	}
	want := []string{"r1:6379", "r2:6379", "r3:6379"}
	if strings.Join(cfg.RedisAddrs, ",") != strings.Join(want, ",") {
		t.Errorf("RedisAddrs: expected %v, got %v", want, cfg.RedisAddrs)
	}
	if cfg.DrainTimeout != 60*time.Second {
		t.Errorf("DrainTimeout: expected 60s, got %v", cfg.DrainTimeout)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr: expected :9999, got %q", cfg.HTTPAddr)
	}
}

func TestLoad_InvalidIntegerFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"non-numeric", "abc"},
		{"zero", "0"},
		{"negative", "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("EVENTBUS_BUFFER_SIZE", tt.value)
			cfg := Load()
			if cfg.EventBusBufferSize != 100 {
				t.Errorf("EventBusBufferSize: expected fallback 100, got %d", cfg.EventBusBufferSize)
			}
		})
	}
}

func TestLoad_InvalidDurationKeepsRawForValidate(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg := Load()
	if cfg.SweepIntervalStr != "soon" {
		t.Errorf("SweepIntervalStr = %q", cfg.SweepIntervalStr)
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "SWEEP_INTERVAL") {
		t.Errorf("expected SWEEP_INTERVAL error, got %v", err)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NEWTON_TEST_FROM_FILE=yes\nNEWTON_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEWTON_TEST_PRESET", "env")
	t.Setenv("NEWTON_TEST_FROM_FILE", "")
	os.Unsetenv("NEWTON_TEST_FROM_FILE")

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}

	if got := os.Getenv("NEWTON_TEST_FROM_FILE"); got != "yes" {
		t.Errorf("NEWTON_TEST_FROM_FILE = %q, want yes", got)
	}
	if got := os.Getenv("NEWTON_TEST_PRESET"); got != "env" {
		t.Errorf("existing variable overwritten: %q", got)
	}
}

func TestMaskedJSON_MasksSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://user:hunter2@db/newton")
	t.Setenv("AMQP_URL", "amqp://guest:guest@mq:5672/")

	cfg := Load()
	data, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON: %v", err)
	}

	if strings.Contains(string(data), "hunter2") || strings.Contains(string(data), "guest") {
		t.Errorf("secrets leaked: %s", data)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["database_url"] != "postgres://***" {
		t.Errorf("database_url = %v", m["database_url"])
	}
	if m["lock_ttl"] != "5s" && os.Getenv("LOCK_TTL") == "" {
		t.Errorf("lock_ttl = %v", m["lock_ttl"])
	}
	if _, ok := m["eventbus_buffer_size"]; !ok {
		t.Error("missing eventbus_buffer_size")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"postgres://u:p@h/db", "postgres://***"},
		{"postgresql://u:p@h/db", "postgresql://***"},
		{"amqps://u:p@h/", "amqps://***"},
		{"token", "***"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
