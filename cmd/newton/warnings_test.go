package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/void0-space/newton-backend-sub000/internal/config"
)

// captureWarnings calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logConfigWarnings(zerolog.New(&buf), cfg)
	return buf.String()
}

func TestLogConfigWarnings_MemoryMode(t *testing.T) {
	output := captureWarnings(config.Config{NetworkDriver: "loopback"})

	if !strings.Contains(output, "DATABASE_URL not set") {
		t.Error("expected memory store warning, got:", output)
	}
	if !strings.Contains(output, "REDIS_ADDRS not set") {
		t.Error("expected process-local lock warning, got:", output)
	}
	if !strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("expected metrics warning, got:", output)
	}
	if !strings.Contains(output, "NETWORK_DRIVER=loopback") {
		t.Error("expected loopback info, got:", output)
	}
	if !strings.Contains(output, `"priority":"P0"`) {
		t.Error("expected P0 priority field, got:", output)
	}
}

func TestLogConfigWarnings_Production(t *testing.T) {
	cfg := config.Config{
		DatabaseURL:    "postgres://localhost/newton",
		RedisAddrs:     []string{"r1:6379", "r2:6379", "r3:6379"},
		MetricsEnabled: true,
		NetworkDriver:  "other",
	}
	output := captureWarnings(cfg)
	if output != "" {
		t.Error("expected no warnings, got:", output)
	}
}

func TestLogConfigWarnings_EvenRedisNodes(t *testing.T) {
	cfg := config.Config{
		DatabaseURL:    "postgres://localhost/newton",
		RedisAddrs:     []string{"r1:6379", "r2:6379"},
		MetricsEnabled: true,
	}
	output := captureWarnings(cfg)
	if !strings.Contains(output, "even number of Redis nodes") {
		t.Error("expected even node warning, got:", output)
	}
	if strings.Contains(output, "P0") {
		t.Error("did not expect P0 warnings, got:", output)
	}
}
