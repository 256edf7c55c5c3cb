package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cypherdb.yaml")
	data := `
server:
  addr: ":9000"
storage:
  data_path: /var/lib/cypherdb/graph.db
transactions:
  idle_timeout: 2m
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Storage.DataPath != "/var/lib/cypherdb/graph.db" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Transactions.IdleTimeout != 2*time.Minute {
		t.Errorf("idle_timeout = %s, want 2m", cfg.Transactions.IdleTimeout)
	}
	// unset keys keep their defaults
	if cfg.Transactions.MaxOpenTransactions != 256 || cfg.Server.FlushEvery != 64 {
		t.Errorf("defaults lost: %+v", cfg.Transactions)
	}
}

func TestLoadFromFile_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cypherdb.yaml")
	if err := os.WriteFile(path, []byte("server:\n  adr: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected an error for a misspelled key")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CYPHERDB_ADDR", ":7000")
	t.Setenv("CYPHERDB_DATA", "/tmp/g.db")
	t.Setenv("CYPHERDB_LOG_LEVEL", "warn")
	t.Setenv("CYPHERDB_TX_IDLE_TIMEOUT", "15s")
	t.Setenv("CYPHERDB_TRACING_ENDPOINT", "otel:4318")

	cfg := DefaultConfig()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Storage.DataPath != "/tmp/g.db" || cfg.Logging.Level != "warn" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Transactions.IdleTimeout != 15*time.Second {
		t.Errorf("idle timeout = %s", cfg.Transactions.IdleTimeout)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel:4318" {
		t.Errorf("tracing override not applied: %+v", cfg.Tracing)
	}

	t.Setenv("CYPHERDB_TX_IDLE_TIMEOUT", "soon")
	if err := LoadFromEnv(cfg); err == nil {
		t.Error("expected an error for a malformed duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = ""
	cfg.Logging.Level = "loud"
	cfg.Tracing.SampleRate = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"server.addr", "logging.level", "sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
