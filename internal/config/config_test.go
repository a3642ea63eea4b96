package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMarketplaceConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "marketplace.yaml")

	cfg, err := LoadMarketplaceConfig(path)
	if err != nil {
		t.Fatalf("LoadMarketplaceConfig: %v", err)
	}
	if cfg.Port != ":8080" {
		t.Errorf("Port = %s, want default :8080", cfg.Port)
	}
	if cfg.SweepInterval != 60*time.Second {
		t.Errorf("SweepInterval = %s, want 60s", cfg.SweepInterval)
	}
	if cfg.TimeoutMultiplier != 2.0 {
		t.Errorf("TimeoutMultiplier = %v, want 2.0", cfg.TimeoutMultiplier)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default config file not written: %v", err)
	}

	// A second load reads the file it just wrote.
	again, err := LoadMarketplaceConfig(path)
	if err != nil {
		t.Fatalf("second LoadMarketplaceConfig: %v", err)
	}
	if again.Port != cfg.Port || again.ServiceName != cfg.ServiceName {
		t.Errorf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadMarketplaceConfigBackfillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketplace.yaml")
	partial := "port: \":9999\"\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadMarketplaceConfig(path)
	if err != nil {
		t.Fatalf("LoadMarketplaceConfig: %v", err)
	}
	if cfg.Port != ":9999" {
		t.Errorf("Port = %s, want explicit :9999", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want explicit debug", cfg.LogLevel)
	}
	if cfg.StaleClaimAge != 5*time.Minute {
		t.Errorf("StaleClaimAge = %s, want back-filled 5m", cfg.StaleClaimAge)
	}
	if cfg.ServiceName != "swarm-marketplace" {
		t.Errorf("ServiceName = %s, want back-filled default", cfg.ServiceName)
	}
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %s, want 10s", cfg.PollInterval)
	}
	if cfg.SellerAddress != "" {
		t.Errorf("SellerAddress defaulted to %q, want empty", cfg.SellerAddress)
	}
}

func TestGenerateServiceID(t *testing.T) {
	a := GenerateServiceID("swarm-mkt-")
	b := GenerateServiceID("swarm-mkt-")
	if a == b {
		t.Error("service IDs should be unique per call")
	}
	if len(a) <= len("swarm-mkt-") {
		t.Errorf("service ID %q missing unique suffix", a)
	}
}
