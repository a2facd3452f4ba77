package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("NUMROUTE_HOME", home)
	t.Setenv("NUMROUTE_CONFIG", "")
	return home
}

func writeConfigFile(t *testing.T, home string, cfg *Config) {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Backend != "none" {
		t.Errorf("default queue backend = %s", cfg.Queue.Backend)
	}
	if cfg.Routing.CacheTTLSeconds != 300 {
		t.Errorf("default cache ttl = %d", cfg.Routing.CacheTTLSeconds)
	}
	if cfg.Gateway.Addr != ":8080" {
		t.Errorf("default gateway addr = %s", cfg.Gateway.Addr)
	}
	wantStore := filepath.Join(home, ConfigDir, "numroute.db")
	if cfg.Store.Path != wantStore {
		t.Errorf("default store path = %s, want %s", cfg.Store.Path, wantStore)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	home := isolateHome(t)
	file := DefaultConfig()
	file.Queue.Backend = "kafka"
	file.Queue.Kafka.Brokers = "broker-1:9092"
	file.Queue.Kafka.Topic = "inbound"
	file.Gateway.Addr = ":9999"
	writeConfigFile(t, home, file)

	// Env wins over the file.
	t.Setenv("NUMROUTE_GATEWAY_ADDR", ":7777")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Backend != "kafka" || cfg.Queue.Kafka.Brokers != "broker-1:9092" {
		t.Errorf("file values not applied: %+v", cfg.Queue)
	}
	if cfg.Gateway.Addr != ":7777" {
		t.Errorf("env override not applied: %s", cfg.Gateway.Addr)
	}
}

func TestLoad_RejectsBadBackend(t *testing.T) {
	home := isolateHome(t)
	file := DefaultConfig()
	file.Queue.Backend = "sqs"
	writeConfigFile(t, home, file)

	if _, err := Load(); err == nil {
		t.Error("expected error for unknown queue backend")
	}
}

func TestLoad_RequiresKafkaSettings(t *testing.T) {
	home := isolateHome(t)
	file := DefaultConfig()
	file.Queue.Backend = "kafka"
	file.Queue.Kafka.Brokers = ""
	writeConfigFile(t, home, file)

	if _, err := Load(); err == nil {
		t.Error("expected error for kafka backend without brokers")
	}
}

func TestLoad_RejectsBadJSON(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed config file")
	}
}

func TestConfigPath_ExplicitOverride(t *testing.T) {
	t.Setenv("NUMROUTE_CONFIG", "/etc/numroute/config.json")
	path, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if path != "/etc/numroute/config.json" {
		t.Errorf("explicit path not honored: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolateHome(t)
	cfg := DefaultConfig()
	cfg.Gateway.Addr = ":6060"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gateway.Addr != ":6060" {
		t.Errorf("round trip lost gateway addr: %s", loaded.Gateway.Addr)
	}
}
