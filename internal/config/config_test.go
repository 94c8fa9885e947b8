package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8081" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.CatalogSource != CatalogSourceFile {
		t.Errorf("CatalogSource = %q", cfg.CatalogSource)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.APIKeys["demo-api-key-12345"] != "demo-client" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if !cfg.HistoryEnabled {
		t.Error("history should be enabled by default")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("API_KEYS", "abc:clinic-a,def")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("HISTORY_ENABLED", "false")
	t.Setenv("TRACE_SAMPLE_RATE", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.WorkerCount != 3 || cfg.HistoryEnabled {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.TraceSampleRate != 0.25 {
		t.Errorf("TraceSampleRate = %v", cfg.TraceSampleRate)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.APIKeys["abc"] != "clinic-a" || cfg.APIKeys["def"] != "env-client" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CATALOG_SOURCE", "s3"},
		{"TRACE_SAMPLE_RATE", "2"},
		{"WORKER_COUNT", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	if _, err := ParseAPIKeys(":client"); err == nil {
		t.Error("expected error for empty key")
	}
	got, err := ParseAPIKeys("")
	if err != nil || len(got) != 0 {
		t.Errorf("ParseAPIKeys(\"\") = %v, %v", got, err)
	}
}
