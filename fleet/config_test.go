package fleet

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
log_level: debug
listen: ":9090"
manager:
  base_check_interval_sec: 30
  first_check_delay_sec: 5
event_log:
  sqlite_db_path: /tmp/fleet-test.sqlite
  heartbeat_interval_sec: 10
  heartbeat_grace_sec: 60
groups:
  freebie: 2
backends:
  - name: primary
    api_base_url: https://api.example.com/v1
    api_token: ${FLEET_TEST_TOKEN}
    default_model: test-model
    priority: 50
    group_id: freebie
    default_available: true
    models: [m1, m2]
    models_per_rotation: 3
`

// TestLoadConfig tests parsing, env expansion and defaults
func TestLoadConfig(t *testing.T) {
	t.Setenv("FLEET_TEST_TOKEN", "sk-secret")

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Listen != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("Unexpected top-level config: %+v", cfg)
	}
	if cfg.Manager.BaseCheckInterval() != 30*time.Second {
		t.Errorf("Expected 30s base interval, got %v", cfg.Manager.BaseCheckInterval())
	}
	if cfg.EventLog.HeartbeatGrace() != 60*time.Second {
		t.Errorf("Expected 60s grace, got %v", cfg.EventLog.HeartbeatGrace())
	}
	if cfg.Groups["freebie"] != 2 {
		t.Errorf("Expected group limit 2, got %v", cfg.Groups)
	}

	b := cfg.Backends[0]
	if b.APIToken != "sk-secret" {
		t.Errorf("Expected env-expanded token, got %q", b.APIToken)
	}
	if !b.DefaultAvailable || b.ModelsPerRotation != 3 || len(b.Models) != 2 {
		t.Errorf("Unexpected backend config: %+v", b)
	}
}

// TestLoadConfigDefaults tests that omitted sections fall back to the
// documented defaults
func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	minimal := "backends:\n  - name: only\n    api_base_url: https://x.test/v1\n"
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Manager.BaseCheckInterval() != 60*time.Second {
		t.Errorf("Expected default 60s base interval, got %v", cfg.Manager.BaseCheckInterval())
	}
	if cfg.Manager.FirstCheckDelay() != 10*time.Second {
		t.Errorf("Expected default 10s first delay, got %v", cfg.Manager.FirstCheckDelay())
	}
	if cfg.EventLog.HeartbeatInterval() != 30*time.Second {
		t.Errorf("Expected default 30s heartbeat, got %v", cfg.EventLog.HeartbeatInterval())
	}
	if cfg.EventLog.DBPath() == "" {
		t.Error("Expected default db path")
	}
}

// TestLoadConfigValidation tests rejection of broken configs
func TestLoadConfigValidation(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"no backends":    "listen: \":8080\"\n",
		"missing name":   "backends:\n  - api_base_url: https://x.test\n",
		"missing url":    "backends:\n  - name: a\n",
		"duplicate name": "backends:\n  - name: a\n    api_base_url: https://x.test\n  - name: a\n    api_base_url: https://y.test\n",
	}

	for label, content := range cases {
		path := filepath.Join(dir, label+".yaml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected validation error", label)
		}
	}
}
