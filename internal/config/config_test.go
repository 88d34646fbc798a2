package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Database.Path != "./scenesd.sqlite" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.HomeAssistant.Timeout.Duration() != 30*time.Second {
		t.Errorf("ha timeout = %v, want 30s", cfg.HomeAssistant.Timeout.Duration())
	}
	if cfg.HomeAssistant.RetryMultiplier != 2.0 {
		t.Errorf("retry multiplier = %v, want 2.0", cfg.HomeAssistant.RetryMultiplier)
	}
	if cfg.Scenes.NumberTolerance != 3 {
		t.Errorf("number tolerance = %v, want 3", cfg.Scenes.NumberTolerance)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("api port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Ledger.RetentionDays != 30 {
		t.Errorf("retention days = %d, want 30", cfg.Ledger.RetentionDays)
	}
	if cfg.ShutdownTimeout.Duration() != 5*time.Second {
		t.Errorf("shutdown timeout = %v, want 5s", cfg.ShutdownTimeout.Duration())
	}
	if cfg.EventBus.GetWorkers() != 4 || cfg.EventBus.GetQueueSize() != 100 {
		t.Errorf("eventbus = %d workers, %d queue, want 4, 100",
			cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	}
}

func TestLoadValues(t *testing.T) {
	t.Setenv("SCENESD_TEST_TOKEN", "secret-token")

	cfg, err := Load(writeConfig(t, `
homeassistant:
  url: http://ha.local:8123
  token: ${SCENESD_TEST_TOKEN}
  timeout: 45s
scenes:
  path: /etc/scenesd/scenes.yaml
  debounce_time: 250ms
  restore_on_deactivate: true
mqtt:
  enabled: true
  broker: ${SCENESD_TEST_BROKER:tcp://127.0.0.1:1883}
log:
  level: debug
  use_json: true
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HomeAssistant.Token != "secret-token" {
		t.Errorf("token = %q, want secret-token", cfg.HomeAssistant.Token)
	}
	if cfg.HomeAssistant.Timeout.Duration() != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", cfg.HomeAssistant.Timeout.Duration())
	}
	if cfg.Scenes.DebounceTime.Duration() != 250*time.Millisecond {
		t.Errorf("debounce = %v, want 250ms", cfg.Scenes.DebounceTime.Duration())
	}
	if !cfg.Scenes.RestoreOnDeactivate {
		t.Error("restore_on_deactivate not set")
	}
	// Unset variable with a default falls back to the default.
	if cfg.MQTT.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("broker = %q, want default", cfg.MQTT.Broker)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.UseJSON {
		t.Errorf("log = %+v, want debug json", cfg.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
scenes:
  debounce_time: soonish
`))
	if err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
