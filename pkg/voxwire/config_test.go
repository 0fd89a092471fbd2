package voxwire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/voxwire/voxwire/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  responder:
    provider: template
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Pipeline.Async {
		t.Error("expected async pipeline by default")
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureDrop {
		t.Errorf("backpressure = %v, want drop", cfg.Pipeline.Backpressure)
	}
	if cfg.Engine.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", cfg.Engine.SampleRate)
	}
	if cfg.Engine.ReplayChunks != 50 {
		t.Errorf("replay chunks = %d, want 50", cfg.Engine.ReplayChunks)
	}
	if !cfg.Turn.BargeIn {
		t.Error("expected barge-in enabled by default")
	}
	if cfg.Events.Buffer != 64 {
		t.Errorf("events buffer = %d, want 64", cfg.Events.Buffer)
	}
	if !cfg.Privacy.RedactPII {
		t.Error("expected redaction enabled by default")
	}
	if cfg.Observability.MetricsSampleRate != 1 {
		t.Errorf("metrics sample rate = %v, want 1", cfg.Observability.MetricsSampleRate)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_STT_KEY", "sk-123")
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_STT_KEY}
  tts:
    provider: mock
  responder:
    provider: template
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "sk-123" {
		t.Errorf("api_key = %v, want sk-123", got)
	}
}

func TestLoadConfigRequiresProviders(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing responder provider")
	}
}
