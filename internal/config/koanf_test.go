package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.RTMPURL != "rtmp://localhost/live" {
		t.Errorf("RTMPURL = %q, want default", cfg.Ingest.RTMPURL)
	}
	if cfg.Stream.StopTimeout != 10*time.Second {
		t.Errorf("StopTimeout = %v, want 10s", cfg.Stream.StopTimeout)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err == nil {
		t.Error("Load with explicit missing file: want error, got nil")
	}
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
ingest:
  rtmp_url: rtmp://cdn.example.com/live
  sample_rate: 8000
stream:
  stop_timeout: 20s
server:
  port: 8443
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ingest.RTMPURL != "rtmp://cdn.example.com/live" {
		t.Errorf("RTMPURL = %q, want file value", cfg.Ingest.RTMPURL)
	}
	if cfg.Ingest.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", cfg.Ingest.SampleRate)
	}
	if cfg.Stream.StopTimeout != 20*time.Second {
		t.Errorf("StopTimeout = %v, want 20s", cfg.Stream.StopTimeout)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Port = %d, want 8443", cfg.Server.Port)
	}
	// Untouched fields keep defaults.
	if cfg.Ingest.ChunkMS != 500 {
		t.Errorf("ChunkMS = %d, want default 500", cfg.Ingest.ChunkMS)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("asr:\n  url: ws://file.example/asr\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RELAY_ASR_URL", "wss://env.example/asr")
	t.Setenv("RELAY_SERVER_PORT", "9100")
	t.Setenv("RELAY_STREAM_MAX_BACKOFF", "45s")

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ASR.URL != "wss://env.example/asr" {
		t.Errorf("ASR.URL = %q, want env override", cfg.ASR.URL)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Stream.MaxBackoff != 45*time.Second {
		t.Errorf("MaxBackoff = %v, want 45s", cfg.Stream.MaxBackoff)
	}
}

func TestLoadInvalidValuesFailValidation(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "0")

	if _, err := Load("", false); err == nil {
		t.Error("Load with invalid env port: want error, got nil")
	}
}
