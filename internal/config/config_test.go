package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VAD.Provider != "webrtc" {
		t.Fatalf("expected default vad provider webrtc, got %q", cfg.VAD.Provider)
	}
	if cfg.VAD.SileroThreshold != 0.65 {
		t.Fatalf("expected default silero threshold 0.65, got %v", cfg.VAD.SileroThreshold)
	}
	if cfg.Segmenter.MinSpeechRatio != 0.15 {
		t.Fatalf("expected default min speech ratio 0.15, got %v", cfg.Segmenter.MinSpeechRatio)
	}
	if cfg.Segmenter.MinDurationMS != 200 {
		t.Fatalf("expected default min duration 200ms, got %d", cfg.Segmenter.MinDurationMS)
	}
	if cfg.Streaming.MaxSessions != 4 {
		t.Fatalf("expected default max sessions 4, got %d", cfg.Streaming.MaxSessions)
	}
	if cfg.Streaming.IdleTimeoutMS != 300000 {
		t.Fatalf("expected default idle timeout 300000ms, got %d", cfg.Streaming.IdleTimeoutMS)
	}
	if cfg.Diarization.WordMergeDistMS != 100 || cfg.Diarization.WordMatchDistMS != 1000 {
		t.Fatalf("unexpected diarization defaults: %+v", cfg.Diarization)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUDIOCORE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("AUDIOCORE_BUS_EMBEDDED", "false")
	t.Setenv("AUDIOCORE_VAD_PROVIDER", "silero")
	t.Setenv("AUDIOCORE_VAD_SILERO_THRESHOLD", "0.8")
	t.Setenv("AUDIOCORE_SEGMENTER_SILENCE_DURATION_MS", "1500")
	t.Setenv("AUDIOCORE_SEGMENTER_MIN_SPEECH_RATIO", "0.25")
	t.Setenv("AUDIOCORE_STREAMING_MAX_SESSIONS", "8")
	t.Setenv("AUDIOCORE_STORE_PATH", "./tmp.db")
	t.Setenv("AUDIOCORE_STORE_RETENTION_MODE", "persistent")
	t.Setenv("AUDIOCORE_PIPELINE_MODE", "stream")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded bus disabled")
	}
	if cfg.VAD.Provider != "silero" {
		t.Fatalf("expected vad provider override, got %q", cfg.VAD.Provider)
	}
	if cfg.VAD.SileroThreshold != 0.8 {
		t.Fatalf("expected threshold override, got %v", cfg.VAD.SileroThreshold)
	}
	if cfg.Segmenter.SilenceDurationMS != 1500 {
		t.Fatalf("expected silence duration override, got %d", cfg.Segmenter.SilenceDurationMS)
	}
	if cfg.Segmenter.MinSpeechRatio != 0.25 {
		t.Fatalf("expected speech ratio override, got %v", cfg.Segmenter.MinSpeechRatio)
	}
	if cfg.Streaming.MaxSessions != 8 {
		t.Fatalf("expected max sessions override, got %d", cfg.Streaming.MaxSessions)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override, got %q", cfg.Store.Path)
	}
	if cfg.Store.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override, got %q", cfg.Store.RetentionMode)
	}
	if cfg.Pipeline.Mode != "stream" {
		t.Fatalf("expected pipeline mode override, got %q", cfg.Pipeline.Mode)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audiocore.yaml")
	body := []byte("segmenter:\n  silence_duration_ms: 750\nvad:\n  provider: silero\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Segmenter.SilenceDurationMS != 750 {
		t.Fatalf("expected file value 750, got %d", cfg.Segmenter.SilenceDurationMS)
	}
	if cfg.VAD.Provider != "silero" {
		t.Fatalf("expected file provider silero, got %q", cfg.VAD.Provider)
	}
	// Unset sections keep defaults.
	if cfg.Streaming.MaxSessions != 4 {
		t.Fatalf("expected default max sessions, got %d", cfg.Streaming.MaxSessions)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Setenv("AUDIOCORE_PIPELINE_MODE", "broadcast")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown pipeline mode")
	}
}
