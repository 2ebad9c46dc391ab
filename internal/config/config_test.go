package config

import (
	"testing"
	"time"
)

func TestLoadBridgeDefaults(t *testing.T) {
	cfg, err := LoadBridge()
	if err != nil {
		t.Fatalf("LoadBridge() error = %v", err)
	}
	if cfg.BindAddr != ":8081" {
		t.Fatalf("BindAddr = %q, want :8081", cfg.BindAddr)
	}
	if cfg.OutputSampleRate != 24000 {
		t.Fatalf("OutputSampleRate = %d, want 24000", cfg.OutputSampleRate)
	}
	if cfg.VADThresholdRMS != 0.012 {
		t.Fatalf("VADThresholdRMS = %v, want 0.012", cfg.VADThresholdRMS)
	}
	if cfg.VADCommitSilence != 900*time.Millisecond {
		t.Fatalf("VADCommitSilence = %v, want 900ms", cfg.VADCommitSilence)
	}
	if !cfg.BargeInEnabled {
		t.Fatalf("BargeInEnabled = false, want true")
	}
	if cfg.QueueLimit != 1000 {
		t.Fatalf("QueueLimit = %d, want 1000", cfg.QueueLimit)
	}
}

func TestLoadBridgeOverridesAndValidation(t *testing.T) {
	t.Setenv("BRIDGE_OUTPUT_SAMPLE_RATE", "8000")
	t.Setenv("VAD_COMMIT_SILENCE", "500ms")
	cfg, err := LoadBridge()
	if err != nil {
		t.Fatalf("LoadBridge() error = %v", err)
	}
	if cfg.OutputSampleRate != 8000 || cfg.VADCommitSilence != 500*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	t.Setenv("BRIDGE_OUTPUT_SAMPLE_RATE", "44100")
	if _, err := LoadBridge(); err == nil {
		t.Fatalf("expected error for unsupported sample rate")
	}

	t.Setenv("BRIDGE_OUTPUT_SAMPLE_RATE", "8000")
	t.Setenv("VAD_RMS_THRESHOLD", "1.5")
	if _, err := LoadBridge(); err == nil {
		t.Fatalf("expected error for threshold outside (0,1)")
	}
	t.Setenv("VAD_RMS_THRESHOLD", "0.02")

	t.Setenv("VAD_MAX_UTTERANCE", "200ms")
	if _, err := LoadBridge(); err == nil {
		t.Fatalf("expected error for max utterance below commit silence")
	}

	// Zero disables the cap and must not trip the ordering check.
	t.Setenv("VAD_MAX_UTTERANCE", "0")
	cfg, err = LoadBridge()
	if err != nil {
		t.Fatalf("LoadBridge() with disabled max utterance error = %v", err)
	}
	if cfg.VADMaxUtterance != 0 {
		t.Fatalf("VADMaxUtterance = %v, want 0", cfg.VADMaxUtterance)
	}
}

func TestLoadRelayDefaults(t *testing.T) {
	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay() error = %v", err)
	}
	if cfg.BindAddr != ":8082" || cfg.QueueLimit != 1000 {
		t.Fatalf("unexpected relay defaults: %+v", cfg)
	}

	t.Setenv("RELAY_QUEUE_LIMIT", "0")
	if _, err := LoadRelay(); err == nil {
		t.Fatalf("expected error for zero queue limit")
	}
}

func TestLoadBackendDefaults(t *testing.T) {
	cfg, err := LoadBackend()
	if err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	if cfg.InputSampleRate != 16000 {
		t.Fatalf("InputSampleRate = %d, want 16000", cfg.InputSampleRate)
	}
	if cfg.ASRTimeout != 120*time.Second {
		t.Fatalf("ASRTimeout = %v, want 120s", cfg.ASRTimeout)
	}
	if cfg.TTSTimeout != 120*time.Second {
		t.Fatalf("TTSTimeout = %v, want 120s", cfg.TTSTimeout)
	}
	if cfg.MaxPCMBufferSize != 10<<20 {
		t.Fatalf("MaxPCMBufferSize = %d, want 10 MiB", cfg.MaxPCMBufferSize)
	}
	if cfg.ConvoMode != "scripted" {
		t.Fatalf("ConvoMode = %q, want scripted", cfg.ConvoMode)
	}
}

func TestLoadBackendSampleRateValidation(t *testing.T) {
	t.Setenv("BACKEND_INPUT_SAMPLE_RATE", "8000")
	cfg, err := LoadBackend()
	if err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	if cfg.InputSampleRate != 8000 {
		t.Fatalf("InputSampleRate = %d, want 8000", cfg.InputSampleRate)
	}

	t.Setenv("BACKEND_INPUT_SAMPLE_RATE", "44100")
	if _, err := LoadBackend(); err == nil {
		t.Fatalf("expected error for unsupported input sample rate")
	}
}

func TestLoadBackendConvoCommandValidation(t *testing.T) {
	t.Setenv("CONVO_MODE", "command")
	if _, err := LoadBackend(); err == nil {
		t.Fatalf("expected error for command mode without CONVO_COMMAND")
	}
	t.Setenv("CONVO_COMMAND", "/usr/local/bin/assistant")
	cfg, err := LoadBackend()
	if err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	if cfg.ConvoCommand != "/usr/local/bin/assistant" {
		t.Fatalf("ConvoCommand = %q", cfg.ConvoCommand)
	}
}

func TestLoadBackendConvoReplies(t *testing.T) {
	t.Setenv("CONVO_REPLIES", "hello there | how can I help? ||")
	cfg, err := LoadBackend()
	if err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	want := []string{"hello there", "how can I help?"}
	if len(cfg.ConvoReplies) != len(want) {
		t.Fatalf("ConvoReplies = %q, want %q", cfg.ConvoReplies, want)
	}
	for i := range want {
		if cfg.ConvoReplies[i] != want[i] {
			t.Fatalf("ConvoReplies[%d] = %q, want %q", i, cfg.ConvoReplies[i], want[i])
		}
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("X_DUR", "not-a-duration")
	if _, err := durationFromEnv("X_DUR", time.Second); err == nil {
		t.Fatalf("expected duration parse error")
	}
	t.Setenv("X_BOOL", "maybe")
	if _, err := boolFromEnv("X_BOOL", false); err == nil {
		t.Fatalf("expected bool parse error")
	}
	t.Setenv("X_FLOAT", "0.25")
	f, err := floatFromEnv("X_FLOAT", 0)
	if err != nil || f != 0.25 {
		t.Fatalf("floatFromEnv = %v, %v; want 0.25", f, err)
	}
}
