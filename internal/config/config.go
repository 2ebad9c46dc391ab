// Package config reads environment variables into per-service settings
// structs with safe defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Bridge holds runtime settings for the telephony bridge.
type Bridge struct {
	BindAddr         string
	PublicWSURL      string
	RelayWSURL       string
	MetricsNamespace string
	LogLevel         string
	ShutdownTimeout  time.Duration

	OutputSampleRate int
	QueueLimit       int

	VADThresholdRMS  float64
	VADCommitSilence time.Duration
	VADMaxUtterance  time.Duration
	BargeInEnabled   bool

	OpenerInstructions string
}

// Relay holds runtime settings for the websocket relay.
type Relay struct {
	BindAddr         string
	BackendWSURL     string
	MetricsNamespace string
	LogLevel         string
	ShutdownTimeout  time.Duration
	QueueLimit       int
}

// Backend holds runtime settings for the voice backend.
type Backend struct {
	BindAddr         string
	MetricsNamespace string
	LogLevel         string
	ShutdownTimeout  time.Duration

	InputSampleRate  int
	OutputSampleRate int
	MaxPCMBufferSize int

	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WhisperThreads   int
	ASRTimeout       time.Duration

	TTSPython       string
	TTSWorkerScript string
	TTSVoice        string
	TTSTimeout      time.Duration

	ConvoMode    string
	ConvoCommand string
	ConvoReplies []string

	DatabaseURL string
}

// LoadBridge reads bridge settings from the environment.
func LoadBridge() (Bridge, error) {
	cfg := Bridge{
		BindAddr:           envOrDefault("BRIDGE_BIND_ADDR", ":8081"),
		PublicWSURL:        envTrimmed("BRIDGE_PUBLIC_WS_URL"),
		RelayWSURL:         envOrDefault("RELAY_WS_URL", "ws://127.0.0.1:8082/ws"),
		MetricsNamespace:   envOrDefault("BRIDGE_METRICS_NAMESPACE", "bridge"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout:    15 * time.Second,
		OutputSampleRate:   24000,
		QueueLimit:         1000,
		VADThresholdRMS:    0.012,
		VADCommitSilence:   900 * time.Millisecond,
		VADMaxUtterance:    15 * time.Second,
		BargeInEnabled:     true,
		OpenerInstructions: envTrimmed("BRIDGE_OPENER_INSTRUCTIONS"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Bridge{}, err
	}
	if cfg.OutputSampleRate, err = intFromEnv("BRIDGE_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate); err != nil {
		return Bridge{}, err
	}
	if cfg.QueueLimit, err = intFromEnv("BRIDGE_QUEUE_LIMIT", cfg.QueueLimit); err != nil {
		return Bridge{}, err
	}
	if cfg.VADThresholdRMS, err = floatFromEnv("VAD_RMS_THRESHOLD", cfg.VADThresholdRMS); err != nil {
		return Bridge{}, err
	}
	if cfg.VADCommitSilence, err = durationFromEnv("VAD_COMMIT_SILENCE", cfg.VADCommitSilence); err != nil {
		return Bridge{}, err
	}
	if cfg.VADMaxUtterance, err = durationFromEnv("VAD_MAX_UTTERANCE", cfg.VADMaxUtterance); err != nil {
		return Bridge{}, err
	}
	if cfg.BargeInEnabled, err = boolFromEnv("BRIDGE_BARGE_IN", cfg.BargeInEnabled); err != nil {
		return Bridge{}, err
	}

	switch cfg.OutputSampleRate {
	case 8000, 16000, 24000:
	default:
		return Bridge{}, fmt.Errorf("BRIDGE_OUTPUT_SAMPLE_RATE must be 8000, 16000 or 24000")
	}
	if cfg.VADThresholdRMS <= 0 || cfg.VADThresholdRMS >= 1 {
		return Bridge{}, fmt.Errorf("VAD_RMS_THRESHOLD must be in (0, 1)")
	}
	if cfg.VADCommitSilence < 100*time.Millisecond {
		return Bridge{}, fmt.Errorf("VAD_COMMIT_SILENCE must be at least 100ms")
	}
	// 0 disables the forced-commit cap entirely.
	if cfg.VADMaxUtterance != 0 && cfg.VADMaxUtterance < cfg.VADCommitSilence {
		return Bridge{}, fmt.Errorf("VAD_MAX_UTTERANCE must be >= VAD_COMMIT_SILENCE")
	}
	if cfg.QueueLimit <= 0 {
		return Bridge{}, fmt.Errorf("BRIDGE_QUEUE_LIMIT must be positive")
	}
	return cfg, nil
}

// LoadRelay reads relay settings from the environment.
func LoadRelay() (Relay, error) {
	cfg := Relay{
		BindAddr:         envOrDefault("RELAY_BIND_ADDR", ":8082"),
		BackendWSURL:     envOrDefault("BACKEND_WS_URL", "ws://127.0.0.1:8083/ws"),
		MetricsNamespace: envOrDefault("RELAY_METRICS_NAMESPACE", "relay"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout:  15 * time.Second,
		QueueLimit:       1000,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Relay{}, err
	}
	if cfg.QueueLimit, err = intFromEnv("RELAY_QUEUE_LIMIT", cfg.QueueLimit); err != nil {
		return Relay{}, err
	}
	if cfg.QueueLimit <= 0 {
		return Relay{}, fmt.Errorf("RELAY_QUEUE_LIMIT must be positive")
	}
	return cfg, nil
}

// LoadBackend reads voice backend settings from the environment.
func LoadBackend() (Backend, error) {
	cfg := Backend{
		BindAddr:         envOrDefault("BACKEND_BIND_ADDR", ":8083"),
		MetricsNamespace: envOrDefault("BACKEND_METRICS_NAMESPACE", "backend"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout:  15 * time.Second,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		MaxPCMBufferSize: 10 << 20,
		WhisperCLI:       envOrDefault("WHISPER_CLI", "whisper-cli"),
		WhisperModelPath: envOrDefault("WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		WhisperLanguage:  envOrDefault("WHISPER_LANGUAGE", "en"),
		// 0 means auto (picked from CPU count).
		WhisperThreads:  0,
		ASRTimeout:      120 * time.Second,
		TTSPython:       envTrimmed("TTS_PYTHON"),
		TTSWorkerScript: envOrDefault("TTS_WORKER_SCRIPT", "scripts/tts_worker.py"),
		TTSVoice:        envOrDefault("TTS_VOICE", "af_heart"),
		TTSTimeout:      120 * time.Second,
		ConvoMode:       envOrDefault("CONVO_MODE", "scripted"),
		ConvoCommand:    envTrimmed("CONVO_COMMAND"),
		DatabaseURL:     envTrimmed("DATABASE_URL"),
	}
	if raw := envTrimmed("CONVO_REPLIES"); raw != "" {
		for _, line := range strings.Split(raw, "|") {
			if line = strings.TrimSpace(line); line != "" {
				cfg.ConvoReplies = append(cfg.ConvoReplies, line)
			}
		}
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Backend{}, err
	}
	if cfg.InputSampleRate, err = intFromEnv("BACKEND_INPUT_SAMPLE_RATE", cfg.InputSampleRate); err != nil {
		return Backend{}, err
	}
	if cfg.OutputSampleRate, err = intFromEnv("BACKEND_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate); err != nil {
		return Backend{}, err
	}
	if cfg.MaxPCMBufferSize, err = intFromEnv("BACKEND_MAX_PCM_BUFFER", cfg.MaxPCMBufferSize); err != nil {
		return Backend{}, err
	}
	if cfg.WhisperThreads, err = intFromEnv("WHISPER_THREADS", cfg.WhisperThreads); err != nil {
		return Backend{}, err
	}
	if cfg.ASRTimeout, err = durationFromEnv("ASR_TIMEOUT", cfg.ASRTimeout); err != nil {
		return Backend{}, err
	}
	if cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout); err != nil {
		return Backend{}, err
	}

	switch cfg.InputSampleRate {
	case 8000, 16000, 24000:
	default:
		return Backend{}, fmt.Errorf("BACKEND_INPUT_SAMPLE_RATE must be 8000, 16000 or 24000")
	}
	switch cfg.OutputSampleRate {
	case 8000, 16000, 24000:
	default:
		return Backend{}, fmt.Errorf("BACKEND_OUTPUT_SAMPLE_RATE must be 8000, 16000 or 24000")
	}
	if cfg.MaxPCMBufferSize <= 0 {
		return Backend{}, fmt.Errorf("BACKEND_MAX_PCM_BUFFER must be positive")
	}
	if cfg.WhisperThreads < 0 {
		return Backend{}, fmt.Errorf("WHISPER_THREADS must be >= 0")
	}
	if cfg.ASRTimeout < time.Second {
		return Backend{}, fmt.Errorf("ASR_TIMEOUT must be at least 1s")
	}
	if cfg.TTSTimeout < time.Second {
		return Backend{}, fmt.Errorf("TTS_TIMEOUT must be at least 1s")
	}
	switch cfg.ConvoMode {
	case "scripted", "command":
	default:
		return Backend{}, fmt.Errorf("CONVO_MODE must be scripted or command")
	}
	if cfg.ConvoMode == "command" && cfg.ConvoCommand == "" {
		return Backend{}, fmt.Errorf("CONVO_COMMAND required when CONVO_MODE=command")
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
