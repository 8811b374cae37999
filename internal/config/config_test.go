package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MetricsNamespace != "dispatch" {
		t.Fatalf("MetricsNamespace = %q, want %q", cfg.MetricsNamespace, "dispatch")
	}
	if cfg.CaptureSampleRate != 16000 || cfg.PlaybackSampleRate != 24000 {
		t.Fatalf("sample rates = %d/%d, want 16000/24000", cfg.CaptureSampleRate, cfg.PlaybackSampleRate)
	}
	if cfg.NoiseGateCeiling != 0.05 {
		t.Fatalf("NoiseGateCeiling = %v, want 0.05", cfg.NoiseGateCeiling)
	}
	if cfg.CallIdleTimeout != 2*time.Minute {
		t.Fatalf("CallIdleTimeout = %v, want 2m", cfg.CallIdleTimeout)
	}
	if cfg.DefaultPersona != "sarah" {
		t.Fatalf("DefaultPersona = %q, want %q", cfg.DefaultPersona, "sarah")
	}
}

func TestLoadExplicitOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("APP_NOISE_GATE_CEILING", "0.1")
	t.Setenv("APP_CALL_IDLE_TIMEOUT", "30s")
	t.Setenv("GEMINI_LIVE_MODEL", "custom-live-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.NoiseGateCeiling != 0.1 {
		t.Fatalf("NoiseGateCeiling = %v, want 0.1", cfg.NoiseGateCeiling)
	}
	if cfg.CallIdleTimeout != 30*time.Second {
		t.Fatalf("CallIdleTimeout = %v, want 30s", cfg.CallIdleTimeout)
	}
	if cfg.GeminiLiveModel != "custom-live-model" {
		t.Fatalf("GeminiLiveModel = %q", cfg.GeminiLiveModel)
	}
}

func TestLoadRejectsBadGateCeiling(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_NOISE_GATE_CEILING", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted out-of-range gate ceiling")
	}
}

func TestLoadRejectsTinyIdleTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CALL_IDLE_TIMEOUT", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted sub-5s idle timeout")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_CONNECT_TIMEOUT",
		"APP_VOLUME_INTERVAL",
		"APP_CALL_IDLE_TIMEOUT",
		"APP_DEFAULT_PERSONA",
		"APP_CAPTURE_SAMPLE_RATE",
		"APP_CAPTURE_FRAME_SAMPLES",
		"APP_PLAYBACK_SAMPLE_RATE",
		"APP_NOISE_GATE_CEILING",
		"APP_ANALYSER_BINS",
		"APP_ANALYSER_SMOOTHING",
		"APP_RECORD_DIR",
		"GEMINI_API_KEY",
		"GEMINI_LIVE_ENDPOINT",
		"GEMINI_LIVE_MODEL",
		"GEMINI_VOICE",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
