package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the dispatch service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	GeminiAPIKey       string
	GeminiLiveEndpoint string
	GeminiLiveModel    string
	GeminiVoice        string
	ConnectTimeout     time.Duration

	DefaultPersona string

	CaptureSampleRate  int
	CaptureFrameSize   int
	PlaybackSampleRate int
	NoiseGateCeiling   float64
	AnalyserBins       int
	AnalyserSmoothing  float64
	VolumeInterval     time.Duration
	CallIdleTimeout    time.Duration
	RecordDir          string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "dispatch"),
		AllowAnyOrigin:   false,

		GeminiAPIKey:       stringsTrimSpace("GEMINI_API_KEY"),
		GeminiLiveEndpoint: stringsTrimSpace("GEMINI_LIVE_ENDPOINT"),
		GeminiLiveModel:    envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		GeminiVoice:        stringsTrimSpace("GEMINI_VOICE"),

		DefaultPersona: envOrDefault("APP_DEFAULT_PERSONA", "sarah"),

		// 16 kHz capture and 24 kHz playback match the upstream audio contract.
		CaptureSampleRate:  16000,
		CaptureFrameSize:   4096,
		PlaybackSampleRate: 24000,
		NoiseGateCeiling:   0.05,
		AnalyserBins:       256,
		AnalyserSmoothing:  0.8,
		RecordDir:          stringsTrimSpace("APP_RECORD_DIR"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout: 15 * time.Second,
		ConnectTimeout:  15 * time.Second,
		VolumeInterval:  50 * time.Millisecond,
		CallIdleTimeout: 2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("APP_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VolumeInterval, err = durationFromEnv("APP_VOLUME_INTERVAL", cfg.VolumeInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CallIdleTimeout, err = durationFromEnv("APP_CALL_IDLE_TIMEOUT", cfg.CallIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("APP_CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSize, err = intFromEnv("APP_CAPTURE_FRAME_SAMPLES", cfg.CaptureFrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackSampleRate, err = intFromEnv("APP_PLAYBACK_SAMPLE_RATE", cfg.PlaybackSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.NoiseGateCeiling, err = floatFromEnv("APP_NOISE_GATE_CEILING", cfg.NoiseGateCeiling)
	if err != nil {
		return Config{}, err
	}
	cfg.AnalyserBins, err = intFromEnv("APP_ANALYSER_BINS", cfg.AnalyserBins)
	if err != nil {
		return Config{}, err
	}
	cfg.AnalyserSmoothing, err = floatFromEnv("APP_ANALYSER_SMOOTHING", cfg.AnalyserSmoothing)
	if err != nil {
		return Config{}, err
	}

	if cfg.CaptureSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_CAPTURE_SAMPLE_RATE must be positive")
	}
	if cfg.CaptureFrameSize <= 0 {
		return Config{}, fmt.Errorf("APP_CAPTURE_FRAME_SAMPLES must be positive")
	}
	if cfg.PlaybackSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_PLAYBACK_SAMPLE_RATE must be positive")
	}
	if cfg.NoiseGateCeiling <= 0 || cfg.NoiseGateCeiling >= 1 {
		return Config{}, fmt.Errorf("APP_NOISE_GATE_CEILING must be in (0, 1)")
	}
	if cfg.AnalyserSmoothing < 0 || cfg.AnalyserSmoothing >= 1 {
		return Config{}, fmt.Errorf("APP_ANALYSER_SMOOTHING must be in [0, 1)")
	}
	if cfg.CallIdleTimeout != 0 && cfg.CallIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CALL_IDLE_TIMEOUT must be 0 or at least 5s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
