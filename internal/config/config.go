// Package config provides the configuration schema, loader, and file
// watcher for the voskflow filter.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// supportedRates lists the sample rates the filter accepts, matching the
// formats common speech models are trained for.
var supportedRates = []int{8000, 11250, 16000, 22500, 32000, 44100, 48000, 96000}

// Config is the root configuration structure for voskflow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Filter FilterConfig `yaml:"filter"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving the Prometheus /metrics
	// endpoint (e.g., ":9464"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig describes the incoming PCM stream.
type AudioConfig struct {
	// SampleRate is the input sample rate in Hz. Default: 16000.
	// The stream must be 16-bit little-endian signed mono.
	SampleRate int `yaml:"sample_rate"`

	// FrameDurationMs is the chunk size the CLI cuts the input stream
	// into, in milliseconds. Default: 20.
	FrameDurationMs int `yaml:"frame_duration_ms"`
}

// FilterConfig holds the recognition filter's properties. All three map to
// live filter properties and may be changed at runtime through the
// [Watcher].
type FilterConfig struct {
	// ModelPath is the location of the speech model directory.
	// Default: /usr/share/vosk/model.
	ModelPath string `yaml:"model_path"`

	// Alternatives is the number of alternative transcriptions carried in
	// result payloads, 0–100. Default: 0 (single best result).
	Alternatives int `yaml:"alternatives"`

	// PartialIntervalMs is the minimum spacing between published partial
	// results in milliseconds of stream time. -1 disables partial results.
	// Default: 0 (publish every change).
	PartialIntervalMs int `yaml:"partial_interval_ms"`
}

// PartialInterval returns PartialIntervalMs as a duration; negative values
// pass through as negative durations (partials disabled).
func (c FilterConfig) PartialInterval() time.Duration {
	return time.Duration(c.PartialIntervalMs) * time.Millisecond
}
