package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Default values applied by [LoadFromReader] when the file leaves a field
// unset.
const (
	DefaultModelPath       = "/usr/share/vosk/model"
	DefaultSampleRate      = 16000
	DefaultFrameDurationMs = 20
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameDurationMs == 0 {
		cfg.Audio.FrameDurationMs = DefaultFrameDurationMs
	}
	if cfg.Filter.ModelPath == "" {
		cfg.Filter.ModelPath = DefaultModelPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !slices.Contains(supportedRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; valid values: %v", cfg.Audio.SampleRate, supportedRates))
	}
	if cfg.Audio.FrameDurationMs < 1 || cfg.Audio.FrameDurationMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is out of range [1, 1000]", cfg.Audio.FrameDurationMs))
	}

	if cfg.Filter.Alternatives < 0 || cfg.Filter.Alternatives > 100 {
		errs = append(errs, fmt.Errorf("filter.alternatives %d is out of range [0, 100]", cfg.Filter.Alternatives))
	}
	if cfg.Filter.PartialIntervalMs < -1 {
		errs = append(errs, fmt.Errorf("filter.partial_interval_ms %d is invalid; use -1 to disable partials or a non-negative interval", cfg.Filter.PartialIntervalMs))
	}

	return errors.Join(errs...)
}
