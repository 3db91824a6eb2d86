package sbl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default numerical settings.
const (
	DefaultInitAlpha      = 1.0
	DefaultInitNoise      = 0.1
	DefaultAlphaCutoff    = 1e10
	DefaultKernelCutoff   = 1e-10
	DefaultAlphaTolerance = 1e-15
)

// Config holds the learner settings that can be loaded from YAML.
type Config struct {
	Kind           Kind      `yaml:"kind"`
	InitAlpha      float64   `yaml:"init_alpha"`
	InitNoise      float64   `yaml:"init_noise"`
	AlphaCutoff    float64   `yaml:"alpha_cutoff"`
	KernelCutoff   float64   `yaml:"kernel_cutoff"`
	AlphaTolerance float64   `yaml:"alpha_tolerance"`
	CacheCapacity  int       `yaml:"cache_capacity"`
	Fit            FitConfig `yaml:"fit"`
}

// FitConfig holds the per-fit-step defaults. Zero iteration limits mean no
// limit; zero noise bounds mean unbounded.
type FitConfig struct {
	OptAlpha           bool    `yaml:"opt_alpha"`
	OptNoise           bool    `yaml:"opt_noise"`
	RVM                bool    `yaml:"rvm"`
	MaxAlphaIterations int     `yaml:"max_alpha_iterations"`
	MaxNoiseIterations int     `yaml:"max_noise_iterations"`
	MinNoise           float64 `yaml:"min_noise"`
	MaxNoise           float64 `yaml:"max_noise"`
	PriorMean          float64 `yaml:"prior_mean"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Kind:           Real,
		InitAlpha:      DefaultInitAlpha,
		InitNoise:      DefaultInitNoise,
		AlphaCutoff:    DefaultAlphaCutoff,
		KernelCutoff:   DefaultKernelCutoff,
		AlphaTolerance: DefaultAlphaTolerance,
		Fit: FitConfig{
			OptAlpha: true,
			OptNoise: true,
		},
	}
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig loads configuration from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Kind.valid() {
		return fmt.Errorf("%w: kind %v", ErrConfig, c.Kind)
	}
	if c.InitAlpha <= 0 {
		return fmt.Errorf("%w: init_alpha must be positive", ErrConfig)
	}
	if c.InitNoise < 0 {
		return fmt.Errorf("%w: init_noise must be non-negative", ErrConfig)
	}
	if c.AlphaCutoff <= 0 {
		return fmt.Errorf("%w: alpha_cutoff must be positive", ErrConfig)
	}
	if c.KernelCutoff < 0 {
		return fmt.Errorf("%w: kernel_cutoff must be non-negative", ErrConfig)
	}
	if c.AlphaTolerance < 0 {
		return fmt.Errorf("%w: alpha_tolerance must be non-negative", ErrConfig)
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("%w: cache_capacity must be non-negative", ErrConfig)
	}
	return c.Fit.Validate()
}

// Validate checks if the fit settings are valid.
func (f *FitConfig) Validate() error {
	if f.MaxAlphaIterations < 0 || f.MaxNoiseIterations < 0 {
		return fmt.Errorf("%w: iteration limits must be non-negative", ErrConfig)
	}
	if f.MinNoise < 0 || f.MaxNoise < 0 {
		return fmt.Errorf("%w: noise bounds must be non-negative", ErrConfig)
	}
	if f.MinNoise > 0 && f.MaxNoise > 0 && f.MinNoise > f.MaxNoise {
		return fmt.Errorf("%w: min_noise %g exceeds max_noise %g", ErrConfig, f.MinNoise, f.MaxNoise)
	}
	return nil
}
