package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoaderOptions configures Load.
type LoaderOptions struct {
	// ConfigDir is the directory holding <environment>.yaml files. Default "config".
	ConfigDir string
	// EnvFile is the dotenv file to load before reading process env vars.
	// Defaults to ".env", and additionally ".env.<environment>" if present.
	EnvFile string
	// SkipValidation disables Config.Validate().
	SkipValidation bool
}

// DefaultLoaderOptions returns the loader's default options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir: "config",
		EnvFile:   ".env",
	}
}

// Load resolves the router configuration: defaults, then a YAML file for
// the active environment, then a dotenv file, then process environment
// variables (highest priority, namespaced DEVELOPMENT_*/PRODUCTION_*
// overlays included).
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	env := GetEnvironment()

	if options.EnvFile != "" {
		_ = godotenv.Load(options.EnvFile)
		envSpecific := fmt.Sprintf("%s.%s", options.EnvFile, env)
		if _, err := os.Stat(envSpecific); err == nil {
			_ = godotenv.Overload(envSpecific)
		}
	}

	// Re-read environment after dotenv load, since GetEnvironment may now differ.
	env = GetEnvironment()

	yamlPath := filepath.Join(options.ConfigDir, env+".yaml")
	cfg, err := LoadFromFile(yamlPath)
	if err != nil {
		return nil, err
	}
	cfg.Environment = env

	applyEnvironmentOverrides(cfg)

	if !options.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return cfg, nil
}

// MustLoad loads configuration or panics. Intended for cmd/router's main.
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
