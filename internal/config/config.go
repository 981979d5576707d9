package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	ManifestPath string     `mapstructure:"manifest_path"`
	LogLevel     string     `mapstructure:"log_level"`
	Wasm         WasmConfig `mapstructure:"wasm"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("manifest_path", "./manifest.yaml")
	v.SetDefault("log_level", "info")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "./build/wasm-cache")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	if c.ManifestPath == "" {
		return fmt.Errorf("config: manifest_path must not be empty")
	}
	if c.Wasm.MemoryPages == 0 {
		return fmt.Errorf("config: wasm.memory_pages must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
