package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/teranos/dispatch/errors"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads dispatchd's configuration using Viper: defaults, then
// dispatch.toml (walked up from the working directory), then
// DISPATCH_*-prefixed environment variables, in increasing precedence.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance backing Load, for advanced access.
func GetViper() *viper.Viper {
	return initViper()
}

// LoadFromFile loads configuration from a specific TOML file, ignoring the
// usual search path and environment overlay. Used by Watcher on reload
// and by tests that need a pinned configuration.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &cfg, nil
}

// Reset clears the cached global configuration. Used by tests.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			// A dispatch.toml that is found but cannot be read or parsed
			// is ignored: the error is not returned, and Load continues
			// with defaults and environment variables only.
			_ = err
		}
	}

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for
// dispatch.toml, mirroring how the teacher locates am.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, "dispatch.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Decode is a small helper for tests that want to round-trip a TOML
// fragment through the same decoder Load uses internally.
func Decode(data string, cfg *Config) error {
	_, err := toml.Decode(data, cfg)
	return err
}
