package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. With an empty configFile it searches the
// standard locations for keymint.yaml/.yml; the explicit extension
// keeps Viper from matching the keymint binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found; ReadInConfig will return
		// ConfigFileNotFoundError, which the loader tolerates.
		viper.SetConfigName("keymint")
		viper.SetConfigType("yaml")
	}

	// Environment overrides: KEYMINT_STORE_HOST, KEYMINT_ADMIN_SHARED_SECRET, ...
	viper.SetEnvPrefix("KEYMINT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches ".", "~/.keymint", and /etc/keymint for
// keymint.yaml or keymint.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".keymint"),
		"/etc/keymint",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "keymint"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every nested key so environment variables can
// override it. AutomaticEnv alone does not see keys absent from the
// config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.request_timeout")

	_ = viper.BindEnv("store.host")
	_ = viper.BindEnv("store.port")
	_ = viper.BindEnv("store.db")
	_ = viper.BindEnv("store.pool_size")
	_ = viper.BindEnv("store.validator.username")
	_ = viper.BindEnv("store.validator.password")
	_ = viper.BindEnv("store.manager.username")
	_ = viper.BindEnv("store.manager.password")

	_ = viper.BindEnv("admin.shared_secret")

	_ = viper.BindEnv("rate.requests_per_minute")
	_ = viper.BindEnv("rate.counter_ttl_seconds")

	_ = viper.BindEnv("verifier.time_cost")
	_ = viper.BindEnv("verifier.memory_kib")
	_ = viper.BindEnv("verifier.parallelism")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfigRaw reads the configuration and applies defaults, but does
// not validate. Use when CLI flags may still override fields (DevMode)
// before Validate runs.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment-only configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfig reads, defaults, and validates the configuration.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, or empty
// in environment-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
