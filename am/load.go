package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/leakhunter/errors"
)

// ConfigFileName is searched for from the working directory upwards
const ConfigFileName = "leakhunter.toml"

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "LEAKHUNTER"

// Load reads configuration from the system file, the nearest project
// leakhunter.toml, and LEAKHUNTER_* environment variables (highest precedence).
func Load() (*Config, error) {
	v := NewViper()
	mergeConfigFiles(v, findProjectConfig())
	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific TOML file, still honoring
// environment overrides.
func LoadFromFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	v := NewViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// findProjectConfig walks up from the working directory looking for leakhunter.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges config files in precedence order: system < project.
// Environment variables still win because AutomaticEnv is consulted first on Get.
func mergeConfigFiles(v *viper.Viper, projectConfig string) {
	configPaths := []string{"/etc/leakhunter/" + ConfigFileName}
	if projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(configPath)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		_ = v.MergeConfigMap(fileViper.AllSettings())
	}
}
