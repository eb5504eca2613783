package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/shiftly/errors"
)

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file set each key during the last load.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the configuration using Viper. The result is cached until Reset.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the
// defaults, without environment overrides.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold loadMu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// userConfigDir is ~/.shiftly
func userConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".shiftly")
}

// findProjectConfig searches for am.toml by walking up from the working
// directory. Returns "" when none is found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

type configLayer struct {
	path   string
	source ConfigSource
}

// configLayers lists the config files in precedence order, lowest first.
func configLayers() []configLayer {
	layers := []configLayer{{"/etc/shiftly/config.toml", SourceSystem}}
	if dir := userConfigDir(); dir != "" {
		layers = append(layers, configLayer{filepath.Join(dir, "am.toml"), SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		layers = append(layers, configLayer{project, SourceProject})
	}
	return layers
}

// ActiveConfigFile returns the highest-precedence config file that exists,
// or "" when only defaults apply.
func ActiveConfigFile() string {
	active := ""
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.path); err == nil {
			active = layer.path
		}
	}
	return active
}

// mergeConfigFiles merges configuration files in precedence order
// (system < user < project < env vars) and records each key's source.
func mergeConfigFiles(v *viper.Viper) {
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(layer.path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		for _, key := range tempViper.AllKeys() {
			ConfigSources[key] = SourceInfo{Source: layer.source, Path: layer.path}
		}
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	return GetViper().GetInt(key)
}
