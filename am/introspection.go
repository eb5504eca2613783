package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/shiftly/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/shiftly/config.toml
	SourceUser        ConfigSource = "user"        // ~/.shiftly/am.toml
	SourceProject     ConfigSource = "project"     // nearest am.toml upward
	SourceEnvironment ConfigSource = "environment" // SHIFTLY_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or environment variable name
}

// hotPrefixes are the sections a running server re-applies on reload.
var hotPrefixes = []string{"dispatch.", "directory.banned"}

// SettingInfo describes one effective setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
	// Hot settings take effect without a restart.
	Hot bool `json:"hot"`
}

// ConfigIntrospection lists every effective setting with its origin
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// Setting returns the entry for key.
func (ci *ConfigIntrospection) Setting(key string) (SettingInfo, bool) {
	for _, s := range ci.Settings {
		if s.Key == key {
			return s, true
		}
	}
	return SettingInfo{}, false
}

// GetConfigIntrospection reports the effective settings using the sources
// recorded while loading.
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}
	v := GetViper()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, si := range ConfigSources {
		sources[k] = si
	}
	loadMu.Unlock()

	return &ConfigIntrospection{
		ConfigFile: ActiveConfigFile(),
		Settings:   describeSettings(v.AllSettings(), sources, os.LookupEnv),
	}, nil
}

// describeSettings flattens nested settings into sorted dotted keys. An
// environment override beats any file source.
func describeSettings(settings map[string]interface{}, sources map[string]SourceInfo, lookupEnv func(string) (string, bool)) []SettingInfo {
	flat := make(map[string]interface{})
	flatten(settings, "", flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]SettingInfo, 0, len(keys))
	for _, key := range keys {
		si, ok := sources[key]
		if !ok {
			si = SourceInfo{Source: SourceDefault}
		}
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if val, set := lookupEnv(envKey); set && val != "" {
			si = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		out = append(out, SettingInfo{
			Key:        key,
			Value:      flat[key],
			Source:     si.Source,
			SourcePath: si.Path,
			Hot:        isHot(key),
		})
	}
	return out
}

func flatten(settings map[string]interface{}, prefix string, out map[string]interface{}) {
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(nested, key, out)
			continue
		}
		out[key] = v
	}
}

func isHot(key string) bool {
	for _, p := range hotPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
