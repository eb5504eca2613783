package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/shiftly/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// UserConfigPath returns ~/.shiftly/am.toml
func UserConfigPath() string {
	dir := userConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "am.toml")
}

// SetValue writes a dotted key (e.g. "dispatch.wave_size") into the TOML file
// at configPath, creating intermediate tables. The previous file is kept as
// a rotated backup and the global watcher skips the resulting event.
func SetValue(configPath, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return errors.NewValidationError("invalid config key %q", key)
		}
	}

	config := make(map[string]interface{})
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return errors.Wrapf(err, "failed to parse %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", configPath)
	}

	section := config
	for _, p := range parts[:len(parts)-1] {
		next, ok := section[p].(map[string]interface{})
		if !ok {
			if _, exists := section[p]; exists {
				return errors.NewValidationError("config key %q is not a table", p)
			}
			next = make(map[string]interface{})
			section[p] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = value

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}
