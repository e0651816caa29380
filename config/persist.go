package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// Deletion failures are logged but never fail the save
		logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
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

// UserConfigPath returns the path to the user config file in ~/.renderq/config.toml
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".renderq", "config.toml")
}

// loadOrInitializeConfigFile loads a TOML config file into a generic
// mapping, or returns an empty one if the file doesn't exist
func loadOrInitializeConfigFile(configPath string) (map[string]interface{}, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return nil, errors.Wrap(err, "failed to create config directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	} else {
		config = make(map[string]interface{})
	}

	return config, nil
}

// saveConfigFile writes the mapping to the config file with backup
func saveConfigFile(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// setInFile updates one dotted key in the given config file, creating
// intermediate tables as needed
func setInFile(configPath, key string, value interface{}) error {
	config, err := loadOrInitializeConfigFile(configPath)
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	node := config
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value

	return saveConfigFile(config, configPath)
}

// Set updates one dotted key (e.g. "scheduler.worker_timeout_seconds") in
// the user config file, preserving everything else in it
func Set(key string, value interface{}) error {
	configPath := UserConfigPath()
	if configPath == "" {
		return errors.New("could not determine home directory")
	}
	return setInFile(configPath, key, value)
}

// Save writes the full configuration to path as TOML, rotating backups first
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// WriteDefault writes a config file populated with the defaults, for
// `renderq config init`
func WriteDefault(path string) error {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		return err
	}
	return Save(cfg, path)
}
