//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "agentq-data"
		}
	}
	return filepath.Join(dir, "agentq")
}

func secretHint(account string) string {
	return fmt.Sprintf(" or %s (%s.%s)", secretsFilePath(), keychainService, account)
}

func newPlatformBackend() ConfigBackend {
	if p := os.Getenv(envConfigFile); p != "" {
		return newFileBackend(p)
	}
	return newFileBackend(configFilePath())
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "agentq", "config.json")
}
