package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FilePermissions is the default permission mode for regular files (read/write for owner, read for others)
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories (rwxr-xr-x)
	DirPermissions = 0755

	// HomeEnv overrides the configuration directory
	HomeEnv = "STOMPLOAD_HOME"
)

var (
	// ConfigDir is the global configuration directory (~/.stompload)
	ConfigDir string

	// ScenariosDir is where bare scenario names are looked up
	ScenariosDir string

	// DatabasePath is the SQLite database file for run history
	DatabasePath string

	// BrokerConfigFile is the optional config for the serve command
	BrokerConfigFile string

	// EnvFile is the optional .env file feeding {{env.NAME}} placeholders
	EnvFile string
)

// Initialize sets up the configuration directories.
// It creates ~/.stompload/ (or $STOMPLOAD_HOME) if it doesn't exist.
func Initialize() error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}

	ConfigDir = dir
	ScenariosDir = filepath.Join(ConfigDir, "scenarios")
	DatabasePath = filepath.Join(ConfigDir, "stompload.db")
	BrokerConfigFile = filepath.Join(ConfigDir, "broker.yaml")
	EnvFile = filepath.Join(ConfigDir, ".env")

	for _, dir := range []string{ConfigDir, ScenariosDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func resolveConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return expandHome(dir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".stompload"), nil
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// GetScenariosDirectory returns dir when set, else the global scenarios directory
func GetScenariosDirectory(dir string) (string, error) {
	if dir == "" {
		return ScenariosDir, nil
	}
	return expandHome(dir)
}

// LocalEnvFile returns ./.env when present, else the global env file
func LocalEnvFile() string {
	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}
	return EnvFile
}

// BrokerConfigExists reports whether the global broker config file is present
func BrokerConfigExists() bool {
	_, err := os.Stat(BrokerConfigFile)
	return err == nil
}
