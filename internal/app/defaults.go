package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables that relocate photovote's files.
const (
	EnvConfigPath = "PHOTOVOTE_CONFIG_PATH"
	EnvHome       = "PHOTOVOTE_HOME"
)

// Paths are the locations photovote reads and writes before any config is
// loaded.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// DefaultPaths resolves Paths from the environment, falling back to
// ~/.config/photovote.toml and ~/.local/share/photovote.
func DefaultPaths() (Paths, error) {
	configPath, err := fromEnvOrHome(EnvConfigPath, ".config", "photovote.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := fromEnvOrHome(EnvHome, ".local", "share", "photovote")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func fromEnvOrHome(env string, elem ...string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
