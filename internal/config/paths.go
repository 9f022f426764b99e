package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "chatbridge"

// Paths contains the standard XDG paths for bridge data.
type Paths struct {
	Data   string // ~/.local/share/chatbridge
	Config string // ~/.config/chatbridge
	State  string // ~/.local/state/chatbridge
}

// GetPaths returns the standard paths for bridge data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", homeJoin(".local", "share")), appName),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", homeJoin(".config")), appName),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", homeJoin(".local", "state")), appName),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath returns the path to the key/value store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// LogPath returns the directory for log files.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "log")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "chatbridge.jsonc")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func homeJoin(elem ...string) string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, elem...)...)
}
