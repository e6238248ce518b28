package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semflow.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semflow"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// overridable in tests
	homeDir func() (string, error)
	workDir func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, homeDir: os.UserHomeDir, workDir: os.Getwd}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semflow/config.yaml)
// 3. Project config (semflow.yaml in current or parent directories)
// 4. explicit, when non-empty (e.g. a --config flag)
func (l *Loader) Load(explicit string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if _, err := os.Stat(userConfigPath); err == nil {
			config = l.apply(config, userConfigPath, "user")
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		config = l.apply(config, projectConfigPath, "project")
	} else {
		l.logger.Debug("No project config found")
	}

	if explicit != "" {
		next := config.Clone()
		if err := next.ApplyFile(explicit); err != nil {
			return nil, err
		}
		config = next
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// apply overlays path onto a copy of config, keeping config on failure.
func (l *Loader) apply(config *Config, path, layer string) *Config {
	next := config.Clone()
	if err := next.ApplyFile(path); err != nil {
		l.logger.Warn("Failed to load config", slog.String("layer", layer), slog.String("path", path), slog.String("error", err.Error()))
		return config
	}
	l.logger.Debug("Loaded config", slog.String("layer", layer), slog.String("path", path))
	return next
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return nil
	}
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
