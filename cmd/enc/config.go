package main

import (
	"os"
	"path/filepath"

	"github.com/org/enc/internal/session"
	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent client configuration.
type CLIConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	SSHKey     string `yaml:"ssh_key"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
	SessionID  string `yaml:"session_id"`
	Context    string `yaml:"context"`
}

var cfg CLIConfig

const (
	configDirName  = ".enc"
	configFileName = "config.yaml"
)

// configDir returns the directory holding the client config and the local
// session cache: a project-local ./.enc when it has a config, the global
// one otherwise.
func configDir() string {
	if v := os.Getenv("ENC_CLIENT_DIR"); v != "" {
		return v
	}
	if local, err := filepath.Abs(configDirName); err == nil {
		if _, err := os.Stat(filepath.Join(local, configFileName)); err == nil {
			return local
		}
	}
	return globalConfigDir()
}

// globalConfigDir is ~/.enc, or ENC_CLIENT_DIR when set.
func globalConfigDir() string {
	if v := os.Getenv("ENC_CLIENT_DIR"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, configDirName)
}

func configPath() string {
	return filepath.Join(configDir(), configFileName)
}

// loadConfig loads the CLI config from disk, then applies env overrides.
func loadConfig() {
	cfg = CLIConfig{}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &cfg) //nolint:errcheck
	}
	if v := os.Getenv("ENC_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("ENC_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("ENC_SSH_KEY"); v != "" {
		cfg.SSHKey = v
	}
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	return writeConfig(configPath(), &cfg)
}

func writeConfig(path string, c *CLIConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// sessionCache holds copies of the sessions returned by server-login.
func sessionCache() *session.FileRepository {
	return session.NewFileRepository(filepath.Join(configDir(), "sessions"))
}
