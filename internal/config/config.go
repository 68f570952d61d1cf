package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither --config nor ENC_CONFIG is given.
const DefaultPath = "/etc/enc/server.yaml"

// Execution modes. Server mode is the default; local mode turns the
// permission gate off and must be asked for explicitly.
const (
	ModeServer = "server"
	ModeLocal  = "local"
)

// Escalation strategies for writing the policy file.
const (
	EscalationAuto = "auto"
	EscalationSudo = "sudo"
	EscalationNone = "none"
)

// Session backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config is the server-side configuration.
type Config struct {
	Mode           string        `yaml:"mode"`
	PolicyFile     string        `yaml:"policy_file"`
	PolicyLock     string        `yaml:"policy_lock"`
	SessionKeyFile string        `yaml:"session_key_file"`
	StateDir       string        `yaml:"state_dir"`
	LogLevel       string        `yaml:"log_level"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	Escalation     string        `yaml:"escalation"`
	SudoBin        string        `yaml:"sudo_bin"`
	GocryptfsBin   string        `yaml:"gocryptfs_bin"`
	FusermountBin  string        `yaml:"fusermount_bin"`
	LoginShell     string        `yaml:"login_shell"`
	SessionBackend string        `yaml:"session_backend"`
	RedisAddr      string        `yaml:"redis_addr"`
	DBUrl          string        `yaml:"db_url"`
	MigrationsDir  string        `yaml:"migrations_dir"`
	ListenAddr     string        `yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	stateDir := ".enc"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".enc")
	}
	return Config{
		Mode:           ModeServer,
		PolicyFile:     "/etc/enc/policy.json",
		PolicyLock:     filepath.Join(os.TempDir(), "enc-policy.lock"),
		SessionKeyFile: "/etc/enc/session.key",
		StateDir:       stateDir,
		LogLevel:       "info",
		ExecTimeout:    60 * time.Second,
		Escalation:     EscalationAuto,
		SudoBin:        "sudo",
		GocryptfsBin:   "gocryptfs",
		FusermountBin:  "fusermount",
		LoginShell:     "/usr/local/bin/enc-shell",
		SessionBackend: BackendFile,
		RedisAddr:      "127.0.0.1:6379",
		MigrationsDir:  "/usr/share/enc/migrations",
		ListenAddr:     "127.0.0.1:8300",
	}
}

// Load reads the YAML file at path (or ENC_CONFIG / DefaultPath when empty)
// over the defaults, then applies environment overrides. A missing file is
// not an error but is logged, since the defaults then decide the mode.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ENC_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	default:
		log.Warn().Err(err).Str("file", path).Msg("config file unreadable, using defaults")
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if !cfg.Enforce() {
		log.Warn().Str("file", path).Msg("local mode configured, permission gate disabled")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ENC_MODE"); v != "" {
		switch {
		case strings.EqualFold(v, ModeServer):
			cfg.Mode = ModeServer
		case strings.EqualFold(v, ModeLocal):
			cfg.Mode = ModeLocal
		default:
			cfg.Mode = v
		}
	}
	if v := os.Getenv("ENC_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := os.Getenv("ENC_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("ENC_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("ENC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

// Validate checks enumerated fields.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeLocal:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeServer, ModeLocal)
	}
	switch c.Escalation {
	case EscalationAuto, EscalationSudo, EscalationNone:
	default:
		return fmt.Errorf("invalid escalation %q", c.Escalation)
	}
	switch c.SessionBackend {
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("invalid session_backend %q", c.SessionBackend)
	}
	if c.PolicyFile == "" {
		return errors.New("policy_file must be set")
	}
	if c.StateDir == "" {
		return errors.New("state_dir must be set")
	}
	if c.SessionKeyFile == "" {
		return errors.New("session_key_file must be set")
	}
	return nil
}

// Enforce reports whether the permission gate is active.
func (c Config) Enforce() bool {
	return c.Mode == ModeServer
}

// SessionDir is where file-backed session records live.
func (c Config) SessionDir() string {
	return filepath.Join(c.StateDir, "sessions")
}

// VaultDir holds the cipher-text directory of every project.
func (c Config) VaultDir() string {
	return filepath.Join(c.StateDir, "vault")
}

// RunDir holds the plaintext mount points.
func (c Config) RunDir() string {
	return filepath.Join(c.StateDir, "run")
}
