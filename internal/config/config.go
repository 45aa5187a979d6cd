package config

// Computer profile loading and validation for hpcxfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/tturner/hpcxfer/internal/errors"
)

// TransportType names the backend a profile connects with.
type TransportType string

const (
	TransportLocal    TransportType = "local"
	TransportSSH      TransportType = "ssh"
	TransportSSHAsync TransportType = "ssh_async"
)

// LoggingConfig controls where transport logs go.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"` // "silent", "error", "warn", "info", "verbose", "debug"
	File       string `yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" toml:"max_backups,omitempty"`
}

// Computer is one machine profile. Durations are in seconds.
type Computer struct {
	Name      string        `yaml:"name" toml:"name"`
	Transport TransportType `yaml:"transport" toml:"transport"`

	Host          string `yaml:"host,omitempty" toml:"host,omitempty"`
	Port          int    `yaml:"port,omitempty" toml:"port,omitempty"`
	Username      string `yaml:"username,omitempty" toml:"username,omitempty"`
	KeyFilename   string `yaml:"key_filename,omitempty" toml:"key_filename,omitempty"`
	KeyPassphrase string `yaml:"key_passphrase,omitempty" toml:"key_passphrase,omitempty"`
	LookForKeys   bool   `yaml:"look_for_keys" toml:"look_for_keys"`
	AllowAgent    bool   `yaml:"allow_agent" toml:"allow_agent"`

	Timeout   float64 `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	KeepAlive float64 `yaml:"keepalive,omitempty" toml:"keepalive,omitempty"`

	ProxyCommand string `yaml:"proxy_command,omitempty" toml:"proxy_command,omitempty"`
	ProxyJump    string `yaml:"proxy_jump,omitempty" toml:"proxy_jump,omitempty"`
	Compress     bool   `yaml:"compress" toml:"compress"`

	LoadSystemHostKeys bool   `yaml:"load_system_host_keys" toml:"load_system_host_keys"`
	KeyPolicy          string `yaml:"key_policy,omitempty" toml:"key_policy,omitempty"` // "reject", "warning", "autoadd"
	KnownHostsFile     string `yaml:"known_hosts_file,omitempty" toml:"known_hosts_file,omitempty"`

	// Asynchronous transport only.
	MaxIOAllowed         int    `yaml:"max_io_allowed,omitempty" toml:"max_io_allowed,omitempty"`
	AuthenticationScript string `yaml:"authentication_script,omitempty" toml:"authentication_script,omitempty"`
	Backend              string `yaml:"backend,omitempty" toml:"backend,omitempty"` // "library" or "cli"

	// SafeOpenInterval is nil when the transport default applies.
	SafeOpenInterval *float64 `yaml:"safe_open_interval,omitempty" toml:"safe_open_interval,omitempty"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// CreateDefaultComputer creates a default SSH profile
func CreateDefaultComputer() *Computer {
	cfg := &Computer{
		Name:      "cluster",
		Transport: TransportSSH,
		Host:      "login.cluster.example.org",
	}
	applyBoolDefaults(cfg)
	applyDefaults(cfg)
	return cfg
}

// WriteDefaultComputer writes a default profile to path. The format follows
// the file extension.
func WriteDefaultComputer(path string) error {
	cfg := CreateDefaultComputer()
	data, err := Marshal(cfg, path)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Marshal encodes cfg as TOML when path ends in .toml and as YAML otherwise.
func Marshal(cfg *Computer, path string) ([]byte, error) {
	if isTOML(path) {
		return toml.Marshal(cfg)
	}
	return yaml.Marshal(cfg)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadComputer loads a computer profile from a YAML or TOML file.
// If the file doesn't exist and autoCreate is true, it will create a default profile
func LoadComputer(path string, autoCreate bool) (*Computer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if autoCreate {
				if err := WriteDefaultComputer(path); err != nil {
					return nil, fmt.Errorf("create default config: %w", err)
				}
				data, err = os.ReadFile(path)
				if err != nil {
					return nil, errors.WrapConfigError(
						fmt.Errorf("read created config file: %w", err),
						path,
					)
				}
			} else {
				return nil, errors.WrapConfigError(
					fmt.Errorf("config file not found: %s", path),
					path,
				)
			}
		} else {
			return nil, errors.WrapConfigError(
				fmt.Errorf("read config file: %w", err),
				path,
			)
		}
	}

	cfg, err := ParseComputer(data, isTOML(path))
	if err != nil {
		return nil, errors.WrapConfigError(err, path)
	}
	return cfg, nil
}

// ParseComputer decodes a profile, applies defaults and validates it.
// Keys absent from data keep their defaults.
func ParseComputer(data []byte, asTOML bool) (*Computer, error) {
	cfg := &Computer{}
	applyBoolDefaults(cfg)
	if asTOML {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := ValidateComputer(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ValidateComputer validates a computer profile
func ValidateComputer(cfg *Computer) error {
	switch cfg.Transport {
	case TransportLocal:
		return validateLogging(cfg.Logging)
	case TransportSSH, TransportSSHAsync:
	default:
		return fmt.Errorf("invalid transport '%s'; must be 'local', 'ssh' or 'ssh_async'", cfg.Transport)
	}

	if cfg.Host == "" {
		return fmt.Errorf("host is required for transport '%s'", cfg.Transport)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.ProxyCommand != "" && cfg.ProxyJump != "" {
		return fmt.Errorf("proxy_command and proxy_jump are mutually exclusive")
	}
	switch strings.ToLower(cfg.KeyPolicy) {
	case "reject", "warning", "autoadd":
	default:
		return fmt.Errorf("invalid key_policy '%s'; must be 'reject', 'warning' or 'autoadd'", cfg.KeyPolicy)
	}
	if cfg.Timeout < 0 || cfg.KeepAlive < 0 {
		return fmt.Errorf("timeout and keepalive must not be negative")
	}
	if cfg.SafeOpenInterval != nil && *cfg.SafeOpenInterval < 0 {
		return fmt.Errorf("safe_open_interval must not be negative")
	}

	if cfg.Transport == TransportSSHAsync {
		if cfg.MaxIOAllowed < 1 {
			return fmt.Errorf("max_io_allowed must be at least 1, got %d", cfg.MaxIOAllowed)
		}
		switch cfg.Backend {
		case "library", "cli":
		default:
			return fmt.Errorf("invalid backend '%s'; must be 'library' or 'cli'", cfg.Backend)
		}
		if err := validateAuthScript(cfg.AuthenticationScript); err != nil {
			return err
		}
	} else if cfg.AuthenticationScript != "" {
		return fmt.Errorf("authentication_script is only supported by transport 'ssh_async'")
	}

	return validateLogging(cfg.Logging)
}

func validateAuthScript(script string) error {
	if script == "" {
		return nil
	}
	if !filepath.IsAbs(script) {
		return fmt.Errorf("authentication_script must be an absolute path, got '%s'", script)
	}
	fi, err := os.Stat(script)
	if err != nil {
		return fmt.Errorf("authentication_script: %w", err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("authentication_script '%s' is not executable", script)
	}
	return nil
}

func validateLogging(cfg LoggingConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "silent", "error", "warn", "info", "verbose", "debug":
	default:
		return fmt.Errorf("invalid logging level '%s'", cfg.Level)
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 {
		return fmt.Errorf("logging max_size_mb and max_backups must not be negative")
	}
	return nil
}
