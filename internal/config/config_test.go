package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validSSH() *Computer {
	cfg := CreateDefaultComputer()
	cfg.Host = "login.example.org"
	return cfg
}

func TestValidateComputer(t *testing.T) {
	script := filepath.Join(t.TempDir(), "auth.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	plain := filepath.Join(t.TempDir(), "plain.sh")
	if err := os.WriteFile(plain, []byte("exit 0\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Computer)
		wantErr bool
	}{
		{name: "default ssh", mutate: func(*Computer) {}},
		{name: "local needs no host", mutate: func(c *Computer) { c.Transport = TransportLocal; c.Host = "" }},
		{name: "unknown transport", mutate: func(c *Computer) { c.Transport = "ftp" }, wantErr: true},
		{name: "missing host", mutate: func(c *Computer) { c.Host = "" }, wantErr: true},
		{name: "bad port", mutate: func(c *Computer) { c.Port = 70000 }, wantErr: true},
		{
			name: "proxy command and jump",
			mutate: func(c *Computer) {
				c.ProxyCommand = "nc %h %p"
				c.ProxyJump = "bastion"
			},
			wantErr: true,
		},
		{name: "bad key policy", mutate: func(c *Computer) { c.KeyPolicy = "trust" }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Computer) { c.Timeout = -1 }, wantErr: true},
		{
			name: "async with script",
			mutate: func(c *Computer) {
				c.Transport = TransportSSHAsync
				c.MaxIOAllowed = 4
				c.Backend = "cli"
				c.AuthenticationScript = script
			},
		},
		{
			name: "async zero max io",
			mutate: func(c *Computer) {
				c.Transport = TransportSSHAsync
				c.Backend = "library"
				c.MaxIOAllowed = 0
			},
			wantErr: true,
		},
		{
			name: "async bad backend",
			mutate: func(c *Computer) {
				c.Transport = TransportSSHAsync
				c.MaxIOAllowed = 1
				c.Backend = "paramiko"
			},
			wantErr: true,
		},
		{
			name: "relative script",
			mutate: func(c *Computer) {
				c.Transport = TransportSSHAsync
				c.MaxIOAllowed = 1
				c.Backend = "library"
				c.AuthenticationScript = "auth.sh"
			},
			wantErr: true,
		},
		{
			name: "script not executable",
			mutate: func(c *Computer) {
				c.Transport = TransportSSHAsync
				c.MaxIOAllowed = 1
				c.Backend = "library"
				c.AuthenticationScript = plain
			},
			wantErr: true,
		},
		{name: "script on sync ssh", mutate: func(c *Computer) { c.AuthenticationScript = script }, wantErr: true},
		{name: "bad log level", mutate: func(c *Computer) { c.Logging.Level = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validSSH()
			tt.mutate(cfg)
			err := ValidateComputer(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateComputer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseComputerYAMLDefaults(t *testing.T) {
	data := []byte(`
name: hpc
transport: ssh_async
host: hpc.example.org
username: alice
allow_agent: false
`)
	cfg, err := ParseComputer(data, false)
	if err != nil {
		t.Fatalf("ParseComputer() error = %v", err)
	}
	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	if cfg.MaxIOAllowed != 8 {
		t.Errorf("MaxIOAllowed = %d, want 8", cfg.MaxIOAllowed)
	}
	if cfg.Backend != "library" {
		t.Errorf("Backend = %q, want library", cfg.Backend)
	}
	if cfg.SafeOpenInterval == nil || *cfg.SafeOpenInterval != 5 {
		t.Errorf("SafeOpenInterval = %v, want 5", cfg.SafeOpenInterval)
	}
	if cfg.AllowAgent {
		t.Error("AllowAgent should keep the explicit false")
	}
	if !cfg.LookForKeys || !cfg.LoadSystemHostKeys {
		t.Error("LookForKeys and LoadSystemHostKeys should default to true")
	}
	if cfg.KeyPolicy != "reject" {
		t.Errorf("KeyPolicy = %q, want reject", cfg.KeyPolicy)
	}
}

func TestParseComputerTOML(t *testing.T) {
	data := []byte(`
name = "cluster"
transport = "ssh"
host = "cluster.example.org"
port = 2222
proxy_jump = "alice@bastion:22"
safe_open_interval = 0.5

[logging]
level = "debug"
`)
	cfg, err := ParseComputer(data, true)
	if err != nil {
		t.Fatalf("ParseComputer() error = %v", err)
	}
	if cfg.Port != 2222 {
		t.Errorf("Port = %d, want 2222", cfg.Port)
	}
	if cfg.ProxyJump != "alice@bastion:22" {
		t.Errorf("ProxyJump = %q", cfg.ProxyJump)
	}
	if cfg.SafeOpenInterval == nil || *cfg.SafeOpenInterval != 0.5 {
		t.Errorf("SafeOpenInterval = %v, want 0.5", cfg.SafeOpenInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestParseComputerInvalid(t *testing.T) {
	if _, err := ParseComputer([]byte("transport: [unclosed"), false); err == nil {
		t.Error("expected YAML parse error")
	}
	if _, err := ParseComputer([]byte("transport: ssh\n"), false); err == nil {
		t.Error("expected validation error for missing host")
	}
}

func TestLoadComputerMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := LoadComputer(path, false)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v, want 'config file not found'", err)
	}
}

func TestLoadComputerAutoCreate(t *testing.T) {
	for _, name := range []string{"computer.yaml", "computer.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg, err := LoadComputer(path, true)
			if err != nil {
				t.Fatalf("LoadComputer() error = %v", err)
			}
			if cfg.Transport != TransportSSH {
				t.Errorf("Transport = %q, want ssh", cfg.Transport)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("default profile not written: %v", err)
			}
		})
	}
}

func TestWriteDefaultComputerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := WriteDefaultComputer(path); err != nil {
		t.Fatalf("WriteDefaultComputer() error = %v", err)
	}
	cfg, err := LoadComputer(path, false)
	if err != nil {
		t.Fatalf("LoadComputer() error = %v", err)
	}
	want := CreateDefaultComputer()
	if cfg.Host != want.Host || cfg.Port != want.Port || cfg.Name != want.Name {
		t.Errorf("round trip mismatch: got %+v, want %+v", cfg, want)
	}
}
