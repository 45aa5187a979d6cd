package main

import (
	"strings"
	"testing"

	"github.com/tturner/hpcxfer/internal/config"
)

func TestApplyAnswers(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(a *profileAnswers)
		check   func(t *testing.T, cfg *config.Computer)
		wantErr string
	}{
		{
			name: "defaults",
			edit: func(a *profileAnswers) {},
			check: func(t *testing.T, cfg *config.Computer) {
				if cfg.Transport != config.TransportSSH || cfg.Port != 22 {
					t.Errorf("got transport %q port %d", cfg.Transport, cfg.Port)
				}
			},
		},
		{
			name: "async with cli backend",
			edit: func(a *profileAnswers) {
				a.transport = string(config.TransportSSHAsync)
				a.host = "login2"
				a.port = " 2222 "
				a.backend = "cli"
				a.maxIO = "4"
			},
			check: func(t *testing.T, cfg *config.Computer) {
				if cfg.Host != "login2" || cfg.Port != 2222 || cfg.Backend != "cli" || cfg.MaxIOAllowed != 4 {
					t.Errorf("got %+v", cfg)
				}
			},
		},
		{
			name: "local ignores ssh fields",
			edit: func(a *profileAnswers) {
				a.transport = string(config.TransportLocal)
				a.port = "not a port"
			},
			check: func(t *testing.T, cfg *config.Computer) {
				if cfg.Transport != config.TransportLocal {
					t.Errorf("transport: got %q", cfg.Transport)
				}
			},
		},
		{
			name:    "bad port",
			edit:    func(a *profileAnswers) { a.port = "ssh" },
			wantErr: "invalid port",
		},
		{
			name:    "empty host",
			edit:    func(a *profileAnswers) { a.host = "  " },
			wantErr: "host is required",
		},
		{
			name: "bad max io",
			edit: func(a *profileAnswers) {
				a.transport = string(config.TransportSSHAsync)
				a.maxIO = "0"
			},
			wantErr: "max_io_allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.CreateDefaultComputer()
			ans := answersFromComputer(cfg)
			tt.edit(ans)
			err := applyAnswers(cfg, ans)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error: got %v want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("applyAnswers: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestAnswersFromComputer_AsyncDefaults(t *testing.T) {
	ans := answersFromComputer(config.CreateDefaultComputer())
	if ans.backend == "" || ans.maxIO == "0" {
		t.Errorf("async fields not seeded: backend %q maxIO %q", ans.backend, ans.maxIO)
	}
	if buildProfileForm(ans) == nil {
		t.Fatal("nil form")
	}
}

func TestValidatePortString(t *testing.T) {
	for _, s := range []string{"22", " 65535"} {
		if err := validatePortString(s); err != nil {
			t.Errorf("%q: %v", s, err)
		}
	}
	for _, s := range []string{"0", "70000", "x"} {
		if err := validatePortString(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}
