package transport

import (
	"testing"
	"time"

	"github.com/tturner/hpcxfer/internal/config"
	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

func mustComputer(t *testing.T, yaml string) *config.Computer {
	t.Helper()
	cfg, err := config.ParseComputer([]byte(yaml), false)
	if err != nil {
		t.Fatalf("ParseComputer() error = %v", err)
	}
	return cfg
}

func TestNew_Local(t *testing.T) {
	cfg := mustComputer(t, "name: laptop\ntransport: local\nsafe_open_interval: 0.5\n")
	tr, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := tr.(*Local); !ok {
		t.Fatalf("New() = %T, want *Local", tr)
	}
	if got := tr.SafeOpenInterval(); got != 500*time.Millisecond {
		t.Errorf("SafeOpenInterval() = %v, want 500ms", got)
	}
}

func TestNew_SSH(t *testing.T) {
	cfg := mustComputer(t, `name: cluster
transport: ssh
host: login.example.org
port: 2222
username: alice
timeout: 1.5
key_policy: autoadd
allow_agent: false
proxy_jump: bastion
`)
	tr, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s, ok := tr.(*SSH)
	if !ok {
		t.Fatalf("New() = %T, want *SSH", tr)
	}
	if s.opts.Host != "login.example.org" || s.opts.Port != 2222 || s.opts.Username != "alice" {
		t.Errorf("opts = %+v", s.opts)
	}
	if s.opts.Timeout != 1500*time.Millisecond {
		t.Errorf("Timeout = %v, want 1.5s", s.opts.Timeout)
	}
	if s.opts.KeyPolicy != KeyPolicyAutoAdd {
		t.Errorf("KeyPolicy = %v, want autoadd", s.opts.KeyPolicy)
	}
	if s.opts.AllowAgent {
		t.Error("AllowAgent should be false")
	}
	if !s.opts.LookForKeys {
		t.Error("LookForKeys should keep its default")
	}
	if s.SafeOpenInterval() != DefaultSSHSafeOpenInterval {
		t.Errorf("SafeOpenInterval() = %v, want default", s.SafeOpenInterval())
	}
}

func TestNew_Async(t *testing.T) {
	cfg := mustComputer(t, "name: c\ntransport: ssh_async\nhost: h\nbackend: cli\nmax_io_allowed: 2\n")
	tr, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a, ok := tr.(*AsyncSSH)
	if !ok {
		t.Fatalf("New() = %T, want *AsyncSSH", tr)
	}
	if a.opts.MaxIOAllowed != 2 {
		t.Errorf("MaxIOAllowed = %d, want 2", a.opts.MaxIOAllowed)
	}
	if _, ok := a.Engine().(*CLIEngine); !ok {
		t.Errorf("engine = %T, want *CLIEngine", a.Engine())
	}
}

func TestNew_Invalid(t *testing.T) {
	cfg := config.CreateDefaultComputer()
	cfg.Transport = "telnet"
	if _, err := New(cfg, logging.Discard()); terrors.KindOf(err) != terrors.KindValidation {
		t.Errorf("New() error = %v, want validation", err)
	}
}
