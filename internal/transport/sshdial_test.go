package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return key
}

func hostKeyOpts(knownHosts string, policy KeyPolicy) SSHOptions {
	opts := DefaultSSHOptions()
	opts.Host = "hpc"
	opts.KnownHostsFile = knownHosts
	opts.LoadSystemHostKeys = false
	opts.KeyPolicy = policy
	return opts
}

func TestHostKeyCallback_Policies(t *testing.T) {
	remote := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	known := filepath.Join(t.TempDir(), "known_hosts")
	key := newHostKey(t)

	cb, err := hostKeyCallback(hostKeyOpts(known, KeyPolicyReject), logging.Discard())
	if err != nil {
		t.Fatalf("hostKeyCallback() error = %v", err)
	}
	err = cb("hpc:22", remote, key)
	var hk *hostKeyError
	if !errors.As(err, &hk) || hk.mismatch {
		t.Fatalf("reject policy error = %v, want unknown host key", err)
	}
	if terrors.KindOf(classifyDialError("open", err)) != terrors.KindHostKey {
		t.Error("host key errors must classify as host key")
	}

	cb, _ = hostKeyCallback(hostKeyOpts(known, KeyPolicyWarning), logging.Discard())
	if err := cb("hpc:22", remote, key); err != nil {
		t.Errorf("warning policy error = %v, want nil", err)
	}
	if _, err := os.Stat(known); err == nil {
		t.Error("warning policy must not write known_hosts")
	}

	cb, _ = hostKeyCallback(hostKeyOpts(known, KeyPolicyAutoAdd), logging.Discard())
	if err := cb("hpc:22", remote, key); err != nil {
		t.Fatalf("autoadd policy error = %v", err)
	}
	data, err := os.ReadFile(known)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.HasPrefix(string(data), "hpc ") {
		t.Errorf("known_hosts = %q, want entry for hpc", data)
	}

	// the added key is now trusted even under reject
	cb, _ = hostKeyCallback(hostKeyOpts(known, KeyPolicyReject), logging.Discard())
	if err := cb("hpc:22", remote, key); err != nil {
		t.Errorf("known key error = %v, want nil", err)
	}

	// a different key for a known host is rejected regardless of policy
	cb, _ = hostKeyCallback(hostKeyOpts(known, KeyPolicyAutoAdd), logging.Discard())
	err = cb("hpc:22", remote, newHostKey(t))
	if !errors.As(err, &hk) || !hk.mismatch {
		t.Errorf("changed key error = %v, want mismatch", err)
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want terrors.Kind
	}{
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), terrors.KindAuth},
		{"no methods", errNoAuthMethods, terrors.KindAuth},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), terrors.KindTimeout},
		{"refused", errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), terrors.KindConnection},
		{"already classified", terrors.Validation("open", "", "bad"), terrors.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := terrors.KindOf(classifyDialError("open", tt.err)); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandProxyCommand(t *testing.T) {
	got := expandProxyCommand("nc -X 5 -x proxy:1080 %h %p # %r 100%%", "hpc", 2222, "alice")
	want := "nc -X 5 -x proxy:1080 hpc 2222 # alice 100%"
	if got != want {
		t.Errorf("expandProxyCommand() = %q, want %q", got, want)
	}
}

func TestParseKeyPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    KeyPolicy
		wantErr bool
	}{
		{"", KeyPolicyReject, false},
		{"AutoAdd", KeyPolicyAutoAdd, false},
		{" warning ", KeyPolicyWarning, false},
		{"trust", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKeyPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKeyPolicy(%q) = %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestDefaultSSHOptions(t *testing.T) {
	opts := DefaultSSHOptions()
	if opts.Port != 22 {
		t.Errorf("Port = %d, want 22", opts.Port)
	}
	if !opts.LookForKeys || !opts.AllowAgent || !opts.LoadSystemHostKeys {
		t.Error("key discovery, agent and system host keys should default to on")
	}
	if opts.KeyPolicy != KeyPolicyReject {
		t.Errorf("KeyPolicy = %v, want reject", opts.KeyPolicy)
	}
	if err := opts.Validate(); terrors.KindOf(err) != terrors.KindValidation {
		t.Errorf("Validate() without host error = %v, want validation", err)
	}
	opts.Host = "hpc"
	if err := opts.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	opts.ProxyJump = "a,,b"
	if err := opts.Validate(); terrors.KindOf(err) != terrors.KindValidation {
		t.Errorf("Validate() with empty hop error = %v, want validation", err)
	}
}

func TestSSH_NotOpen(t *testing.T) {
	opts := DefaultSSHOptions()
	opts.Host = "hpc"
	s, err := NewSSH(opts, logging.Discard())
	if err != nil {
		t.Fatalf("NewSSH() error = %v", err)
	}
	if _, err := s.ListDir(context.Background(), "/", ""); !errors.Is(err, terrors.ErrNotOpen) {
		t.Errorf("ListDir() error = %v, want ErrNotOpen", err)
	}
	if _, err := s.Getcwd(); !errors.Is(err, terrors.ErrNotOpen) {
		t.Errorf("Getcwd() error = %v, want ErrNotOpen", err)
	}
	if got := s.String(); !strings.Contains(got, "hpc") {
		t.Errorf("String() = %q", got)
	}
}

func TestRemoteCopyCommand(t *testing.T) {
	tests := []struct {
		src, target      string
		recursive, deref bool
		want             string
	}{
		{"/a/f", "/b/f", false, false, "cp -f -P /a/f /b/f"},
		{"/a/f", "/b/f", false, true, "cp -f -L /a/f /b/f"},
		{"/a/d/", "/b/d", true, false, "mkdir -p /b/d && cp -r -f -P /a/d/. /b/d"},
		{"/a/my d", "/b", true, true, "mkdir -p /b && cp -r -f -L '/a/my d/.' /b"},
	}
	for _, tt := range tests {
		if got := remoteCopyCommand(tt.src, tt.target, tt.recursive, tt.deref); got != tt.want {
			t.Errorf("remoteCopyCommand(%q, %q) = %q, want %q", tt.src, tt.target, got, tt.want)
		}
	}
}
