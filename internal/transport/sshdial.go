package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// KeyPolicy decides what happens when the server presents an unknown host key.
// A key that contradicts a known_hosts entry is always rejected.
type KeyPolicy string

const (
	KeyPolicyReject  KeyPolicy = "reject"
	KeyPolicyWarning KeyPolicy = "warning"
	KeyPolicyAutoAdd KeyPolicy = "autoadd"
)

// ParseKeyPolicy converts a profile value to a KeyPolicy.
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch p := KeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case KeyPolicyReject, KeyPolicyWarning, KeyPolicyAutoAdd:
		return p, nil
	case "":
		return KeyPolicyReject, nil
	}
	return "", fmt.Errorf("invalid key policy %q (must be reject, warning or autoadd)", s)
}

// SSHOptions holds the connection parameters shared by the SSH backends.
type SSHOptions struct {
	Host     string
	Port     int
	Username string

	KeyFilename   string
	KeyPassphrase string
	Password      string
	LookForKeys   bool
	AllowAgent    bool

	// Timeout bounds TCP connect plus handshake.
	Timeout time.Duration
	// KeepAlive sends keepalive@openssh.com requests at this interval.
	KeepAlive time.Duration

	ProxyJump    string
	ProxyCommand string

	// Compress is forwarded to the ssh client program by the CLI engine.
	// x/crypto/ssh does not implement compression.
	Compress bool

	LoadSystemHostKeys bool
	KnownHostsFile     string
	KeyPolicy          KeyPolicy

	SafeOpenInterval time.Duration
}

// DefaultSSHOptions returns the defaults used for SSH profiles.
func DefaultSSHOptions() SSHOptions {
	return SSHOptions{
		Port:               22,
		LookForKeys:        true,
		AllowAgent:         true,
		Timeout:            60 * time.Second,
		LoadSystemHostKeys: true,
		KeyPolicy:          KeyPolicyReject,
		SafeOpenInterval:   DefaultSSHSafeOpenInterval,
	}
}

// Validate checks the options for conflicts. Constructors call it.
func (o SSHOptions) Validate() error {
	const op = "ssh_options"
	if o.Host == "" {
		return terrors.Validation(op, "", "host is required")
	}
	if o.Port < 0 || o.Port > 65535 {
		return terrors.Validation(op, "", "port %d out of range", o.Port)
	}
	if o.ProxyJump != "" && o.ProxyCommand != "" {
		return terrors.Validation(op, "", "proxy_jump and proxy_command are mutually exclusive")
	}
	if _, err := ParseKeyPolicy(string(o.KeyPolicy)); err != nil {
		return terrors.Validation(op, "", "%v", err)
	}
	if o.Timeout < 0 || o.KeepAlive < 0 || o.SafeOpenInterval < 0 {
		return terrors.Validation(op, "", "durations must not be negative")
	}
	if o.ProxyJump != "" {
		if _, err := parseJumpHosts(o.ProxyJump, o.user(), o.Port); err != nil {
			return err
		}
	}
	return nil
}

func (o SSHOptions) user() string {
	if o.Username != "" {
		return o.Username
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}

func (o SSHOptions) port() int {
	if o.Port == 0 {
		return 22
	}
	return o.Port
}

func (o SSHOptions) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.port()))
}

func (o SSHOptions) userKnownHosts() string {
	if o.KnownHostsFile != "" {
		return o.KnownHostsFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// jumpHost is one hop of a ProxyJump chain.
type jumpHost struct {
	user string
	host string
	port int
}

func (j jumpHost) addr() string {
	return net.JoinHostPort(j.host, strconv.Itoa(j.port))
}

// parseJumpHosts parses "[user@]host[:port][,...]".
func parseJumpHosts(spec, defaultUser string, defaultPort int) ([]jumpHost, error) {
	var hops []jumpHost
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, terrors.Validation("ssh_options", "", "empty hop in proxy_jump %q", spec)
		}
		hop := jumpHost{user: defaultUser, port: 22}
		if idx := strings.LastIndex(part, "@"); idx != -1 {
			hop.user = part[:idx]
			part = part[idx+1:]
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			host = strings.Trim(part, "[]")
		} else {
			p, err := strconv.Atoi(portStr)
			if err != nil || p <= 0 || p > 65535 {
				return nil, terrors.Validation("ssh_options", "", "invalid port in proxy_jump hop %q", part)
			}
			hop.port = p
		}
		if host == "" {
			return nil, terrors.Validation("ssh_options", "", "missing host in proxy_jump hop %q", part)
		}
		hop.host = host
		hops = append(hops, hop)
	}
	return hops, nil
}

// sshConn is an established client plus everything it depends on.
type sshConn struct {
	client  *ssh.Client
	closers []io.Closer
}

// Close closes the client first, then the hops it was tunnelled through.
func (c *sshConn) Close() error {
	err := c.client.Close()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i].Close()
	}
	return err
}

// dialSSH connects to opts.Host, through the proxy chain or command if set.
func dialSSH(ctx context.Context, opts SSHOptions, log *logging.Logger) (*sshConn, error) {
	const op = "connect"

	auth, agentConn := authMethods(opts, log)
	conn := &sshConn{}
	if agentConn != nil {
		conn.closers = append(conn.closers, agentConn)
	}
	fail := func(err error) (*sshConn, error) {
		for i := len(conn.closers) - 1; i >= 0; i-- {
			conn.closers[i].Close()
		}
		return nil, classifyDialError(op, err)
	}
	if len(auth) == 0 {
		return fail(errNoAuthMethods)
	}

	hostKeys, err := hostKeyCallback(opts, log)
	if err != nil {
		return fail(err)
	}
	config := func(user string) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         opts.Timeout,
		}
	}

	var via *ssh.Client
	switch {
	case opts.ProxyJump != "":
		hops, err := parseJumpHosts(opts.ProxyJump, opts.user(), opts.port())
		if err != nil {
			return fail(err)
		}
		for _, hop := range hops {
			log.Debug("dialing jump host %s@%s", hop.user, hop.addr())
			c, err := dialClient(ctx, via, nil, hop.addr(), config(hop.user), opts.Timeout)
			if err != nil {
				return fail(fmt.Errorf("jump host %s: %w", hop.addr(), err))
			}
			conn.closers = append(conn.closers, c)
			via = c
		}
	case opts.ProxyCommand != "":
		pc, err := startProxyCommand(expandProxyCommand(opts.ProxyCommand, opts.Host, opts.port(), opts.user()), log)
		if err != nil {
			return fail(err)
		}
		client, err := dialClient(ctx, nil, pc, opts.addr(), config(opts.user()), opts.Timeout)
		if err != nil {
			pc.Close()
			return fail(err)
		}
		conn.closers = append(conn.closers, pc)
		conn.client = client
		return conn, nil
	}

	client, err := dialClient(ctx, via, nil, opts.addr(), config(opts.user()), opts.Timeout)
	if err != nil {
		return fail(err)
	}
	conn.client = client
	return conn, nil
}

var errNoAuthMethods = errors.New("no authentication methods available")

// dialClient performs the handshake on a raw connection. The connection is
// taken from raw if set, else dialled through via if set, else over TCP.
func dialClient(ctx context.Context, via *ssh.Client, raw net.Conn, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	conn := raw
	if conn == nil {
		var err error
		if via != nil {
			conn, err = via.Dial("tcp", addr)
		} else {
			d := net.Dialer{Timeout: timeout}
			conn, err = d.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
	}

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

// authMethods collects agent, key file, default key and password methods in
// that order. The agent connection, if any, is returned for closing.
func authMethods(opts SSHOptions, log *logging.Logger) ([]ssh.AuthMethod, net.Conn) {
	var methods []ssh.AuthMethod
	var agentConn net.Conn

	if opts.AllowAgent {
		if m, conn := sshAgentAuth(); m != nil {
			methods = append(methods, m)
			agentConn = conn
		}
	}

	if opts.KeyFilename != "" {
		m, err := publicKeyAuth(opts.KeyFilename, opts.KeyPassphrase)
		if err != nil {
			log.Warn("key file %s unusable: %v", opts.KeyFilename, err)
		} else {
			methods = append(methods, m)
		}
	}

	if opts.LookForKeys {
		for _, keyPath := range defaultKeyPaths() {
			if keyPath == opts.KeyFilename {
				continue
			}
			if m, err := publicKeyAuth(keyPath, opts.KeyPassphrase); err == nil {
				log.Debug("using key %s", keyPath)
				methods = append(methods, m)
			}
		}
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	return methods, agentConn
}

// sshAgentAuth returns an SSH agent authentication method when SSH_AUTH_SOCK
// points at a reachable agent.
func sshAgentAuth() (ssh.AuthMethod, net.Conn) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil
	}
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), conn
}

// publicKeyAuth returns a public key authentication method.
func publicKeyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

// defaultKeyPaths returns default SSH key file paths.
func defaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
	}
}

// systemKnownHosts is read when LoadSystemHostKeys is set.
var systemKnownHosts = "/etc/ssh/ssh_known_hosts"

// hostKeyError is returned by the host key callback.
type hostKeyError struct {
	host     string
	mismatch bool
}

func (e *hostKeyError) Error() string {
	if e.mismatch {
		return fmt.Sprintf("host key for %s does not match known_hosts", e.host)
	}
	return fmt.Sprintf("host key for %s is not in known_hosts", e.host)
}

// hostKeyCallback checks keys against known_hosts and applies the policy to
// unknown keys.
func hostKeyCallback(opts SSHOptions, log *logging.Logger) (ssh.HostKeyCallback, error) {
	userFile := opts.userKnownHosts()

	var files []string
	candidates := []string{userFile}
	if opts.LoadSystemHostKeys {
		candidates = append(candidates, systemKnownHosts)
	}
	for _, f := range candidates {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	var check ssh.HostKeyCallback
	if len(files) > 0 {
		var err error
		check, err = knownhosts.New(files...)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if check != nil {
			err := check(hostname, remote, key)
			if err == nil {
				return nil
			}
			var ke *knownhosts.KeyError
			if !errors.As(err, &ke) {
				return err
			}
			if len(ke.Want) > 0 {
				return &hostKeyError{host: hostname, mismatch: true}
			}
		}

		switch opts.KeyPolicy {
		case KeyPolicyWarning:
			log.Warn("unknown host key for %s (%s %s)", hostname, key.Type(), ssh.FingerprintSHA256(key))
			return nil
		case KeyPolicyAutoAdd:
			mu.Lock()
			defer mu.Unlock()
			if err := appendKnownHost(userFile, hostname, key); err != nil {
				return fmt.Errorf("add host key: %w", err)
			}
			log.Info("added host key for %s to %s", hostname, userFile)
			return nil
		}
		return &hostKeyError{host: hostname}
	}, nil
}

func appendKnownHost(file, hostname string, key ssh.PublicKey) error {
	if file == "" {
		return errors.New("no known_hosts file")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// classifyDialError maps a dial failure to a connection error kind.
func classifyDialError(op string, err error) error {
	var te *terrors.TransportError
	if errors.As(err, &te) {
		return err
	}
	var hk *hostKeyError
	var ke *knownhosts.KeyError
	var ne net.Error
	switch {
	case errors.As(err, &hk), errors.As(err, &ke):
		return terrors.Connection(terrors.KindHostKey, op, err)
	case errors.Is(err, errNoAuthMethods),
		strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		return terrors.Connection(terrors.KindAuth, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return terrors.Connection(terrors.KindTimeout, op, err)
	}
	return terrors.Connection(terrors.KindConnection, op, err)
}

// expandProxyCommand substitutes %h, %p, %r and %% like ssh_config does.
func expandProxyCommand(cmd, host string, port int, user string) string {
	r := strings.NewReplacer("%%", "%", "%h", host, "%p", strconv.Itoa(port), "%r", user)
	return r.Replace(cmd)
}

// cmdConn adapts the stdio of a proxy command to net.Conn.
type cmdConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer
	once   sync.Once
}

func startProxyCommand(command string, log *logging.Logger) (*cmdConn, error) {
	log.Debug("starting proxy command: %s", command)
	c := exec.Command("sh", "-c", command)
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &bytes.Buffer{}
	c.Stderr = stderr
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("proxy command: %w", err)
	}
	return &cmdConn{cmd: c, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (c *cmdConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *cmdConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *cmdConn) Close() error {
	c.once.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
	})
	return nil
}

func (c *cmdConn) LocalAddr() net.Addr                { return proxyAddr{} }
func (c *cmdConn) RemoteAddr() net.Addr               { return proxyAddr{} }
func (c *cmdConn) SetDeadline(t time.Time) error      { return nil }
func (c *cmdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *cmdConn) SetWriteDeadline(t time.Time) error { return nil }

type proxyAddr struct{}

func (proxyAddr) Network() string { return "proxy" }
func (proxyAddr) String() string  { return "proxy-command" }

// keepAlive sends periodic keep-alive requests until done is closed or a
// request fails.
func keepAlive(client *ssh.Client, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}

// runRemote runs command on a new session. Stdin is streamed and its write
// side closed before output is collected.
func runRemote(ctx context.Context, client *ssh.Client, command string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	const op = "exec_command_wait"
	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, terrors.Connection(terrors.KindConnection, op, fmt.Errorf("new session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	var stdinPipe io.WriteCloser
	if stdin != nil {
		if stdinPipe, err = session.StdinPipe(); err != nil {
			return ExecResult{}, terrors.Connection(terrors.KindConnection, op, err)
		}
	}

	if err := session.Start(command); err != nil {
		return ExecResult{}, terrors.Connection(terrors.KindConnection, op, fmt.Errorf("start: %w", err))
	}
	if stdinPipe != nil {
		go func() {
			io.Copy(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ExecResult{ExitCode: -1}, ctx.Err()
	case <-timeoutC:
		session.Signal(ssh.SIGKILL)
		return TimeoutResult, nil
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return ExecResult{ExitCode: -1}, terrors.Connection(terrors.KindConnection, op, err)
			}
			exitCode = exitErr.ExitStatus()
		}
		return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

// sshCommandArgs renders the options as ssh(1) arguments, used by the CLI
// engine and by GotoComputerCommand.
func sshCommandArgs(opts SSHOptions) []string {
	var args []string
	if opts.Port != 0 && opts.Port != 22 {
		args = append(args, "-p", strconv.Itoa(opts.Port))
	}
	if opts.Username != "" {
		args = append(args, "-l", opts.Username)
	}
	if opts.KeyFilename != "" {
		args = append(args, "-i", opts.KeyFilename)
	}
	if opts.Compress {
		args = append(args, "-C")
	}
	if opts.ProxyJump != "" {
		args = append(args, "-o", "ProxyJump="+opts.ProxyJump)
	}
	if opts.ProxyCommand != "" {
		args = append(args, "-o", "ProxyCommand="+opts.ProxyCommand)
	}
	return args
}
