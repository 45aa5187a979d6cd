//go:build integration

package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/ssh"

	"github.com/tturner/hpcxfer/internal/logging"
)

// sshServer is one openssh-server container shared by the integration tests.
type sshServer struct {
	container  testcontainers.Container
	host       string
	port       int
	user       string
	keyPath    string
	knownHosts string
}

var (
	sshServerOnce sync.Once
	sshServerInst *sshServer
	sshServerErr  error
)

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()

	sshServerOnce.Do(func() {
		ctx := context.Background()

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			sshServerErr = fmt.Errorf("generate key: %w", err)
			return
		}
		pub, err := ssh.NewPublicKey(&key.PublicKey)
		if err != nil {
			sshServerErr = fmt.Errorf("public key: %w", err)
			return
		}

		dir, err := os.MkdirTemp("", "hpcxfer-it-*")
		if err != nil {
			sshServerErr = err
			return
		}
		keyPath := filepath.Join(dir, "id_rsa")
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			sshServerErr = err
			return
		}

		req := testcontainers.ContainerRequest{
			Image:        "linuxserver/openssh-server:latest",
			ExposedPorts: []string{"2222/tcp"},
			Env: map[string]string{
				"PUID":            "1000",
				"PGID":            "1000",
				"TZ":              "UTC",
				"USER_NAME":       "hpc",
				"PUBLIC_KEY":      string(ssh.MarshalAuthorizedKey(pub)),
				"PASSWORD_ACCESS": "false",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("2222/tcp"),
				wait.ForLog("sshd is listening on port").WithStartupTimeout(90*time.Second),
			),
		}
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			sshServerErr = fmt.Errorf("start container: %w", err)
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			_ = c.Terminate(ctx)
			sshServerErr = err
			return
		}
		port, err := c.MappedPort(ctx, "2222/tcp")
		if err != nil {
			_ = c.Terminate(ctx)
			sshServerErr = err
			return
		}

		sshServerInst = &sshServer{
			container:  c,
			host:       host,
			port:       port.Int(),
			user:       "hpc",
			keyPath:    keyPath,
			knownHosts: filepath.Join(dir, "known_hosts"),
		}
	})

	if sshServerErr != nil {
		t.Fatalf("ssh server: %v", sshServerErr)
	}
	return sshServerInst
}

func (s *sshServer) options() SSHOptions {
	opts := DefaultSSHOptions()
	opts.Host = s.host
	opts.Port = s.port
	opts.Username = s.user
	opts.KeyFilename = s.keyPath
	opts.LookForKeys = false
	opts.AllowAgent = false
	opts.LoadSystemHostKeys = false
	opts.KnownHostsFile = s.knownHosts
	opts.KeyPolicy = KeyPolicyAutoAdd
	opts.Timeout = 20 * time.Second
	return opts
}

// integrationTransports returns every SSH backend pointed at the container.
func integrationTransports(t *testing.T) map[string]Transport {
	t.Helper()
	srv := startSSHServer(t)
	log := logging.Discard()

	out := map[string]Transport{}
	s, err := NewSSH(srv.options(), log)
	require.NoError(t, err)
	out["ssh"] = s

	lib := DefaultAsyncSSHOptions()
	lib.SSHOptions = srv.options()
	a, err := NewAsyncSSH(lib, log)
	require.NoError(t, err)
	out["async-library"] = a

	if _, err := exec.LookPath("ssh"); err == nil {
		cli := lib
		cli.Backend = BackendCLI
		c, err := NewAsyncSSH(cli, log)
		require.NoError(t, err)
		out["async-cli"] = c
	}
	return out
}

func TestIntegration_Backends(t *testing.T) {
	for name, tr := range integrationTransports(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			guard, err := tr.Enter(ctx)
			require.NoError(t, err)
			defer guard.Release()

			user, err := tr.Whoami(ctx)
			require.NoError(t, err)
			assert.Equal(t, "hpc", user)

			base := path.Join("/tmp", "hpcxfer-"+name)
			require.NoError(t, tr.Rmtree(ctx, base))
			require.NoError(t, tr.MakeDirs(ctx, base, false))
			require.NoError(t, tr.MakeDirs(ctx, base, true))
			assert.Error(t, tr.MakeDirs(ctx, base, false))

			local := t.TempDir()
			src := filepath.Join(local, "src")
			require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(src, "c.log"), []byte("log"), 0o644))

			require.NoError(t, tr.Put(ctx, src, base, DefaultTransferOptions()))
			ok, err := tr.IsFile(ctx, path.Join(base, "src", "sub", "b.txt"))
			require.NoError(t, err)
			assert.True(t, ok, "tree nests under the source basename")

			matches, err := tr.Glob(ctx, path.Join(base, "src", "*.txt"))
			require.NoError(t, err)
			assert.Equal(t, []string{path.Join(base, "src", "a.txt")}, matches)

			res, err := tr.ExecCommandWait(ctx, "cat a.txt; echo oops >&2; exit 3", ExecOptions{Workdir: path.Join(base, "src")})
			require.NoError(t, err)
			assert.Equal(t, 3, res.ExitCode)
			assert.Contains(t, res.Stdout, "alpha")
			assert.Contains(t, res.Stderr, "oops")

			res, err = tr.ExecCommandWait(ctx, "sleep 10", ExecOptions{Timeout: 500 * time.Millisecond})
			require.NoError(t, err)
			assert.Equal(t, TimeoutResult, res)

			archive := path.Join(base, "out.tar.gz")
			require.NoError(t, tr.Compress(ctx, FormatTarGz, []string{path.Join(base, "src", "*.txt")}, archive, base, CompressOptions{}))
			restored := path.Join(base, "restored")
			require.NoError(t, tr.Extract(ctx, archive, restored, ExtractOptions{}))

			back := filepath.Join(local, "back.txt")
			require.NoError(t, tr.Get(ctx, path.Join(restored, "src", "a.txt"), back, DefaultTransferOptions()))
			data, err := os.ReadFile(back)
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(data))

			require.NoError(t, tr.Copy(ctx, path.Join(base, "src"), path.Join(base, "copy"), CopyOptions{Recursive: true}))
			ok, err = tr.PathExists(ctx, path.Join(base, "copy", "sub", "b.txt"))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, tr.Rmtree(ctx, base))
			require.NoError(t, tr.Rmtree(ctx, base), "missing path is a no-op")
		})
	}
}

func TestIntegration_HostKeyRejected(t *testing.T) {
	srv := startSSHServer(t)
	opts := srv.options()
	opts.KeyPolicy = KeyPolicyReject
	opts.KnownHostsFile = filepath.Join(t.TempDir(), "empty_known_hosts")

	s, err := NewSSH(opts, logging.Discard())
	require.NoError(t, err)
	err = s.Open(context.Background())
	require.Error(t, err)
	assert.False(t, s.IsOpen())
}
