package transport

import (
	"time"

	"github.com/tturner/hpcxfer/internal/config"
	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// New builds the unopened transport described by a computer profile.
func New(cfg *config.Computer, log *logging.Logger) (Transport, error) {
	if err := config.ValidateComputer(cfg); err != nil {
		return nil, terrors.Validation("new", "", "%v", err)
	}

	switch cfg.Transport {
	case config.TransportLocal:
		opts := DefaultOptions()
		if cfg.SafeOpenInterval != nil {
			opts.SafeOpenInterval = seconds(*cfg.SafeOpenInterval)
		}
		return NewLocal(opts, log), nil
	case config.TransportSSHAsync:
		opts := DefaultAsyncSSHOptions()
		opts.SSHOptions = sshOptionsFromComputer(cfg)
		opts.MaxIOAllowed = cfg.MaxIOAllowed
		opts.AuthenticationScript = cfg.AuthenticationScript
		backend, err := ParseBackend(cfg.Backend)
		if err != nil {
			return nil, terrors.Validation("new", "", "%v", err)
		}
		opts.Backend = backend
		return NewAsyncSSH(opts, log)
	default:
		return NewSSH(sshOptionsFromComputer(cfg), log)
	}
}

func sshOptionsFromComputer(cfg *config.Computer) SSHOptions {
	opts := DefaultSSHOptions()
	opts.Host = cfg.Host
	opts.Port = cfg.Port
	opts.Username = cfg.Username
	opts.KeyFilename = cfg.KeyFilename
	opts.KeyPassphrase = cfg.KeyPassphrase
	opts.LookForKeys = cfg.LookForKeys
	opts.AllowAgent = cfg.AllowAgent
	opts.Timeout = seconds(cfg.Timeout)
	opts.KeepAlive = seconds(cfg.KeepAlive)
	opts.ProxyCommand = cfg.ProxyCommand
	opts.ProxyJump = cfg.ProxyJump
	opts.Compress = cfg.Compress
	opts.LoadSystemHostKeys = cfg.LoadSystemHostKeys
	opts.KnownHostsFile = cfg.KnownHostsFile
	opts.KeyPolicy, _ = ParseKeyPolicy(cfg.KeyPolicy)
	if cfg.SafeOpenInterval != nil {
		opts.SafeOpenInterval = seconds(*cfg.SafeOpenInterval)
	}
	return opts
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
