package transport

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// Parse parses a transport specification string and returns an unopened
// Transport. Supported formats:
//   - "local" -> Local
//   - "ssh://user@host:port" -> SSH
//   - "ssh://user@host?key=/path&proxy_jump=bastion&key_policy=autoadd" -> SSH with options
//   - "ssh+async://user@host?backend=cli&max_io=4" -> AsyncSSH
//   - "user@host:port" (bare host) -> SSH with defaults
func Parse(spec string, log *logging.Logger) (Transport, error) {
	if IsLocal(spec) {
		return NewLocal(DefaultOptions(), log), nil
	}

	if strings.Contains(spec, "://") {
		return parseURL(spec, log)
	}

	return parseSSHHost(spec, log)
}

// parseURL parses a URL-style transport spec.
func parseURL(spec string, log *logging.Logger) (Transport, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return nil, terrors.Validation("parse", spec, "parse URL: %v", err)
	}

	switch u.Scheme {
	case "local":
		return NewLocal(DefaultOptions(), log), nil
	case "ssh":
		opts := DefaultSSHOptions()
		if err := sshOptionsFromURL(&opts, u); err != nil {
			return nil, err
		}
		return NewSSH(opts, log)
	case "ssh+async":
		opts := DefaultAsyncSSHOptions()
		if err := sshOptionsFromURL(&opts.SSHOptions, u); err != nil {
			return nil, err
		}
		if err := asyncOptionsFromQuery(&opts, u.Query()); err != nil {
			return nil, err
		}
		return NewAsyncSSH(opts, log)
	default:
		return nil, terrors.Validation("parse", spec, "unsupported transport scheme: %s", u.Scheme)
	}
}

// sshOptionsFromURL fills opts from the user, host, port and query of u.
func sshOptionsFromURL(opts *SSHOptions, u *url.URL) error {
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}

	opts.Host = u.Hostname()
	if opts.Host == "" {
		return terrors.Validation("parse", u.String(), "SSH host is required")
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return terrors.Validation("parse", u.String(), "invalid port: %v", err)
		}
		opts.Port = port
	}

	q := u.Query()
	if key := q.Get("key"); key != "" {
		opts.KeyFilename = key
	}
	if passphrase := q.Get("passphrase"); passphrase != "" {
		opts.KeyPassphrase = passphrase
	}
	if knownHosts := q.Get("known_hosts"); knownHosts != "" {
		opts.KnownHostsFile = knownHosts
	}
	if policy := q.Get("key_policy"); policy != "" {
		p, err := ParseKeyPolicy(policy)
		if err != nil {
			return terrors.Validation("parse", u.String(), "%v", err)
		}
		opts.KeyPolicy = p
	}
	if jump := q.Get("proxy_jump"); jump != "" {
		opts.ProxyJump = jump
	}
	if cmd := q.Get("proxy_command"); cmd != "" {
		opts.ProxyCommand = cmd
	}
	if v := q.Get("agent"); v != "" {
		opts.AllowAgent = parseBool(v)
	}
	if v := q.Get("look_for_keys"); v != "" {
		opts.LookForKeys = parseBool(v)
	}
	if v := q.Get("compress"); v != "" {
		opts.Compress = parseBool(v)
	}
	if v := q.Get("system_host_keys"); v != "" {
		opts.LoadSystemHostKeys = parseBool(v)
	}

	for name, dst := range map[string]*time.Duration{
		"timeout":            &opts.Timeout,
		"keepalive":          &opts.KeepAlive,
		"safe_open_interval": &opts.SafeOpenInterval,
	} {
		if v := q.Get(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return terrors.Validation("parse", u.String(), "invalid %s: %v", name, err)
			}
			*dst = d
		}
	}
	return nil
}

func asyncOptionsFromQuery(opts *AsyncSSHOptions, q url.Values) error {
	if v := q.Get("backend"); v != "" {
		b, err := ParseBackend(v)
		if err != nil {
			return terrors.Validation("parse", "", "%v", err)
		}
		opts.Backend = b
	}
	if v := q.Get("max_io"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return terrors.Validation("parse", "", "invalid max_io %q", v)
		}
		opts.MaxIOAllowed = n
	}
	if v := q.Get("auth_script"); v != "" {
		opts.AuthenticationScript = v
	}
	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1" || v == "yes"
}

// parseSSHHost parses a bare hostname or user@host:port spec.
func parseSSHHost(spec string, log *logging.Logger) (Transport, error) {
	opts := DefaultSSHOptions()

	// Use LastIndex because usernames can contain @ (e.g., name@domain@host)
	if idx := strings.LastIndex(spec, "@"); idx != -1 {
		opts.Username = spec[:idx]
		spec = spec[idx+1:]
	}

	host := spec
	if idx := strings.LastIndex(spec, ":"); idx != -1 && strings.Count(spec, ":") == 1 {
		port, err := strconv.Atoi(spec[idx+1:])
		if err != nil {
			return nil, terrors.Validation("parse", spec, "invalid port %q", spec[idx+1:])
		}
		opts.Port = port
		host = spec[:idx]
	}
	// Bracketed IPv6 with port: [::1]:2222
	if strings.HasPrefix(spec, "[") {
		if i := strings.Index(spec, "]"); i != -1 {
			host = spec[1:i]
			if rest := spec[i+1:]; strings.HasPrefix(rest, ":") {
				port, err := strconv.Atoi(rest[1:])
				if err != nil {
					return nil, terrors.Validation("parse", spec, "invalid port %q", rest[1:])
				}
				opts.Port = port
			}
		}
	}

	if host == "" {
		return nil, terrors.Validation("parse", spec, "SSH host is required")
	}
	opts.Host = host

	return NewSSH(opts, log)
}

// IsLocal returns true if the transport spec refers to local execution.
func IsLocal(spec string) bool {
	return spec == "" || spec == "local" || spec == "local://"
}

// IsSSH returns true if the transport spec refers to SSH execution.
func IsSSH(spec string) bool {
	return !IsLocal(spec) && !strings.HasPrefix(spec, "local://")
}

// IsAsync returns true if the transport spec selects the asynchronous backend.
func IsAsync(spec string) bool {
	return strings.HasPrefix(spec, "ssh+async://")
}
