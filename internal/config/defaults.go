package config

// TransportMeta holds per-transport defaults.
type TransportMeta struct {
	Port             int
	SafeOpenInterval float64
	MaxIOAllowed     int
	Backend          string
}

// TransportMetaMap returns the defaults for each transport type.
func TransportMetaMap() map[TransportType]TransportMeta {
	return map[TransportType]TransportMeta{
		TransportLocal:    {},
		TransportSSH:      {Port: 22, SafeOpenInterval: 5},
		TransportSSHAsync: {Port: 22, SafeOpenInterval: 5, MaxIOAllowed: 8, Backend: "library"},
	}
}

// DefaultTimeout is the connect timeout in seconds.
const DefaultTimeout = 60

// applyBoolDefaults sets the booleans that default to true. They must be in
// place before decoding so that an explicit false survives.
func applyBoolDefaults(cfg *Computer) {
	cfg.LookForKeys = true
	cfg.AllowAgent = true
	cfg.LoadSystemHostKeys = true
}

// applyDefaults fills unset fields from TransportMetaMap.
func applyDefaults(cfg *Computer) {
	if cfg.Transport == "" {
		cfg.Transport = TransportSSH
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	meta, ok := TransportMetaMap()[cfg.Transport]
	if !ok || cfg.Transport == TransportLocal {
		return
	}
	if cfg.Port == 0 {
		cfg.Port = meta.Port
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeyPolicy == "" {
		cfg.KeyPolicy = "reject"
	}
	if cfg.SafeOpenInterval == nil {
		v := meta.SafeOpenInterval
		cfg.SafeOpenInterval = &v
	}
	if cfg.MaxIOAllowed == 0 {
		cfg.MaxIOAllowed = meta.MaxIOAllowed
	}
	if cfg.Backend == "" {
		cfg.Backend = meta.Backend
	}
}
