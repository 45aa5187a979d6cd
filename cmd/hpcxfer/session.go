package main

import (
	"context"

	"github.com/tturner/hpcxfer/internal/config"
	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
	"github.com/tturner/hpcxfer/internal/transport"
)

type globalFlags struct {
	computer  string
	transport string
	logLevel  string
	logFile   string
}

// session is an entered transport. Close releases the scope and the logger.
type session struct {
	t     transport.Transport
	guard *transport.Guard
	log   *logging.Logger
}

// buildTransport resolves --computer or --transport into an unopened
// transport. The profile wins when both are given.
func buildTransport(gf *globalFlags) (transport.Transport, *config.Computer, *logging.Logger, error) {
	var cfg *config.Computer
	if gf.computer != "" {
		c, err := config.LoadComputer(gf.computer, false)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg = c
	}

	log, err := newLogger(gf, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var t transport.Transport
	if cfg != nil {
		t, err = transport.New(cfg, log)
	} else {
		t, err = transport.Parse(gf.transport, log)
	}
	if err != nil {
		log.Close()
		return nil, nil, nil, terrors.WrapTransportError(err, "configure transport")
	}
	return t, cfg, log, nil
}

func openSession(ctx context.Context, gf *globalFlags) (*session, error) {
	t, cfg, log, err := buildTransport(gf)
	if err != nil {
		return nil, err
	}
	guard, err := t.Enter(ctx)
	if err != nil {
		log.Close()
		return nil, wrapOpenError(err, t, cfg)
	}
	return &session{t: t, guard: guard, log: log}, nil
}

func (s *session) Close() error {
	err := s.guard.Release()
	s.log.Close()
	return err
}

func newLogger(gf *globalFlags, cfg *config.Computer) (*logging.Logger, error) {
	level := "warn"
	file := logging.FileOptions{Path: gf.logFile}
	if cfg != nil {
		level = cfg.Logging.Level
		if file.Path == "" {
			file.Path = cfg.Logging.File
		}
		file.MaxSizeMB = cfg.Logging.MaxSizeMB
		file.MaxBackups = cfg.Logging.MaxBackups
	}
	if gf.logLevel != "" {
		level = gf.logLevel
	}
	return logging.NewLoggerWithOptions(logging.ParseLevel(level), file)
}

func wrapOpenError(err error, t transport.Transport, cfg *config.Computer) error {
	switch terrors.KindOf(err) {
	case terrors.KindConnection, terrors.KindHostKey, terrors.KindAuth, terrors.KindTimeout:
		if cfg != nil {
			return terrors.WrapConnectionError(err, cfg.Host, cfg.Port)
		}
	}
	return terrors.WrapTransportError(err, "open "+t.String())
}

// wrapOpError decorates a failed operation for display.
func wrapOpError(err error, op string) error {
	return terrors.WrapTransportError(err, op)
}
