package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/tturner/hpcxfer/internal/config"
)

// profileAnswers holds the wizard fields as the form edits them.
type profileAnswers struct {
	name      string
	transport string
	host      string
	port      string
	username  string
	keyFile   string
	keyPolicy string
	backend   string
	maxIO     string
}

func answersFromComputer(cfg *config.Computer) *profileAnswers {
	async := config.TransportMetaMap()[config.TransportSSHAsync]
	ans := &profileAnswers{
		name:      cfg.Name,
		transport: string(cfg.Transport),
		host:      cfg.Host,
		port:      strconv.Itoa(cfg.Port),
		username:  cfg.Username,
		keyFile:   cfg.KeyFilename,
		keyPolicy: cfg.KeyPolicy,
		backend:   cfg.Backend,
		maxIO:     strconv.Itoa(cfg.MaxIOAllowed),
	}
	if ans.backend == "" {
		ans.backend = async.Backend
	}
	if cfg.MaxIOAllowed == 0 {
		ans.maxIO = strconv.Itoa(async.MaxIOAllowed)
	}
	return ans
}

func buildProfileForm(ans *profileAnswers) *huh.Form {
	kindGroup := huh.NewGroup(
		huh.NewInput().
			Title("Profile name").
			Value(&ans.name),
		huh.NewSelect[string]().
			Title("Transport").
			Description("How hpcxfer reaches this computer.").
			Options(
				huh.NewOption("SSH", string(config.TransportSSH)),
				huh.NewOption("SSH (concurrent)", string(config.TransportSSHAsync)),
				huh.NewOption("Local machine", string(config.TransportLocal)),
			).
			Value(&ans.transport),
	)

	sshGroup := huh.NewGroup(
		huh.NewInput().
			Title("Host").
			Description("Login node host name or address.").
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("host is required")
				}
				return nil
			}).
			Value(&ans.host),
		huh.NewInput().
			Title("Port").
			Validate(validatePortString).
			Value(&ans.port),
		huh.NewInput().
			Title("Username (optional)").
			Value(&ans.username),
		huh.NewInput().
			Title("Private key file (optional)").
			Value(&ans.keyFile),
		huh.NewSelect[string]().
			Title("Unknown host keys").
			Options(
				huh.NewOption("Reject", "reject"),
				huh.NewOption("Accept with a warning", "warning"),
				huh.NewOption("Accept and save", "autoadd"),
			).
			Value(&ans.keyPolicy),
	).WithHideFunc(func() bool { return ans.transport == string(config.TransportLocal) })

	asyncGroup := huh.NewGroup(
		huh.NewSelect[string]().
			Title("Backend").
			Options(
				huh.NewOption("Built-in SSH/SFTP", "library"),
				huh.NewOption("System ssh and scp", "cli"),
			).
			Value(&ans.backend),
		huh.NewInput().
			Title("Max concurrent I/O").
			Validate(func(s string) error {
				n, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil || n < 1 {
					return fmt.Errorf("must be a positive integer")
				}
				return nil
			}).
			Value(&ans.maxIO),
	).WithHideFunc(func() bool { return ans.transport != string(config.TransportSSHAsync) })

	return huh.NewForm(kindGroup, sshGroup, asyncGroup)
}

func validatePortString(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// applyAnswers copies the wizard answers onto cfg and validates the result.
func applyAnswers(cfg *config.Computer, ans *profileAnswers) error {
	cfg.Name = strings.TrimSpace(ans.name)
	cfg.Transport = config.TransportType(ans.transport)

	if cfg.Transport != config.TransportLocal {
		port, err := strconv.Atoi(strings.TrimSpace(ans.port))
		if err != nil {
			return fmt.Errorf("invalid port %q", ans.port)
		}
		cfg.Host = strings.TrimSpace(ans.host)
		cfg.Port = port
		cfg.Username = strings.TrimSpace(ans.username)
		cfg.KeyFilename = strings.TrimSpace(ans.keyFile)
		cfg.KeyPolicy = ans.keyPolicy
	}
	if cfg.Transport == config.TransportSSHAsync {
		maxIO, err := strconv.Atoi(strings.TrimSpace(ans.maxIO))
		if err != nil {
			return fmt.Errorf("invalid max concurrent I/O %q", ans.maxIO)
		}
		cfg.Backend = ans.backend
		cfg.MaxIOAllowed = maxIO
	}
	return config.ValidateComputer(cfg)
}
