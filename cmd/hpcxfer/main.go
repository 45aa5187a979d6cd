package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var exit exitCodeError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "hpcxfer",
		Short: "Run commands and move files on local and remote computers",
		Long: `hpcxfer drives one computer (the local machine or an SSH host) through a
single transport interface: command execution, file transfer, remote copy,
globbing, archives and directory management.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&gf.computer, "computer", "", "Computer profile file (YAML or TOML)")
	pf.StringVar(&gf.transport, "transport", "local", "Transport spec (local, ssh://user@host:port, ssh+async://host?backend=cli)")
	pf.StringVar(&gf.logLevel, "log-level", "", "Log level (silent, error, warn, info, verbose, debug)")
	pf.StringVar(&gf.logFile, "log-file", "", "Also write logs to this file")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newExecCmd(gf))
	rootCmd.AddCommand(newPutCmd(gf))
	rootCmd.AddCommand(newGetCmd(gf))
	rootCmd.AddCommand(newCopyCmd(gf))
	rootCmd.AddCommand(newLsCmd(gf))
	rootCmd.AddCommand(newGlobCmd(gf))
	rootCmd.AddCommand(newMkdirCmd(gf))
	rootCmd.AddCommand(newRmCmd(gf))
	rootCmd.AddCommand(newCompressCmd(gf))
	rootCmd.AddCommand(newExtractCmd(gf))
	rootCmd.AddCommand(newGotoCmd(gf))
	rootCmd.AddCommand(newWhoamiCmd(gf))
	rootCmd.AddCommand(newInitConfigCmd())

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != rootCmd {
			fmt.Fprint(cmd.OutOrStdout(), cmd.UsageString())
			return
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Usage:\n  %s <command> [arguments] [options]\n\n", cmd.Name())
		fmt.Fprintf(out, "Available Commands:\n")
		for _, subCmd := range cmd.Commands() {
			if !subCmd.Hidden {
				fmt.Fprintf(out, "  %-15s %s\n", subCmd.Name(), subCmd.Short)
			}
		}
		fmt.Fprintf(out, "\nUse \"%s help <command>\" for more information about a command.\n", cmd.Name())
	})

	return rootCmd
}

// exitCodeError carries the exit status of a remote command to main.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}
