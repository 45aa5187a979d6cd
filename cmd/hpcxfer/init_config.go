package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tturner/hpcxfer/internal/config"
)

func newInitConfigCmd() *cobra.Command {
	var force, interactive bool

	cmd := &cobra.Command{
		Use:   "init-config PATH",
		Short: "Write a default computer profile",
		Long: `Write a default SSH computer profile to PATH, or build one with a guided
form when --interactive is set. The file is TOML when PATH ends
in .toml and YAML otherwise.`,
		Example: `  hpcxfer init-config ~/.config/hpcxfer/cluster.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "PATH"); err != nil {
				return err
			}
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}
			if interactive {
				if err := writeProfileInteractive(path); err != nil {
					return err
				}
			} else if err := config.WriteDefaultComputer(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default profile to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing file")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Fill in the profile with a guided form")
	return cmd
}

func writeProfileInteractive(path string) error {
	cfg := config.CreateDefaultComputer()
	ans := answersFromComputer(cfg)
	if err := buildProfileForm(ans).Run(); err != nil {
		return fmt.Errorf("profile form: %w", err)
	}
	if err := applyAnswers(cfg, ans); err != nil {
		return err
	}
	data, err := config.Marshal(cfg, path)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
