package main

import (
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

func newGotoCmd(gf *globalFlags) *cobra.Command {
	var copyToClipboard bool

	cmd := &cobra.Command{
		Use:   "goto DIR",
		Short: "Print a shell command that opens a login shell in DIR on the computer",
		Long: `Print a shell command that opens an interactive login shell in DIR. No
connection is made; run the printed command yourself, or use --copy to place
it on the clipboard.`,
		Example: `  eval "$(hpcxfer goto --transport ssh://alice@login1 /scratch/alice/run1)"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "DIR"); err != nil {
				return err
			}

			t, _, log, err := buildTransport(gf)
			if err != nil {
				return err
			}
			defer log.Close()

			line := t.GotoComputerCommand(args[0])
			fmt.Fprintln(cmd.OutOrStdout(), line)
			if copyToClipboard {
				if err := clipboard.WriteAll(line); err != nil {
					return fmt.Errorf("copy to clipboard: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "Also copy the command to the clipboard")
	return cmd
}

func newWhoamiCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the user name on the computer",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			name, err := s.t.Whoami(cmd.Context())
			if err != nil {
				return wrapOpError(err, "whoami")
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}
