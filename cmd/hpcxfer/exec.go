package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tturner/hpcxfer/internal/transport"
)

func newExecCmd(gf *globalFlags) *cobra.Command {
	var (
		workdir string
		timeout time.Duration
		stdin   bool
	)

	cmd := &cobra.Command{
		Use:   "exec COMMAND...",
		Short: "Run a command through a login shell and wait for it",
		Long: `Run a command on the computer through a login shell and print its output.
The exit status of the command becomes the exit status of hpcxfer.`,
		Example: `  hpcxfer exec --transport ssh://alice@login1 -- squeue -u alice
  hpcxfer exec --workdir /scratch/run1 --timeout 30s 'ls -l'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "COMMAND"); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := transport.ExecOptions{Workdir: workdir, Timeout: timeout}
			if stdin {
				opts.Stdin = os.Stdin
			}
			res, err := s.t.ExecCommandWait(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return wrapOpError(err, "exec")
			}

			fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return exitCodeError{code: exitStatus(res.ExitCode)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for the command")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 = wait forever)")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "Forward standard input to the command")

	return cmd
}

// exitStatus maps a remote exit code onto a process status. A timeout
// reports -1, which becomes 124 like timeout(1).
func exitStatus(code int) int {
	if code < 0 {
		return 124
	}
	if code > 255 {
		return 1
	}
	return code
}
