package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLsCmd(gf *globalFlags) *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls DIR [PATTERN]",
		Short: "List a directory",
		Example: `  hpcxfer ls -l /scratch/alice
  hpcxfer ls /scratch/alice '*.out'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "DIR"); err != nil {
				return err
			}
			pattern := ""
			if len(args) > 1 {
				pattern = args[1]
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.t.ListDirWithAttributes(cmd.Context(), args[0], pattern)
			if err != nil {
				return wrapOpError(err, "list")
			}
			fmt.Fprint(cmd.OutOrStdout(), renderListing(entries, long))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show mode, size and modification time")
	return cmd
}

func newGlobCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "glob PATTERN",
		Short:   "Print the paths matching a glob pattern",
		Example: `  hpcxfer glob '/scratch/alice/run*/slurm-*.out'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "PATTERN"); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			for p, err := range s.t.Iglob(cmd.Context(), args[0]) {
				if err != nil {
					return wrapOpError(err, "glob")
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newMkdirCmd(gf *globalFlags) *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir DIR",
		Short: "Create a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "DIR"); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			if parents {
				err = s.t.MakeDirs(cmd.Context(), args[0], true)
			} else {
				err = s.t.Mkdir(cmd.Context(), args[0], false)
			}
			if err != nil {
				return wrapOpError(err, "mkdir")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "Create parent directories; an existing DIR is not an error")
	return cmd
}

func newRmCmd(gf *globalFlags) *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm PATH...",
		Short: "Remove files, or directory trees with -r",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "PATH"); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, p := range args {
				if recursive {
					err = s.t.Rmtree(cmd.Context(), p)
				} else {
					err = s.t.Remove(cmd.Context(), p)
				}
				if err != nil {
					return wrapOpError(err, "rm")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove directories and their contents")
	return cmd
}
