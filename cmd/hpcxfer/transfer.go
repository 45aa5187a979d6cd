package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tturner/hpcxfer/internal/progress"
	"github.com/tturner/hpcxfer/internal/transport"
)

type transferFlags struct {
	noDereference bool
	noOverwrite   bool
	ignoreMissing bool
	quiet         bool
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noDereference, "no-dereference", false, "Copy symbolic links as links")
	cmd.Flags().BoolVar(&f.noOverwrite, "no-overwrite", false, "Fail if a destination already exists")
	cmd.Flags().BoolVar(&f.ignoreMissing, "ignore-missing", false, "Do nothing when the source does not exist")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not show progress for multiple sources")
}

// transferEach runs fn for every source, drawing a progress bar when there
// is more than one. It keeps going after a failure and returns the first.
func (f *transferFlags) transferEach(cmd *cobra.Command, verb string, sources []string, fn func(src string) error) error {
	var out io.Writer
	if len(sources) > 1 && !f.quiet {
		out = cmd.ErrOrStderr()
	}
	bar := progress.NewBar(out, len(sources), verb)
	defer bar.Finish()

	var first error
	for _, src := range sources {
		bar.Start(src)
		err := fn(src)
		bar.Done(err)
		if err != nil && first == nil {
			first = err
		}
		if cmd.Context().Err() != nil {
			break
		}
	}
	if first != nil {
		if done, failed := bar.Counts(); len(sources) > 1 {
			return wrapOpError(first, fmt.Sprintf("%s (%d of %d failed)", verb, failed, done))
		}
		return wrapOpError(first, verb)
	}
	return nil
}

func (f *transferFlags) options() transport.TransferOptions {
	return transport.TransferOptions{
		Dereference:       !f.noDereference,
		Overwrite:         !f.noOverwrite,
		IgnoreNonexisting: f.ignoreMissing,
	}
}

func newPutCmd(gf *globalFlags) *cobra.Command {
	var tf transferFlags

	cmd := &cobra.Command{
		Use:   "put LOCAL... REMOTE",
		Short: "Upload files or directories to the computer",
		Long: `Upload a local file or directory tree. LOCAL may be a glob pattern, in which
case REMOTE must be an existing directory. With several LOCAL arguments REMOTE
must be an existing directory and each one is uploaded into it.`,
		Example: `  hpcxfer put --transport ssh://alice@login1 ./inputs /scratch/alice/run1
  hpcxfer put './*.dat' /scratch/alice/data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "LOCAL", "REMOTE"); err != nil {
				return err
			}
			sources, remote := args[:len(args)-1], args[len(args)-1]
			locals := make([]string, len(sources))
			for i, src := range sources {
				abs, err := filepath.Abs(src)
				if err != nil {
					return err
				}
				locals[i] = abs
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(locals) > 1 {
				isDir, err := s.t.IsDir(cmd.Context(), remote)
				if err != nil {
					return wrapOpError(err, "put")
				}
				if !isDir {
					return fmt.Errorf("REMOTE %s must be an existing directory when several sources are given", remote)
				}
			}
			return tf.transferEach(cmd, "put", locals, func(local string) error {
				return s.t.Put(cmd.Context(), local, remote, tf.options())
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newGetCmd(gf *globalFlags) *cobra.Command {
	var tf transferFlags

	cmd := &cobra.Command{
		Use:   "get REMOTE... LOCAL",
		Short: "Download files or directories from the computer",
		Long: `Download a remote file or directory tree. REMOTE may be a glob pattern, in
which case LOCAL must be an existing directory. With several REMOTE arguments
LOCAL must be an existing directory and each one is downloaded into it.`,
		Example: `  hpcxfer get --transport ssh://alice@login1 /scratch/alice/run1/out ./out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "REMOTE", "LOCAL"); err != nil {
				return err
			}
			remotes := args[:len(args)-1]
			local, err := filepath.Abs(args[len(args)-1])
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(remotes) > 1 {
				if info, err := os.Stat(local); err != nil || !info.IsDir() {
					return fmt.Errorf("LOCAL %s must be an existing directory when several sources are given", local)
				}
			}
			return tf.transferEach(cmd, "get", remotes, func(remote string) error {
				return s.t.Get(cmd.Context(), remote, local, tf.options())
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newCopyCmd(gf *globalFlags) *cobra.Command {
	var (
		recursive   bool
		dereference bool
		to          string
		tf          transferFlags
	)

	cmd := &cobra.Command{
		Use:   "copy SOURCE DEST",
		Short: "Copy files on the computer, or to a second computer with --to",
		Long: `Copy SOURCE to DEST on the same computer. With --to, DEST is a path on the
computer described by that transport spec and the data is relayed through a
local temporary directory.`,
		Example: `  hpcxfer copy -r /scratch/alice/run1 /scratch/alice/run1.bak
  hpcxfer copy --transport ssh://alice@hpc1 --to ssh://alice@hpc2 /data/in /data/in`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "SOURCE", "DEST"); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			if to == "" {
				opts := transport.CopyOptions{Recursive: recursive, Dereference: dereference}
				if err := s.t.Copy(cmd.Context(), args[0], args[1], opts); err != nil {
					return wrapOpError(err, "copy")
				}
				return nil
			}

			dst, err := transport.Parse(to, s.log.Named("dest"))
			if err != nil {
				return wrapOpError(err, "configure destination")
			}
			guard, err := dst.Enter(cmd.Context())
			if err != nil {
				return wrapOpError(err, "open "+dst.String())
			}
			defer guard.Release()

			if err := transport.CopyFromRemoteToRemote(cmd.Context(), s.t, dst, args[0], args[1], tf.options()); err != nil {
				return wrapOpError(err, fmt.Sprintf("copy to %s", dst))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Copy directories recursively")
	cmd.Flags().BoolVar(&dereference, "dereference", false, "Follow symbolic links in SOURCE")
	cmd.Flags().StringVar(&to, "to", "", "Transport spec of a second computer to copy to")
	tf.register(cmd)
	return cmd
}
