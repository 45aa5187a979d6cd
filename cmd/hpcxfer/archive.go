package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tturner/hpcxfer/internal/transport"
)

func parseArchiveFormat(s string) (transport.ArchiveFormat, error) {
	switch f := transport.ArchiveFormat(strings.ToLower(s)); f {
	case transport.FormatTar, transport.FormatTarGz, transport.FormatTarBz, transport.FormatTarXz:
		return f, nil
	case "tgz":
		return transport.FormatTarGz, nil
	case "tbz", "tar.bz":
		return transport.FormatTarBz, nil
	case "txz":
		return transport.FormatTarXz, nil
	}
	return "", fmt.Errorf("unknown archive format %q (expected tar, tar.gz, tar.bz2 or tar.xz)", s)
}

func newCompressCmd(gf *globalFlags) *cobra.Command {
	var (
		format      string
		root        string
		overwrite   bool
		dereference bool
	)

	cmd := &cobra.Command{
		Use:   "compress DEST SOURCE...",
		Short: "Create a tar archive on the computer",
		Long: `Create DEST from SOURCE paths on the computer. SOURCE may be a glob pattern.
Member names are relative to --root, which defaults to the common parent of
the sources.`,
		Example: `  hpcxfer compress --format tar.gz /scratch/alice/run1.tgz /scratch/alice/run1
  hpcxfer compress --root /scratch/alice out.tar '/scratch/alice/run*/out'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "DEST", "SOURCE"); err != nil {
				return err
			}
			f, err := parseArchiveFormat(format)
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := transport.CompressOptions{Overwrite: overwrite, Dereference: dereference}
			if err := s.t.Compress(cmd.Context(), f, args[1:], args[0], root, opts); err != nil {
				return wrapOpError(err, "compress")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "tar.gz", "Archive format (tar, tar.gz, tar.bz2, tar.xz)")
	cmd.Flags().StringVar(&root, "root", "", "Directory member names are relative to")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace DEST if it exists")
	cmd.Flags().BoolVar(&dereference, "dereference", false, "Archive link targets instead of links")
	return cmd
}

func newExtractCmd(gf *globalFlags) *cobra.Command {
	var (
		strip     int
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:     "extract ARCHIVE DEST",
		Short:   "Unpack a tar archive on the computer",
		Example: `  hpcxfer extract --strip 1 /scratch/alice/run1.tgz /scratch/alice/restored`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if err := requireArgs(cmd, args, "ARCHIVE", "DEST"); err != nil {
				return err
			}
			if strip < 0 {
				return fmt.Errorf("--strip must be >= 0")
			}

			s, err := openSession(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := transport.ExtractOptions{Overwrite: overwrite, StripComponents: strip}
			if err := s.t.Extract(cmd.Context(), args[0], args[1], opts); err != nil {
				return wrapOpError(err, "extract")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&strip, "strip", 0, "Remove this many leading path components from member names")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing files in DEST")
	return cmd
}
