package cli

import (
	"fmt"
	"io"
	"os"

	"drawings-core/backup"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out     string
	Sources []string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write drawings to a compressed backup file",
		Long: `Write drawings to a gzip-compressed JSON lines file.

Without --source every source in the store is exported.

Example:
  drawctl export --out drawings.jsonl.gz --source doc-A --source doc-B`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "backup file to write")
	cmd.Flags().StringSliceVar(&opts.Sources, "source", nil, "source to export (repeatable)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	tmp := opts.Out + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create backup file", err)
	}

	result, err := backup.Export(cmd.Context(), s.store, file, s.log, opts.Sources...)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "failed to close backup file")
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, opts.Out); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move backup into place")
	}

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d drawing(s) from %d source(s) to %s\n", result.Drawings, result.Sources, opts.Out)
	})
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load drawings from a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open backup file", err)
			}
			defer file.Close()

			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := backup.Import(cmd.Context(), s.store, file, s.log)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "Imported %d drawing(s) into %d source(s)\n", result.Drawings, result.Sources)
			})
		},
	}
}
