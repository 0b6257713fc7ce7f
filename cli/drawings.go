package cli

import (
	"fmt"
	"io"
	"time"

	"drawings-core/core"
	"drawings-core/handlers/commands"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ClearResult is printed by the clear command.
type ClearResult struct {
	SourceID string `json:"source_id"`
	Removed  int    `json:"removed"`
}

// NewClearCommand creates the clear command.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <source-id>",
		Short: "Delete every drawing of a source",
		Long: `Delete every drawing of a source in one step.

Drawings of other sources are left alone. Clearing a source that has no
drawings succeeds and removes nothing.

Example:
  drawctl clear doc-A`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sourceID := args[0]
			removed, err := s.store.DeleteBySource(cmd.Context(), sourceID)
			if err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{"source_id": sourceID, "removed": removed}).Debug("Cleared source")

			result := ClearResult{SourceID: sourceID, Removed: removed}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d drawing(s) from %s\n", removed, sourceID)
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <source-id>",
		Short: "List the drawings of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			drawings, err := s.store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			views := make([]commands.DrawingView, 0, len(drawings))
			for _, d := range drawings {
				views = append(views, commands.NewDrawingView(d))
			}
			return opts.formatter(cmd).Success(views, func(w io.Writer) {
				if len(drawings) == 0 {
					fmt.Fprintf(w, "No drawings in %s\n", args[0])
					return
				}
				for _, d := range drawings {
					fmt.Fprintf(w, "%s\t%s\t%d bytes\n", d.ID, d.UpdatedAt.Format(time.RFC3339), len(d.Payload))
				}
			})
		},
	}
}

// NewSourcesCommand creates the sources command.
func NewSourcesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List every source that has drawings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sources, err := s.store.ListSources(cmd.Context())
			if err != nil {
				return err
			}
			if sources == nil {
				sources = []core.Source{}
			}

			return opts.formatter(cmd).Success(sources, func(w io.Writer) {
				for _, src := range sources {
					fmt.Fprintf(w, "%s\t%d drawing(s)\t%s\n", src.ID, src.Drawings,
						time.UnixMilli(src.LastUpdated).UTC().Format(time.RFC3339))
				}
			})
		},
	}
}
