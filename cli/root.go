package cli

import (
	"context"
	"fmt"
	"io"

	"drawings-core/config"
	"drawings-core/core"
	"drawings-core/stores"
	"drawings-core/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// StoreOpener opens the configured backend.
type StoreOpener func(ctx context.Context, cfg config.Storage, log logrus.FieldLogger) (core.Store, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	OpenStore StoreOpener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the drawctl root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{OpenStore: stores.GetStore})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drawctl",
		Short: "Maintain the drawing store",
		Long:  "drawctl runs maintenance operations against the configured drawing store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewSourcesCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// session is what a subcommand works with: loaded config, a logger writing to
// the command's stderr and, when asked for, an open store.
type session struct {
	cfg       config.Config
	log       *logrus.Logger
	store     core.Store
	logCloser io.Closer
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	log, closer, err := telemetry.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	opener := o.OpenStore
	if opener == nil {
		opener = stores.GetStore
	}
	store, err := opener(cmd.Context(), cfg.Storage, log)
	if err != nil {
		closer.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}

	return &session{cfg: cfg, log: log, store: store, logCloser: closer}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close storage")
	}
	s.logCloser.Close()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}
