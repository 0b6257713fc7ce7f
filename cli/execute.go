package cli

import (
	"context"

	"drawings-core/stores"
)

// Execute runs drawctl with the process arguments, reports a failure in the
// selected format and returns the exit code.
func Execute(ctx context.Context) int {
	opts := &RootOptions{OpenStore: stores.GetStore}
	cmd := newRootCommand(opts)

	if err := cmd.ExecuteContext(ctx); err != nil {
		format := opts.Format
		if !isValidFormat(format) {
			format = "text"
		}
		out := &OutputFormatter{Format: format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}
		out.Error(err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
