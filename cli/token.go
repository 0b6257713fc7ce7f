package cli

import (
	"fmt"
	"io"
	"time"

	"drawings-core/handlers/auth"

	"github.com/spf13/cobra"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
}

// TokenResult is printed by the token command.
type TokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the command API",
		Long: `Issue an HS256 bearer token signed with auth.jwt_secret (JWT_SECRET).

Example:
  drawctl token --subject desktop-shell --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ttl := opts.TTL
			if ttl <= 0 {
				ttl = auth.DefaultTTL
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), opts.Subject, ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to issue token", err)
			}

			result := TokenResult{
				Token:     token,
				Subject:   opts.Subject,
				ExpiresAt: time.Now().Add(ttl).UTC().Truncate(time.Second),
			}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "drawctl", "token subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", auth.DefaultTTL, "token lifetime")

	return cmd
}
