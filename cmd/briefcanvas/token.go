package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/config"
	"briefcanvas/api/internal/util"
)

// newTokenCommand mints a bearer token signed with the configured secret, for
// local development against a server started with the same secret.
func newTokenCommand(cfg *config.Config) *cobra.Command {
	var (
		subject string
		name    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := auth.IssueToken([]byte(cfg.TokenSecret), auth.Claims{
				Sub:  subject,
				Name: name,
				JTI:  util.NewID("jti"),
				Exp:  time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "user id the token asserts")
	cmd.Flags().StringVar(&name, "name", "", "display name shown to other editors")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&cfg.TokenSecret, "secret", cfg.TokenSecret, "signing secret")
	return cmd
}
