package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage owner bearer tokens",
		Long:  "Mint the bearer tokens owners present to the key management endpoints.",
	}

	cmd.AddCommand(newTokenIssueCmd())

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		owner string
		email string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an owner bearer token",
		Long: `Sign a JWT whose subject is the owner id. The signing secret is auth.jwt_secret;
when it is unset and stdin is a terminal you are prompted for it.`,
		Example: `  keygate token issue --owner user-123
  keygate token issue --owner user-123 --email dev@example.com --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(viper.GetViper())
			if err != nil {
				return err
			}

			secret := settings.Auth.JWTSecret
			if secret == "" {
				if secret, err = promptSecret(cmd); err != nil {
					return err
				}
			}

			if !cmd.Flags().Changed("ttl") {
				ttl = config.Duration(settings.Auth.TokenTTL, 24*time.Hour)
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}

			token, err := service.NewAuthService(secret).IssueJWT(context.Background(), owner, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner id to issue the token for (required)")
	cmd.Flags().StringVar(&email, "email", "", "Owner email embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_ttl)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

// promptSecret reads the signing secret from the terminal without echo.
func promptSecret(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("auth.jwt_secret is not set (set KEYGATE_AUTH_JWT_SECRET or run interactively)")
	}

	fmt.Fprint(cmd.ErrOrStderr(), "JWT signing secret: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}

	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	return secret, nil
}
