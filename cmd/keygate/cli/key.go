package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke API keys directly against the key store.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// withKeyService opens the configured store and hands fn a KeyService over it.
func withKeyService(fn func(ctx context.Context, keys *service.KeyService) error) error {
	settings, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	return fn(context.Background(), service.NewKeyService(store, gatewayConfig(settings), nil))
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner         string
		name          string
		rateLimit     int
		expiresInDays int
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Issue a new API key for an owner. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --owner user-123 --name "CI pipeline"
  keygate key create --owner user-123 --name batch --rate-limit 50 --expires-in-days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := service.CreateKeyParams{Name: name}
			if cmd.Flags().Changed("rate-limit") {
				p.RateLimit = &rateLimit
			}
			if cmd.Flags().Changed("expires-in-days") {
				p.ExpiresInDays = &expiresInDays
			}
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				return runKeyCreate(ctx, cmd.OutOrStdout(), keys, owner, p, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner id the key belongs to (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per window (default: gateway.default_rate_limit)")
	cmd.Flags().IntVar(&expiresInDays, "expires-in-days", 0, "Days until the key expires (default: never)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(ctx context.Context, w io.Writer, keys *service.KeyService, owner string, p service.CreateKeyParams, jsonOutput bool) error {
	issued, err := keys.CreateKey(ctx, owner, p)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(w, model.CreateKeyResponse{
			APIKey:  issued.Plaintext,
			KeyInfo: issued.Info(),
			Warning: service.IssueWarning,
		})
	}

	info := issued.Info()
	fmt.Fprintln(w, "API Key created:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Key:        %s\n", issued.Plaintext)
	fmt.Fprintf(w, "  ID:         %s\n", info.ID)
	fmt.Fprintf(w, "  Name:       %s\n", info.Name)
	fmt.Fprintf(w, "  Rate limit: %d/window\n", info.RateLimit)
	if info.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires:    %s\n", info.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s\n", service.IssueWarning)
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an owner's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				return runKeyList(ctx, cmd.OutOrStdout(), keys, owner, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner id whose keys to list (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyList(ctx context.Context, w io.Writer, keys *service.KeyService, owner string, jsonOutput bool) error {
	list, err := keys.ListKeys(ctx, owner)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(w, model.ListKeysResponse{Keys: list})
	}

	if len(list) == 0 {
		fmt.Fprintf(w, "No API keys for owner %q. Use 'keygate key create' to create one.\n", owner)
		return nil
	}

	fmt.Fprintf(w, "%-36s %-10s %-24s %-8s %-12s\n", "ID", "PREFIX", "NAME", "ACTIVE", "USED")
	fmt.Fprintf(w, "%-36s %-10s %-24s %-8s %-12s\n", "--", "------", "----", "------", "----")
	for _, k := range list {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		used := fmt.Sprintf("%d/%d", k.RequestCount, k.RateLimit)
		fmt.Fprintf(w, "%-36s %-10s %-24s %-8s %-12s\n", k.ID, k.KeyPrefix, k.Name, active, used)
	}
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:     "revoke <key-id>",
		Aliases: []string{"deactivate"},
		Short:   "Deactivate an API key",
		Long:    "Mark an API key inactive. The record and its usage history are kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				if err := keys.DeactivateKey(ctx, owner, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s deactivated.\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner id the key belongs to (required)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var (
		owner      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "usage <key-id>",
		Short: "Show recent usage of an API key",
		Long:  "List the newest usage log entries recorded against a key. Requires the store usage sink.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				return runKeyUsage(ctx, cmd.OutOrStdout(), keys, owner, args[0], limit, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner id the key belongs to (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", service.DefaultUsageLimit, "Maximum number of entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyUsage(ctx context.Context, w io.Writer, keys *service.KeyService, owner, keyID string, limit int, jsonOutput bool) error {
	entries, err := keys.ListUsage(ctx, owner, keyID, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(w, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintf(w, "No usage recorded for API key %s.\n", keyID)
		return nil
	}

	fmt.Fprintf(w, "%-24s %-7s %-6s %-20s %-16s\n", "TIME", "METHOD", "STATUS", "ENDPOINT", "IP")
	fmt.Fprintf(w, "%-24s %-7s %-6s %-20s %-16s\n", "----", "------", "------", "--------", "--")
	for _, e := range entries {
		fmt.Fprintf(w, "%-24s %-7s %-6d %-20s %-16s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.Method, e.StatusCode, e.Endpoint, e.IPAddress)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
