package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/calcdeck/keygate/internal/config"
	kmcp "github.com/calcdeck/keygate/internal/mcp"
	"github.com/calcdeck/keygate/internal/server"
	"github.com/calcdeck/keygate/internal/service"
	"github.com/calcdeck/keygate/internal/usage"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
		owner     string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server exposing keygate as tools:

  convert_currency  convert an amount, charged against the given API key's quota
  list_keys         list the owner's API keys
  create_key        issue a new API key for the owner
  key_usage         show recent usage of one of the owner's keys

The key tools act for --owner; without it only convert_currency is usable.
stdio (default) speaks JSON-RPC on stdin/stdout; logs go to stderr.`,
		Example: `  keygate mcp --owner user-123                      # stdio (desktop MCP clients)
  keygate mcp --transport http --port 3001 --owner user-123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port, owner)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id the key management tools act for")

	return cmd
}

func runMCP(transport string, port int, owner string) error {
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}

	settings, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, settings.Log, false)

	store, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer store.Close()

	sink, closeSink := newUsageSink(settings, store, map[string]server.Pinger{})
	defer closeSink()
	usageLog := usage.NewLogger(sink, logger,
		usage.WithTimeout(config.Duration(settings.Usage.Timeout, usage.DefaultTimeout)),
	)
	defer usageLog.Wait()

	gwCfg := gatewayConfig(settings)
	mcpSrv := kmcp.NewMCPServer(kmcp.Deps{
		Gateway:  service.NewGateway(store, usageLog, gwCfg, logger, nil),
		Keys:     service.NewKeyService(store, gwCfg, nil),
		Provider: newProvider(settings, logger, nil),
		Owner:    owner,
	}, versionString(), logger)

	if owner == "" {
		logger.Warn("--owner is not set - list_keys, create_key and key_usage will refuse every call")
	}

	if transport == "http" {
		return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
	}
	return mcpSrv.ServeStdio()
}
