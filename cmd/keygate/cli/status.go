package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check if the keygate server is running",
		Long:  "Check /healthz and /readyz of the configured server and report its dependencies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				settings, err := loadSettings(viper.GetViper())
				if err != nil {
					return err
				}
				host := settings.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("http://%s:%d", host, settings.Server.Port)
			}
			return runStatus(cmd.OutOrStdout(), &http.Client{Timeout: 2 * time.Second}, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server base URL (default: from server.host and server.port)")

	return cmd
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func runStatus(w io.Writer, client *http.Client, addr string) error {
	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		fmt.Fprintf(w, "Server at %s is not responding.\n", addr)
		return nil
	}
	resp.Body.Close()
	fmt.Fprintf(w, "Server is running at %s\n", addr)
	fmt.Fprintf(w, "  Health:  %d\n", resp.StatusCode)

	resp, err = client.Get(addr + "/readyz")
	if err != nil {
		return fmt.Errorf("readiness check: %w", err)
	}
	defer resp.Body.Close()

	var ready readiness
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		return fmt.Errorf("decode readiness: %w", err)
	}
	fmt.Fprintf(w, "  Ready:   %s (%d)\n", ready.Status, resp.StatusCode)
	for _, name := range sortedKeys(ready.Checks) {
		fmt.Fprintf(w, "    %-8s %s\n", name+":", ready.Checks[name])
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
