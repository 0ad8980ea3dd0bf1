package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calcdeck/keygate/internal/config"
)

type versionInfo struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	Built     string   `json:"built"`
	GoVersion string   `json:"go_version"`
	Platform  string   `json:"platform"`
	Drivers   []string `json:"store_drivers"`
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:   version,
				Commit:    commit,
				Built:     date,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
				Drivers:   []string{config.DriverSQLite, config.DriverPostgres, config.DriverMySQL},
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, info)
			}

			fmt.Fprintf(w, "keygate %s\n", info.Version)
			fmt.Fprintf(w, "  commit:  %s\n", info.Commit)
			fmt.Fprintf(w, "  built:   %s\n", info.Built)
			fmt.Fprintf(w, "  go:      %s\n", info.GoVersion)
			fmt.Fprintf(w, "  os/arch: %s\n", info.Platform)
			fmt.Fprintf(w, "  stores:  %s\n", strings.Join(info.Drivers, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	return cmd
}
