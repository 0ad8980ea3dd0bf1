package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// loadSettings decodes the effective configuration held by v and validates it.
func loadSettings(v *viper.Viper) (*config.Settings, error) {
	s := config.DefaultSettings()
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// resolveDataDir returns the data directory from the --data-dir flag, the
// data_dir setting (KEYGATE_DATA_DIR), or ~/.keygate as fallback.
func resolveDataDir(s *config.Settings) string {
	if dataDir != "" {
		return dataDir
	}
	if s.DataDir != "" {
		return s.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate")
}

// openStore opens the configured key store. SQLite without a DSN lives in
// the data directory.
func openStore(s *config.Settings) (*config.Store, error) {
	if s.Store.Driver == config.DriverSQLite && s.Store.DSN == "" {
		return config.NewStore(resolveDataDir(s))
	}
	return config.Open(s.Store.Driver, s.Store.DSN)
}

// newLogger builds the process logger. dev forces debug level.
func newLogger(w io.Writer, s config.LogSettings, dev bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		level = slog.LevelInfo
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func gatewayConfig(s *config.Settings) service.GatewayConfig {
	return service.GatewayConfig{
		Window:           config.Duration(s.Gateway.Window, time.Hour),
		DefaultRateLimit: s.Gateway.DefaultRateLimit,
		KeyMarker:        s.Gateway.KeyMarker,
		PrefixLength:     s.Gateway.PrefixLength,
		Now:              time.Now,
	}
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
