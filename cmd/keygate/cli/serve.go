package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/exchange"
	"github.com/calcdeck/keygate/internal/metrics"
	"github.com/calcdeck/keygate/internal/server"
	"github.com/calcdeck/keygate/internal/service"
	"github.com/calcdeck/keygate/internal/usage"
)

const banner = `
 _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

// redisStreamMaxLen caps the usage stream at roughly one million entries.
const redisStreamMaxLen = 1_000_000

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long:  "Start the HTTP server that issues API keys, validates them and serves currency conversion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, CORS *)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	settings, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(os.Stderr, settings.Log, dev)
	m := metrics.New()

	// 1. Key store
	store, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer store.Close()
	logger.Info("key store initialized", "driver", store.Driver())

	readyChecks := map[string]server.Pinger{"store": store}

	// 2. Usage log
	sink, closeSink := newUsageSink(settings, store, readyChecks)
	defer closeSink()
	usageLog := usage.NewLogger(sink, logger,
		usage.WithTimeout(config.Duration(settings.Usage.Timeout, usage.DefaultTimeout)),
		usage.WithMetrics(m),
	)
	logger.Info("usage log initialized", "sink", sink.Name())
	if store.Driver() == config.DriverSQLite && sink.Name() == "store" {
		logger.Warn("sqlite shares one connection between usage inserts and quota updates - use usage.sink redis or none under load")
	}

	// 3. Services
	gwCfg := gatewayConfig(settings)
	keys := service.NewKeyService(store, gwCfg, m)
	gateway := service.NewGateway(store, usageLog, gwCfg, logger, m)

	if settings.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is not set - key management will reject every token (set KEYGATE_AUTH_JWT_SECRET)")
	}
	authSvc := service.NewAuthService(settings.Auth.JWTSecret)

	if settings.Exchange.APIKey == "" {
		logger.Warn("exchange.api_key is not set - /api/v1/convert will answer 500")
	}
	provider := newProvider(settings, logger, m)

	// 4. HTTP server
	srvCfg := server.Config{
		Host:                  settings.Server.Host,
		Port:                  settings.Server.Port,
		ShutdownTimeout:       config.Duration(settings.Server.ShutdownTimeout, server.DefaultConfig().ShutdownTimeout),
		CORSOrigins:           settings.Server.CORSOrigins,
		IssuanceRatePerMinute: settings.Server.IssuanceRatePerMinute,
		Version:               versionString(),
	}
	if dev {
		srvCfg.CORSOrigins = []string{"*"}
	}

	srv := server.New(srvCfg, server.Deps{
		Keys:        keys,
		Gateway:     gateway,
		Auth:        authSvc,
		Provider:    provider,
		Metrics:     m,
		Usage:       usageLog,
		ReadyChecks: readyChecks,
	}, logger)

	fmt.Printf("→ keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", srvCfg.Host, srvCfg.Port)
	fmt.Println()

	return srv.ListenAndServe()
}

// newUsageSink builds the configured usage sink. A Redis sink is added to
// readyChecks; the returned func releases its connection.
func newUsageSink(s *config.Settings, store *config.Store, readyChecks map[string]server.Pinger) (usage.Sink, func()) {
	switch s.Usage.Sink {
	case "none":
		return usage.Discard{}, func() {}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     s.Usage.RedisAddr,
			Password: s.Usage.RedisPassword,
			DB:       s.Usage.RedisDB,
		})
		sink := usage.NewRedisSink(client, s.Usage.RedisStream, redisStreamMaxLen)
		readyChecks["redis"] = sink
		return sink, func() {
			if err := client.Close(); err != nil {
				slog.Warn("close redis client", "error", err)
			}
		}
	default:
		return usage.NewStoreSink(store), func() {}
	}
}

func newProvider(s *config.Settings, logger *slog.Logger, m *metrics.Metrics) *exchange.Client {
	return exchange.NewClient(exchange.Config{
		APIKey:          s.Exchange.APIKey,
		BaseURL:         s.Exchange.BaseURL,
		Timeout:         config.Duration(s.Exchange.Timeout, 0),
		BreakerFailures: s.Exchange.BreakerFailures,
		BreakerCooldown: config.Duration(s.Exchange.BreakerCooldown, 0),
	}, logger, m)
}
