package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	bridge "github.com/golain-io/ws-mqtt-bridge"
	"github.com/golain-io/ws-mqtt-bridge/embedded"
	"github.com/golain-io/ws-mqtt-bridge/hooks"
	"github.com/golain-io/ws-mqtt-bridge/hooks/store"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath     string
	listen         string
	brokerURL      string
	embeddedListen string
	staticDir      string
	grpcListen     string
	metricsListen  string
	sqlitePath     string
	logLevel       string
	development    bool
	logPayloads    bool
)

func main() {
	root := &cobra.Command{
		Use:          "ws-mqtt-bridge",
		Short:        "Bridge browser WebSocket clients to per-group MQTT broker sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&listen, "listen", "", "HTTP listen address (default :3000)")
	flags.StringVar(&brokerURL, "broker", "", "MQTT broker URL (default tcp://127.0.0.1:1883)")
	flags.StringVar(&embeddedListen, "embedded-broker", "", "run an in-process MQTT broker on this address and bridge to it")
	flags.StringVar(&staticDir, "static-dir", "", "directory of browser client files served at /")
	flags.StringVar(&grpcListen, "grpc-listen", "", "gRPC health/reflection listen address")
	flags.StringVar(&metricsListen, "metrics-listen", "", "Prometheus metrics listen address")
	flags.StringVar(&sqlitePath, "sqlite", "", "SQLite file for the session audit trail")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&development, "dev", false, "human friendly development logging")
	flags.BoolVar(&logPayloads, "log-payloads", false, "include message payloads in logs")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags that were set
func loadConfig(cmd *cobra.Command) (*bridge.Config, error) {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listen
	}
	if flags.Changed("broker") {
		cfg.Broker.URL = brokerURL
	}
	if flags.Changed("embedded-broker") {
		cfg.EmbeddedBroker.Listen = embeddedListen
	}
	if flags.Changed("static-dir") {
		cfg.StaticDir = staticDir
	}
	if flags.Changed("grpc-listen") {
		cfg.Admin.GRPCListen = grpcListen
	}
	if flags.Changed("metrics-listen") {
		cfg.Admin.MetricsListen = metricsListen
	}
	if flags.Changed("sqlite") {
		cfg.Store.SQLitePath = sqlitePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("dev") {
		cfg.Log.Development = development
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *bridge.Config) error {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if cfg.EmbeddedBroker.Listen != "" {
		broker, err := embedded.Start(embedded.Options{
			Address: cfg.EmbeddedBroker.Listen,
			Logger:  logger.Named("broker"),
		})
		if err != nil {
			return err
		}
		defer broker.Close()
		cfg.Broker.URL = broker.URL()
	}

	connOpts, err := cfg.Broker.ConnectorOptions(logger.Named("mqtt"))
	if err != nil {
		return err
	}
	connector := bridge.NewMQTTConnector(cfg.Broker.URL, connOpts...)

	b := bridge.NewBridge(connector, bridge.WithLogger(logger))

	if err := b.AddHook(hooks.NewLoggingHook(logger.Named("hooks")), &logPayloads); err != nil {
		return err
	}
	if cfg.Store.SQLitePath != "" {
		if err := b.AddHook(store.NewSQLiteHook(logger.Named("store")), &store.SQLiteConfig{
			DBPath: cfg.Store.SQLitePath,
		}); err != nil {
			return err
		}
	}

	logger.Info("Starting bridge",
		zap.String("listen", cfg.Listen),
		zap.String("wsPath", cfg.WSPath),
		zap.String("broker", cfg.Broker.URL))

	g, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           b.Handler(cfg.WSPath, cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		return serveHTTP(server)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not closed by Shutdown
		err := server.Shutdown(shutdownCtx)
		if closeErr := b.Close(shutdownTimeout); closeErr != nil {
			logger.Warn("Error closing bridge", zap.Error(closeErr))
		}
		return err
	})

	if cfg.Admin.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.Admin.GRPCListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.GRPCListen, err)
		}
		admin := bridge.NewAdminServer()
		logger.Info("Admin gRPC listening", zap.String("address", lis.Addr().String()))
		g.Go(func() error {
			return admin.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			admin.Shutdown()
			return nil
		})
	}

	if cfg.Admin.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", bridge.MetricsHandler())
		metrics := &http.Server{
			Addr:              cfg.Admin.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("Metrics listening", zap.String("address", cfg.Admin.MetricsListen))
		g.Go(func() error {
			return serveHTTP(metrics)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("Bridge stopped")
	return err
}

func serveHTTP(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server on %s: %w", server.Addr, err)
	}
	return nil
}
