package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/config"
	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/server"
	"github.com/Tyrowin/chatecho/internal/store"
	"github.com/Tyrowin/chatecho/internal/store/badgerstore"
	"github.com/Tyrowin/chatecho/internal/store/memory"
	"github.com/Tyrowin/chatecho/internal/store/mongostore"
	"github.com/Tyrowin/chatecho/internal/supervisor"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "chatecho",
		Short:        "Real-time chat backend: presence, messaging and call signaling over WebSocket",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	var email string
	token := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token for a user email",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd, configPath, email)
		},
	}
	token.Flags().StringVar(&email, "email", "", "email claim of the token")
	_ = token.MarkFlagRequired("email")

	root.AddCommand(serve, token)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	return cfg, nil
}

// openStore opens the backend selected by the store driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory:
		logging.Warn().Msg("Using the in-memory store; data is lost on restart")
		return memory.New(), nil
	case config.StoreDriverMongo:
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
	case config.StoreDriverBadger:
		return badgerstore.Open(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logging.Info().
		Str("port", cfg.Server.Port).
		Strs("allowed_origins", cfg.Server.AllowedOrigins).
		Str("store", cfg.Store.Driver).
		Int("rate_limit_burst", cfg.RateLimit.Burst).
		Dur("rate_limit_refill_interval", cfg.RateLimit.RefillInterval).
		Dur("ping_interval", cfg.Heartbeat.PingInterval).
		Dur("grace_period", cfg.Heartbeat.GracePeriod).
		Int64("max_message_size", cfg.Server.MaxMessageSize).
		Msg("Starting chatecho server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		return err
	}

	hub, err := server.New(server.OptionsFromConfig(cfg, st, verifier))
	if err != nil {
		return err
	}

	handler := server.SetupRoutes(hub, server.RouteConfig{
		MetricsEnabled:     cfg.Metrics.Enabled,
		MetricsPath:        cfg.Metrics.Path,
		CORSOrigins:        cfg.HTTP.CORSOrigins,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
	})
	httpServer := server.CreateServer(cfg.Server, handler)

	tree := supervisor.NewTree(logging.NewSlog(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(supervisor.NewHubService(hub, cfg.Server.ShutdownTimeout))
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", httpServer.Addr).Msg("Server listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("Some services did not stop in time")
	}
	logging.Info().Msg("Server shutdown complete")
	return nil
}

func runToken(cmd *cobra.Command, configPath, email string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(email)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
