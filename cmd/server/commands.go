package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-rtc/internal/auth"
	"github.com/Tyrowin/gochat-rtc/internal/bus"
	"github.com/Tyrowin/gochat-rtc/internal/config"
	"github.com/Tyrowin/gochat-rtc/internal/observability"
	"github.com/Tyrowin/gochat-rtc/internal/server"
	"github.com/Tyrowin/gochat-rtc/internal/store"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat and signaling server",
		Long: `Start the websocket server.

Shutdown on SIGINT/SIGTERM closes every connection, ends calls in progress
and flushes pending session writes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("GOCHAT_CONFIG"),
		"Path to YAML configuration file")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		user       string
		name       string
		session    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed connection token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			if user == "" {
				return errors.New("--user is required")
			}
			if session == "" {
				session = uuid.NewString()
			}
			token, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry).Issue(auth.Principal{
				Identity:    user,
				SessionID:   session,
				DisplayName: name,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("GOCHAT_CONFIG"), "Path to YAML configuration file")
	cmd.Flags().StringVar(&user, "user", "", "User identity")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&session, "session", "", "Session id (random when empty)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		SearchLimit:  cfg.Search.Limit,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}, logger.With("component", "store"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var opts []server.Option
	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(ctx, bus.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			User:           cfg.NATS.User,
			Password:       cfg.NATS.Password,
			ConnectRetries: cfg.NATS.ConnectRetries,
			RetryWait:      cfg.NATS.RetryWait,
			RequestTimeout: cfg.NATS.RequestTimeout,
			PresencePrefix: cfg.NATS.PresencePrefix,
		}, logger.With("component", "bus"))
		if err != nil {
			return err
		}
		defer nc.Close()

		opts = append(opts, server.WithPresencePublisher(
			bus.NewPresencePublisher(nc, cfg.NATS.PresencePrefix, logger.With("component", "bus"))))
		if cfg.Search.Source == config.SearchSourceNATS {
			opts = append(opts, server.WithResolver(bus.NewSearchClient(nc, cfg.NATS.RequestTimeout)))
		}
		if cfg.NATS.ServeSearch {
			responder, err := bus.ServeSearch(nc, st, logger.With("component", "bus"))
			if err != nil {
				return err
			}
			defer func() { _ = responder.Close() }()
		}
	}

	app, err := server.New(cfg, st, logger, opts...)
	if err != nil {
		return err
	}

	httpServer := server.CreateServer(cfg.Server.Port, app.Routes())
	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(httpServer, logger) }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}
