package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/identity"
	"authgate/internal/logging"
	"authgate/internal/scheduler"
	restsrv "authgate/internal/server/rest"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			if path != "" {
				logger.Info("config loaded", "path", path)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	// The loop outlives ctx so requests still in flight during shutdown
	// can reach the cache.
	loop := scheduler.NewLoop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(loopCtx); err != nil {
			logger.Error("scheduler loop", "err", err)
		}
	}()
	for !loop.Running() {
		time.Sleep(time.Millisecond)
	}
	defer func() {
		stopLoop()
		<-loopDone
	}()

	client := &http.Client{Timeout: cfg.Auth.HTTPTimeout()}

	md, err := identity.Discover(ctx, client, cfg.Auth.IdPURL, cfg.Auth.RewriteURLInWellKnown)
	if err != nil {
		return err
	}
	logger.Info("identity provider discovered", "issuer", md.Issuer, "jwks", md.JWKSURI)

	keys := identity.NewKeySet(client, md.JWKSURI, cfg.Auth.RefreshInterval(), logger.With("component", "jwks"))
	if err := keys.Refresh(ctx); err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	logger.Info("signing keys loaded", "keys", keys.Len())
	go keys.Run(ctx)

	resolver := identity.NewResolver(keys, cfg.Auth.Audience, md.Issuer, cfg.Auth.Leeway())

	var opts []auth.Option
	if cfg.Auth.UserInfoEndpoint != "" {
		profiles := identity.NewProfileClient(client, cfg.Auth.UserInfoEndpoint)
		opts = append(opts, auth.WithProfiles(profiles))
		logger.Info("user profiles enabled", "endpoint", profiles.Endpoint())
	} else {
		logger.Info("no user_info_endpoint configured, caching token claims only")
	}

	var subjects restsrv.SubjectStore
	if cfg.Audit.Enabled {
		db, err := audit.Open(cfg.Audit)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		if err := audit.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate audit db: %w", err)
		}
		store := audit.NewStore(db)
		subjects = store
		opts = append(opts, auth.WithRecorder(store))
		logger.Info("subject audit enabled", "driver", cfg.Audit.Driver)
	}

	authn, err := auth.New(loop, resolver, cfg.Cache.Size, cfg.Cache.Timeout(), logger.With("component", "auth"), opts...)
	if err != nil {
		return err
	}
	logger.Info("user cache ready", "size", cfg.Cache.Size, "timeout", cfg.Cache.Timeout())

	srv := restsrv.NewServer(cfg, authn, subjects, loop, logger.With("component", "rest"))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("rest server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rest shutdown", "err", err)
	}
	return <-errCh
}
