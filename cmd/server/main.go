package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posadmin/backend/internal/app"
	"posadmin/backend/internal/backup"
	"posadmin/backend/internal/config"
	"posadmin/backend/internal/domain"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sinks := map[domain.LocationType]backup.Sink{}
	if cfg.GCSBucket != "" {
		gcs, err := backup.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			return err
		}
		defer gcs.Close()
		sinks[domain.LocationCloud] = backup.CloudSink{Objects: gcs}
		logger.Info("cloud backups enabled", "bucket", cfg.GCSBucket)
	}

	application, err := app.New(ctx, app.Options{
		Config: cfg,
		File:   file,
		Sinks:  sinks,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	application.Start(runCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           application.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("posadmin backend listening", "addr", cfg.Address(), "substrate", cfg.Substrate)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if err := application.Close(context.Background()); err != nil {
		logger.Error("close error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ShutdownBackupTimeout < time.Second {
		return fmt.Errorf("SHUTDOWN_BACKUP_TIMEOUT_SECONDS must be at least 1")
	}
	return nil
}
