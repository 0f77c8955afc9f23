package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hls-grabber/internal/api"
	"hls-grabber/internal/config"
	"hls-grabber/internal/database"
	"hls-grabber/internal/logger"
	"hls-grabber/internal/metrics"
	"hls-grabber/internal/session"
	"hls-grabber/internal/task"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zapLogger := logger.GetZapLogger()
	zapLogger.Info("starting hls-grabber server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	if err := os.MkdirAll(cfg.Output.Root, 0755); err != nil {
		zapLogger.Fatal("failed to create output root", zap.Error(err), zap.String("path", cfg.Output.Root))
	}

	dbPath := cfg.DatabasePath()
	db, err := database.Init(dbPath, cfg.Database.BusyTimeoutMs)
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err), zap.String("path", dbPath))
	}
	defer db.Close()

	metrics.Register()

	controller := session.NewFromConfig(cfg, zapLogger)
	manager, err := task.NewManager(controller, db, zapLogger.Named("manager"))
	if err != nil {
		zapLogger.Fatal("failed to init session manager", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.BindAddr,
		Handler:      api.NewServer(manager, cfg.Output.Root, zapLogger.Named("api")).Handler(),
		ReadTimeout:  cfg.HTTP.GetReadTimeout(),
		WriteTimeout: cfg.HTTP.GetWriteTimeout(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	zapLogger.Info("server started",
		zap.String("http_addr", cfg.HTTP.BindAddr),
		zap.String("output_root", cfg.Output.Root),
		zap.String("database", dbPath),
	)
	<-sigChan

	zapLogger.Info("shutdown signal received, stopping sessions...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("failed to stop HTTP server gracefully", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("sessions did not stop in time", zap.Error(err))
	}

	zapLogger.Info("shutdown complete")
}
