// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ffutop/modbus-devicegw/internal/api"
	"github.com/ffutop/modbus-devicegw/internal/config"
	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/internal/poll"
	"github.com/ffutop/modbus-devicegw/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := pflag.StringP("config", "c", "", "Configuration file path.")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting modbus device gateway",
		zap.String("devices_file", cfg.Devices.File),
		zap.String("http_address", cfg.HTTP.Address))

	repo, err := device.NewFileRepository(cfg.Devices.File)
	if err != nil {
		logger.Fatal("load device repository", zap.Error(err))
	}

	sessions := session.NewManager(session.Options{
		IdleTTL:        cfg.Session.IdleTTL,
		DefaultTimeout: cfg.Session.DefaultTimeout,
		Factory:        session.NewDriverFactory(logger),
		Logger:         logger,
	})

	registry := poll.NewRegistry(repo, sessions, poll.RegistryOptions{
		MaxConcurrent:  cfg.Polling.MaxConcurrent,
		StartDebounce:  cfg.Polling.StartDebounce,
		StopDebounce:   cfg.Polling.StopDebounce,
		DefaultTimeout: cfg.Session.DefaultTimeout,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.Run(ctx, cfg.Session.ReapInterval)

	server := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: api.NewServer(registry, logger).Routes(),
	}
	go func() {
		logger.Info("http server listening", zap.String("address", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if failed := registry.Shutdown(shutdownCtx); len(failed) > 0 {
		logger.Warn("pollers did not stop in time", zap.Strings("devices", failed))
	}
	logger.Info("goodbye")
}

func setupLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.File != "" && cfg.File != "-" {
		zapCfg.OutputPaths = []string{cfg.File}
	} else {
		zapCfg.OutputPaths = []string{"stdout"}
	}
	return zapCfg.Build()
}
