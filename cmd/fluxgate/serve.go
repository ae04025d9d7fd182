// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/pkg/logging"
	"github.com/fluxgate/fluxgate/services/forwarder/api"
	"github.com/fluxgate/fluxgate/services/forwarder/breaker"
	"github.com/fluxgate/fluxgate/services/forwarder/broker"
	"github.com/fluxgate/fluxgate/services/forwarder/configstore"
	"github.com/fluxgate/fluxgate/services/forwarder/credential"
	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/processor"
	"github.com/fluxgate/fluxgate/services/forwarder/routes"
	"github.com/fluxgate/fluxgate/services/forwarder/sink"
	"github.com/fluxgate/fluxgate/services/forwarder/telemetry"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the forwarding service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging and gin debug mode")
	return cmd
}

func runServe(configPath string, debug bool) error {
	cfg, err := loadServerConfig(configPath)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logging.LevelDebug
	}
	logger, closeLog, err := logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.Logging.JSON,
		LogDir:  cfg.Logging.LogDir,
		Service: "forwarder",
	})
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics pipeline.
	metrics, metricsHandler, err := telemetry.Setup()
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}

	// Config store.
	store, writer, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	// Outcome sink.
	outcomes, stopSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopSink()

	// Registries and pipeline.
	configFn := func(id string) tenant.Config {
		return configstore.Resolve(ctx, store, id)
	}

	pools := pool.NewRegistry(configFn, logger, metrics)
	breakers := breaker.NewRegistry(pools, configFn, logger, metrics)
	creds := credential.NewCache(logger, credential.WithMetrics(metrics))
	proc := processor.New(breakers, creds, outcomes, configFn, logger, processor.WithMetrics(metrics))

	// Broker: the in-memory implementation stands in until an AMQP
	// consumer is bound at deployment.
	consumer := broker.NewMemory(1024)

	manager := routes.NewManager(store, consumer, proc, pools, creds, logger,
		routes.WithReloadInterval(cfg.ReloadInterval.Std()),
		routes.WithDrainWindow(cfg.DrainWindow.Std()))

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("route manager exited", "error", err)
		}
	}()

	// A file-backed store reconciles on hot reload instead of waiting for
	// the periodic sweep.
	if fileStore, ok := store.(*configstore.File); ok {
		fileStore.OnChange(func() {
			if err := manager.RefreshAll(ctx); err != nil {
				logger.Error("reconcile after config file change failed", "error", err)
			}
		})
		go func() {
			if err := fileStore.Watch(ctx); err != nil {
				logger.Error("config file watcher stopped", "error", err)
			}
		}()
	}

	// Control API.
	serverOpts := []api.Option{api.WithMetricsHandler(metricsHandler)}
	if writer != nil {
		serverOpts = append(serverOpts, api.WithWriter(writer))
	}
	control := api.NewServer(manager, store, pools, breakers, creds, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           control.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("control API listening", "address", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API shutdown", "error", err)
	}
	pools.ShutdownAll(cfg.ShutdownGrace.Std())
	logger.Info("shutdown complete")
	return nil
}

// buildStore constructs the configured store kind.
func buildStore(cfg ServerConfig, logger *slog.Logger) (configstore.Store, configstore.Writer, error) {
	switch cfg.ConfigStore.Kind {
	case "index":
		idx := configstore.NewIndex(cfg.ConfigStore.URL, logger,
			configstore.WithCredentials(cfg.ConfigStore.Username, cfg.ConfigStore.Password))
		return idx, nil, nil
	case "file":
		f, err := configstore.NewFile(cfg.ConfigStore.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return f, nil, nil
	case "memory", "":
		m := configstore.NewMemory()
		return m, m, nil
	default:
		return nil, nil, fmt.Errorf("unknown config store kind %q", cfg.ConfigStore.Kind)
	}
}

// buildSink constructs the outcome sink, index-backed with a spool when a
// URL is configured.
func buildSink(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (sink.Sink, func(), error) {
	if cfg.Sink.URL == "" {
		return sink.NewMemory(), func() {}, nil
	}

	var opts []sink.IndexOption
	if cfg.Sink.Username != "" {
		opts = append(opts, sink.WithBasicAuth(cfg.Sink.Username, cfg.Sink.Password))
	}

	var spool *sink.Spool
	if cfg.Sink.SpoolPath != "" {
		var err error
		spool, err = sink.OpenSpool(cfg.Sink.SpoolPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sink.WithSpool(spool))
	}

	idx := sink.NewIndex(cfg.Sink.URL, logger, opts...)
	go idx.Run(ctx)

	cleanup := func() {
		if spool != nil {
			spool.Close()
		}
	}
	return idx, cleanup, nil
}
