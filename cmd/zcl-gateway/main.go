package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/coordinator"
	"zcl-gateway/internal/hal/zboss"
	"zcl-gateway/internal/store"
	"zcl-gateway/internal/subsystem"
	"zcl-gateway/internal/web"
	"zcl-gateway/internal/zcl"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zcl-gateway starting", "version", version)

	registry := zcl.NewRegistry(logger)
	for _, def := range cluster.Definitions() {
		registry.Register(def)
	}

	// Descriptor metadata and manufacturer cluster extensions.
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()), "devices", deviceDB.Len())

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("using ZBOSS NCP", "port", cfg.Radio.Port, "baud", cfg.Radio.Baud)
	radio, err := zboss.Open(cfg.Radio.Port, cfg.Radio.Baud, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer radio.Close()

	sub := subsystem.New(radio, registry, logger, subsystem.Config{
		ResponseTimeout: cfg.Subsystem.ResponseTimeout,
		StagedFrames:    cfg.Subsystem.StagedFrames,
	})
	defer sub.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(radio, sub, db, registry, deviceDB, events, coordinator.Config{
		Network:      cfg.networkConfig(),
		AlarmTimeout: cfg.Subsystem.AlarmTimeout,
		RadioType:    cfg.Radio.Type,
		RadioPort:    cfg.Radio.Port,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		sub.Close()
		radio.Close()
		db.Close()
		os.Exit(1)
	}
	cancel()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}
