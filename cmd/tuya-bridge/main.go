package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/ncp"
	"zigbee-tuya-bridge/internal/script"
	"zigbee-tuya-bridge/internal/store"
	"zigbee-tuya-bridge/internal/web"
	"zigbee-tuya-bridge/internal/zcl"
	"zigbee-tuya-bridge/internal/zcl/clusters"
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
	logger.Info("tuya-bridge starting", "version", version)

	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)

	// Hand-written converters plus "lua:<file>" scripts.
	scripts := script.NewLoader(cfg.ScriptsDir, logger)
	convs := converter.NewRegistry()
	convs.RegisterPrefix("lua", scripts.Factory())

	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, convs, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}
	logger.Info("registries initialized", "clusters", len(registry.All()), "profiles", deviceDB.Len(), "converters", len(convs.Names()))

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	radio, err := ncp.OpenUART(cfg.Radio.Port, cfg.Radio.Baud, ncp.UARTConfig{
		ShortAddr: cfg.Radio.ShortAddress,
		Endpoint:  cfg.Radio.Endpoint,
		Version:   cfg.Radio.Version,
	}, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer radio.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(radio, db, registry, deviceDB, events, coordinator.Config{
		TimeSync: *cfg.TimeSync,
	}, logger)

	// History attaches before any frame can arrive.
	history := initHistory(coord, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		radio.Close()
		os.Exit(1)
	}
	cancel()

	seedDevices(coord, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithScripts(scripts),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	webServer, err := web.NewServer(coord, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

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
	history.Stop()

	logger.Info("goodbye")
}

// seedDevices registers the configured devices. A device already stored
// with the same identity is left alone, so names and options set through
// the API survive restarts.
func seedDevices(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) {
	matched := false
	for _, s := range cfg.Devices {
		dev := &store.Device{
			IEEEAddress:  s.IEEE,
			ShortAddress: s.ShortAddress,
			Endpoint:     s.Endpoint,
			Manufacturer: s.Manufacturer,
			Model:        s.Model,
			FriendlyName: s.FriendlyName,
			Options:      s.Options,
		}
		if dev.Endpoint == 0 {
			dev.Endpoint = 1
		}
		if dev.ShortAddress == cfg.Radio.ShortAddress {
			matched = true
		}
		if existing, err := coord.Devices().GetDevice(s.IEEE); err == nil {
			if !seedChanged(existing, dev) {
				continue
			}
			if dev.FriendlyName == "" {
				dev.FriendlyName = existing.FriendlyName
			}
			if dev.Options == nil {
				dev.Options = existing.Options
			}
		}
		if _, err := coord.Devices().AddDevice(dev); err != nil {
			logger.Error("seed device", "ieee", s.IEEE, "err", err)
		}
	}
	if len(cfg.Devices) > 0 && !matched {
		logger.Warn("no seeded device uses the radio short address; inbound frames will be ignored",
			"short_address", cfg.Radio.ShortAddress)
	}
}

func seedChanged(existing, seed *store.Device) bool {
	if existing.ShortAddress != seed.ShortAddress ||
		existing.Endpoint != seed.Endpoint ||
		existing.Manufacturer != seed.Manufacturer ||
		existing.Model != seed.Model {
		return true
	}
	if seed.FriendlyName != "" && seed.FriendlyName != existing.FriendlyName {
		return true
	}
	return seed.Options != nil && !reflect.DeepEqual(seed.Options, existing.Options)
}
