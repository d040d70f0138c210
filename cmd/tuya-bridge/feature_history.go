//go:build !no_history

package main

import (
	"log/slog"

	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/history"
)

type historyStopper struct {
	recorder *history.Recorder
}

func (h *historyStopper) Stop() {
	if h.recorder != nil {
		h.recorder.Close()
	}
}

func initHistory(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *historyStopper {
	if !cfg.History.Enabled {
		return &historyStopper{}
	}
	rec, err := history.Connect(history.Config{
		URL:           cfg.History.URL,
		Token:         cfg.History.Token,
		Org:           cfg.History.Org,
		Bucket:        cfg.History.Bucket,
		Measurement:   cfg.History.Measurement,
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.History.FlushInterval,
	}, logger)
	if err != nil {
		// History is optional; the bridge runs without it.
		logger.Error("history recorder", "err", err)
		return &historyStopper{}
	}
	rec.Attach(coord.Events())
	return &historyStopper{recorder: rec}
}
