//go:build no_history

package main

import (
	"log/slog"

	"zigbee-tuya-bridge/internal/coordinator"
)

type historyStopper struct{}

func (h *historyStopper) Stop() {}

func initHistory(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) *historyStopper {
	return &historyStopper{}
}
