package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-tuya-bridge/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "radio:\n  port: /dev/ttyUSB0\n"))
	require.NoError(t, err)

	assert.Equal(t, "uart", cfg.Radio.Type)
	assert.Equal(t, 9600, cfg.Radio.Baud)
	assert.Equal(t, uint8(1), cfg.Radio.Endpoint)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, "tuya-bridge.db", cfg.Store.Path)
	assert.Equal(t, "devices", cfg.DevicesDir)
	assert.Equal(t, "scripts", cfg.ScriptsDir)
	assert.Equal(t, "tuya2mqtt", cfg.MQTT.TopicPrefix)
	require.NotNil(t, cfg.TimeSync)
	assert.True(t, *cfg.TimeSync)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
radio:
  port: /dev/ttyS1
  baud: 115200
  short_address: 0x1234
time_sync: false
devices:
  - ieee: "0xA4C1380000000001"
    short_address: 0x1234
    manufacturer: _TZE200_myd45weu
    model: TS0601
    friendly_name: Garden
    options:
      invert_cover: true
history:
  enabled: true
  url: http://localhost:8086
  bucket: tuya
  flush_interval: 5
`))
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, 115200, cfg.Radio.Baud)
	assert.Equal(t, uint16(0x1234), cfg.Radio.ShortAddress)
	assert.False(t, *cfg.TimeSync)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "Garden", cfg.Devices[0].FriendlyName)
	assert.Equal(t, map[string]any{"invert_cover": true}, cfg.Devices[0].Options)
	assert.Equal(t, uint(5), cfg.History.FlushInterval)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "radio: [\n"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no port", "radio:\n  baud: 9600\n"},
		{"bad radio type", "radio:\n  type: ezsp\n  port: /dev/ttyUSB0\n"},
		{"mqtt without broker", "radio:\n  port: /dev/ttyUSB0\nmqtt:\n  enabled: true\n"},
		{"history without bucket", "radio:\n  port: /dev/ttyUSB0\nhistory:\n  enabled: true\n  url: http://x\n"},
		{"bad ieee", "radio:\n  port: /dev/ttyUSB0\ndevices:\n  - ieee: nope\n    manufacturer: m\n"},
		{"no manufacturer", "radio:\n  port: /dev/ttyUSB0\ndevices:\n  - ieee: a4c1380000000001\n"},
		{"duplicate", "radio:\n  port: /dev/ttyUSB0\ndevices:\n  - {ieee: a4c1380000000001, manufacturer: m}\n  - {ieee: 'A4:C1:38:00:00:00:00:01', manufacturer: m}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			require.NoError(t, err)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestSeedChanged(t *testing.T) {
	base := store.Device{
		IEEEAddress:  "a4c1380000000001",
		ShortAddress: 0x1234,
		Endpoint:     1,
		Manufacturer: "_TZE200_myd45weu",
		Model:        "TS0601",
		FriendlyName: "Renamed via API",
		Options:      map[string]any{"invert_cover": true},
	}
	tests := []struct {
		name   string
		mutate func(*store.Device)
		want   bool
	}{
		{"same identity, no name", func(d *store.Device) { d.FriendlyName = ""; d.Options = nil }, false},
		{"same name", func(d *store.Device) {}, false},
		{"new short address", func(d *store.Device) { d.ShortAddress = 0x4321 }, true},
		{"new model", func(d *store.Device) { d.Model = "TS0602" }, true},
		{"new name", func(d *store.Device) { d.FriendlyName = "Garden" }, true},
		{"new options", func(d *store.Device) { d.Options = map[string]any{"invert_cover": false} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := base.Clone()
			tt.mutate(seed)
			assert.Equal(t, tt.want, seedChanged(&base, seed))
		})
	}
}
