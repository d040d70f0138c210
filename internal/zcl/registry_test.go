package zcl_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
	"zigbee-tuya-bridge/internal/zcl/clusters"
)

func newRegistry() *zcl.Registry {
	r := zcl.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	clusters.RegisterAll(r)
	return r
}

func TestTuyaCommandNames(t *testing.T) {
	r := newRegistry()

	tests := []struct {
		id   uint8
		dir  zcl.CommandDirection
		want string
	}{
		{0x00, zcl.DirectionToServer, "dataRequest"},
		{0x01, zcl.DirectionToClient, "dataResponse"},
		{0x02, zcl.DirectionToClient, "dataReport"},
		{0x03, zcl.DirectionToServer, "dataQuery"},
		{0x05, zcl.DirectionToClient, "activeStatusReportAlt"},
		{0x06, zcl.DirectionToClient, "activeStatusReport"},
		{0x10, zcl.DirectionToServer, "mcuVersionRequest"},
		{0x11, zcl.DirectionToClient, "mcuVersionResponse"},
		{0x24, zcl.DirectionToClient, "mcuSyncTime"},
		{0x24, zcl.DirectionToServer, "mcuSyncTime"},
		{0x25, zcl.DirectionToClient, "mcuGatewayConnectionStatus"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			name, ok := r.CommandName(tuya.ClusterID, tt.id, tt.dir)
			require.True(t, ok)
			assert.Equal(t, tt.want, name)

			id, err := r.CommandID(tuya.ClusterID, tt.want, tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
		})
	}

	_, ok := r.CommandName(tuya.ClusterID, 0x02, zcl.DirectionToServer)
	assert.False(t, ok)
	_, ok = r.CommandName(0x0006, 0x00, zcl.DirectionToServer)
	assert.False(t, ok)
	_, err := r.CommandID(tuya.ClusterID, "dataReport", zcl.DirectionToServer)
	assert.Error(t, err)
}

func TestTuyaDefinitionIsValid(t *testing.T) {
	def := clusters.Tuya
	assert.NoError(t, def.Validate())
}

func TestValidateRejectsReusedID(t *testing.T) {
	c := zcl.ClusterDef{ID: 0xEF00, Commands: []zcl.CommandDef{
		{ID: 1, Name: "a", Direction: zcl.DirectionToClient},
		{ID: 1, Name: "b", Direction: zcl.DirectionToClient},
	}}
	assert.Error(t, c.Validate())

	c.Commands[1].Direction = "sideways"
	assert.Error(t, c.Validate())
}

func TestRegistryMergeAndCopy(t *testing.T) {
	r := newRegistry()
	r.Register(zcl.ClusterDef{ID: tuya.ClusterID, Commands: []zcl.CommandDef{
		{ID: 0x60, Name: "weatherData", Direction: zcl.DirectionToServer},
		// Already known: ignored.
		{ID: 0x00, Name: "other", Direction: zcl.DirectionToServer},
	}})

	name, ok := r.CommandName(tuya.ClusterID, 0x60, zcl.DirectionToServer)
	require.True(t, ok)
	assert.Equal(t, "weatherData", name)
	name, _ = r.CommandName(tuya.ClusterID, 0x00, zcl.DirectionToServer)
	assert.Equal(t, "dataRequest", name)

	got := r.Get(tuya.ClusterID)
	got.Commands[0].Name = "mutated"
	name, _ = r.CommandName(tuya.ClusterID, got.Commands[0].ID, got.Commands[0].Direction)
	assert.NotEqual(t, "mutated", name)
}
