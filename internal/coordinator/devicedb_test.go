package coordinator

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
	"zigbee-tuya-bridge/internal/zcl/clusters"
)

func TestDeviceDBLookup(t *testing.T) {
	db := NewDeviceDB()
	reg := converter.NewRegistry()

	exact, err := Compile(DeviceDefinition{
		Manufacturer: "_TZE200_a",
		Aliases:      []string{"_TZE200_b"},
		Model:        "TS0601",
		FriendlyName: "Soil sensor",
	}, reg, testLogger())
	require.NoError(t, err)
	wide, err := Compile(DeviceDefinition{Manufacturer: "_TZE200_c"}, reg, testLogger())
	require.NoError(t, err)
	db.Add(exact)
	db.Add(wide)

	assert.Same(t, exact, db.Lookup("_TZE200_a", "TS0601"))
	assert.Same(t, exact, db.Lookup("_TZE200_b", "TS0601"))
	assert.Nil(t, db.Lookup("_TZE200_a", "TS0602"))
	assert.Same(t, wide, db.Lookup("_TZE200_c", "anything"))
	assert.Nil(t, db.Lookup("unknown", "TS0601"))

	assert.Equal(t, 3, db.Len())
	all := db.All()
	require.Len(t, all, 2)
	assert.Equal(t, "_TZE200_a", all[0].Def.Manufacturer)
}

func TestCompileDefinition(t *testing.T) {
	reg := converter.NewRegistry()

	p, err := Compile(DeviceDefinition{
		Manufacturer:  "_TZE200_a",
		TimeEpoch:     2000,
		QueryInterval: "5m",
	}, reg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, tuya.Epoch2000, p.Epoch)
	assert.Equal(t, 5*time.Minute, p.QueryInterval)

	p, err = Compile(DeviceDefinition{Manufacturer: "_TZE200_a"}, reg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, tuya.Epoch1970, p.Epoch)
	assert.Zero(t, p.QueryInterval)

	bad := []DeviceDefinition{
		{Model: "TS0601"},
		{Manufacturer: "m", TimeEpoch: 1980},
		{Manufacturer: "m", QueryInterval: "soon"},
		{Manufacturer: "m", QueryInterval: "-1s"},
		{Manufacturer: "m", Converters: []ConverterRef{{Name: "nope"}}},
		{Manufacturer: "m", Datapoints: []converter.SchemaEntry{
			{DP: 1, Type: tuya.TypeBool, Name: "a"},
			{DP: 1, Type: tuya.TypeBool, Name: "b"},
		}},
	}
	for i, def := range bad {
		_, err := Compile(def, reg, testLogger())
		assert.Error(t, err, "definition %d", i)
	}
}

func TestCompileWarnsOnShadowedSchema(t *testing.T) {
	tests := []struct {
		name    string
		entries []converter.SchemaEntry
		want    []string
	}{
		{
			name:    "disjoint",
			entries: []converter.SchemaEntry{{DP: 101, Type: tuya.TypeValue, Name: "battery"}},
		},
		{
			name: "dp claimed by cover",
			entries: []converter.SchemaEntry{
				{DP: 101, Type: tuya.TypeValue, Name: "battery"},
				{DP: 3, Type: tuya.TypeValue, Name: "raw_position"},
			},
			want: []string{"dp=3"},
		},
		{
			name:    "field claimed by cover",
			entries: []converter.SchemaEntry{{DP: 102, Type: tuya.TypeValue, Name: "position"}},
			want:    []string{"field=position"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
			p, err := Compile(DeviceDefinition{
				Manufacturer: "_TZE200_cover",
				Converters:   []ConverterRef{{Name: "cover"}},
				Datapoints:   tt.entries,
			}, converter.NewRegistry(), logger)
			require.NoError(t, err)
			assert.Len(t, p.Chain.Shadowed(), len(tt.want))

			out := buf.String()
			if len(tt.want) == 0 {
				assert.Empty(t, out)
				return
			}
			assert.Contains(t, out, "level=WARN")
			assert.Contains(t, out, "schema entry shadowed by converter")
			assert.Contains(t, out, "manufacturer=_TZE200_cover")
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestLoadDeviceDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "soil.json"), []byte(`{
		"clusters": [
			{"id": 61184, "commands": [{"id": 96, "name": "weatherData", "direction": "toServer"}]}
		],
		"devices": [
			{
				"manufacturer": "_TZE200_myd45weu",
				"model": "TS0601",
				"time_epoch": 2000,
				"tuya_datapoints": [
					{"dp": 3, "type": "value", "name": "soil_moisture", "unit": "%"},
					{"dp": 5, "type": "value", "name": "temperature", "unit": "°C", "scale": 10}
				]
			}
		]
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "covers.yaml"), []byte(`
manufacturers:
  - name: _TZE200_cowvfni3
    models:
      - model: TS0601
        converters:
          - name: cover
            dps: {control: 1, position_set: 2, position: 3, motor_direction: 5}
        tuya_datapoints:
          - {dp: 13, type: value, name: battery, unit: "%"}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	clusterReg := zcl.NewRegistry(testLogger())
	clusters.RegisterAll(clusterReg)
	db, err := LoadDeviceDir(dir, clusterReg, converter.NewRegistry(), testLogger())
	require.NoError(t, err)

	soil := db.Lookup("_TZE200_myd45weu", "TS0601")
	require.NotNil(t, soil)
	assert.Equal(t, tuya.Epoch2000, soil.Epoch)
	assert.Equal(t, []string{"soil_moisture", "temperature"}, soil.Chain.Fields())

	cover := db.Lookup("_TZE200_cowvfni3", "TS0601")
	require.NotNil(t, cover)
	assert.Equal(t, []uint8{1, 2, 3, 5, 13}, cover.Chain.DPs())
	assert.Len(t, cover.Chain.Converters(), 1)

	name, ok := clusterReg.CommandName(tuya.ClusterID, 96, zcl.DirectionToServer)
	require.True(t, ok)
	assert.Equal(t, "weatherData", name)
}

func TestLoadDeviceDirRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
devices:
  - manufacturer: _TZE200_x
    tuya_datapoints:
      - {dp: 1, type: bool, name: state}
      - {dp: 2, type: bool, name: state}
`), 0o644))

	clusterReg := zcl.NewRegistry(testLogger())
	_, err := LoadDeviceDir(dir, clusterReg, converter.NewRegistry(), testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, converter.ErrDuplicateName)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("devices: ["), 0o644))
	_, err = LoadDeviceDir(dir, clusterReg, converter.NewRegistry(), testLogger())
	assert.Error(t, err)
}

func TestLoadDeviceDirMissing(t *testing.T) {
	db, err := LoadDeviceDir("/nonexistent/dir", zcl.NewRegistry(testLogger()), converter.NewRegistry(), testLogger())
	require.NoError(t, err)
	assert.Zero(t, db.Len())
}
