package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/ncp"
	"zigbee-tuya-bridge/internal/script"
	"zigbee-tuya-bridge/internal/store"
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
	"zigbee-tuya-bridge/internal/zcl/clusters"
)

const (
	sensorIEEE = "a4c1380000000001"
	bareIEEE   = "a4c1380000000002"
)

type stubRadio struct {
	mu   sync.Mutex
	sent []ncp.ClusterCommandRequest
	err  error
}

func (r *stubRadio) SendCommand(_ context.Context, req ncp.ClusterCommandRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, req)
	return nil
}

func (r *stubRadio) OnClusterCommand(func(ncp.ClusterCommandEvent)) {}
func (r *stubRadio) Info() *ncp.RadioInfo                          { return &ncp.RadioInfo{Backend: "stub", FramesIn: 3} }
func (r *stubRadio) Close() error                                  { return nil }

func (r *stubRadio) Sent() []ncp.ClusterCommandRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ncp.ClusterCommandRequest(nil), r.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(f float64) *float64 { return &f }

var sensorDef = coordinator.DeviceDefinition{
	Manufacturer: "_TZE200_myd45weu",
	Model:        "TS0601",
	Description:  "Soil sensor",
	Datapoints: []converter.SchemaEntry{
		{DP: 3, Type: tuya.TypeValue, Name: "soil_moisture", Unit: "%", Scale: 1},
		{DP: 5, Type: tuya.TypeValue, Name: "temperature", Unit: "°C", Scale: 10},
		{DP: 17, Type: tuya.TypeValue, Name: "report_interval", Scale: 1, Min: ptr(1), Max: ptr(60), Writable: true},
	},
}

type testEnv struct {
	srv   *Server
	coord *coordinator.Coordinator
	radio *stubRadio
}

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := quietLogger()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := zcl.NewRegistry(logger)
	clusters.RegisterAll(reg)
	db := coordinator.NewDeviceDB()
	p, err := coordinator.Compile(sensorDef, converter.NewRegistry(), logger)
	require.NoError(t, err)
	db.Add(p)

	radio := &stubRadio{}
	coord := coordinator.New(radio, st, reg, db, coordinator.NewEventBus(logger), coordinator.Config{}, logger)
	t.Cleanup(coord.Stop)

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(coord, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, coord: coord, radio: radio}
}

func (e *testEnv) seed(t *testing.T, ieee, manufacturer string, short uint16) {
	t.Helper()
	_, err := e.coord.Devices().AddDevice(&store.Device{
		IEEEAddress:  ieee,
		ShortAddress: short,
		Manufacturer: manufacturer,
		Model:        "TS0601",
	})
	require.NoError(t, err)
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestAPIListDevices(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)
	env.seed(t, bareIEEE, "_TZE200_unknown", 0x1235)

	w := env.do("GET", "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)

	views := decode[[]DeviceView](t, w)
	require.Len(t, views, 2)
	byIEEE := map[string]DeviceView{}
	for _, v := range views {
		byIEEE[v.IEEEAddress] = v
	}
	assert.True(t, byIEEE[sensorIEEE].Known)
	assert.Equal(t, "Soil sensor", byIEEE[sensorIEEE].Description)
	assert.ElementsMatch(t, []string{"soil_moisture", "temperature", "report_interval"}, byIEEE[sensorIEEE].Fields)
	assert.False(t, byIEEE[bareIEEE].Known)
}

func TestAPIGetDevice(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	// Lookups accept any IEEE spelling.
	w := env.do("GET", "/api/devices/0xA4C1380000000001", "")
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[DeviceView](t, w)
	assert.Equal(t, sensorIEEE, v.IEEEAddress)
	assert.Equal(t, uint16(0x1234), v.ShortAddress)
	assert.Nil(t, v.LastSeen)

	w = env.do("GET", "/api/devices/ffffffffffffffff", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIAddDevice(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"ieee_address":"0xA4C1380000000001","short_address":4660,"manufacturer":"_TZE200_myd45weu","model":"TS0601","friendly_name":"Garden"}`, http.StatusCreated},
		{"bad ieee", `{"ieee_address":"xyz","manufacturer":"_TZE200_myd45weu"}`, http.StatusBadRequest},
		{"no manufacturer", `{"ieee_address":"a4c1380000000001"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, "")
			w := env.do("POST", "/api/devices", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusCreated {
				return
			}
			v := decode[DeviceView](t, w)
			assert.Equal(t, sensorIEEE, v.IEEEAddress)
			assert.Equal(t, "Garden", v.FriendlyName)
			assert.Equal(t, uint8(1), v.Endpoint)
			assert.True(t, v.Known)
		})
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	w := env.do("DELETE", "/api/devices/"+sensorIEEE, "")
	require.Equal(t, http.StatusOK, w.Code)

	_, err := env.coord.Devices().GetDevice(sensorIEEE)
	assert.ErrorIs(t, err, store.ErrNotFound)

	w = env.do("DELETE", "/api/devices/"+sensorIEEE, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIRenameDevice(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	w := env.do("PATCH", "/api/devices/"+sensorIEEE, `{"friendly_name":"Garden"}`)
	require.Equal(t, http.StatusOK, w.Code)
	dev, err := env.coord.Devices().GetDevice(sensorIEEE)
	require.NoError(t, err)
	assert.Equal(t, "Garden", dev.FriendlyName)

	w = env.do("PATCH", "/api/devices/"+sensorIEEE, `{"friendly_name":"`+string(bytes.Repeat([]byte("x"), 65))+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("PATCH", "/api/devices/ffffffffffffffff", `{"friendly_name":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPISetOptions(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	w := env.do("PUT", "/api/devices/"+sensorIEEE+"/options", `{"invert_cover":true,"position_mode":"lift"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"invert_cover": true, "position_mode": "lift"}, decode[map[string]any](t, w))

	w = env.do("PUT", "/api/devices/"+sensorIEEE+"/options", `{"position_mode":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"invert_cover": true}, decode[map[string]any](t, w))
}

func TestAPISetState(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	w := env.do("POST", "/api/devices/"+sensorIEEE+"/set", `{"report_interval":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sent := env.radio.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(0x1234), sent[0].DstAddr)
	assert.Equal(t, tuya.ClusterID, sent[0].ClusterID)
	assert.Equal(t, uint8(0x00), sent[0].CommandID)
	assert.True(t, sent[0].DisableDefaultResponse)

	frame, err := tuya.DecodeFrame(sent[0].Payload)
	require.NoError(t, err)
	require.Len(t, frame.DPs, 1)
	assert.Equal(t, uint8(17), frame.DPs[0].DP)
	v, err := frame.DPs[0].Int32()
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}

func TestAPISetStateErrors(t *testing.T) {
	tests := []struct {
		name   string
		ieee   string
		body   string
		status int
	}{
		{"unknown field", sensorIEEE, `{"nope":1}`, http.StatusBadRequest},
		{"read-only", sensorIEEE, `{"temperature":20}`, http.StatusBadRequest},
		{"out of range", sensorIEEE, `{"report_interval":500}`, http.StatusBadRequest},
		{"empty", sensorIEEE, `{}`, http.StatusBadRequest},
		{"no profile", bareIEEE, `{"report_interval":10}`, http.StatusConflict},
		{"unknown device", "ffffffffffffffff", `{"report_interval":10}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, "")
			env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)
			env.seed(t, bareIEEE, "_TZE200_unknown", 0x1235)

			w := env.do("POST", "/api/devices/"+tt.ieee+"/set", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Empty(t, env.radio.Sent())
		})
	}
}

func TestAPISetStateRadioFailure(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)
	env.radio.err = errors.New("tx timeout")

	w := env.do("POST", "/api/devices/"+sensorIEEE+"/set", `{"report_interval":10}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "tx timeout")
}

func TestAPIQuery(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	w := env.do("POST", "/api/devices/"+sensorIEEE+"/query", "")
	require.Equal(t, http.StatusOK, w.Code)

	sent := env.radio.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(0x03), sent[0].CommandID)
	assert.Empty(t, sent[0].Payload)
}

func TestAPISendDataPoints(t *testing.T) {
	env := setupTestServer(t, "")
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	w := env.do("POST", "/api/devices/"+sensorIEEE+"/dps",
		`{"seq":7,"dps":[{"dp":1,"type":"bool","data":"01"},{"dp":104,"type":"raw","data":"0a0b"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(7), decode[map[string]any](t, w)["seq"])

	sent := env.radio.Sent()
	require.Len(t, sent, 1)
	frame, err := tuya.DecodeFrame(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), frame.Seq)
	assert.Equal(t, []tuya.DpValue{
		{DP: 1, Type: tuya.TypeBool, Data: []byte{1}},
		{DP: 104, Type: tuya.TypeRaw, Data: []byte{0x0a, 0x0b}},
	}, frame.DPs)

	for _, body := range []string{
		`{"dps":[]}`,
		`{"dps":[{"dp":1,"type":"bool","data":"zz"}]}`,
		`{"dps":[{"dp":1,"type":"float","data":"01"}]}`,
	} {
		w := env.do("POST", "/api/devices/"+sensorIEEE+"/dps", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestAPIListProfiles(t *testing.T) {
	env := setupTestServer(t, "")

	w := env.do("GET", "/api/profiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	profiles := decode[[]profileView](t, w)
	require.Len(t, profiles, 1)
	assert.Equal(t, "_TZE200_myd45weu", profiles[0].Manufacturer)
	assert.Equal(t, 1970, profiles[0].TimeEpoch)
	require.Len(t, profiles[0].Datapoints, 3)
	assert.Equal(t, "report_interval", profiles[0].Datapoints[2].Name)
}

func TestAPIListScripts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "valve.lua"), []byte("-- valve"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	env := setupTestServer(t, "", WithScripts(script.NewLoader(dir, quietLogger())))
	w := env.do("GET", "/api/scripts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"valve.lua"}, decode[[]string](t, w))

	env = setupTestServer(t, "")
	w = env.do("GET", "/api/scripts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestAPIRadioAndDiagnostics(t *testing.T) {
	env := setupTestServer(t, "", WithVersion("1.2.3"))

	w := env.do("GET", "/api/radio", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[ncp.RadioInfo](t, w)
	assert.Equal(t, "stub", info.Backend)
	assert.Equal(t, uint64(3), info.FramesIn)

	w = env.do("GET", "/api/diagnostics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.3", decode[map[string]string](t, w)["version"])
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"header", "/api/devices", "secret-key", http.StatusOK},
		{"query param", "/api/devices?api_key=secret-key", "", http.StatusOK},
		{"missing", "/api/devices", "", http.StatusUnauthorized},
		{"wrong key", "/api/devices", "wrong-key", http.StatusUnauthorized},
		{"stream without key", "/ws", "", http.StatusUnauthorized},
		{"stream wrong key", "/ws?api_key=wrong-key", "", http.StatusUnauthorized},
		// Past auth, the bad filter is rejected before the upgrade.
		{"stream query param", "/ws?api_key=secret-key&ieee=zz", "", http.StatusBadRequest},
		{"stream header", "/ws?ieee=zz", "secret-key", http.StatusBadRequest},
	}
	env := setupTestServer(t, "secret-key")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			env.srv.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	env := setupTestServer(t, "", WithAllowedOrigins([]string{"http://ha.local"}))
	env.seed(t, sensorIEEE, sensorDef.Manufacturer, 0x1234)

	req := httptest.NewRequest("POST", "/api/devices/"+sensorIEEE+"/query", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("POST", "/api/devices/"+sensorIEEE+"/query", nil)
	req.Header.Set("Origin", "http://ha.local")
	w = httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://ha.local", w.Header().Get("Access-Control-Allow-Origin"))
}
