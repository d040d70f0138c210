//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/ncp"
	"zigbee-tuya-bridge/internal/store"
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
	"zigbee-tuya-bridge/internal/zcl/clusters"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeClient struct {
	mu         sync.Mutex
	published  []published
	subscribed []string
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.published = append(c.published, published{topic, b, retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

// last returns the most recent payload published to topic.
func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return published{}, false
}

type fakeRadio struct {
	mu      sync.Mutex
	sent    []ncp.ClusterCommandRequest
	handler func(ncp.ClusterCommandEvent)
}

func (r *fakeRadio) SendCommand(_ context.Context, req ncp.ClusterCommandRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
	return nil
}
func (r *fakeRadio) OnClusterCommand(h func(ncp.ClusterCommandEvent)) { r.handler = h }
func (r *fakeRadio) Info() *ncp.RadioInfo                          { return &ncp.RadioInfo{Backend: "fake"} }
func (r *fakeRadio) Close() error                                  { return nil }

func ptr(f float64) *float64 { return &f }

const testIEEE = "a4c1380000000001"

var soilDef = coordinator.DeviceDefinition{
	Manufacturer: "_TZE200_myd45weu",
	Model:        "TS0601",
	Datapoints: []converter.SchemaEntry{
		{DP: 3, Type: tuya.TypeValue, Name: "soil_moisture", Unit: "%"},
		{DP: 5, Type: tuya.TypeValue, Name: "temperature", Unit: "°C", Scale: 10},
		{DP: 9, Type: tuya.TypeEnum, Name: "temperature_unit", Values: map[string]int{"celsius": 0, "fahrenheit": 1}, Writable: true},
		{DP: 14, Type: tuya.TypeBool, Name: "battery_low"},
		{DP: 16, Type: tuya.TypeBool, Name: "child_lock", Writable: true},
		{DP: 17, Type: tuya.TypeValue, Name: "report_interval", Scale: 1, Min: ptr(1), Max: ptr(60), Writable: true},
	},
}

var coverDef = coordinator.DeviceDefinition{
	Manufacturer: "_TZE200_cowvfni3",
	Model:        "TS0601",
	Converters:   []coordinator.ConverterRef{{Name: "cover"}},
	Datapoints: []converter.SchemaEntry{
		{DP: 13, Type: tuya.TypeValue, Name: "battery", Unit: "%"},
	},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func compile(t *testing.T, def coordinator.DeviceDefinition) *coordinator.Profile {
	t.Helper()
	p, err := coordinator.Compile(def, converter.NewRegistry(), quietLogger())
	require.NoError(t, err)
	return p
}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *fakeRadio) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := zcl.NewRegistry(quietLogger())
	clusters.RegisterAll(reg)
	db := coordinator.NewDeviceDB()
	db.Add(compile(t, soilDef))

	radio := &fakeRadio{}
	coord := coordinator.New(radio, st, reg, db, coordinator.NewEventBus(quietLogger()), coordinator.Config{}, quietLogger())
	t.Cleanup(coord.Stop)

	client := &fakeClient{}
	b := newBridge(coord, "tuya2mqtt", quietLogger())
	b.client = client
	b.Start()
	t.Cleanup(func() { b.unsub() })
	return b, client, radio
}

func addSoil(t *testing.T, b *Bridge, name string) {
	t.Helper()
	_, err := b.coord.Devices().AddDevice(&store.Device{
		IEEEAddress:  testIEEE,
		ShortAddress: 0x1A2B,
		Manufacturer: soilDef.Manufacturer,
		Model:        soilDef.Model,
		FriendlyName: name,
	})
	require.NoError(t, err)
}

func discoveryByTopic(t *testing.T, msgs []discoveryMsg) map[string]haDiscovery {
	t.Helper()
	out := make(map[string]haDiscovery, len(msgs))
	for _, m := range msgs {
		var d haDiscovery
		require.NoError(t, json.Unmarshal(m.Payload, &d), m.Topic)
		out[m.Topic] = d
	}
	return out
}

func TestDiscoveryFromSchema(t *testing.T) {
	dev := &store.Device{
		IEEEAddress:  testIEEE,
		Manufacturer: soilDef.Manufacturer,
		Model:        soilDef.Model,
		FriendlyName: "Garden Soil",
	}
	got := discoveryByTopic(t, buildDiscovery(dev, compile(t, soilDef), "tuya2mqtt"))
	const node = "tuya_" + testIEEE

	temp, ok := got["homeassistant/sensor/"+node+"/temperature/config"]
	require.True(t, ok)
	assert.Equal(t, "Garden Soil Temperature", temp.Name)
	assert.Equal(t, node+"_temperature", temp.UniqueID)
	assert.Equal(t, "°C", temp.UnitOfMeasurement)
	assert.Equal(t, "temperature", temp.DeviceClass)
	assert.Equal(t, "measurement", temp.StateClass)
	assert.Equal(t, "tuya2mqtt/garden_soil", temp.StateTopic)
	assert.Equal(t, "tuya2mqtt/bridge/state", temp.AvailabilityTopic)
	assert.Empty(t, temp.CommandTopic)
	assert.Equal(t, soilDef.Manufacturer, temp.Device.Manufacturer)

	assert.Equal(t, "moisture", got["homeassistant/sensor/"+node+"/soil_moisture/config"].DeviceClass)

	unit := got["homeassistant/select/"+node+"/temperature_unit/config"]
	assert.Equal(t, "tuya2mqtt/garden_soil/set/temperature_unit", unit.CommandTopic)
	assert.Equal(t, []string{"celsius", "fahrenheit"}, unit.Options)

	_, ok = got["homeassistant/binary_sensor/"+node+"/battery_low/config"]
	assert.True(t, ok)
	lock := got["homeassistant/switch/"+node+"/child_lock/config"]
	assert.Equal(t, "tuya2mqtt/garden_soil/set/child_lock", lock.CommandTopic)
	assert.Equal(t, "true", lock.PayloadOn)

	interval := got["homeassistant/number/"+node+"/report_interval/config"]
	require.NotNil(t, interval.Max)
	assert.Equal(t, 60.0, *interval.Max)

	_, ok = got["homeassistant/sensor/"+node+"/linkquality/config"]
	assert.True(t, ok)
	assert.Len(t, got, 7)
}

func TestDiscoveryCover(t *testing.T) {
	dev := &store.Device{IEEEAddress: testIEEE, Manufacturer: coverDef.Manufacturer, Model: coverDef.Model}
	got := discoveryByTopic(t, buildDiscovery(dev, compile(t, coverDef), "tuya2mqtt"))
	const node = "tuya_" + testIEEE

	cover, ok := got["homeassistant/cover/"+node+"/cover/config"]
	require.True(t, ok)
	assert.Equal(t, "tuya2mqtt/"+testIEEE+"/set/position", cover.SetPositionTopic)
	assert.Equal(t, "OPEN", cover.PayloadOpen)

	// Cover fields are folded into the cover entity.
	_, ok = got["homeassistant/sensor/"+node+"/position/config"]
	assert.False(t, ok)
	assert.Equal(t, "battery", got["homeassistant/sensor/"+node+"/battery/config"].DeviceClass)
}

func TestDiscoveryWithoutProfile(t *testing.T) {
	dev := &store.Device{IEEEAddress: testIEEE}
	msgs := buildDiscovery(dev, nil, "tuya2mqtt")
	require.Len(t, msgs, 1)
	assert.Equal(t, "homeassistant/sensor/tuya_"+testIEEE+"/linkquality/config", msgs[0].Topic)
}

func TestDeviceNames(t *testing.T) {
	tests := []struct {
		dev         *store.Device
		displayName string
		topicName   string
	}{
		{&store.Device{IEEEAddress: testIEEE, FriendlyName: "Living Room"}, "Living Room", "living_room"},
		{&store.Device{IEEEAddress: testIEEE, FriendlyName: "Blind #2 (left)"}, "Blind #2 (left)", "blind__2__left_"},
		{&store.Device{IEEEAddress: testIEEE, Manufacturer: "_TZE200_x", Model: "TS0601"}, "_TZE200_x TS0601", testIEEE},
		{&store.Device{IEEEAddress: testIEEE, Model: "TS0601"}, "TS0601", testIEEE},
		{&store.Device{IEEEAddress: testIEEE}, testIEEE, testIEEE},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.displayName, deviceDisplayName(tt.dev))
		assert.Equal(t, tt.topicName, deviceTopicName(tt.dev))
	}
}

func TestParseScalar(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"21.5", 21.5},
		{"true", true},
		{`"auto"`, "auto"},
		{"OPEN", "OPEN"},
		{" fahrenheit\n", "fahrenheit"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseScalar([]byte(tt.in)), tt.in)
	}
}

func TestStatePublishedOnUpdate(t *testing.T) {
	b, client, radio := newTestBridge(t)
	addSoil(t, b, "Garden")

	radio.handler(ncp.ClusterCommandEvent{
		SrcAddr:   0x1A2B,
		ClusterID: tuya.ClusterID,
		CommandID: tuya.CmdDataReport,
		Payload: (&tuya.Frame{DPs: []tuya.DpValue{
			{DP: 5, Type: tuya.TypeValue, Data: []byte{0, 0, 0, 215}},
		}}).Encode(),
		LQI: 150,
	})

	msg, ok := client.last("tuya2mqtt/garden")
	require.True(t, ok)
	assert.True(t, msg.retained)
	var state map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &state))
	assert.Equal(t, 21.5, state["temperature"])
	assert.Equal(t, 150.0, state["linkquality"])
	assert.Contains(t, state, "last_seen")
}

func TestDiscoveryOnAddAndRemove(t *testing.T) {
	b, client, _ := newTestBridge(t)
	addSoil(t, b, "")

	topic := "homeassistant/sensor/tuya_" + testIEEE + "/temperature/config"
	msg, ok := client.last(topic)
	require.True(t, ok)
	assert.NotEmpty(t, msg.payload)

	require.NoError(t, b.coord.Devices().RemoveDevice(testIEEE))
	msg, ok = client.last(topic)
	require.True(t, ok)
	assert.Empty(t, msg.payload)
	assert.True(t, msg.retained)
}

func TestRenameClearsOldStateTopic(t *testing.T) {
	b, client, _ := newTestBridge(t)
	addSoil(t, b, "Old")
	b.publishState(testIEEE, map[string]any{"temperature": 20.0})

	require.NoError(t, b.coord.Devices().Rename(testIEEE, "New"))
	b.publishState(testIEEE, map[string]any{"temperature": 20.0})

	old, ok := client.last("tuya2mqtt/old")
	require.True(t, ok)
	assert.Empty(t, old.payload)
	_, ok = client.last("tuya2mqtt/new")
	assert.True(t, ok)
}

func TestSetCommands(t *testing.T) {
	b, client, radio := newTestBridge(t)
	addSoil(t, b, "Garden")
	b.onConnect()
	assert.ElementsMatch(t, []string{"tuya2mqtt/+/set", "tuya2mqtt/+/set/+", "tuya2mqtt/+/get"}, client.subscribed)

	b.handleMessage("tuya2mqtt/garden/set/temperature_unit", []byte("fahrenheit"))
	b.handleMessage("tuya2mqtt/"+testIEEE+"/set", []byte(`{"report_interval": 30, "child_lock": true}`))
	b.handleMessage("tuya2mqtt/garden/get", nil)
	// Ignored: unknown device, read-only field, bad JSON, bridge topic.
	b.handleMessage("tuya2mqtt/kitchen/set/state", []byte("ON"))
	b.handleMessage("tuya2mqtt/garden/set/temperature", []byte("20"))
	b.handleMessage("tuya2mqtt/garden/set", []byte("{"))
	b.handleMessage("tuya2mqtt/bridge/state", []byte("online"))

	radio.mu.Lock()
	sent := append([]ncp.ClusterCommandRequest(nil), radio.sent...)
	radio.mu.Unlock()
	require.Len(t, sent, 4)

	f, err := tuya.DecodeFrame(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, tuya.DpValue{DP: 9, Type: tuya.TypeEnum, Data: []byte{1}}, f.DPs[0])

	// Fields are written in key order.
	f, err = tuya.DecodeFrame(sent[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(16), f.DPs[0].DP)
	f, err = tuya.DecodeFrame(sent[2].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(17), f.DPs[0].DP)

	assert.Equal(t, tuya.CmdDataQuery, sent[3].CommandID)
}
