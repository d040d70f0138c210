//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// mqttClient is the part of the paho client the bridge uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes device state to MQTT with HA autodiscovery and turns
// "<prefix>/<device>/set" messages into DP writes.
type Bridge struct {
	client mqttClient
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()

	mu sync.Mutex
	// Discovery topics and state topic last published per IEEE, so a
	// rename or removal can clear what is retained on the broker.
	discovered  map[string][]string
	stateTopics map[string]string
}

func newBridge(coord *coordinator.Coordinator, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		coord:       coord,
		prefix:      prefix,
		logger:      logger.With("component", "mqtt"),
		discovered:  make(map[string][]string),
		stateTopics: make(map[string]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-tuya-bridge"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	// The connect handler may fire before Connect returns.
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAllDiscovery()
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	switch event.Type {
	case coordinator.EventStateUpdate:
		state, _ := data["state"].(map[string]any)
		b.publishState(ieee, state)
	case coordinator.EventDeviceAdded, coordinator.EventDeviceUpdated:
		dev, err := b.coord.Devices().GetDevice(ieee)
		if err != nil {
			return
		}
		b.publishDeviceDiscovery(dev)
		if len(dev.State) > 0 {
			b.publishState(ieee, dev.State)
		}
	case coordinator.EventDeviceRemoved:
		b.handleDeviceRemoved(ieee)
	}
}

// publishState publishes the full retained state of a device, with link
// quality and last-seen time from the store.
func (b *Bridge) publishState(ieee string, state map[string]any) {
	dev, err := b.coord.Devices().GetDevice(ieee)
	if err != nil {
		return
	}
	out := make(map[string]any, len(state)+2)
	for k, v := range state {
		out[k] = v
	}
	out["linkquality"] = dev.LQI
	if !dev.LastSeen.IsZero() {
		out["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}

	topic := b.prefix + "/" + deviceTopicName(dev)
	b.mu.Lock()
	prev := b.stateTopics[ieee]
	b.stateTopics[ieee] = topic
	b.mu.Unlock()
	if prev != "" && prev != topic {
		b.publish(prev, nil, true)
	}
	b.publish(topic, mustJSON(out), true)
}

func (b *Bridge) handleDeviceRemoved(ieee string) {
	b.mu.Lock()
	topics := b.discovered[ieee]
	stateTopic := b.stateTopics[ieee]
	delete(b.discovered, ieee)
	delete(b.stateTopics, ieee)
	b.mu.Unlock()

	for _, msg := range removeDiscovery(topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if stateTopic != "" {
		b.publish(stateTopic, nil, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	p := b.coord.DeviceDB().Lookup(dev.Manufacturer, dev.Model)
	msgs := buildDiscovery(dev, p, b.prefix)

	topics := make([]string, 0, len(msgs))
	current := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		topics = append(topics, msg.Topic)
		current[msg.Topic] = true
	}
	b.mu.Lock()
	stale := b.discovered[dev.IEEEAddress]
	b.discovered[dev.IEEEAddress] = topics
	b.mu.Unlock()

	for _, t := range stale {
		if !current[t] {
			b.publish(t, nil, true)
		}
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev), "entities", len(msgs))
}

// subscribeCommands subscribes with wildcards so devices added or renamed
// later need no new subscription.
func (b *Bridge) subscribeCommands() {
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	}
	for _, filter := range []string{"/+/set", "/+/set/+", "/+/get"} {
		b.client.Subscribe(b.prefix+filter, 1, handler)
	}
}

// handleMessage routes "<device>/set" (JSON object of fields),
// "<device>/set/<field>" (one value) and "<device>/get" (DP query).
func (b *Bridge) handleMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "bridge" {
		return
	}
	dev := b.findDevice(parts[0])
	if dev == nil {
		b.logger.Warn("command for unknown device", "device", parts[0])
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	switch {
	case len(parts) == 2 && parts[1] == "get":
		if err := b.coord.Query(ctx, dev.IEEEAddress); err != nil {
			b.logger.Warn("query failed", "ieee", dev.IEEEAddress, "err", err)
		}
	case len(parts) == 2 && parts[1] == "set":
		var values map[string]any
		if err := json.Unmarshal(payload, &values); err != nil {
			b.logger.Warn("invalid command JSON", "ieee", dev.IEEEAddress, "err", err)
			return
		}
		b.set(ctx, dev, values)
	case len(parts) == 3 && parts[1] == "set":
		b.set(ctx, dev, map[string]any{parts[2]: parseScalar(payload)})
	}
}

func (b *Bridge) set(ctx context.Context, dev *store.Device, values map[string]any) {
	if len(values) == 0 {
		return
	}
	if err := b.coord.SetState(ctx, dev.IEEEAddress, values); err != nil {
		b.logger.Warn("set failed", "ieee", dev.IEEEAddress, "err", err)
	}
}

// findDevice resolves a topic segment (sanitized friendly name or IEEE).
func (b *Bridge) findDevice(name string) *store.Device {
	if dev, err := b.coord.Devices().GetDevice(name); err == nil {
		return dev
	}
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if deviceTopicName(dev) == name {
			return dev
		}
	}
	return nil
}

// parseScalar reads a single-field payload: JSON when it parses ("21.5",
// "true", "\"auto\""), the raw text otherwise ("OPEN").
func parseScalar(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(payload))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
