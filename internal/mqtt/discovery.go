//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strings"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/store"
	"zigbee-tuya-bridge/internal/tuya"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/tuya_a4c13800.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         any      `json:"payload_on,omitempty"`
	PayloadOff        any      `json:"payload_off,omitempty"`
	StateOn           any      `json:"state_on,omitempty"`
	StateOff          any      `json:"state_off,omitempty"`
	Options           []string `json:"options,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`

	// Cover.
	PositionTopic    string `json:"position_topic,omitempty"`
	PositionTemplate string `json:"position_template,omitempty"`
	SetPositionTopic string `json:"set_position_topic,omitempty"`
	PayloadOpen      string `json:"payload_open,omitempty"`
	PayloadClose     string `json:"payload_close,omitempty"`
	PayloadStop      string `json:"payload_stop,omitempty"`

	Device haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "tuya_" + dev.IEEEAddress
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.IEEEAddress
}

// Units and device classes for fields produced by hand-written converters,
// which carry no schema metadata.
var fieldUnits = map[string]struct{ unit, class string }{
	"position":                      {"%", ""},
	"local_temperature":             {"°C", "temperature"},
	"current_heating_setpoint":      {"°C", "temperature"},
	"local_temperature_calibration": {"°C", ""},
	"voltage":                       {"V", "voltage"},
	"current":                       {"A", "current"},
	"power":                         {"W", "power"},
	"energy":                        {"kWh", "energy"},
	"produced_energy":               {"kWh", "energy"},
	"power_factor":                  {"%", "power_factor"},
	"battery":                       {"%", "battery"},
}

// deviceClassFor guesses an HA device class from a unit and field name.
func deviceClassFor(field, unit string) string {
	switch unit {
	case "°C", "°F":
		return "temperature"
	case "W":
		return "power"
	case "V":
		return "voltage"
	case "A":
		return "current"
	case "kWh", "Wh":
		return "energy"
	case "lx":
		return "illuminance"
	case "%":
		switch {
		case strings.Contains(field, "battery"):
			return "battery"
		case strings.Contains(field, "humidity"):
			return "humidity"
		case strings.Contains(field, "moisture"):
			return "moisture"
		}
	}
	return ""
}

type discoveryBuilder struct {
	nodeID      string
	displayName string
	stateTopic  string
	setTopic    string
	avail       string
	haDev       haDevice
}

func (b discoveryBuilder) base(component, field, suffix string) (string, haDiscovery) {
	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", component, b.nodeID, field)
	return topic, haDiscovery{
		Name:              b.displayName + " " + suffix,
		UniqueID:          b.nodeID + "_" + field,
		StateTopic:        b.stateTopic,
		AvailabilityTopic: b.avail,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", field),
		Device:            b.haDev,
	}
}

func titleCase(field string) string {
	words := strings.Split(field, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// schemaEntity maps one schema entry to an HA component: writable entries
// get a command topic, read-only ones become sensors.
func (b discoveryBuilder) schemaEntity(e converter.SchemaEntry) discoveryMsg {
	suffix := titleCase(e.Name)
	cmdTopic := b.setTopic + "/" + e.Name

	switch {
	case e.Type == tuya.TypeBool && e.Writable:
		topic, d := b.base("switch", e.Name, suffix)
		d.CommandTopic = cmdTopic
		d.ValueTemplate = fmt.Sprintf("{{ value_json.%s | tojson }}", e.Name)
		d.PayloadOn, d.PayloadOff = "true", "false"
		d.StateOn, d.StateOff = "true", "false"
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	case e.Type == tuya.TypeBool:
		topic, d := b.base("binary_sensor", e.Name, suffix)
		d.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", e.Name)
		d.PayloadOn, d.PayloadOff = "ON", "OFF"
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	case len(e.Values) > 0 && e.Writable:
		topic, d := b.base("select", e.Name, suffix)
		d.CommandTopic = cmdTopic
		d.Options = enumOptions(e.Values)
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	case len(e.Values) > 0:
		topic, d := b.base("sensor", e.Name, suffix)
		d.DeviceClass = "enum"
		d.Options = enumOptions(e.Values)
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	case (e.Type == tuya.TypeValue || e.Type == tuya.TypeEnum) && e.Writable:
		topic, d := b.base("number", e.Name, suffix)
		d.CommandTopic = cmdTopic
		d.UnitOfMeasurement = e.Unit
		d.Min, d.Max = e.Min, e.Max
		if e.Scale > 1 {
			d.Step = 1 / e.Scale
		}
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	case e.Type == tuya.TypeString && e.Writable:
		topic, d := b.base("text", e.Name, suffix)
		d.CommandTopic = cmdTopic
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	default:
		topic, d := b.base("sensor", e.Name, suffix)
		d.UnitOfMeasurement = e.Unit
		d.DeviceClass = deviceClassFor(e.Name, e.Unit)
		if e.Type == tuya.TypeValue || e.Type == tuya.TypeEnum {
			d.StateClass = "measurement"
		}
		return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
	}
}

func enumOptions(values map[string]int) []string {
	opts := make([]string, 0, len(values))
	for name := range values {
		opts = append(opts, name)
	}
	sort.Slice(opts, func(i, j int) bool { return values[opts[i]] < values[opts[j]] })
	return opts
}

func (b discoveryBuilder) cover() discoveryMsg {
	topic := fmt.Sprintf("homeassistant/cover/%s/cover/config", b.nodeID)
	d := haDiscovery{
		Name:              b.displayName,
		UniqueID:          b.nodeID + "_cover",
		StateTopic:        b.stateTopic,
		CommandTopic:      b.setTopic + "/state",
		AvailabilityTopic: b.avail,
		ValueTemplate:     "{{ value_json.state }}",
		PositionTopic:     b.stateTopic,
		PositionTemplate:  "{{ value_json.position }}",
		SetPositionTopic:  b.setTopic + "/position",
		PayloadOpen:       "OPEN",
		PayloadClose:      "CLOSE",
		PayloadStop:       "STOP",
		Device:            b.haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
}

func (b discoveryBuilder) converterField(field string) discoveryMsg {
	topic, d := b.base("sensor", field, titleCase(field))
	if u, ok := fieldUnits[field]; ok {
		d.UnitOfMeasurement = u.unit
		d.DeviceClass = u.class
		d.StateClass = "measurement"
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
}

// buildDiscovery generates HA discovery messages for a device from its
// profile. Without a profile only link quality is announced.
func buildDiscovery(dev *store.Device, p *coordinator.Profile, prefix string) []discoveryMsg {
	b := discoveryBuilder{
		nodeID:      deviceIdentifier(dev),
		displayName: deviceDisplayName(dev),
		stateTopic:  prefix + "/" + deviceTopicName(dev),
		setTopic:    prefix + "/" + deviceTopicName(dev) + "/set",
		avail:       prefix + "/bridge/state",
	}
	b.haDev = haDevice{
		Identifiers:  []string{b.nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Name:         b.displayName,
	}

	var msgs []discoveryMsg
	if p != nil {
		claimed := make(map[string]bool)
		for _, c := range p.Chain.Converters() {
			if _, ok := c.(*converter.Cover); ok {
				msgs = append(msgs, b.cover())
				for _, f := range c.Fields() {
					claimed[f] = true
				}
				continue
			}
			for _, f := range c.Fields() {
				claimed[f] = true
				msgs = append(msgs, b.converterField(f))
			}
		}
		if s := p.Chain.Schema(); s != nil {
			for _, e := range s.Entries() {
				if claimed[e.Name] {
					continue
				}
				msgs = append(msgs, b.schemaEntity(e))
			}
		}
	}

	// No device_class: "signal_strength" requires dB/dBm units, but LQI is unitless.
	topic, lqi := b.base("sensor", "linkquality", "Link Quality")
	lqi.UnitOfMeasurement = "lqi"
	lqi.StateClass = "measurement"
	msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(lqi)})
	return msgs
}

// removeDiscovery turns published discovery topics into empty retained
// messages, which deletes the entities in HA.
func removeDiscovery(topics []string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(topics))
	for _, t := range topics {
		msgs = append(msgs, discoveryMsg{Topic: t})
	}
	return msgs
}
