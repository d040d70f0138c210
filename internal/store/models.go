package store

import (
	"maps"
	"time"
)

// Device is one Tuya DP device known to the bridge.
type Device struct {
	IEEEAddress  string    `json:"ieee_address"`
	ShortAddress uint16    `json:"short_address"`
	Endpoint     uint8     `json:"endpoint"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
	LQI          uint8     `json:"lqi,omitempty"`
	RSSI         int8      `json:"rssi,omitempty"`
	// State is the normalized state built from decoded DPs.
	State map[string]any `json:"state,omitempty"`
	// Options are per-device converter options such as invert_cover.
	Options map[string]any `json:"options,omitempty"`
}

// Name returns the friendly name, falling back to the IEEE address.
func (d *Device) Name() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.IEEEAddress
}

// Clone returns a copy whose maps can be modified independently.
func (d *Device) Clone() *Device {
	cp := *d
	cp.State = maps.Clone(d.State)
	cp.Options = maps.Clone(d.Options)
	return &cp
}
