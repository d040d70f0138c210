package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zigbee-tuya-bridge/internal/ncp"
	"zigbee-tuya-bridge/internal/store"
)

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD", "0xDDDDDDDDDDDDDDDD" or
// "DDDDDDDDDDDDDDDD" into [8]byte.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

// NormalizeIEEE returns the canonical store key: 16 lower-case hex digits.
func NormalizeIEEE(s string) (string, error) {
	b, err := ParseIEEE(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// canonicalIEEE normalizes s when it parses and returns it unchanged
// otherwise, so the store lookup reports the miss.
func canonicalIEEE(s string) string {
	if n, err := NormalizeIEEE(s); err == nil {
		return n
	}
	return s
}

// deviceName returns a human-readable display name for a device.
// Returns "Manufacturer Model" if available, or empty string for unknown devices.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" || dev.Model != "" {
		name := dev.Manufacturer
		if dev.Model != "" {
			if name != "" {
				name += " "
			}
			name += dev.Model
		}
		return name
	}
	return ""
}

// DeviceManager handles the device registry. Tuya DP devices are not
// interviewed: they are registered with their manufacturer and model, from
// config or the API.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:     coord,
		logger:    coord.logger.With("component", "device_manager"),
		addrIndex: make(map[uint16]string),
	}
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) string {
	// Fast path: read lock.
	dm.addrMu.RLock()
	ieee := dm.addrIndex[shortAddr]
	dm.addrMu.RUnlock()
	if ieee != "" {
		return ieee
	}

	dev, err := dm.coord.Store().GetDeviceByShortAddress(shortAddr)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("lookup short address", "addr", fmt.Sprintf("0x%04X", shortAddr), "err", err)
		}
		return ""
	}
	dm.addrMu.Lock()
	dm.addrIndex[shortAddr] = dev.IEEEAddress
	dm.addrMu.Unlock()
	return dev.IEEEAddress
}

// AddDevice registers or replaces a device. Existing state is kept when the
// device was already known.
func (dm *DeviceManager) AddDevice(dev *store.Device) (*store.Device, error) {
	ieee, err := NormalizeIEEE(dev.IEEEAddress)
	if err != nil {
		return nil, err
	}
	if dev.Manufacturer == "" {
		return nil, fmt.Errorf("device %s: manufacturer is required", ieee)
	}
	dev = dev.Clone()
	dev.IEEEAddress = ieee
	if dev.Endpoint == 0 {
		dev.Endpoint = 1
	}

	existing, err := dm.coord.Store().GetDevice(ieee)
	switch {
	case err == nil:
		if dev.State == nil {
			dev.State = existing.State
		}
		dev.JoinedAt = existing.JoinedAt
		dev.LastSeen = existing.LastSeen
		dm.removeFromAddrIndex(existing.ShortAddress, ieee)
	case errors.Is(err, store.ErrNotFound):
		dev.JoinedAt = dm.coord.now()
	default:
		return nil, err
	}

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return nil, fmt.Errorf("save device %s: %w", ieee, err)
	}
	dm.addrMu.Lock()
	dm.addrIndex[dev.ShortAddress] = ieee
	dm.addrMu.Unlock()

	p := dm.coord.DeviceDB().Lookup(dev.Manufacturer, dev.Model)
	if p == nil {
		dm.logger.Warn("device has no profile", "ieee", ieee, "manufacturer", dev.Manufacturer, "model", dev.Model)
	}
	dm.logger.Info("device added", "ieee", ieee, "name", deviceName(dev),
		"short", fmt.Sprintf("0x%04X", dev.ShortAddress))
	dm.coord.Events().Emit(Event{Type: EventDeviceAdded, Data: map[string]interface{}{
		"ieee":         ieee,
		"name":         deviceName(dev),
		"manufacturer": dev.Manufacturer,
		"model":        dev.Model,
	}})

	if p != nil && p.Def.QueryOnAdd {
		ctx, cancel := context.WithTimeout(dm.coord.Context(), 10*time.Second)
		if err := dm.coord.Query(ctx, ieee); err != nil {
			dm.logger.Warn("query after add", "ieee", ieee, "err", err)
		}
		cancel()
	}
	return dev, nil
}

func (dm *DeviceManager) removeFromAddrIndex(shortAddr uint16, ieee string) {
	dm.addrMu.Lock()
	if dm.addrIndex[shortAddr] == ieee {
		delete(dm.addrIndex, shortAddr)
	}
	dm.addrMu.Unlock()
}

// RemoveDevice forgets a device.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	ieee = canonicalIEEE(ieee)
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return err
	}
	dm.removeFromAddrIndex(dev.ShortAddress, ieee)
	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		return err
	}
	dm.logger.Info("device removed", "ieee", ieee, "name", deviceName(dev))
	dm.coord.Events().Emit(Event{Type: EventDeviceRemoved, Data: map[string]interface{}{
		"ieee": ieee,
		"name": deviceName(dev),
	}})
	return nil
}

// Rename sets the friendly name.
func (dm *DeviceManager) Rename(ieee, name string) error {
	return dm.update(ieee, func(d *store.Device) error {
		d.FriendlyName = name
		return nil
	})
}

// SetOptions merges converter options such as invert_cover. A nil value
// removes the option.
func (dm *DeviceManager) SetOptions(ieee string, opts map[string]any) error {
	return dm.update(ieee, func(d *store.Device) error {
		if d.Options == nil {
			d.Options = make(map[string]any)
		}
		for k, v := range opts {
			if v == nil {
				delete(d.Options, k)
				continue
			}
			d.Options[k] = v
		}
		return nil
	})
}

func (dm *DeviceManager) update(ieee string, fn func(*store.Device) error) error {
	ieee = canonicalIEEE(ieee)
	var updated *store.Device
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		if err := fn(d); err != nil {
			return err
		}
		updated = d.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	dm.coord.Events().Emit(Event{Type: EventDeviceUpdated, Data: map[string]interface{}{
		"ieee":    ieee,
		"name":    deviceName(updated),
		"options": updated.Options,
	}})
	return nil
}

// touch records link quality and last-seen time for an inbound command.
func (dm *DeviceManager) touch(ieee string, evt ncp.ClusterCommandEvent, at time.Time) {
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		d.LastSeen = at
		if evt.LQI != 0 {
			d.LQI = evt.LQI
		}
		if evt.RSSI != 0 {
			d.RSSI = evt.RSSI
		}
		return nil
	})
	if err != nil {
		dm.logger.Error("update last seen", "ieee", ieee, "err", err)
	}
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(canonicalIEEE(ieee))
}
