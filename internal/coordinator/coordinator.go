package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/ncp"
	"zigbee-tuya-bridge/internal/store"
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
)

// ErrNoProfile is returned when a write targets a device without a profile.
var ErrNoProfile = errors.New("device has no profile")

// Config holds coordinator configuration.
type Config struct {
	// TimeSync answers mcuSyncTime requests. On by default in the daemon.
	TimeSync bool
	// PollTick is how often query intervals are checked. Zero means 10s.
	PollTick time.Duration
}

// Coordinator hosts the DP converters for every registered device: inbound
// frames are decoded into state patches, outbound writes are encoded and
// sent through the radio.
type Coordinator struct {
	radio    ncp.Radio
	store    store.Store
	registry *zcl.Registry
	deviceDB *DeviceDB
	events   *EventBus
	devices  *DeviceManager
	reporter *converter.Reporter
	seq      tuya.SequenceAllocator
	logger   *slog.Logger
	config   Config

	// mu serializes decode, patch and persist so later frames see the
	// state left by earlier ones.
	mu sync.Mutex

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator and subscribes it to the radio.
func New(radio ncp.Radio, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.PollTick <= 0 {
		cfg.PollTick = 10 * time.Second
	}
	c := &Coordinator{
		radio:    radio,
		store:    st,
		registry: registry,
		deviceDB: deviceDB,
		events:   events,
		reporter: converter.NewReporter(logger),
		logger:   logger.With("component", "coordinator"),
		config:   cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.reporter.OnReport(func(d converter.Diagnostic) {
		c.events.Emit(Event{Type: EventDiagnostic, Data: d})
	})
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	radio.OnClusterCommand(c.HandleClusterCommand)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start queries devices whose profile asks for it and starts the poller.
func (c *Coordinator) Start(ctx context.Context) error {
	devs, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devs {
		p := c.deviceDB.Lookup(d.Manufacturer, d.Model)
		if p == nil || !p.Def.QueryOnAdd {
			continue
		}
		if err := c.Query(ctx, d.IEEEAddress); err != nil {
			c.logger.Warn("initial query", "ieee", d.IEEEAddress, "err", err)
		}
	}

	c.wg.Add(1)
	go c.pollLoop()
	info := c.radio.Info()
	c.logger.Info("coordinator started", "devices", len(devs), "profiles", c.deviceDB.Len(), "backend", info.Backend)
	return nil
}

// Stop cancels the coordinator context and waits for the poller.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Radio returns the radio backend.
func (c *Coordinator) Radio() ncp.Radio {
	return c.radio
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// DeviceDB returns the device definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

// Diagnostics returns the per-category diagnostic counters.
func (c *Coordinator) Diagnostics() map[string]uint64 {
	return c.reporter.Counts()
}

// Profile returns the profile matching a registered device, or nil.
func (c *Coordinator) Profile(ieee string) (*store.Device, *Profile, error) {
	dev, err := c.devices.GetDevice(ieee)
	if err != nil {
		return nil, nil, err
	}
	return dev, c.deviceDB.Lookup(dev.Manufacturer, dev.Model), nil
}

// converterContext builds the decode/encode context for dev. Profile
// options sit under per-device options.
func (c *Coordinator) converterContext(dev *store.Device, p *Profile) converter.Context {
	opts := make(map[string]any)
	if p != nil {
		for k, v := range p.Def.Options {
			opts[k] = v
		}
	}
	for k, v := range dev.Options {
		opts[k] = v
	}
	return converter.Context{
		IEEE:         dev.IEEEAddress,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Options:      opts,
		State:        dev.State,
		Reporter:     c.reporter,
	}
}

// HandleClusterCommand processes one inbound cluster command from the radio.
func (c *Coordinator) HandleClusterCommand(evt ncp.ClusterCommandEvent) {
	name, ok := c.registry.CommandName(evt.ClusterID, evt.CommandID, zcl.DirectionToClient)
	if !ok {
		c.logger.Debug("unknown cluster command",
			"cluster", fmt.Sprintf("0x%04X", evt.ClusterID),
			"cmd", fmt.Sprintf("0x%02X", evt.CommandID),
			"src", fmt.Sprintf("0x%04X", evt.SrcAddr))
		return
	}

	ieee := c.devices.lookupOrRebuild(evt.SrcAddr)
	if ieee == "" {
		c.logger.Debug("command from unregistered device",
			"src", fmt.Sprintf("0x%04X", evt.SrcAddr), "cmd", name)
		return
	}
	c.devices.touch(ieee, evt, c.now())

	if evt.ClusterID != tuya.ClusterID {
		c.emitClusterCommand(ieee, evt, name)
		return
	}

	switch {
	case tuya.IsDataCommand(name):
		c.handleData(ieee, evt, name)
	case name == tuya.McuSyncTime:
		c.handleTimeSync(ieee)
	case name == tuya.McuVersionResponse:
		c.handleVersionResponse(ieee)
	case name == tuya.McuGatewayConnectionStatus:
		c.reply(ieee, tuya.McuGatewayConnectionStatus, tuya.GatewayStatusPayload(1))
	default:
		c.emitClusterCommand(ieee, evt, name)
	}
}

func (c *Coordinator) emitClusterCommand(ieee string, evt ncp.ClusterCommandEvent, name string) {
	c.events.Emit(Event{Type: EventClusterCommand, Data: map[string]interface{}{
		"ieee":    ieee,
		"cluster": evt.ClusterID,
		"command": name,
		"payload": evt.Payload,
	}})
}

func (c *Coordinator) handleData(ieee string, evt ncp.ClusterCommandEvent, name string) {
	frame, err := tuya.DecodeFrame(evt.Payload)
	if err != nil {
		c.logger.Warn("malformed dp frame", "ieee", ieee, "cmd", name, "err", err)
		return
	}

	data := c.applyFrame(ieee, frame)
	if data == nil {
		return
	}
	c.events.Emit(Event{Type: EventStateUpdate, Data: data})
}

// applyFrame decodes frame against the device's stored state and persists
// the patch. It returns the state_update payload, or nil when nothing
// changed. Events are emitted by the caller after mu is released.
func (c *Coordinator) applyFrame(ieee string, frame *tuya.Frame) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		c.logger.Error("load device", "ieee", ieee, "err", err)
		return nil
	}
	p := c.deviceDB.Lookup(dev.Manufacturer, dev.Model)
	if p == nil {
		for _, dp := range frame.DPs {
			c.reporter.Unrecognized(ieee, dp)
		}
		return nil
	}

	patch := p.Chain.Decode(frame, c.converterContext(dev, p))
	if len(patch) == 0 {
		return nil
	}

	var state map[string]any
	err = c.store.UpdateDevice(ieee, func(d *store.Device) error {
		if d.State == nil {
			d.State = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			d.State[k] = v
		}
		state = make(map[string]any, len(d.State))
		for k, v := range d.State {
			state[k] = v
		}
		return nil
	})
	if err != nil {
		c.logger.Error("persist state", "ieee", ieee, "err", err)
		return nil
	}

	c.logger.Debug("state update", "ieee", ieee, "seq", frame.Seq, "fields", len(patch))
	return map[string]interface{}{
		"ieee":  ieee,
		"name":  deviceName(dev),
		"patch": map[string]any(patch),
		"state": state,
		"seq":   frame.Seq,
	}
}

func (c *Coordinator) handleTimeSync(ieee string) {
	if !c.config.TimeSync {
		return
	}
	epoch := tuya.Epoch1970
	if _, p, err := c.Profile(ieee); err == nil && p != nil {
		epoch = p.Epoch
	}
	c.reply(ieee, tuya.McuSyncTime, tuya.TimeSyncPayload(c.now(), epoch))
}

// Sequence 2 is what the devices expect in the version handshake.
func (c *Coordinator) handleVersionResponse(ieee string) {
	if _, p, err := c.Profile(ieee); err == nil && p != nil && p.Def.IgnoreVersionResponse {
		return
	}
	c.reply(ieee, tuya.McuVersionRequest, tuya.VersionRequestPayload(2))
}

func (c *Coordinator) reply(ieee, command string, payload []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := c.sendCommand(ctx, ieee, command, payload, false); err != nil {
		c.logger.Warn("reply failed", "ieee", ieee, "cmd", command, "err", err)
	}
}

func (c *Coordinator) sendCommand(ctx context.Context, ieee, command string, payload []byte, disableDefaultResponse bool) error {
	dev, err := c.devices.GetDevice(ieee)
	if err != nil {
		return err
	}
	cmdID, err := c.registry.CommandID(tuya.ClusterID, command, zcl.DirectionToServer)
	if err != nil {
		return err
	}
	return c.radio.SendCommand(ctx, ncp.ClusterCommandRequest{
		DstAddr:                dev.ShortAddress,
		DstEP:                  dev.Endpoint,
		ClusterID:              tuya.ClusterID,
		CommandID:              cmdID,
		Payload:                payload,
		DisableDefaultResponse: disableDefaultResponse,
	})
}
