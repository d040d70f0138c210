// Package converter turns DP frames into normalized device state and back.
// Simple devices are described by a compiled Schema; devices with
// cross-field logic use hand-written converters. A Chain composes both for
// one device.
package converter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"zigbee-tuya-bridge/internal/transform"
	"zigbee-tuya-bridge/internal/tuya"
)

// Patch is a normalized state update. Later writes to the same key win.
type Patch map[string]any

// Merge copies other into p.
func (p Patch) Merge(other Patch) {
	for k, v := range other {
		p[k] = v
	}
}

// Context carries everything a converter may consult besides the frame.
// State is the device's prior known state; converters never mutate it.
type Context struct {
	IEEE         string
	Manufacturer string
	Model        string
	Options      map[string]any
	State        map[string]any
	Reporter     *Reporter
}

// OptionBool reads a boolean option, false when unset.
func (c Context) OptionBool(name string) bool {
	v, ok := c.Options[name]
	if !ok {
		return false
	}
	b, _ := transform.ToBool(v)
	return b
}

// StateString returns a string field of the prior state.
func (c Context) StateString(name string) (string, bool) {
	v, ok := c.State[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Capability declares what a converter accepts inbound.
type Capability struct {
	Cluster  uint16
	Commands []string
}

// Accepts reports whether a command on cluster is handled.
func (c Capability) Accepts(cluster uint16, command string) bool {
	if cluster != c.Cluster {
		return false
	}
	for _, cmd := range c.Commands {
		if cmd == command {
			return true
		}
	}
	return false
}

// DataCapability is the capability shared by every DP converter.
var DataCapability = Capability{Cluster: tuya.ClusterID, Commands: tuya.DataCommands}

// Converter decodes DP frames into patches and encodes field writes into DPs.
type Converter interface {
	Capability() Capability
	Decode(f *tuya.Frame, ctx Context) Patch
	Encode(field string, value any, ctx Context) ([]tuya.DpValue, error)
	Fields() []string
	// DPs lists the ids this converter claims inside a Chain.
	DPs() []uint8
}

// Chain dispatches each DP of a frame to the converter that claims it.
// Hand-written converters are consulted before the schema.
type Chain struct {
	converters []Converter
	schema     *Schema
	byDP       map[uint8]Converter
	byField    map[string]Converter
	shadowed   []Shadow
}

// Shadow is a schema DP or field that a hand-written converter claimed
// first. Exactly one of DP and Field is set.
type Shadow struct {
	DP    uint8
	Field string
	By    string
}

// NewChain builds a chain. Two hand-written converters claiming the same DP
// or field is a configuration error; the schema only receives DPs and fields
// nobody else claimed. What it loses is listed by Shadowed.
func NewChain(schema *Schema, converters ...Converter) (*Chain, error) {
	c := &Chain{
		converters: converters,
		schema:     schema,
		byDP:       make(map[uint8]Converter),
		byField:    make(map[string]Converter),
	}
	for _, conv := range converters {
		for _, dp := range conv.DPs() {
			if _, dup := c.byDP[dp]; dup {
				return nil, fmt.Errorf("dp %d claimed twice: %w", dp, ErrDuplicateDP)
			}
			c.byDP[dp] = conv
		}
		for _, f := range conv.Fields() {
			if _, dup := c.byField[f]; dup {
				return nil, fmt.Errorf("field %q claimed twice: %w", f, ErrDuplicateName)
			}
			c.byField[f] = conv
		}
	}
	if schema != nil {
		for _, dp := range schema.DPs() {
			if owner, taken := c.byDP[dp]; taken {
				c.shadowed = append(c.shadowed, Shadow{DP: dp, By: fmt.Sprintf("%T", owner)})
				continue
			}
			c.byDP[dp] = schema
		}
		for _, f := range schema.Fields() {
			if owner, taken := c.byField[f]; taken {
				c.shadowed = append(c.shadowed, Shadow{Field: f, By: fmt.Sprintf("%T", owner)})
				continue
			}
			c.byField[f] = schema
		}
	}
	return c, nil
}

// Capability implements Converter.
func (c *Chain) Capability() Capability { return DataCapability }

// Decode processes DPs in frame order. Each DP sees the state as updated by
// the DPs before it in the same frame.
func (c *Chain) Decode(f *tuya.Frame, ctx Context) Patch {
	out := Patch{}
	state := make(map[string]any, len(ctx.State))
	for k, v := range ctx.State {
		state[k] = v
	}
	for _, dp := range f.DPs {
		conv, ok := c.byDP[dp.DP]
		if !ok {
			ctx.Reporter.Unrecognized(ctx.IEEE, dp)
			continue
		}
		sub := ctx
		sub.State = state
		p := conv.Decode(&tuya.Frame{Seq: f.Seq, DPs: []tuya.DpValue{dp}}, sub)
		for k, v := range p {
			out[k] = v
			state[k] = v
		}
	}
	return out
}

// Encode routes a field write to its owner.
func (c *Chain) Encode(field string, value any, ctx Context) ([]tuya.DpValue, error) {
	conv, ok := c.byField[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return conv.Encode(field, value, ctx)
}

// Fields implements Converter.
func (c *Chain) Fields() []string {
	out := make([]string, 0, len(c.byField))
	for f := range c.byField {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// DPs implements Converter.
func (c *Chain) DPs() []uint8 {
	out := make([]uint8, 0, len(c.byDP))
	for dp := range c.byDP {
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Shadowed lists schema DPs and fields lost to hand-written converters, in
// schema order.
func (c *Chain) Shadowed() []Shadow { return c.shadowed }

// Schema returns the chain's schema, possibly nil.
func (c *Chain) Schema() *Schema { return c.schema }

// Converters returns the hand-written converters in claim order.
func (c *Chain) Converters() []Converter { return c.converters }

// FactoryConfig parameterizes a named converter for one device profile.
type FactoryConfig struct {
	// DPs maps converter roles (e.g. "position") to DP ids.
	DPs map[string]uint8
	// Params carries converter-specific settings from the profile.
	Params map[string]any
	// Arg is the part after "prefix:" for prefixed factories.
	Arg    string
	Logger *slog.Logger
}

// DP returns the id mapped to role, or def when the profile leaves it out.
func (fc FactoryConfig) DP(role string, def uint8) uint8 {
	if dp, ok := fc.DPs[role]; ok {
		return dp
	}
	return def
}

// Factory builds a converter instance.
type Factory func(cfg FactoryConfig) (Converter, error)

// Registry maps converter names used by device profiles to factories.
type Registry struct {
	mu       sync.RWMutex
	named    map[string]Factory
	prefixed map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in converters.
func NewRegistry() *Registry {
	r := &Registry{
		named:    make(map[string]Factory),
		prefixed: make(map[string]Factory),
	}
	r.Register("cover", NewCover)
	r.Register("thermostat", NewThermostat)
	r.Register("energy_meter", NewEnergyMeter)
	return r
}

// Register adds or replaces a named factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = f
}

// RegisterPrefix adds a factory for names of the form "prefix:arg".
func (r *Registry) RegisterPrefix(prefix string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixed[prefix] = f
}

// Build instantiates the converter registered under name.
func (r *Registry) Build(name string, cfg FactoryConfig) (Converter, error) {
	r.mu.RLock()
	f, ok := r.named[name]
	if !ok {
		if prefix, arg, found := strings.Cut(name, ":"); found {
			f, ok = r.prefixed[prefix]
			cfg.Arg = arg
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConverter, name)
	}
	conv, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build converter %s: %w", name, err)
	}
	return conv, nil
}

// Names lists registered converter names, prefixes suffixed with ":".
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.named)+len(r.prefixed))
	for n := range r.named {
		out = append(out, n)
	}
	for p := range r.prefixed {
		out = append(out, p+":")
	}
	sort.Strings(out)
	return out
}
