package converter

import (
	"errors"
	"fmt"
	"sort"

	"zigbee-tuya-bridge/internal/transform"
	"zigbee-tuya-bridge/internal/tuya"
)

var (
	thresholdStates      = map[byte]string{0: "not_set", 1: "over_current_threshold", 3: "over_voltage_threshold"}
	thresholdProtections = map[byte]string{0: "OFF", 1: "ON"}
)

// EnergyMeter decodes the packed phase and threshold blocks of DIN-rail
// meters. All of its fields are read-only.
type EnergyMeter struct {
	variant int
	roles   map[string]uint8
	byDP    map[uint8]string
}

// NewEnergyMeter builds the meter converter. Roles: phase (fields without
// suffix), phase_a/phase_b/phase_c (suffixed, variant 2 layout), threshold.
// Param phase_variant selects the layout of the phase role (1, 2 or 3).
func NewEnergyMeter(cfg FactoryConfig) (Converter, error) {
	if len(cfg.DPs) == 0 {
		return nil, errors.New("energy_meter: no dps mapped")
	}
	m := &EnergyMeter{
		variant: 2,
		roles:   make(map[string]uint8, len(cfg.DPs)),
		byDP:    make(map[uint8]string, len(cfg.DPs)),
	}
	if v, ok := cfg.Params["phase_variant"]; ok {
		n, ok := transform.ToInt64(v)
		if !ok || n < 1 || n > 3 {
			return nil, fmt.Errorf("energy_meter: phase_variant %v, want 1..3", v)
		}
		m.variant = int(n)
	}
	for role, dp := range cfg.DPs {
		switch role {
		case "phase", "phase_a", "phase_b", "phase_c", "threshold":
		default:
			return nil, fmt.Errorf("energy_meter: unknown role %q", role)
		}
		if other, dup := m.byDP[dp]; dup {
			return nil, fmt.Errorf("energy_meter: dp %d mapped to %s and %s: %w", dp, other, role, ErrDuplicateDP)
		}
		m.roles[role] = dp
		m.byDP[dp] = role
	}
	return m, nil
}

func (m *EnergyMeter) Capability() Capability { return DataCapability }

func (m *EnergyMeter) DPs() []uint8 {
	out := make([]uint8, 0, len(m.byDP))
	for dp := range m.byDP {
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *EnergyMeter) Fields() []string {
	var out []string
	for role := range m.roles {
		switch role {
		case "phase":
			out = append(out, "voltage", "current")
			if m.variant != 1 {
				out = append(out, "power")
			}
		case "threshold":
			for _, n := range []string{"1", "2"} {
				out = append(out, "threshold_"+n, "threshold_"+n+"_protection", "threshold_"+n+"_value")
			}
		default:
			suffix := role[len("phase"):]
			out = append(out, "voltage"+suffix, "current"+suffix, "power"+suffix)
		}
	}
	sort.Strings(out)
	return out
}

func (m *EnergyMeter) Decode(f *tuya.Frame, ctx Context) Patch {
	out := Patch{}
	for _, dp := range f.DPs {
		role, ok := m.byDP[dp.DP]
		if !ok {
			ctx.Reporter.Unrecognized(ctx.IEEE, dp)
			continue
		}
		if !expectType(dp, tuya.TypeRaw, ctx) {
			continue
		}
		var (
			p   Patch
			err error
		)
		switch role {
		case "phase":
			p, err = decodePhase(dp.Data, m.variant, "")
		case "threshold":
			p, err = decodeThreshold(dp.Data)
		default:
			p, err = decodePhase(dp.Data, 2, role[len("phase"):])
		}
		if err != nil {
			ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, role, len(dp.Data), nil, nil)
			continue
		}
		out.Merge(p)
	}
	return out
}

func (m *EnergyMeter) Encode(field string, value any, ctx Context) ([]tuya.DpValue, error) {
	for _, f := range m.Fields() {
		if f == field {
			return nil, fmt.Errorf("%w: %s", ErrReadOnly, field)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
}

func be16(b []byte) int64 { return int64(b[0])<<8 | int64(b[1]) }
func be24(b []byte) int64 { return int64(b[0])<<16 | int64(b[1])<<8 | int64(b[2]) }

// decodePhase reads voltage (0.1 V), current (mA) and power (W).
//
//	variant 1: voltage at 13..14, current at 11..12, no power
//	variant 2: voltage 0..1, current 3..4, power 6..7
//	variant 3: voltage 0..1, current 2..4, power 5..7
func decodePhase(data []byte, variant int, suffix string) (Patch, error) {
	need := 8
	if variant == 1 {
		need = 15
	}
	if len(data) < need {
		return nil, fmt.Errorf("phase variant %d: %d bytes, want %d", variant, len(data), need)
	}
	p := Patch{}
	switch variant {
	case 1:
		p["voltage"+suffix] = float64(be16(data[13:])) / 10
		p["current"+suffix] = float64(be16(data[11:])) / 1000
	case 2:
		p["voltage"+suffix] = float64(be16(data[0:])) / 10
		p["current"+suffix] = float64(be16(data[3:])) / 1000
		p["power"+suffix] = be16(data[6:])
	case 3:
		p["voltage"+suffix] = float64(be16(data[0:])) / 10
		p["current"+suffix] = float64(be24(data[2:])) / 1000
		p["power"+suffix] = be24(data[5:])
	default:
		return nil, fmt.Errorf("phase variant %d", variant)
	}
	return p, nil
}

// decodeThreshold reads two (state, protection, value) alarm settings.
func decodeThreshold(data []byte) (Patch, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("threshold: %d bytes, want 8", len(data))
	}
	p := Patch{}
	for i, n := range []string{"1", "2"} {
		b := data[i*4:]
		state, ok := thresholdStates[b[0]]
		if !ok {
			return nil, fmt.Errorf("threshold %s: state %d", n, b[0])
		}
		protection, ok := thresholdProtections[b[1]]
		if !ok {
			return nil, fmt.Errorf("threshold %s: protection %d", n, b[1])
		}
		p["threshold_"+n] = state
		p["threshold_"+n+"_protection"] = protection
		p["threshold_"+n+"_value"] = be16(b[2:])
	}
	return p, nil
}
