package converter

import (
	"fmt"
	"strings"

	"zigbee-tuya-bridge/internal/transform"
	"zigbee-tuya-bridge/internal/tuya"
)

// Position modes for the cover converter.
const (
	// PositionAuto inverts when the manufacturer is known to report 100 as
	// closed, XOR the invert_cover option.
	PositionAuto = "auto"
	// PositionInverted is for models whose position DP is always reversed:
	// invert_cover switches the correction off.
	PositionInverted = "inverted"
	// PositionDirect honours invert_cover alone.
	PositionDirect = "direct"
)

// Manufacturers whose motors report 100 as fully closed.
var invertedCovers = map[string]bool{
	"_TZE200_wmcdj3aq": true,
	"_TZE200_nogaemzt": true,
	"_TZE200_xuzcvlku": true,
	"_TZE200_xaabybja": true,
	"_TZE200_rmymn92d": true,
	"_TZE200_gubdgai2": true,
	"_TZE200_zah67ekd": true,
	"_TZE200_yenbr4om": true,
	"_TZE200_5sbebbzs": true,
	"_TZE200_hsgrhjpf": true,
}

// IsCoverInverted reports whether manufacturer is on the inverted list.
func IsCoverInverted(manufacturer string) bool {
	return invertedCovers[manufacturer]
}

// Roller models with swapped open/close control values.
var rollerCovers = map[string]bool{
	"_TZE200_rddyvrci": true,
}

var (
	coverControl        = map[string]int{"OPEN": 0, "STOP": 1, "CLOSE": 2}
	rollerControl       = map[string]int{"OPEN": 2, "STOP": 1, "CLOSE": 0}
	coverMotorDirection = map[string]int{"forward": 0, "back": 1}
)

// Cover handles curtain, blind and tubular motors.
type Cover struct {
	control     uint8
	positionSet uint8
	position    uint8
	direction   uint8
	mode        string
}

// NewCover builds a cover converter. Roles: control, position_set,
// position, motor_direction. Param position_mode selects inversion.
func NewCover(cfg FactoryConfig) (Converter, error) {
	mode := PositionAuto
	if m, ok := cfg.Params["position_mode"].(string); ok && m != "" {
		mode = m
	}
	switch mode {
	case PositionAuto, PositionInverted, PositionDirect:
	default:
		return nil, fmt.Errorf("cover: unknown position_mode %q", mode)
	}
	return &Cover{
		control:     cfg.DP("control", 1),
		positionSet: cfg.DP("position_set", 2),
		position:    cfg.DP("position", 3),
		direction:   cfg.DP("motor_direction", 5),
		mode:        mode,
	}, nil
}

func (c *Cover) Capability() Capability { return DataCapability }

func (c *Cover) Fields() []string { return []string{"state", "position", "motor_direction"} }

func (c *Cover) DPs() []uint8 {
	dps := []uint8{c.control, c.positionSet}
	if c.position != c.positionSet {
		dps = append(dps, c.position)
	}
	return append(dps, c.direction)
}

// invert combines the manufacturer signal with the invert_cover option.
func (c *Cover) invert(ctx Context) bool {
	opt := ctx.OptionBool("invert_cover")
	switch c.mode {
	case PositionInverted:
		return !opt
	case PositionDirect:
		return opt
	}
	return IsCoverInverted(ctx.Manufacturer) != opt
}

func (c *Cover) controlTable(ctx Context) map[string]int {
	if rollerCovers[ctx.Manufacturer] {
		return rollerControl
	}
	return coverControl
}

func (c *Cover) Decode(f *tuya.Frame, ctx Context) Patch {
	out := Patch{}
	for _, dp := range f.DPs {
		switch dp.DP {
		case c.positionSet, c.position:
			if dp.Type != tuya.TypeValue {
				ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, tuya.TypeValue)
				continue
			}
			raw, err := dp.Uint32()
			if err != nil {
				ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, tuya.TypeValue)
				continue
			}
			pos := int64(raw & 0xFF)
			if pos > 100 {
				ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, "position", pos, 0, 100)
				continue
			}
			if c.invert(ctx) {
				pos = 100 - pos
			}
			out["position"] = pos
		case c.control:
			c.decodeEnum(dp, "state", c.controlTable(ctx), out, ctx)
		case c.direction:
			c.decodeEnum(dp, "motor_direction", coverMotorDirection, out, ctx)
		default:
			ctx.Reporter.Unrecognized(ctx.IEEE, dp)
		}
	}
	return out
}

func (c *Cover) decodeEnum(dp tuya.DpValue, field string, table map[string]int, out Patch, ctx Context) {
	if dp.Type != tuya.TypeEnum || len(dp.Data) == 0 {
		ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, tuya.TypeEnum)
		return
	}
	name, ok := transform.EnumLookup(int(dp.Data[0]), table)
	if !ok {
		ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, field, dp.Data[0], nil, nil)
		return
	}
	out[field] = name
}

func (c *Cover) Encode(field string, value any, ctx Context) ([]tuya.DpValue, error) {
	switch field {
	case "position":
		f, ok := transform.ToFloat64(value)
		if !ok || f < 0 || f > 100 {
			return nil, domainErr(field, value, "0..100")
		}
		pos := int64(f + 0.5)
		if c.invert(ctx) {
			pos = 100 - pos
		}
		dp, err := tuya.EncodeValue(c.positionSet, pos)
		if err != nil {
			return nil, err
		}
		return []tuya.DpValue{dp}, nil
	case "state":
		s, _ := value.(string)
		idx, err := transform.EnumReverse(strings.ToUpper(s), c.controlTable(ctx))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		dp, err := tuya.EncodeEnum(c.control, int64(idx))
		if err != nil {
			return nil, err
		}
		return []tuya.DpValue{dp}, nil
	case "motor_direction":
		s, _ := value.(string)
		idx, err := transform.EnumReverse(strings.ToLower(s), coverMotorDirection)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		dp, err := tuya.EncodeEnum(c.direction, int64(idx))
		if err != nil {
			return nil, err
		}
		return []tuya.DpValue{dp}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
}
