package converter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"zigbee-tuya-bridge/internal/transform"
	"zigbee-tuya-bridge/internal/tuya"
)

// ErrStateRequired is returned when an encode depends on device state that
// has not been reported yet.
var ErrStateRequired = errors.New("required state unknown")

// Schedule formats for the schedule_<day> roles.
const (
	ScheduleSingleDP = "single_dp"
	ScheduleMultiDP  = "multi_dp"
)

var thermostatRoles = map[string]bool{
	"current_heating_setpoint":      true,
	"local_temperature":             true,
	"local_temperature_calibration": true,
	"sensor":                        true,
	"external_temperature":          true,
	"preset":                        true,
	"system_mode":                   true,
	"working_day":                   true,
	"child_lock":                    true,
	"schedule_set":                  true,
	"program":                       true,
	"program_days":                  true,
	"schedule_monday":               true,
	"schedule_tuesday":              true,
	"schedule_wednesday":            true,
	"schedule_thursday":             true,
	"schedule_friday":               true,
	"schedule_saturday":             true,
	"schedule_sunday":               true,
}

var (
	sensorModes = map[string]int{"internal": 0, "external": 1, "both": 2}

	modePresetLookup = map[string]int{"auto": 0, "manual": 1, "off": 2, "on": 3}
	modeSystemDecode = map[int]string{0: "auto", 1: "auto", 2: "off", 3: "heat"}
	modeSystemEncode = map[string]int{"auto": 1, "off": 2, "heat": 3}
)

// Manufacturer whose holiday preset is 2 instead of 3.
const holidayPresetTwo = "_TZE200_mudxchsu"

const (
	setpointMin = 5.0
	setpointMax = 35.0
)

// Thermostat covers radiator valves and wall thermostats. Every role is
// opt-in: only DPs mapped in the profile are claimed.
type Thermostat struct {
	roles          map[string]uint8
	byDP           map[uint8]string
	scheduleFormat string
}

// NewThermostat builds a thermostat converter from the profile's role map.
// Param schedule_format is single_dp (default) or multi_dp.
func NewThermostat(cfg FactoryConfig) (Converter, error) {
	if len(cfg.DPs) == 0 {
		return nil, errors.New("thermostat: no dps mapped")
	}
	t := &Thermostat{
		roles:          make(map[string]uint8, len(cfg.DPs)),
		byDP:           make(map[uint8]string, len(cfg.DPs)),
		scheduleFormat: ScheduleSingleDP,
	}
	if f, ok := cfg.Params["schedule_format"].(string); ok && f != "" {
		if f != ScheduleSingleDP && f != ScheduleMultiDP {
			return nil, fmt.Errorf("thermostat: unknown schedule_format %q", f)
		}
		t.scheduleFormat = f
	}
	for role, dp := range cfg.DPs {
		if !thermostatRoles[role] {
			return nil, fmt.Errorf("thermostat: unknown role %q", role)
		}
		if other, dup := t.byDP[dp]; dup {
			return nil, fmt.Errorf("thermostat: dp %d mapped to %s and %s: %w", dp, other, role, ErrDuplicateDP)
		}
		t.roles[role] = dp
		t.byDP[dp] = role
	}
	if t.has("preset") && t.has("system_mode") {
		return nil, fmt.Errorf("thermostat: preset and system_mode both publish preset: %w", ErrDuplicateName)
	}
	return t, nil
}

func (t *Thermostat) has(role string) bool {
	_, ok := t.roles[role]
	return ok
}

func (t *Thermostat) Capability() Capability { return DataCapability }

func (t *Thermostat) DPs() []uint8 {
	out := make([]uint8, 0, len(t.byDP))
	for dp := range t.byDP {
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Thermostat) Fields() []string {
	var out []string
	for role := range t.roles {
		switch role {
		case "system_mode":
			out = append(out, "system_mode", "preset")
		case "program":
			out = append(out, "schedule_weekday", "schedule_holiday")
		case "schedule_set":
			out = append(out, "schedule")
		default:
			out = append(out, role)
		}
	}
	if t.scheduleFormat == ScheduleSingleDP && !t.has("schedule_set") && t.hasDayRole() {
		out = append(out, "schedule")
	}
	sort.Strings(out)
	return out
}

func (t *Thermostat) hasDayRole() bool {
	for role := range t.roles {
		if strings.HasPrefix(role, "schedule_") && role != "schedule_set" {
			return true
		}
	}
	return false
}

func (t *Thermostat) Decode(f *tuya.Frame, ctx Context) Patch {
	out := Patch{}
	for _, dp := range f.DPs {
		role, ok := t.byDP[dp.DP]
		if !ok {
			ctx.Reporter.Unrecognized(ctx.IEEE, dp)
			continue
		}
		t.decodeRole(role, dp, out, ctx)
	}
	return out
}

func (t *Thermostat) decodeRole(role string, dp tuya.DpValue, out Patch, ctx Context) {
	switch role {
	case "current_heating_setpoint", "local_temperature":
		if n, ok := expectValue(dp, ctx); ok {
			out[role] = float64(n) / 10
		}
	case "local_temperature_calibration":
		if !expectType(dp, tuya.TypeValue, ctx) {
			return
		}
		raw, err := dp.Uint32()
		if err != nil {
			ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, tuya.TypeValue)
			return
		}
		out[role] = float64(transform.TwosComplementFold(raw, 0x80000000)) / 10
	case "external_temperature":
		// Only meaningful while the valve follows an external sensor.
		// Unknown sensor mode is not guessed.
		sensor, known := ctx.StateString("sensor")
		if !known {
			ctx.Reporter.Ambiguous(ctx.IEEE, dp.DP, role, "sensor")
			return
		}
		if sensor != "external" {
			return
		}
		if n, ok := expectValue(dp, ctx); ok {
			out[role] = float64(n) / 10
		}
	case "sensor":
		decodeEnumField(dp, role, sensorModes, out, ctx)
	case "working_day":
		decodeEnumField(dp, role, workingDayModes, out, ctx)
	case "preset":
		if idx, ok := expectEnum(dp, ctx); ok {
			switch idx {
			case 0:
				out["preset"] = "auto"
			case 1:
				out["preset"] = "manual"
			case 2, 3:
				out["preset"] = "holiday"
			default:
				ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, "preset", idx, 0, 3)
			}
		}
	case "system_mode":
		if idx, ok := expectEnum(dp, ctx); ok {
			mode, known := modeSystemDecode[int(idx)]
			if !known {
				ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, "system_mode", idx, 0, 3)
				return
			}
			preset, _ := transform.EnumLookup(int(idx), modePresetLookup)
			out["system_mode"] = mode
			out["preset"] = preset
		}
	case "child_lock":
		if !expectType(dp, tuya.TypeBool, ctx) || len(dp.Data) == 0 {
			return
		}
		if dp.Data[0] == 1 {
			out[role] = "LOCK"
		} else {
			out[role] = "UNLOCK"
		}
	case "program":
		if !expectType(dp, tuya.TypeRaw, ctx) {
			return
		}
		weekday, holiday, err := DecodeProgram(dp.Data)
		if err != nil {
			ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, role, len(dp.Data), 32, 32)
			return
		}
		out["schedule_weekday"] = weekday
		out["schedule_holiday"] = holiday
	case "program_days":
		if !expectType(dp, tuya.TypeBitmap, ctx) {
			return
		}
		raw, err := dp.Uint32()
		if err != nil || raw > 0x7F {
			ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, role, raw, 0, 0x7F)
			return
		}
		out[role] = transform.WeekdayBitmap(uint8(raw))
	case "schedule_set":
		// Write-only; some devices echo it back.
	default:
		if !expectType(dp, tuya.TypeRaw, ctx) {
			return
		}
		if t.scheduleFormat == ScheduleMultiDP {
			s, err := DecodeTransitions(dp.Data)
			if err != nil {
				ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, role, len(dp.Data), 1+transitionCount*4, nil)
				return
			}
			out[role] = s
			return
		}
		out[role] = DecodeDaySchedule(dp.Data)
	}
}

func expectType(dp tuya.DpValue, want tuya.WireType, ctx Context) bool {
	if dp.Type != want {
		ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, want)
		return false
	}
	return true
}

func expectValue(dp tuya.DpValue, ctx Context) (int64, bool) {
	if !expectType(dp, tuya.TypeValue, ctx) {
		return 0, false
	}
	n, err := dp.Int32()
	if err != nil {
		ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, tuya.TypeValue)
		return 0, false
	}
	return n, true
}

func expectEnum(dp tuya.DpValue, ctx Context) (uint8, bool) {
	if !expectType(dp, tuya.TypeEnum, ctx) || len(dp.Data) == 0 {
		return 0, false
	}
	return dp.Data[0], true
}

func decodeEnumField(dp tuya.DpValue, field string, table map[string]int, out Patch, ctx Context) {
	idx, ok := expectEnum(dp, ctx)
	if !ok {
		return
	}
	name, ok := transform.EnumLookup(int(idx), table)
	if !ok {
		ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, field, idx, nil, nil)
		return
	}
	out[field] = name
}

func (t *Thermostat) Encode(field string, value any, ctx Context) ([]tuya.DpValue, error) {
	role := field
	switch field {
	case "preset":
		if t.has("system_mode") {
			role = "system_mode"
		}
	case "schedule_weekday", "schedule_holiday":
		role = "program"
	case "schedule":
		role = "schedule_set"
	}
	dp, ok := t.roles[role]
	if !ok && field == "schedule" && t.scheduleFormat == ScheduleSingleDP {
		return t.encodeDaySchedule(value, 0, false, ctx)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}

	switch role {
	case "current_heating_setpoint":
		f, ok := transform.ToFloat64(value)
		if !ok || f < setpointMin || f > setpointMax {
			return nil, domainErr(field, value, fmt.Sprintf("%g..%g", setpointMin, setpointMax))
		}
		return encodeTenths(dp, f)
	case "external_temperature":
		f, ok := transform.ToFloat64(value)
		if !ok {
			return nil, domainErr(field, value, "number")
		}
		return encodeTenths(dp, f)
	case "local_temperature":
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, field)
	case "local_temperature_calibration":
		f, ok := transform.ToFloat64(value)
		if !ok {
			return nil, domainErr(field, value, "number")
		}
		n, err := transform.Unscale(f, 10)
		if err != nil {
			return nil, err
		}
		raw, err := transform.TwosComplementUnfold(n)
		if err != nil {
			return nil, err
		}
		return []tuya.DpValue{tuya.EncodeUnsigned(dp, raw)}, nil
	case "sensor":
		return encodeEnumField(dp, field, value, sensorModes)
	case "working_day":
		return encodeEnumField(dp, field, value, workingDayModes)
	case "preset":
		s, _ := value.(string)
		switch s {
		case "auto":
			return one(tuya.EncodeEnum(dp, 0))
		case "manual":
			return one(tuya.EncodeEnum(dp, 1))
		case "holiday":
			if ctx.Manufacturer == holidayPresetTwo {
				return one(tuya.EncodeEnum(dp, 2))
			}
			return one(tuya.EncodeEnum(dp, 3))
		}
		return nil, fmt.Errorf("%s: %w", field, &transform.LookupError{Name: s, Allowed: []string{"auto", "holiday", "manual"}})
	case "system_mode":
		if field == "preset" {
			return encodeEnumField(dp, field, value, modePresetLookup)
		}
		return encodeEnumField(dp, field, value, modeSystemEncode)
	case "child_lock":
		s, _ := value.(string)
		switch strings.ToUpper(s) {
		case "LOCK":
			return []tuya.DpValue{tuya.EncodeBool(dp, true)}, nil
		case "UNLOCK":
			return []tuya.DpValue{tuya.EncodeBool(dp, false)}, nil
		}
		return nil, fmt.Errorf("%s: %w", field, &transform.LookupError{Name: s, Allowed: []string{"LOCK", "UNLOCK"}})
	case "program":
		return t.encodeProgram(dp, field, value, ctx)
	case "program_days":
		days, err := toStrings(value)
		if err != nil {
			return nil, domainErr(field, value, "list of weekday names")
		}
		bits, err := transform.PackWeekdays(days)
		if err != nil {
			return nil, err
		}
		return one(tuya.EncodeBitmap(dp, uint32(bits), 1))
	case "schedule_set":
		return t.encodeDaySchedule(value, dp, true, ctx)
	}

	// schedule_<day>
	s, ok := value.(string)
	if !ok {
		return nil, domainErr(field, value, "schedule string")
	}
	day := strings.TrimPrefix(role, "schedule_")
	if t.scheduleFormat == ScheduleMultiDP {
		payload, err := EncodeTransitions(scheduleDayNumber[day], s)
		if err != nil {
			return nil, err
		}
		return []tuya.DpValue{tuya.EncodeRaw(dp, payload)}, nil
	}
	return t.encodeDaySchedule(map[string]any{"week_day": day, "schedule": s}, dp, true, ctx)
}

// encodeDaySchedule sends {week_day, schedule} on the schedule_set DP, or on
// the week day's own DP when no shared DP is mapped.
func (t *Thermostat) encodeDaySchedule(value any, dp uint8, haveDP bool, ctx Context) ([]tuya.DpValue, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, domainErr("schedule", value, "{week_day, schedule}")
	}
	weekDay, _ := m["week_day"].(string)
	schedule, _ := m["schedule"].(string)
	if !haveDP {
		dp, haveDP = t.roles["schedule_"+weekDay]
		if !haveDP {
			return nil, domainErr("week_day", weekDay, "a mapped schedule day")
		}
	}
	workingDay, known := ctx.StateString("working_day")
	if !known {
		return nil, fmt.Errorf("schedule: working_day: %w", ErrStateRequired)
	}
	payload, err := EncodeDaySchedule(weekDay, workingDay, schedule)
	if err != nil {
		return nil, err
	}
	return []tuya.DpValue{tuya.EncodeRaw(dp, payload)}, nil
}

// encodeProgram writes both program halves; the half not being set comes
// from prior state.
func (t *Thermostat) encodeProgram(dp uint8, field string, value any, ctx Context) ([]tuya.DpValue, error) {
	s, ok := value.(string)
	if !ok {
		return nil, domainErr(field, value, "schedule string")
	}
	other := "schedule_holiday"
	if field == "schedule_holiday" {
		other = "schedule_weekday"
	}
	rest, known := ctx.StateString(other)
	if !known {
		return nil, fmt.Errorf("%s: %s: %w", field, other, ErrStateRequired)
	}
	weekday, holiday := s, rest
	if field == "schedule_holiday" {
		weekday, holiday = rest, s
	}
	payload, err := EncodeProgram(weekday, holiday)
	if err != nil {
		return nil, err
	}
	return []tuya.DpValue{tuya.EncodeRaw(dp, payload)}, nil
}

func encodeEnumField(dp uint8, field string, value any, table map[string]int) ([]tuya.DpValue, error) {
	s, _ := value.(string)
	idx, err := transform.EnumReverse(s, table)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return one(tuya.EncodeEnum(dp, int64(idx)))
}

func encodeTenths(dp uint8, v float64) ([]tuya.DpValue, error) {
	n, err := transform.Unscale(v, 10)
	if err != nil {
		return nil, err
	}
	return one(tuya.EncodeValue(dp, n))
}

func one(dp tuya.DpValue, err error) ([]tuya.DpValue, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfDomain, err)
	}
	return []tuya.DpValue{dp}, nil
}

func toStrings(v any) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, len(l))
		for i, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d is %T", i, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported list %T", v)
}
