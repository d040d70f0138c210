package converter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"zigbee-tuya-bridge/internal/transform"
	"zigbee-tuya-bridge/internal/tuya"
)

// SchemaEntry maps one DP id to one named field.
type SchemaEntry struct {
	DP        uint8          `json:"dp" yaml:"dp"`
	Type      tuya.WireType  `json:"type" yaml:"type"`
	Name      string         `json:"name" yaml:"name"`
	Unit      string         `json:"unit,omitempty" yaml:"unit,omitempty"`
	Scale     float64        `json:"scale,omitempty" yaml:"scale,omitempty"`
	Values    map[string]int `json:"values,omitempty" yaml:"values,omitempty"`
	Converter string         `json:"converter,omitempty" yaml:"converter,omitempty"`
	Min       *float64       `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64       `json:"max,omitempty" yaml:"max,omitempty"`
	Writable  bool           `json:"writable,omitempty" yaml:"writable,omitempty"`
}

type compiledEntry struct {
	SchemaEntry
	conv *transform.ValueConverter
}

// Schema is a compiled, immutable DP table.
type Schema struct {
	entries []*compiledEntry
	byDP    map[uint8]*compiledEntry
	byName  map[string]*compiledEntry
}

// Compile validates entries and builds the dp and name indexes.
func Compile(entries []SchemaEntry) (*Schema, error) {
	s := &Schema{
		entries: make([]*compiledEntry, 0, len(entries)),
		byDP:    make(map[uint8]*compiledEntry, len(entries)),
		byName:  make(map[string]*compiledEntry, len(entries)),
	}
	for i, e := range entries {
		fail := func(err error) error {
			return &SchemaError{Index: i, DP: e.DP, Name: e.Name, Err: err}
		}
		ce, err := compileEntry(e)
		if err != nil {
			return nil, fail(err)
		}
		if _, dup := s.byDP[e.DP]; dup {
			return nil, fail(ErrDuplicateDP)
		}
		if _, dup := s.byName[e.Name]; dup {
			return nil, fail(ErrDuplicateName)
		}
		s.entries = append(s.entries, ce)
		s.byDP[e.DP] = ce
		s.byName[e.Name] = ce
	}
	return s, nil
}

func compileEntry(e SchemaEntry) (*compiledEntry, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidEntry)
	}
	if !e.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidEntry, e.Type)
	}
	if math.IsNaN(e.Scale) || math.IsInf(e.Scale, 0) {
		return nil, fmt.Errorf("%w: scale %v", ErrInvalidEntry, e.Scale)
	}
	if e.Scale != 0 && len(e.Values) > 0 {
		return nil, fmt.Errorf("%w: scale and values are mutually exclusive", ErrInvalidEntry)
	}
	if len(e.Values) > 0 && e.Type != tuya.TypeEnum {
		return nil, fmt.Errorf("%w: values require an enum dp, got %s", ErrInvalidEntry, e.Type)
	}
	byWire := make(map[int]string, len(e.Values))
	for name, wire := range e.Values {
		if other, dup := byWire[wire]; dup {
			a, b := min(name, other), max(name, other)
			return nil, fmt.Errorf("%w: values %q and %q share wire value %d", ErrInvalidEntry, a, b, wire)
		}
		byWire[wire] = name
	}
	if e.Min != nil && e.Max != nil && *e.Min > *e.Max {
		return nil, fmt.Errorf("%w: min %g above max %g", ErrInvalidEntry, *e.Min, *e.Max)
	}
	ce := &compiledEntry{SchemaEntry: e}
	if e.Scale == 0 {
		ce.Scale = 1
	}
	if e.Converter != "" {
		if e.Scale != 0 || len(e.Values) > 0 {
			return nil, fmt.Errorf("%w: converter excludes scale and values", ErrInvalidEntry)
		}
		c, ok := transform.Named(e.Converter)
		if !ok {
			return nil, fmt.Errorf("%w: unknown converter %q", ErrInvalidEntry, e.Converter)
		}
		ce.conv = &c
	}
	return ce, nil
}

// Entries returns the entries in declaration order, with defaults applied.
func (s *Schema) Entries() []SchemaEntry {
	out := make([]SchemaEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.SchemaEntry
	}
	return out
}

// Entry looks up an entry by field name.
func (s *Schema) Entry(name string) (SchemaEntry, bool) {
	e, ok := s.byName[name]
	if !ok {
		return SchemaEntry{}, false
	}
	return e.SchemaEntry, true
}

// Capability implements Converter.
func (s *Schema) Capability() Capability { return DataCapability }

// Fields implements Converter.
func (s *Schema) Fields() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Name
	}
	return out
}

// DPs implements Converter.
func (s *Schema) DPs() []uint8 {
	out := make([]uint8, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.DP
	}
	return out
}

// Decode maps every recognized DP into the patch. Unknown ids, wrong wire
// types and out-of-range values are reported and skipped.
func (s *Schema) Decode(f *tuya.Frame, ctx Context) Patch {
	out := Patch{}
	for _, dp := range f.DPs {
		e, ok := s.byDP[dp.DP]
		if !ok {
			ctx.Reporter.Unrecognized(ctx.IEEE, dp)
			continue
		}
		if dp.Type != e.Type {
			ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, e.Type)
			continue
		}
		if v, ok := e.decode(dp, ctx); ok {
			out[e.Name] = v
		}
	}
	return out
}

func (e *compiledEntry) decode(dp tuya.DpValue, ctx Context) (any, bool) {
	if (e.Type == tuya.TypeValue || e.Type == tuya.TypeBitmap) && (len(dp.Data) == 0 || len(dp.Data) > 4) {
		// Right type, but the payload cannot hold a 32-bit number.
		ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, e.Name, len(dp.Data), 1, 4)
		return nil, false
	}
	raw, err := dp.Decode()
	if err != nil {
		// Structurally present but not decodable as the declared type.
		ctx.Reporter.WireTypeMismatch(ctx.IEEE, dp, e.Type)
		return nil, false
	}
	if e.conv != nil {
		switch e.Type {
		case tuya.TypeRaw:
			raw = hex.EncodeToString(raw.([]byte))
		case tuya.TypeValue:
			// Named converters see the same signed view as scaled fields.
			raw, _ = dp.Int32()
		}
		v, err := e.conv.From(raw)
		if err != nil {
			ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, e.Name, raw, nil, nil)
			return nil, false
		}
		return e.checkRange(v, dp.DP, ctx)
	}

	switch e.Type {
	case tuya.TypeBool, tuya.TypeString:
		return raw, true
	case tuya.TypeRaw:
		return hex.EncodeToString(raw.([]byte)), true
	case tuya.TypeEnum:
		idx := raw.(uint8)
		if len(e.Values) > 0 {
			name, ok := transform.EnumLookup(int(idx), e.Values)
			if !ok {
				ctx.Reporter.OutOfRange(ctx.IEEE, dp.DP, e.Name, idx, nil, nil)
				return nil, false
			}
			return name, true
		}
		return e.scaled(int64(idx), dp.DP, ctx)
	case tuya.TypeValue:
		// Devices emit negatives as the 32-bit two's-complement pattern.
		n, _ := dp.Int32()
		return e.scaled(n, dp.DP, ctx)
	case tuya.TypeBitmap:
		return e.scaled(int64(raw.(uint32)), dp.DP, ctx)
	}
	return nil, false
}

func (e *compiledEntry) scaled(n int64, dp uint8, ctx Context) (any, bool) {
	if e.Scale == 1 {
		return e.checkRange(n, dp, ctx)
	}
	v, err := transform.Scale(n, e.Scale)
	if err != nil {
		ctx.Reporter.OutOfRange(ctx.IEEE, dp, e.Name, n, nil, nil)
		return nil, false
	}
	return e.checkRange(v, dp, ctx)
}

func (e *compiledEntry) checkRange(v any, dp uint8, ctx Context) (any, bool) {
	if e.Min == nil && e.Max == nil {
		return v, true
	}
	f, ok := transform.ToFloat64(v)
	if !ok {
		return v, true
	}
	if !e.inRange(f) {
		ctx.Reporter.OutOfRange(ctx.IEEE, dp, e.Name, v, ptrVal(e.Min), ptrVal(e.Max))
		return nil, false
	}
	return v, true
}

func (e *compiledEntry) inRange(f float64) bool {
	if e.Min != nil && f < *e.Min {
		return false
	}
	if e.Max != nil && f > *e.Max {
		return false
	}
	return true
}

func ptrVal(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Encode produces the single DP for a field write.
func (s *Schema) Encode(field string, value any, ctx Context) ([]tuya.DpValue, error) {
	e, ok := s.byName[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if !e.Writable {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, field)
	}
	dp, err := e.encode(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", field, err)
	}
	return []tuya.DpValue{dp}, nil
}

func (e *compiledEntry) encode(value any) (tuya.DpValue, error) {
	if e.conv != nil {
		if e.conv.To == nil {
			return tuya.DpValue{}, fmt.Errorf("%w: converter %s is decode-only", ErrReadOnly, e.Converter)
		}
		if f, ok := transform.ToFloat64(value); ok && !e.inRange(f) {
			return tuya.DpValue{}, domainErr(e.Name, value, e.rangeString())
		}
		v, err := e.conv.To(value)
		if err != nil {
			return tuya.DpValue{}, err
		}
		value = v
		if u, ok := v.(uint32); ok && e.Type == tuya.TypeValue {
			return tuya.EncodeUnsigned(e.DP, u), nil
		}
		return e.encodeRaw(value, 1)
	}

	if len(e.Values) > 0 {
		name, ok := value.(string)
		if !ok {
			return tuya.DpValue{}, domainErr(e.Name, value, "enum name")
		}
		idx, err := transform.EnumReverse(name, e.Values)
		if err != nil {
			return tuya.DpValue{}, err
		}
		return e.encodeRaw(int64(idx), 1)
	}

	if f, ok := transform.ToFloat64(value); ok && !e.inRange(f) {
		return tuya.DpValue{}, domainErr(e.Name, value, e.rangeString())
	}
	return e.encodeRaw(value, e.Scale)
}

func (e *compiledEntry) rangeString() string {
	return fmt.Sprintf("%v..%v", ptrVal(e.Min), ptrVal(e.Max))
}

// encodeRaw applies the inverse scale and the wire encoder.
func (e *compiledEntry) encodeRaw(value any, scale float64) (tuya.DpValue, error) {
	switch e.Type {
	case tuya.TypeBool:
		b, ok := transform.ToBool(value)
		if !ok {
			return tuya.DpValue{}, domainErr(e.Name, value, "bool")
		}
		return tuya.EncodeBool(e.DP, b), nil
	case tuya.TypeValue, tuya.TypeEnum, tuya.TypeBitmap:
		f, ok := transform.ToFloat64(value)
		if !ok {
			return tuya.DpValue{}, domainErr(e.Name, value, "number")
		}
		n, err := transform.Unscale(f, scale)
		if err != nil {
			return tuya.DpValue{}, err
		}
		var dp tuya.DpValue
		switch e.Type {
		case tuya.TypeValue:
			dp, err = tuya.EncodeValue(e.DP, n)
		case tuya.TypeEnum:
			dp, err = tuya.EncodeEnum(e.DP, n)
		default:
			dp, err = encodeBitmap(e.DP, n)
		}
		if err != nil {
			return tuya.DpValue{}, fmt.Errorf("%w: %v", ErrOutOfDomain, err)
		}
		return dp, nil
	case tuya.TypeString:
		s, ok := value.(string)
		if !ok {
			return tuya.DpValue{}, domainErr(e.Name, value, "string")
		}
		dp, err := tuya.EncodeString(e.DP, s)
		if err != nil {
			return tuya.DpValue{}, fmt.Errorf("%w: %v", ErrOutOfDomain, err)
		}
		return dp, nil
	case tuya.TypeRaw:
		switch b := value.(type) {
		case []byte:
			return tuya.EncodeRaw(e.DP, b), nil
		case string:
			data, err := hex.DecodeString(b)
			if err != nil {
				return tuya.DpValue{}, domainErr(e.Name, value, "hex string")
			}
			return tuya.EncodeRaw(e.DP, data), nil
		}
		return tuya.DpValue{}, domainErr(e.Name, value, "hex string")
	}
	return tuya.DpValue{}, errors.New("unsupported wire type")
}

// encodeBitmap uses the narrowest width that holds n.
func encodeBitmap(dp uint8, n int64) (tuya.DpValue, error) {
	if n < 0 || n > math.MaxUint32 {
		return tuya.DpValue{}, fmt.Errorf("bitmap %d out of range", n)
	}
	width := 4
	switch {
	case n <= 0xFF:
		width = 1
	case n <= 0xFFFF:
		width = 2
	}
	return tuya.EncodeBitmap(dp, uint32(n), width)
}
