// Package tuya implements the Tuya "data point" framing carried inside the
// manufacturer-specific cluster 0xEF00.
package tuya

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// WireType tags how a DP payload is interpreted.
type WireType uint8

// Wire types as sent by devices.
const (
	TypeRaw    WireType = 0x00
	TypeBool   WireType = 0x01
	TypeValue  WireType = 0x02
	TypeString WireType = 0x03
	TypeEnum   WireType = 0x04
	TypeBitmap WireType = 0x05
)

var wireTypeNames = map[WireType]string{
	TypeRaw:    "raw",
	TypeBool:   "bool",
	TypeValue:  "value",
	TypeString: "string",
	TypeEnum:   "enum",
	TypeBitmap: "bitmap",
}

func (t WireType) String() string {
	if name, ok := wireTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(t))
}

// Known reports whether t is one of the six defined wire types.
func (t WireType) Known() bool {
	_, ok := wireTypeNames[t]
	return ok
}

// ParseWireType parses the schema spelling of a wire type.
// "number" is accepted as an alias for "value".
func ParseWireType(s string) (WireType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return TypeRaw, nil
	case "bool":
		return TypeBool, nil
	case "value", "number":
		return TypeValue, nil
	case "string":
		return TypeString, nil
	case "enum":
		return TypeEnum, nil
	case "bitmap":
		return TypeBitmap, nil
	}
	return 0, fmt.Errorf("tuya: unknown wire type %q", s)
}

// MarshalText lets wire types round-trip through JSON/YAML as their names.
func (t WireType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *WireType) UnmarshalText(text []byte) error {
	parsed, err := ParseWireType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DpValue is one data point record.
type DpValue struct {
	DP   uint8    `json:"dp"`
	Type WireType `json:"type"`
	Data []byte   `json:"data"`
}

// ErrEmptyData is returned when a typed scalar record carries no payload.
var ErrEmptyData = errors.New("tuya: empty dp data")

// EncodeBool encodes a boolean as one byte.
func EncodeBool(dp uint8, v bool) DpValue {
	b := byte(0)
	if v {
		b = 1
	}
	return DpValue{DP: dp, Type: TypeBool, Data: []byte{b}}
}

// EncodeValue encodes a 32-bit signed integer as 4 big-endian bytes.
func EncodeValue(dp uint8, v int64) (DpValue, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return DpValue{}, fmt.Errorf("tuya: value %d out of int32 range", v)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(int32(v)))
	return DpValue{DP: dp, Type: TypeValue, Data: data}, nil
}

// EncodeUnsigned encodes an unsigned 32-bit quantity, used by devices that
// expect the two's-complement pattern of a negative offset.
func EncodeUnsigned(dp uint8, v uint32) DpValue {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, v)
	return DpValue{DP: dp, Type: TypeValue, Data: data}
}

// EncodeEnum encodes an enum index.
func EncodeEnum(dp uint8, v int64) (DpValue, error) {
	if v < 0 || v > 0xFF {
		return DpValue{}, fmt.Errorf("tuya: enum %d out of range 0..255", v)
	}
	return DpValue{DP: dp, Type: TypeEnum, Data: []byte{byte(v)}}, nil
}

// EncodeString encodes s one byte per character.
func EncodeString(dp uint8, s string) (DpValue, error) {
	data := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return DpValue{}, fmt.Errorf("tuya: character %q not representable in one byte", r)
		}
		data = append(data, byte(r))
	}
	return DpValue{DP: dp, Type: TypeString, Data: data}, nil
}

// EncodeRaw wraps a caller-built buffer.
func EncodeRaw(dp uint8, data []byte) DpValue {
	cp := make([]byte, len(data))
	copy(cp, data)
	return DpValue{DP: dp, Type: TypeRaw, Data: cp}
}

// EncodeBitmap packs bits big-endian into width bytes (1, 2 or 4).
func EncodeBitmap(dp uint8, bits uint32, width int) (DpValue, error) {
	var data []byte
	switch width {
	case 1:
		if bits > 0xFF {
			return DpValue{}, fmt.Errorf("tuya: bitmap 0x%X does not fit in 1 byte", bits)
		}
		data = []byte{byte(bits)}
	case 2:
		if bits > 0xFFFF {
			return DpValue{}, fmt.Errorf("tuya: bitmap 0x%X does not fit in 2 bytes", bits)
		}
		data = binary.BigEndian.AppendUint16(nil, uint16(bits))
	case 4:
		data = binary.BigEndian.AppendUint32(nil, bits)
	default:
		return DpValue{}, fmt.Errorf("tuya: unsupported bitmap width %d", width)
	}
	return DpValue{DP: dp, Type: TypeBitmap, Data: data}, nil
}

// Decode interprets the payload according to the record's own wire type.
//
//	bool   -> bool
//	value  -> uint32 (big-endian fold of 1..4 bytes)
//	bitmap -> uint32
//	enum   -> uint8
//	string -> string
//	raw    -> []byte (copy)
func (v DpValue) Decode() (any, error) {
	switch v.Type {
	case TypeRaw:
		cp := make([]byte, len(v.Data))
		copy(cp, v.Data)
		return cp, nil
	case TypeBool:
		if len(v.Data) == 0 {
			return nil, ErrEmptyData
		}
		return v.Data[0] == 1, nil
	case TypeValue, TypeBitmap:
		return v.Uint32()
	case TypeString:
		return decodeString(v.Data), nil
	case TypeEnum:
		if len(v.Data) == 0 {
			return nil, ErrEmptyData
		}
		return v.Data[0], nil
	}
	return nil, fmt.Errorf("tuya: unsupported wire type %s", v.Type)
}

// Uint32 folds the payload most-significant byte first.
func (v DpValue) Uint32() (uint32, error) {
	if len(v.Data) == 0 {
		return 0, ErrEmptyData
	}
	if len(v.Data) > 4 {
		return 0, fmt.Errorf("tuya: numeric dp %d has %d bytes, max 4", v.DP, len(v.Data))
	}
	var n uint32
	for _, b := range v.Data {
		n = n<<8 | uint32(b)
	}
	return n, nil
}

// Int32 returns the signed view of a 4-byte value. Shorter payloads are
// returned unsigned since their sign bit is not defined.
func (v DpValue) Int32() (int64, error) {
	n, err := v.Uint32()
	if err != nil {
		return 0, err
	}
	if len(v.Data) == 4 {
		return int64(int32(n)), nil
	}
	return int64(n), nil
}

func decodeString(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data))
	for _, b := range data {
		sb.WriteRune(rune(b))
	}
	return sb.String()
}
