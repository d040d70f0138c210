package tuya

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame marks transport-level corruption: the payload cannot be
// split into whole records. The entire frame is rejected.
var ErrMalformedFrame = errors.New("tuya: malformed frame")

const (
	seqHeaderLen = 2
	recordHeader = 4 // dp(1) + type(1) + len(2)
)

// Frame is the payload of one 0xEF00 data command: a transaction sequence
// followed by one or more DP records.
type Frame struct {
	Seq uint16    `json:"seq"`
	DPs []DpValue `json:"dps"`
}

// DecodeFrame parses seq(2) followed by records of dp | type | len(2) | data.
// Every multi-byte field is big-endian.
func DecodeFrame(payload []byte) (*Frame, error) {
	if len(payload) < seqHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need sequence header", ErrMalformedFrame, len(payload))
	}
	f := &Frame{Seq: binary.BigEndian.Uint16(payload[0:2])}
	data := payload[seqHeaderLen:]
	offset := seqHeaderLen

	for len(data) > 0 {
		if len(data) < recordHeader {
			return nil, fmt.Errorf("%w: truncated record header at offset %d", ErrMalformedFrame, offset)
		}
		dp := data[0]
		typ := WireType(data[1])
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < recordHeader+length {
			return nil, fmt.Errorf("%w: dp %d declares %d bytes, %d available", ErrMalformedFrame, dp, length, len(data)-recordHeader)
		}
		value := make([]byte, length)
		copy(value, data[recordHeader:recordHeader+length])
		f.DPs = append(f.DPs, DpValue{DP: dp, Type: typ, Data: value})

		data = data[recordHeader+length:]
		offset += recordHeader + length
	}

	if len(f.DPs) == 0 {
		return nil, fmt.Errorf("%w: no data points", ErrMalformedFrame)
	}
	return f, nil
}

// Encode serializes the frame in the same layout DecodeFrame reads.
func (f *Frame) Encode() []byte {
	size := seqHeaderLen
	for _, dp := range f.DPs {
		size += recordHeader + len(dp.Data)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint16(out, f.Seq)
	for _, dp := range f.DPs {
		out = append(out, dp.DP, byte(dp.Type))
		out = binary.BigEndian.AppendUint16(out, uint16(len(dp.Data)))
		out = append(out, dp.Data...)
	}
	return out
}

// Find returns the first record carrying id dp.
func (f *Frame) Find(dp uint8) (DpValue, bool) {
	for _, v := range f.DPs {
		if v.DP == dp {
			return v, true
		}
	}
	return DpValue{}, false
}
