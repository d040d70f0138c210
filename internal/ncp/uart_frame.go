package ncp

// Tuya serial module framing:
//
//	55 AA | ver | seq(2) | cmd | len(2) | data | sum
//
// seq and len are big-endian. sum is the byte sum of everything before it,
// modulo 256.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	uartHead0     = 0x55
	uartHead1     = 0xAA
	uartHeaderLen = 8 // head(2) + ver(1) + seq(2) + cmd(1) + len(2)
	// uartMaxData bounds a frame; the module's buffers are far smaller.
	uartMaxData = 1024
)

var (
	errBadChecksum  = errors.New("uart: bad checksum")
	errFrameTooLong = errors.New("uart: frame too long")
)

// uartFrame is one link-level frame.
type uartFrame struct {
	Version uint8
	Seq     uint16
	Cmd     uint8
	Data    []byte
}

func uartChecksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

func encodeUARTFrame(f uartFrame) []byte {
	out := make([]byte, 0, uartHeaderLen+len(f.Data)+1)
	out = append(out, uartHead0, uartHead1, f.Version)
	out = binary.BigEndian.AppendUint16(out, f.Seq)
	out = append(out, f.Cmd)
	out = binary.BigEndian.AppendUint16(out, uint16(len(f.Data)))
	out = append(out, f.Data...)
	return append(out, uartChecksum(out))
}

// readUARTFrame reads the next frame, skipping bytes until a header is found.
// A checksum mismatch consumes the frame and returns errBadChecksum so the
// caller can count it and keep reading.
func readUARTFrame(r *bufio.Reader) (uartFrame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return uartFrame{}, err
		}
		if b != uartHead0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return uartFrame{}, err
		}
		if next[0] != uartHead1 {
			continue
		}
		_, _ = r.ReadByte()
		break
	}

	hdr := make([]byte, uartHeaderLen)
	hdr[0], hdr[1] = uartHead0, uartHead1
	if _, err := io.ReadFull(r, hdr[2:]); err != nil {
		return uartFrame{}, err
	}
	length := int(binary.BigEndian.Uint16(hdr[6:8]))
	if length > uartMaxData {
		return uartFrame{}, fmt.Errorf("%w: %d bytes, max %d", errFrameTooLong, length, uartMaxData)
	}
	rest := make([]byte, length+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return uartFrame{}, err
	}

	f := uartFrame{
		Version: hdr[2],
		Seq:     binary.BigEndian.Uint16(hdr[3:5]),
		Cmd:     hdr[5],
		Data:    rest[:length],
	}
	want := uartChecksum(hdr) + uartChecksum(rest[:length])
	if rest[length] != want {
		return f, fmt.Errorf("%w: got 0x%02X want 0x%02X", errBadChecksum, rest[length], want)
	}
	return f, nil
}
