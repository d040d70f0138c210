// Package ncp defines the radio boundary the coordinator talks through.
// Backend: Tuya serial module over a UART (uart.go).
package ncp

import (
	"context"
	"errors"
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("ncp: radio closed")

// Radio delivers cluster commands to devices and reports inbound ones.
// Timeouts and retries are the radio's business; SendCommand returns once
// the frame has been handed to the transport.
type Radio interface {
	SendCommand(ctx context.Context, req ClusterCommandRequest) error
	OnClusterCommand(handler func(ClusterCommandEvent))
	Info() *RadioInfo
	Close() error
}

// RadioInfo describes the attached backend.
type RadioInfo struct {
	Backend         string `json:"backend"`
	Port            string `json:"port,omitempty"`
	ProtocolVersion uint8  `json:"protocol_version"`
	FramesIn        uint64 `json:"frames_in"`
	FramesOut       uint64 `json:"frames_out"`
	BadFrames       uint64 `json:"bad_frames"`
}

// ClusterCommandRequest sends a cluster-specific command.
type ClusterCommandRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	CommandID uint8
	Payload   []byte
	// DisableDefaultResponse sets the ZCL frame-control bit that tells the
	// device not to answer with a Default Response.
	DisableDefaultResponse bool
}

// ClusterCommandEvent is emitted for incoming cluster-specific commands (e.g., Tuya DP).
type ClusterCommandEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	CommandID uint8
	Payload   []byte
	LQI       uint8
	RSSI      int8
}
