package tuya

import (
	"encoding/binary"
	"time"
)

// ClusterID is the manufacturer-specific cluster carrying DP frames.
const ClusterID uint16 = 0xEF00

// Cluster command ids.
const (
	CmdDataRequest                uint8 = 0x00
	CmdDataResponse               uint8 = 0x01
	CmdDataReport                 uint8 = 0x02
	CmdDataQuery                  uint8 = 0x03
	CmdActiveStatusReportAlt      uint8 = 0x05
	CmdActiveStatusReport         uint8 = 0x06
	CmdMcuVersionRequest          uint8 = 0x10
	CmdMcuVersionResponse         uint8 = 0x11
	CmdMcuSyncTime                uint8 = 0x24
	CmdMcuGatewayConnectionStatus uint8 = 0x25
)

// Command names, as used in converter capabilities and send calls.
const (
	DataRequest                = "dataRequest"
	DataResponse               = "dataResponse"
	DataReport                 = "dataReport"
	DataQuery                  = "dataQuery"
	ActiveStatusReportAlt      = "activeStatusReportAlt"
	ActiveStatusReport         = "activeStatusReport"
	McuVersionRequest          = "mcuVersionRequest"
	McuVersionResponse         = "mcuVersionResponse"
	McuSyncTime                = "mcuSyncTime"
	McuGatewayConnectionStatus = "mcuGatewayConnectionStatus"
)

// DataCommands are the inbound commands whose payload is a DP frame. They
// are equivalent containers; converters never branch on which one arrived.
var DataCommands = []string{DataResponse, DataReport, ActiveStatusReport, ActiveStatusReportAlt}

// IsDataCommand reports whether name carries a DP frame inbound.
func IsDataCommand(name string) bool {
	for _, c := range DataCommands {
		if c == name {
			return true
		}
	}
	return false
}

// Epoch selects the zero point for time sync payloads.
type Epoch int

const (
	Epoch1970 Epoch = 1970
	Epoch2000 Epoch = 2000
)

var jan2000 = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// TimeSyncPayload builds the mcuSyncTime reply: payloadSize(2) followed by
// UTC and local seconds since the epoch, each 4 bytes big-endian.
// payloadSize is a ZCL uint16 and therefore little-endian.
func TimeSyncPayload(now time.Time, epoch Epoch) []byte {
	utc := now.Unix()
	if epoch == Epoch2000 {
		utc = int64(now.Sub(jan2000) / time.Second)
	}
	_, offset := now.Zone()
	local := utc + int64(offset)

	out := make([]byte, 0, 10)
	out = binary.LittleEndian.AppendUint16(out, 8)
	out = binary.BigEndian.AppendUint32(out, uint32(utc))
	out = binary.BigEndian.AppendUint32(out, uint32(local))
	return out
}

// GatewayStatusPayload answers mcuGatewayConnectionStatus. status 1 means
// the gateway is connected.
func GatewayStatusPayload(status uint8) []byte {
	return []byte{0x01, 0x00, status}
}

// VersionRequestPayload builds mcuVersionRequest with the given sequence.
// Like payloadSize, seq is a ZCL uint16 and goes out little-endian.
func VersionRequestPayload(seq uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, seq)
}
