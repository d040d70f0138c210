// Package clusters holds the cluster definitions the bridge registers.
package clusters

import (
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
)

// Tuya is the manufacturer-specific 0xEF00 cluster. mcuSyncTime and
// mcuGatewayConnectionStatus exist in both directions: the device asks and
// the host answers with the same id.
var Tuya = zcl.ClusterDef{
	ID:   tuya.ClusterID,
	Name: "Tuya",
	Commands: []zcl.CommandDef{
		{ID: tuya.CmdDataRequest, Name: tuya.DataRequest, Direction: zcl.DirectionToServer},
		{ID: tuya.CmdDataQuery, Name: tuya.DataQuery, Direction: zcl.DirectionToServer},
		{ID: tuya.CmdMcuVersionRequest, Name: tuya.McuVersionRequest, Direction: zcl.DirectionToServer},
		{ID: tuya.CmdMcuSyncTime, Name: tuya.McuSyncTime, Direction: zcl.DirectionToServer},
		{ID: tuya.CmdMcuGatewayConnectionStatus, Name: tuya.McuGatewayConnectionStatus, Direction: zcl.DirectionToServer},

		{ID: tuya.CmdDataResponse, Name: tuya.DataResponse, Direction: zcl.DirectionToClient},
		{ID: tuya.CmdDataReport, Name: tuya.DataReport, Direction: zcl.DirectionToClient},
		{ID: tuya.CmdActiveStatusReportAlt, Name: tuya.ActiveStatusReportAlt, Direction: zcl.DirectionToClient},
		{ID: tuya.CmdActiveStatusReport, Name: tuya.ActiveStatusReport, Direction: zcl.DirectionToClient},
		{ID: tuya.CmdMcuVersionResponse, Name: tuya.McuVersionResponse, Direction: zcl.DirectionToClient},
		{ID: tuya.CmdMcuSyncTime, Name: tuya.McuSyncTime, Direction: zcl.DirectionToClient},
		{ID: tuya.CmdMcuGatewayConnectionStatus, Name: tuya.McuGatewayConnectionStatus, Direction: zcl.DirectionToClient},
	},
}

// RegisterAll adds every definition in this package to r.
func RegisterAll(r *zcl.Registry) {
	r.Register(Tuya)
}
