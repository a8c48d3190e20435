package cluster

import (
	"context"
	"log/slog"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	DiagnosticsClusterID uint16 = 0x0B05

	DiagnosticsAttrLastLQI  uint16 = 0x011C
	DiagnosticsAttrLastRSSI uint16 = 0x011D
)

var DiagnosticsDef = zcl.ClusterDef{
	ID:   DiagnosticsClusterID,
	Name: "Diagnostics",
	Attributes: []zcl.AttributeDef{
		{ID: DiagnosticsAttrLastLQI, Name: "LastMessageLQI", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: DiagnosticsAttrLastRSSI, Name: "LastMessageRSSI", Type: zcl.TypeInt8, Access: zcl.AccessRead},
	},
}

type DiagnosticsCallbacks struct {
	LinkQuality func(addr hal.EUI64, endpoint uint8, lqi uint8, rssi int8)
}

// Diagnostics reads link quality on every poll control check-in. It has
// nothing to configure.
type Diagnostics struct {
	sub    Subsystem
	logger *slog.Logger
	cb     DiagnosticsCallbacks
}

func NewDiagnostics(sub Subsystem, logger *slog.Logger, cb DiagnosticsCallbacks) *Diagnostics {
	return &Diagnostics{sub: sub, logger: logger.With("component", "diagnostics"), cb: cb}
}

func (d *Diagnostics) ID() uint16                 { return DiagnosticsClusterID }
func (d *Diagnostics) Priority() int              { return PriorityDefault }
func (d *Diagnostics) Definition() zcl.ClusterDef { return DiagnosticsDef }

// HandlePollControlCheckin reads LQI and RSSI and reports them together,
// or not at all if either read fails.
func (d *Diagnostics) HandlePollControlCheckin(ctx context.Context, addr hal.EUI64, endpoint uint8) {
	lqi, err := d.sub.ReadNumber(ctx, addr, endpoint, DiagnosticsClusterID, DiagnosticsAttrLastLQI)
	if err != nil {
		d.logger.Warn("read last message lqi", "ieee", addr, "err", err)
		return
	}
	rssi, err := d.sub.ReadNumber(ctx, addr, endpoint, DiagnosticsClusterID, DiagnosticsAttrLastRSSI)
	if err != nil {
		d.logger.Warn("read last message rssi", "ieee", addr, "err", err)
		return
	}
	if d.cb.LinkQuality != nil {
		d.cb.LinkQuality(addr, endpoint, uint8(lqi), int8(rssi))
	}
}
