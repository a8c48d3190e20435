package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	IASWDClusterID uint16 = 0x0502

	IASWDAttrMaxDuration uint16 = 0x0000

	iasWDCmdStartWarning uint8 = 0x00
	iasWDCmdSquawk       uint8 = 0x01
)

// MetaSirenMaxDuration is the siren's maximum alarm duration in seconds.
const MetaSirenMaxDuration = "siren.maxDuration"

var IASWDDef = zcl.ClusterDef{
	ID:   IASWDClusterID,
	Name: "IASWD",
	Attributes: []zcl.AttributeDef{
		{ID: IASWDAttrMaxDuration, Name: "MaxDuration", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: iasWDCmdStartWarning, Name: "StartWarning", Direction: zcl.ClientToServer},
		{ID: iasWDCmdSquawk, Name: "Squawk", Direction: zcl.ClientToServer},
	},
}

// Warning modes.
const (
	WarningStop      uint8 = 0
	WarningBurglar   uint8 = 1
	WarningFire      uint8 = 2
	WarningEmergency uint8 = 3
	WarningPolice    uint8 = 4
)

// Warning is a Start Warning request.
type Warning struct {
	Mode        uint8 // 0..15
	Strobe      bool
	SirenLevel  uint8 // 0..3
	Duration    uint16
	StrobeDuty  uint8 // 0..100 in steps of 10
	StrobeLevel uint8 // 0..3
}

// Squawk is a Squawk request. Mode 0 is armed, 1 disarmed.
type Squawk struct {
	Mode   uint8
	Strobe bool
	Level  uint8
}

// IASWD is the IAS Warning Device (siren) cluster.
type IASWD struct {
	sub    Subsystem
	logger *slog.Logger
}

func NewIASWD(sub Subsystem, logger *slog.Logger) *IASWD {
	return &IASWD{sub: sub, logger: logger.With("component", "ias_wd")}
}

func (w *IASWD) ID() uint16                 { return IASWDClusterID }
func (w *IASWD) Priority() int              { return PriorityDefault }
func (w *IASWD) Definition() zcl.ClusterDef { return IASWDDef }

func (w *IASWD) Configure(ctx context.Context, cc *ConfigContext) error {
	d, ok := cc.Metadata.Number(MetaSirenMaxDuration)
	if !ok || !cc.HasAttribute(IASWDClusterID, IASWDAttrMaxDuration) {
		return nil
	}
	err := w.sub.WriteNumber(ctx, cc.Device.Address, cc.Endpoint, IASWDClusterID,
		IASWDAttrMaxDuration, zcl.TypeUint16, 2, uint64(d))
	if err != nil {
		return fmt.Errorf("write siren max duration: %w", err)
	}
	return nil
}

// EncodeWarning builds the Start Warning payload.
func EncodeWarning(wr Warning) []byte {
	info := wr.Mode<<4 | wr.SirenLevel&0x03
	if wr.Strobe {
		info |= 0x04
	}
	buf := codec.NewWriter(5)
	buf.PutUint8(info)
	buf.PutUint16(wr.Duration)
	buf.PutUint8(wr.StrobeDuty)
	buf.PutUint8(wr.StrobeLevel & 0x03)
	return buf.Bytes()
}

// EncodeSquawk builds the Squawk payload.
func EncodeSquawk(s Squawk) []byte {
	info := s.Mode<<4 | s.Level&0x03
	if s.Strobe {
		info |= 0x08
	}
	return []byte{info}
}

// StartWarning sounds the siren and waits for the device to accept.
func (w *IASWD) StartWarning(ctx context.Context, addr hal.EUI64, endpoint uint8, wr Warning) error {
	_, err := w.sub.Request(ctx, addr, endpoint, IASWDClusterID, iasWDCmdStartWarning, EncodeWarning(wr))
	if err != nil {
		return fmt.Errorf("start warning: %w", err)
	}
	return nil
}

// StopWarning silences the siren.
func (w *IASWD) StopWarning(ctx context.Context, addr hal.EUI64, endpoint uint8) error {
	return w.StartWarning(ctx, addr, endpoint, Warning{Mode: WarningStop})
}

func (w *IASWD) Squawk(ctx context.Context, addr hal.EUI64, endpoint uint8, s Squawk) error {
	_, err := w.sub.Request(ctx, addr, endpoint, IASWDClusterID, iasWDCmdSquawk, EncodeSquawk(s))
	if err != nil {
		return fmt.Errorf("squawk: %w", err)
	}
	return nil
}
