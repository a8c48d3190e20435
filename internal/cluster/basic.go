package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	BasicClusterID uint16 = 0x0000

	BasicAttrZCLVersion   uint16 = 0x0000
	BasicAttrAppVersion   uint16 = 0x0001
	BasicAttrStackVersion uint16 = 0x0002
	BasicAttrHWVersion    uint16 = 0x0003
	BasicAttrManufacturer uint16 = 0x0004
	BasicAttrModel        uint16 = 0x0005
	BasicAttrDateCode     uint16 = 0x0006
	BasicAttrPowerSource  uint16 = 0x0007
	BasicAttrSWBuildID    uint16 = 0x4000

	// Vendor attribute and command, sent with VendorMfgCode.
	BasicAttrRebootReason uint16 = 0x0000
	basicCmdReboot        uint8  = 0x00

	basicCmdResetToFactory uint8 = 0x00
)

// MetaBasicRebootReason opts a device in to reboot-reason reporting.
const MetaBasicRebootReason = "basic.rebootReason"

var BasicDef = zcl.ClusterDef{
	ID:   BasicClusterID,
	Name: "Basic",
	Attributes: []zcl.AttributeDef{
		{ID: BasicAttrZCLVersion, Name: "ZCLVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: BasicAttrAppVersion, Name: "ApplicationVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: BasicAttrStackVersion, Name: "StackVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: BasicAttrHWVersion, Name: "HWVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: BasicAttrManufacturer, Name: "ManufacturerName", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: BasicAttrModel, Name: "ModelIdentifier", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: BasicAttrDateCode, Name: "DateCode", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: BasicAttrPowerSource, Name: "PowerSource", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: BasicAttrSWBuildID, Name: "SWBuildID", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: BasicAttrRebootReason, Name: "RebootReason", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessReport, MfgCode: VendorMfgCode},
	},
	Commands: []zcl.CommandDef{
		{ID: basicCmdResetToFactory, Name: "ResetToFactoryDefaults", Direction: zcl.ClientToServer},
		{ID: basicCmdReboot, Name: "Reboot", Direction: zcl.ClientToServer, MfgCode: VendorMfgCode},
	},
}

// BasicCallbacks are invoked from the device's dispatch goroutine.
type BasicCallbacks struct {
	RebootReason func(addr hal.EUI64, endpoint uint8, reason uint8)
}

// Basic is the Basic cluster.
type Basic struct {
	sub    Subsystem
	logger *slog.Logger
	cb     BasicCallbacks
}

func NewBasic(sub Subsystem, logger *slog.Logger, cb BasicCallbacks) *Basic {
	return &Basic{sub: sub, logger: logger.With("component", "basic"), cb: cb}
}

func (b *Basic) ID() uint16                 { return BasicClusterID }
func (b *Basic) Priority() int              { return PriorityDefault }
func (b *Basic) Definition() zcl.ClusterDef { return BasicDef }

func (b *Basic) Accepts(fromServer bool, mfgCode uint16) bool {
	return fromServer && (mfgCode == 0 || mfgCode == VendorMfgCode)
}

// Configure sets up reboot-reason reporting when the device's metadata
// asks for it. Nothing is done otherwise.
func (b *Basic) Configure(ctx context.Context, cc *ConfigContext) error {
	if !cc.Metadata.Bool(MetaBasicRebootReason, false) {
		return nil
	}
	addr := cc.Device.Address
	if err := b.sub.Bind(ctx, addr, cc.Endpoint, BasicClusterID); err != nil {
		return fmt.Errorf("bind basic: %w", err)
	}
	err := b.sub.ConfigureReporting(ctx, addr, cc.Endpoint, BasicClusterID, VendorMfgCode, zcl.ReportingConfig{
		AttrID:      BasicAttrRebootReason,
		Type:        zcl.TypeEnum8,
		MinInterval: 1,
		MaxInterval: 0,
	})
	if err != nil {
		return fmt.Errorf("configure reboot reason reporting: %w", err)
	}
	return nil
}

func (b *Basic) HandleAttributeReport(ctx context.Context, r *AttributeReport) bool {
	if r.MfgCode != VendorMfgCode {
		return false
	}
	recs, err := r.Records()
	if err != nil {
		b.logger.Warn("dropping malformed basic report", "ieee", r.Source, "err", err)
		return true
	}
	for _, rec := range recs {
		if rec.AttrID != BasicAttrRebootReason {
			continue
		}
		v, err := zcl.Number(rec.Type, rec.Value)
		if err != nil {
			b.logger.Warn("reboot reason", "ieee", r.Source, "err", err)
			continue
		}
		b.logger.Info("reboot reason", "ieee", r.Source, "reason", v)
		if b.cb.RebootReason != nil {
			b.cb.RebootReason(r.Source, r.Endpoint, uint8(v))
		}
	}
	return true
}

// Reboot asks the device to restart. The device power-cycles before it can
// acknowledge, so send errors are logged and otherwise ignored.
func (b *Basic) Reboot(ctx context.Context, addr hal.EUI64, endpoint uint8) {
	err := b.sub.SendMfgCommand(ctx, addr, endpoint, BasicClusterID, VendorMfgCode, zcl.ClientToServer, basicCmdReboot, nil)
	if err != nil {
		b.logger.Debug("reboot command not acknowledged", "ieee", addr, "err", err)
	}
}

// ResetToFactoryDefaults sends the standard reset command.
func (b *Basic) ResetToFactoryDefaults(ctx context.Context, addr hal.EUI64, endpoint uint8) error {
	return b.sub.SendCommand(ctx, addr, endpoint, BasicClusterID, zcl.ClientToServer, basicCmdResetToFactory, nil)
}

func (b *Basic) ReadManufacturer(ctx context.Context, addr hal.EUI64, endpoint uint8) (string, error) {
	return b.sub.ReadString(ctx, addr, endpoint, BasicClusterID, BasicAttrManufacturer)
}

func (b *Basic) ReadModel(ctx context.Context, addr hal.EUI64, endpoint uint8) (string, error) {
	return b.sub.ReadString(ctx, addr, endpoint, BasicClusterID, BasicAttrModel)
}
