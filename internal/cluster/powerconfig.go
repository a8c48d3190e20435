package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	PowerConfigClusterID uint16 = 0x0001

	PowerConfigAttrBatteryVoltage    uint16 = 0x0020
	PowerConfigAttrBatteryPercentage uint16 = 0x0021
	PowerConfigAttrBatteryAlarmMask  uint16 = 0x0035
	PowerConfigAttrBatteryAlarmState uint16 = 0x003E

	powerConfigAlarmBatteryLow uint8 = 0x10
)

var PowerConfigDef = zcl.ClusterDef{
	ID:   PowerConfigClusterID,
	Name: "PowerConfiguration",
	Attributes: []zcl.AttributeDef{
		{ID: PowerConfigAttrBatteryVoltage, Name: "BatteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: PowerConfigAttrBatteryPercentage, Name: "BatteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: PowerConfigAttrBatteryAlarmMask, Name: "BatteryAlarmMask", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: PowerConfigAttrBatteryAlarmState, Name: "BatteryAlarmState", Type: zcl.TypeBitmap32, Access: zcl.AccessRead | zcl.AccessReport},
	},
}

type PowerConfigCallbacks struct {
	BatteryVoltage    func(addr hal.EUI64, endpoint uint8, millivolts uint16)
	BatteryPercentage func(addr hal.EUI64, endpoint uint8, percent uint8)
	BatteryLow        func(addr hal.EUI64, endpoint uint8, low bool)
}

// PowerConfig is the Power Configuration cluster of battery devices.
type PowerConfig struct {
	sub    Subsystem
	logger *slog.Logger
	cb     PowerConfigCallbacks
}

func NewPowerConfig(sub Subsystem, logger *slog.Logger, cb PowerConfigCallbacks) *PowerConfig {
	return &PowerConfig{sub: sub, logger: logger.With("component", "power_config"), cb: cb}
}

func (p *PowerConfig) ID() uint16                 { return PowerConfigClusterID }
func (p *PowerConfig) Priority() int              { return PriorityDefault }
func (p *PowerConfig) Definition() zcl.ClusterDef { return PowerConfigDef }

// Configure reports battery voltage on every 100 mV change, at least
// hourly. Devices without the attribute are left alone.
func (p *PowerConfig) Configure(ctx context.Context, cc *ConfigContext) error {
	if !cc.HasAttribute(PowerConfigClusterID, PowerConfigAttrBatteryVoltage) {
		return nil
	}
	addr := cc.Device.Address
	if err := p.sub.Bind(ctx, addr, cc.Endpoint, PowerConfigClusterID); err != nil {
		return fmt.Errorf("bind power configuration: %w", err)
	}
	err := p.sub.ConfigureReporting(ctx, addr, cc.Endpoint, PowerConfigClusterID, 0, zcl.ReportingConfig{
		AttrID:           PowerConfigAttrBatteryVoltage,
		Type:             zcl.TypeUint8,
		MinInterval:      60,
		MaxInterval:      3600,
		ReportableChange: 1,
	})
	if err != nil {
		return fmt.Errorf("configure battery voltage reporting: %w", err)
	}
	return nil
}

func (p *PowerConfig) HandleAttributeReport(ctx context.Context, r *AttributeReport) bool {
	recs, err := r.Records()
	if err != nil {
		p.logger.Warn("dropping malformed power configuration report", "ieee", r.Source, "err", err)
		return true
	}
	for _, rec := range recs {
		v, err := zcl.Number(rec.Type, rec.Value)
		if err != nil {
			continue
		}
		switch rec.AttrID {
		case PowerConfigAttrBatteryVoltage:
			if p.cb.BatteryVoltage != nil {
				p.cb.BatteryVoltage(r.Source, r.Endpoint, uint16(v)*100)
			}
		case PowerConfigAttrBatteryPercentage:
			// Reported in half percent; 0xFF is invalid.
			if v != 0xFF && p.cb.BatteryPercentage != nil {
				p.cb.BatteryPercentage(r.Source, r.Endpoint, uint8(v/2))
			}
		}
	}
	return true
}

func (p *PowerConfig) HandleAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool {
	return p.alarm(addr, endpoint, a, true)
}

func (p *PowerConfig) HandleAlarmCleared(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool {
	return p.alarm(addr, endpoint, a, false)
}

func (p *PowerConfig) alarm(addr hal.EUI64, endpoint uint8, a Alarm, low bool) bool {
	if a.Code != powerConfigAlarmBatteryLow {
		return false
	}
	if p.cb.BatteryLow != nil {
		p.cb.BatteryLow(addr, endpoint, low)
	}
	return true
}

// ReadBatteryVoltage returns the battery voltage in millivolts.
func (p *PowerConfig) ReadBatteryVoltage(ctx context.Context, addr hal.EUI64, endpoint uint8) (uint16, error) {
	v, err := p.sub.ReadNumber(ctx, addr, endpoint, PowerConfigClusterID, PowerConfigAttrBatteryVoltage)
	if err != nil {
		return 0, err
	}
	return uint16(v) * 100, nil
}
