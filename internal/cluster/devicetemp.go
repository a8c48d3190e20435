package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	DeviceTempClusterID uint16 = 0x0002

	DeviceTempAttrCurrent       uint16 = 0x0000
	DeviceTempAttrMin           uint16 = 0x0001
	DeviceTempAttrMax           uint16 = 0x0002
	DeviceTempAttrAlarmMask     uint16 = 0x0010
	DeviceTempAttrLowThreshold  uint16 = 0x0011
	DeviceTempAttrHighThreshold uint16 = 0x0012

	deviceTempAlarmTooHigh uint8 = 0x00
)

// MetaDeviceTempAlarmMask is the alarm mask to write. Absent means leave
// the hardware default alone.
const MetaDeviceTempAlarmMask = "deviceTemperature.alarmMask"

var DeviceTempDef = zcl.ClusterDef{
	ID:   DeviceTempClusterID,
	Name: "DeviceTemperatureConfiguration",
	Attributes: []zcl.AttributeDef{
		{ID: DeviceTempAttrCurrent, Name: "CurrentTemperature", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: DeviceTempAttrMin, Name: "MinTempExperienced", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: DeviceTempAttrMax, Name: "MaxTempExperienced", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: DeviceTempAttrAlarmMask, Name: "DeviceTempAlarmMask", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: DeviceTempAttrLowThreshold, Name: "LowTempThreshold", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: DeviceTempAttrHighThreshold, Name: "HighTempThreshold", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}

type DeviceTempCallbacks struct {
	HighTemperature func(addr hal.EUI64, endpoint uint8, active bool)
}

// DeviceTemp is the Device Temperature Configuration cluster.
type DeviceTemp struct {
	sub    Subsystem
	logger *slog.Logger
	cb     DeviceTempCallbacks
}

func NewDeviceTemp(sub Subsystem, logger *slog.Logger, cb DeviceTempCallbacks) *DeviceTemp {
	return &DeviceTemp{sub: sub, logger: logger.With("component", "device_temp"), cb: cb}
}

func (d *DeviceTemp) ID() uint16                 { return DeviceTempClusterID }
func (d *DeviceTemp) Priority() int              { return PriorityDefault }
func (d *DeviceTemp) Definition() zcl.ClusterDef { return DeviceTempDef }

// Configure writes the alarm mask only when the device has the attribute
// and metadata supplies a value.
func (d *DeviceTemp) Configure(ctx context.Context, cc *ConfigContext) error {
	mask, ok := cc.Metadata.Number(MetaDeviceTempAlarmMask)
	if !ok {
		return nil
	}
	if !cc.HasAttribute(DeviceTempClusterID, DeviceTempAttrAlarmMask) {
		cc.logger().Debug("device has no temperature alarm mask", "ieee", cc.Device.Address)
		return nil
	}
	err := d.sub.WriteNumber(ctx, cc.Device.Address, cc.Endpoint, DeviceTempClusterID,
		DeviceTempAttrAlarmMask, zcl.TypeBitmap8, 1, uint64(mask))
	if err != nil {
		return fmt.Errorf("write temperature alarm mask: %w", err)
	}
	return nil
}

func (d *DeviceTemp) HandleAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool {
	return d.alarm(addr, endpoint, a, true)
}

func (d *DeviceTemp) HandleAlarmCleared(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool {
	return d.alarm(addr, endpoint, a, false)
}

func (d *DeviceTemp) alarm(addr hal.EUI64, endpoint uint8, a Alarm, active bool) bool {
	if a.Code != deviceTempAlarmTooHigh {
		d.logger.Info("unknown device temperature alarm", "ieee", addr, "code", fmt.Sprintf("0x%02X", a.Code))
		return false
	}
	if d.cb.HighTemperature != nil {
		d.cb.HighTemperature(addr, endpoint, active)
	}
	return true
}
