package coordinator

import (
	"context"
	"fmt"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/subsystem"
	"zcl-gateway/internal/zcl"
)

// PIN user values sent with SetPIN.
const (
	PINUserEnabled      uint8 = 0x01
	PINUserUnrestricted uint8 = 0x00
)

// endpoint returns the first endpoint hosting the server side of
// clusterID on a registered device.
func (c *Coordinator) endpoint(addr hal.EUI64, clusterID uint16) (uint8, error) {
	d, ok := c.sub.Device(addr)
	if !ok {
		return 0, fmt.Errorf("device %s: %w", addr, subsystem.ErrUnknownDevice)
	}
	eps := d.EndpointsWithServer(clusterID)
	if len(eps) == 0 {
		return 0, fmt.Errorf("device %s cluster %s: %w", addr, c.registry.ClusterName(clusterID), cluster.ErrCapability)
	}
	return eps[0], nil
}

// Lock locks the door and waits for the lock to confirm.
func (c *Coordinator) Lock(ctx context.Context, addr hal.EUI64) error {
	return c.setLocked(ctx, addr, true)
}

// Unlock unlocks the door and waits for the lock to confirm.
func (c *Coordinator) Unlock(ctx context.Context, addr hal.EUI64) error {
	return c.setLocked(ctx, addr, false)
}

func (c *Coordinator) setLocked(ctx context.Context, addr hal.EUI64, locked bool) error {
	ep, err := c.endpoint(addr, cluster.DoorLockClusterID)
	if err != nil {
		return err
	}
	if err := c.clusters.doorLock.SetLocked(ctx, addr, ep, locked); err != nil {
		return fmt.Errorf("set locked=%t: %w", locked, err)
	}
	return nil
}

// IsLocked reads the lock state from the device.
func (c *Coordinator) IsLocked(ctx context.Context, addr hal.EUI64) (bool, error) {
	ep, err := c.endpoint(addr, cluster.DoorLockClusterID)
	if err != nil {
		return false, err
	}
	return c.clusters.doorLock.IsLocked(ctx, addr, ep)
}

// SetPIN stores an enabled, unrestricted PIN for userID. The outcome is
// published as EventPINSet.
func (c *Coordinator) SetPIN(ctx context.Context, addr hal.EUI64, userID uint16, code string) error {
	ep, err := c.endpoint(addr, cluster.DoorLockClusterID)
	if err != nil {
		return err
	}
	return c.clusters.doorLock.SetPINCode(ctx, addr, ep, userID, PINUserEnabled, PINUserUnrestricted, code)
}

// GetPIN requests the PIN of userID. The record is published as
// EventPINRead.
func (c *Coordinator) GetPIN(ctx context.Context, addr hal.EUI64, userID uint16) error {
	ep, err := c.endpoint(addr, cluster.DoorLockClusterID)
	if err != nil {
		return err
	}
	return c.clusters.doorLock.GetPINCode(ctx, addr, ep, userID)
}

// ClearPIN removes the PIN of userID.
func (c *Coordinator) ClearPIN(ctx context.Context, addr hal.EUI64, userID uint16) error {
	ep, err := c.endpoint(addr, cluster.DoorLockClusterID)
	if err != nil {
		return err
	}
	return c.clusters.doorLock.ClearPINCode(ctx, addr, ep, userID)
}

// ClearAllPINs removes every PIN on the lock.
func (c *Coordinator) ClearAllPINs(ctx context.Context, addr hal.EUI64) error {
	ep, err := c.endpoint(addr, cluster.DoorLockClusterID)
	if err != nil {
		return err
	}
	return c.clusters.doorLock.ClearAllPINCodes(ctx, addr, ep)
}

// ReadAlarms drains the device's alarm table.
func (c *Coordinator) ReadAlarms(ctx context.Context, addr hal.EUI64) ([]zcl.AlarmEntry, error) {
	ep, err := c.endpoint(addr, cluster.AlarmsClusterID)
	if err != nil {
		return nil, err
	}
	return c.clusters.alarms.ReadAlarms(ctx, addr, ep)
}

// ResetAlarms resets every active alarm on the device.
func (c *Coordinator) ResetAlarms(ctx context.Context, addr hal.EUI64) error {
	ep, err := c.endpoint(addr, cluster.AlarmsClusterID)
	if err != nil {
		return err
	}
	return c.clusters.alarms.ResetAllAlarms(ctx, addr, ep)
}

// ResetAlarm resets one alarm, identified by its code and the cluster
// that raised it.
func (c *Coordinator) ResetAlarm(ctx context.Context, addr hal.EUI64, code uint8, clusterID uint16) error {
	ep, err := c.endpoint(addr, cluster.AlarmsClusterID)
	if err != nil {
		return err
	}
	return c.clusters.alarms.ResetAlarm(ctx, addr, ep, code, clusterID)
}

// ResetAlarmLog empties the device's alarm table.
func (c *Coordinator) ResetAlarmLog(ctx context.Context, addr hal.EUI64) error {
	ep, err := c.endpoint(addr, cluster.AlarmsClusterID)
	if err != nil {
		return err
	}
	return c.clusters.alarms.ResetAlarmLog(ctx, addr, ep)
}

// Reboot restarts the device. The device does not acknowledge.
func (c *Coordinator) Reboot(ctx context.Context, addr hal.EUI64) error {
	ep, err := c.endpoint(addr, cluster.BasicClusterID)
	if err != nil {
		return err
	}
	c.clusters.basic.Reboot(ctx, addr, ep)
	return nil
}

// FactoryReset resets the device's application settings.
func (c *Coordinator) FactoryReset(ctx context.Context, addr hal.EUI64) error {
	ep, err := c.endpoint(addr, cluster.BasicClusterID)
	if err != nil {
		return err
	}
	return c.clusters.basic.ResetToFactoryDefaults(ctx, addr, ep)
}

// StartWarning sounds the siren.
func (c *Coordinator) StartWarning(ctx context.Context, addr hal.EUI64, w cluster.Warning) error {
	ep, err := c.endpoint(addr, cluster.IASWDClusterID)
	if err != nil {
		return err
	}
	return c.clusters.siren.StartWarning(ctx, addr, ep, w)
}

// StopWarning silences the siren.
func (c *Coordinator) StopWarning(ctx context.Context, addr hal.EUI64) error {
	ep, err := c.endpoint(addr, cluster.IASWDClusterID)
	if err != nil {
		return err
	}
	return c.clusters.siren.StopWarning(ctx, addr, ep)
}

// Squawk plays a short siren confirmation sound.
func (c *Coordinator) Squawk(ctx context.Context, addr hal.EUI64, s cluster.Squawk) error {
	ep, err := c.endpoint(addr, cluster.IASWDClusterID)
	if err != nil {
		return err
	}
	return c.clusters.siren.Squawk(ctx, addr, ep, s)
}

// BatteryVoltage reads the battery voltage in millivolts.
func (c *Coordinator) BatteryVoltage(ctx context.Context, addr hal.EUI64) (uint16, error) {
	ep, err := c.endpoint(addr, cluster.PowerConfigClusterID)
	if err != nil {
		return 0, err
	}
	return c.clusters.powerConfig.ReadBatteryVoltage(ctx, addr, ep)
}
