package coordinator

import (
	"log/slog"
	"time"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
)

// clusterSet holds one instance of every supported cluster. The instances
// are shared by all devices; attach picks the ones a device hosts.
type clusterSet struct {
	alarms      *cluster.Alarms
	basic       *cluster.Basic
	pollControl *cluster.PollControl
	powerConfig *cluster.PowerConfig
	deviceTemp  *cluster.DeviceTemp
	diagnostics *cluster.Diagnostics
	doorLock    *cluster.DoorLock
	electrical  *cluster.Electrical
	siren       *cluster.IASWD

	// all is the registration order, which is also dispatch order.
	all []cluster.Cluster
}

// AlarmInfo is the payload of EventAlarm.
type AlarmInfo struct {
	Code      uint8  `json:"code"`
	ClusterID uint16 `json:"cluster_id"`
	Cleared   bool   `json:"cleared"`
}

// LockState is the payload of EventLockState.
type LockState struct {
	Locked bool   `json:"locked"`
	Source string `json:"source,omitempty"`
}

// LinkQuality is the payload of EventLinkQuality.
type LinkQuality struct {
	LQI  uint8 `json:"lqi"`
	RSSI int8  `json:"rssi"`
}

func newClusterSet(sub cluster.Subsystem, events *EventBus, alarmTimeout time.Duration, logger *slog.Logger) *clusterSet {
	emit := events.emitDevice
	cs := &clusterSet{
		alarms: cluster.NewAlarms(sub, logger, alarmTimeout, cluster.AlarmsCallbacks{
			Unhandled: func(addr hal.EUI64, ep uint8, a cluster.Alarm, cleared bool) {
				emit(EventAlarm, addr, ep, AlarmInfo{Code: a.Code, ClusterID: a.ClusterID, Cleared: cleared})
			},
		}),
		basic: cluster.NewBasic(sub, logger, cluster.BasicCallbacks{
			RebootReason: func(addr hal.EUI64, ep uint8, reason uint8) {
				emit(EventRebootReason, addr, ep, reason)
			},
		}),
		pollControl: cluster.NewPollControl(sub, logger),
		powerConfig: cluster.NewPowerConfig(sub, logger, cluster.PowerConfigCallbacks{
			BatteryVoltage: func(addr hal.EUI64, ep uint8, mv uint16) {
				emit(EventBatteryVoltage, addr, ep, mv)
			},
			BatteryPercentage: func(addr hal.EUI64, ep uint8, pct uint8) {
				emit(EventBatteryPercent, addr, ep, pct)
			},
			BatteryLow: func(addr hal.EUI64, ep uint8, low bool) {
				emit(EventBatteryLow, addr, ep, low)
			},
		}),
		deviceTemp: cluster.NewDeviceTemp(sub, logger, cluster.DeviceTempCallbacks{
			HighTemperature: func(addr hal.EUI64, ep uint8, active bool) {
				emit(EventHighTemperature, addr, ep, active)
			},
		}),
		diagnostics: cluster.NewDiagnostics(sub, logger, cluster.DiagnosticsCallbacks{
			LinkQuality: func(addr hal.EUI64, ep uint8, lqi uint8, rssi int8) {
				emit(EventLinkQuality, addr, ep, LinkQuality{LQI: lqi, RSSI: rssi})
			},
		}),
		doorLock: cluster.NewDoorLock(sub, logger, cluster.DoorLockCallbacks{
			Locked: func(addr hal.EUI64, ep uint8, locked bool, source string) {
				emit(EventLockState, addr, ep, LockState{Locked: locked, Source: source})
			},
			Jammed: func(addr hal.EUI64, ep uint8, jammed bool) {
				emit(EventLockJammed, addr, ep, jammed)
			},
			Tampered: func(addr hal.EUI64, ep uint8, tampered bool) {
				emit(EventLockTampered, addr, ep, tampered)
			},
			FactoryReset: func(addr hal.EUI64, ep uint8) {
				emit(EventLockFactoryReset, addr, ep, nil)
			},
			BatteryReplaced: func(addr hal.EUI64, ep uint8) {
				emit(EventLockBatteryReplaced, addr, ep, nil)
			},
			RFPowerCycled: func(addr hal.EUI64, ep uint8) {
				emit(EventLockRFPowerCycled, addr, ep, nil)
			},
			InvalidCodeLimit: func(addr hal.EUI64, ep uint8) {
				emit(EventLockInvalidCodeLimit, addr, ep, nil)
			},
			ForcedOpen: func(addr hal.EUI64, ep uint8) {
				emit(EventLockForcedOpen, addr, ep, nil)
			},
			PINSet: func(addr hal.EUI64, ep uint8, status uint8) {
				emit(EventPINSet, addr, ep, status)
			},
			PINRead: func(addr hal.EUI64, ep uint8, rec cluster.PINRecord) {
				emit(EventPINRead, addr, ep, rec)
			},
			PINClear: func(addr hal.EUI64, ep uint8, status uint8) {
				emit(EventPINCleared, addr, ep, status)
			},
			PINsClear: func(addr hal.EUI64, ep uint8, status uint8) {
				emit(EventPINsCleared, addr, ep, status)
			},
			Program: func(addr hal.EUI64, ep uint8, ev cluster.ProgrammingEvent) {
				emit(EventLockProgram, addr, ep, ev)
			},
		}),
		electrical: cluster.NewElectrical(sub, logger, cluster.ElectricalCallbacks{
			ActivePower: func(addr hal.EUI64, ep uint8, raw int16) {
				emit(EventActivePower, addr, ep, raw)
			},
		}),
		siren: cluster.NewIASWD(sub, logger),
	}
	cs.all = []cluster.Cluster{
		cs.alarms,
		cs.basic,
		cs.pollControl,
		cs.powerConfig,
		cs.deviceTemp,
		cs.diagnostics,
		cs.doorLock,
		cs.electrical,
		cs.siren,
	}
	return cs
}

// attach returns the clusters whose server side the device hosts, in
// registration order.
func (cs *clusterSet) attach(d *capability.DeviceDetails) []cluster.Cluster {
	var out []cluster.Cluster
	for _, c := range cs.all {
		if len(d.EndpointsWithServer(c.ID())) > 0 {
			out = append(out, c)
		}
	}
	return out
}
