package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/correlate"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	AlarmsClusterID uint16 = 0x0009

	AlarmsAttrAlarmCount uint16 = 0x0000

	// client to server
	alarmsCmdResetAlarm     uint8 = 0x00
	alarmsCmdResetAllAlarms uint8 = 0x01
	alarmsCmdGetAlarm       uint8 = 0x02
	alarmsCmdResetAlarmLog  uint8 = 0x03

	// server to client; alarm cleared is the vendor-specific form of alarm.
	alarmsCmdAlarm            uint8 = 0x00
	alarmsCmdGetAlarmResponse uint8 = 0x01
	alarmsCmdAlarmCleared     uint8 = 0x00
)

// MetaAlarmsBind disables alarm binding when set to false.
const MetaAlarmsBind = "alarms.bind"

// getAlarmResponseSize is status(1) followed by one alarm entry.
const getAlarmResponseSize = 1 + zcl.AlarmEntrySize

var AlarmsDef = zcl.ClusterDef{
	ID:   AlarmsClusterID,
	Name: "Alarms",
	Attributes: []zcl.AttributeDef{
		{ID: AlarmsAttrAlarmCount, Name: "AlarmCount", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
	Commands: []zcl.CommandDef{
		{ID: alarmsCmdResetAlarm, Name: "ResetAlarm", Direction: zcl.ClientToServer},
		{ID: alarmsCmdResetAllAlarms, Name: "ResetAllAlarms", Direction: zcl.ClientToServer},
		{ID: alarmsCmdGetAlarm, Name: "GetAlarm", Direction: zcl.ClientToServer},
		{ID: alarmsCmdResetAlarmLog, Name: "ResetAlarmLog", Direction: zcl.ClientToServer},
		{ID: alarmsCmdAlarm, Name: "Alarm", Direction: zcl.ServerToClient},
		{ID: alarmsCmdGetAlarmResponse, Name: "GetAlarmResponse", Direction: zcl.ServerToClient},
		{ID: alarmsCmdAlarmCleared, Name: "AlarmCleared", Direction: zcl.ServerToClient, MfgCode: VendorMfgCode},
	},
}

// AlarmsCallbacks are invoked for alarms no cluster of the device claimed.
type AlarmsCallbacks struct {
	Unhandled func(addr hal.EUI64, endpoint uint8, a Alarm, cleared bool)
}

// Alarms is the Alarms cluster. It routes alarm notifications to the
// owning cluster and runs alarm-table retrievals.
type Alarms struct {
	sub     Subsystem
	logger  *slog.Logger
	cb      AlarmsCallbacks
	timeout time.Duration
	reads   *correlate.Tracker[hal.EUI64, zcl.AlarmEntry]
}

// NewAlarms creates the cluster. timeout bounds a whole alarm-table
// retrieval.
func NewAlarms(sub Subsystem, logger *slog.Logger, timeout time.Duration, cb AlarmsCallbacks) *Alarms {
	return &Alarms{
		sub:     sub,
		logger:  logger.With("component", "alarms"),
		cb:      cb,
		timeout: timeout,
		reads:   correlate.New[hal.EUI64, zcl.AlarmEntry](),
	}
}

func (a *Alarms) ID() uint16                 { return AlarmsClusterID }
func (a *Alarms) Priority() int              { return PriorityHighest }
func (a *Alarms) Definition() zcl.ClusterDef { return AlarmsDef }

func (a *Alarms) Accepts(fromServer bool, mfgCode uint16) bool {
	return fromServer && (mfgCode == 0 || mfgCode == VendorMfgCode)
}

// Configure binds the alarms cluster unless metadata disables it.
func (a *Alarms) Configure(ctx context.Context, cc *ConfigContext) error {
	if !cc.Metadata.Bool(MetaAlarmsBind, true) {
		cc.logger().Debug("alarm binding disabled by metadata", "ieee", cc.Device.Address)
		return nil
	}
	if err := a.sub.Bind(ctx, cc.Device.Address, cc.Endpoint, AlarmsClusterID); err != nil {
		return fmt.Errorf("bind alarms: %w", err)
	}
	return nil
}

func (a *Alarms) HandleCommand(ctx context.Context, cmd *Command) bool {
	switch {
	case cmd.MfgCode == VendorMfgCode && cmd.CommandID == alarmsCmdAlarmCleared:
		a.handleAlarm(ctx, cmd, true)
	case cmd.MfgCode == 0 && cmd.CommandID == alarmsCmdAlarm:
		a.handleAlarm(ctx, cmd, false)
	case cmd.MfgCode == 0 && cmd.CommandID == alarmsCmdGetAlarmResponse:
		a.handleGetAlarmResponse(cmd)
	default:
		a.logger.Debug("unsupported alarms command", "ieee", cmd.Source,
			"cmd", fmt.Sprintf("0x%02X", cmd.CommandID), "mfg", fmt.Sprintf("0x%04X", cmd.MfgCode))
		return false
	}
	return true
}

func (a *Alarms) handleAlarm(ctx context.Context, cmd *Command, cleared bool) {
	buf := codec.NewReader(cmd.Payload)
	al := Alarm{Code: buf.Uint8(), ClusterID: buf.Uint16()}
	if err := buf.Err(); err != nil {
		a.logger.Warn("dropping malformed alarm", "ieee", cmd.Source, "len", len(cmd.Payload))
		return
	}
	a.logger.Info("alarm", "ieee", cmd.Source, "cleared", cleared,
		"code", fmt.Sprintf("0x%02X", al.Code), "cluster", fmt.Sprintf("0x%04X", al.ClusterID))

	var handled bool
	if cleared {
		handled = a.sub.DispatchAlarmCleared(ctx, cmd.Source, cmd.Endpoint, al)
	} else {
		handled = a.sub.DispatchAlarm(ctx, cmd.Source, cmd.Endpoint, al)
	}
	if !handled && a.cb.Unhandled != nil {
		a.cb.Unhandled(cmd.Source, cmd.Endpoint, al, cleared)
	}
}

// handleGetAlarmResponse advances a retrieval: one entry is appended and the
// next GetAlarm sent, or a non-zero status ends the retrieval.
func (a *Alarms) handleGetAlarmResponse(cmd *Command) {
	if len(cmd.Payload) < 1 {
		a.logger.Warn("dropping empty get alarm response", "ieee", cmd.Source)
		return
	}
	if cmd.Payload[0] != zcl.StatusSuccess {
		if !a.reads.Finish(cmd.Source) {
			a.logger.Debug("alarm table end with no retrieval active", "ieee", cmd.Source)
		}
		return
	}
	if len(cmd.Payload) != getAlarmResponseSize {
		a.logger.Warn("malformed get alarm response", "ieee", cmd.Source, "len", len(cmd.Payload))
		a.reads.Abort(cmd.Source, fmt.Errorf("%w: get alarm response of %d bytes", zcl.ErrMalformed, len(cmd.Payload)))
		return
	}
	buf := codec.NewReader(cmd.Payload[1:])
	entry, err := zcl.DecodeAlarmEntry(buf)
	if err != nil {
		a.logger.Warn("malformed alarm entry", "ieee", cmd.Source, "err", err)
		a.reads.Abort(cmd.Source, err)
		return
	}
	if !a.reads.Append(cmd.Source, entry) {
		a.logger.Debug("alarm entry with no retrieval active", "ieee", cmd.Source)
		return
	}
	ctx, ok := a.reads.Context(cmd.Source)
	if !ok {
		return
	}
	if err := a.getAlarm(ctx, cmd.Source, cmd.Endpoint); err != nil {
		a.reads.Abort(cmd.Source, fmt.Errorf("get next alarm: %w", err))
	}
}

func (a *Alarms) getAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8) error {
	return a.sub.SendCommand(ctx, addr, endpoint, AlarmsClusterID, zcl.ClientToServer, alarmsCmdGetAlarm, nil)
}

// ReadAlarms drains the device's alarm table. Each GetAlarm removes the
// oldest entry on the device; entries are returned in the order the device
// reported them. Only one retrieval per device may run at a time; a second
// call fails with correlate.ErrBusy.
func (a *Alarms) ReadAlarms(ctx context.Context, addr hal.EUI64, endpoint uint8) ([]zcl.AlarmEntry, error) {
	entries, err := a.reads.Do(ctx, addr, a.timeout, func(ctx context.Context) error {
		return a.getAlarm(ctx, addr, endpoint)
	})
	if err != nil {
		return nil, fmt.Errorf("read alarms %s: %w", addr, err)
	}
	return entries, nil
}

func (a *Alarms) ResetAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, code uint8, clusterID uint16) error {
	buf := codec.NewWriter(3)
	buf.PutUint8(code)
	buf.PutUint16(clusterID)
	return a.sub.SendCommand(ctx, addr, endpoint, AlarmsClusterID, zcl.ClientToServer, alarmsCmdResetAlarm, buf.Bytes())
}

func (a *Alarms) ResetAllAlarms(ctx context.Context, addr hal.EUI64, endpoint uint8) error {
	return a.sub.SendCommand(ctx, addr, endpoint, AlarmsClusterID, zcl.ClientToServer, alarmsCmdResetAllAlarms, nil)
}

func (a *Alarms) ResetAlarmLog(ctx context.Context, addr hal.EUI64, endpoint uint8) error {
	return a.sub.SendCommand(ctx, addr, endpoint, AlarmsClusterID, zcl.ClientToServer, alarmsCmdResetAlarmLog, nil)
}

// ReleaseDevice aborts an in-flight retrieval for addr.
func (a *Alarms) ReleaseDevice(addr hal.EUI64) {
	a.reads.Release(addr)
}
