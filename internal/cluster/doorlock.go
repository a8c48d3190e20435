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
	DoorLockClusterID uint16 = 0x0101

	DoorLockAttrLockState    uint16 = 0x0000
	DoorLockAttrLockType     uint16 = 0x0001
	DoorLockAttrActuator     uint16 = 0x0002
	DoorLockAttrNumPINUsers  uint16 = 0x0012
	DoorLockAttrMaxPINLength uint16 = 0x0017
	DoorLockAttrMinPINLength uint16 = 0x0018
	DoorLockAttrAlarmMask    uint16 = 0x0040

	// client to server
	doorLockCmdLock     uint8 = 0x00
	doorLockCmdUnlock   uint8 = 0x01
	doorLockCmdSetPIN   uint8 = 0x05
	doorLockCmdGetPIN   uint8 = 0x06
	doorLockCmdClearPIN uint8 = 0x07
	doorLockCmdClearAll uint8 = 0x08

	// server to client
	doorLockCmdLockResponse     uint8 = 0x00
	doorLockCmdUnlockResponse   uint8 = 0x01
	doorLockCmdSetPINResponse   uint8 = 0x05
	doorLockCmdGetPINResponse   uint8 = 0x06
	doorLockCmdClearPINResponse uint8 = 0x07
	doorLockCmdClearAllResponse uint8 = 0x08
	doorLockCmdOperationEvent   uint8 = 0x20
	doorLockCmdProgrammingEvent uint8 = 0x21
)

// Lock state attribute values.
const (
	LockStateNotFullyLocked uint8 = 0x00
	LockStateLocked         uint8 = 0x01
	LockStateUnlocked       uint8 = 0x02
)

// Door lock alarm codes.
const (
	DoorLockAlarmJammed           uint8 = 0x00
	DoorLockAlarmFactoryReset     uint8 = 0x01
	DoorLockAlarmBatteryReplaced  uint8 = 0x02
	DoorLockAlarmRFPowerCycled    uint8 = 0x03
	DoorLockAlarmInvalidCodeLimit uint8 = 0x04
	DoorLockAlarmTamper           uint8 = 0x05
	DoorLockAlarmForcedOpen       uint8 = 0x06
)

// Programming event codes.
const (
	ProgramMasterCodeChanged uint8 = 0x01
	ProgramPINAdded          uint8 = 0x02
	ProgramPINDeleted        uint8 = 0x03
	ProgramPINChanged        uint8 = 0x04
	ProgramRFIDAdded         uint8 = 0x05
	ProgramRFIDDeleted       uint8 = 0x06
)

// MetaDoorLockBind disables door lock binding when false.
const MetaDoorLockBind = "doorLock.bind"

var DoorLockDef = zcl.ClusterDef{
	ID:   DoorLockClusterID,
	Name: "DoorLock",
	Attributes: []zcl.AttributeDef{
		{ID: DoorLockAttrLockState, Name: "LockState", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: DoorLockAttrLockType, Name: "LockType", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: DoorLockAttrActuator, Name: "ActuatorEnabled", Type: zcl.TypeBool, Access: zcl.AccessRead},
		{ID: DoorLockAttrNumPINUsers, Name: "NumberOfPINUsersSupported", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: DoorLockAttrMaxPINLength, Name: "MaxPINCodeLength", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: DoorLockAttrMinPINLength, Name: "MinPINCodeLength", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: DoorLockAttrAlarmMask, Name: "AlarmMask", Type: zcl.TypeBitmap16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: doorLockCmdLock, Name: "LockDoor", Direction: zcl.ClientToServer},
		{ID: doorLockCmdUnlock, Name: "UnlockDoor", Direction: zcl.ClientToServer},
		{ID: doorLockCmdSetPIN, Name: "SetPINCode", Direction: zcl.ClientToServer},
		{ID: doorLockCmdGetPIN, Name: "GetPINCode", Direction: zcl.ClientToServer},
		{ID: doorLockCmdClearPIN, Name: "ClearPINCode", Direction: zcl.ClientToServer},
		{ID: doorLockCmdClearAll, Name: "ClearAllPINCodes", Direction: zcl.ClientToServer},
		{ID: doorLockCmdLockResponse, Name: "LockDoorResponse", Direction: zcl.ServerToClient},
		{ID: doorLockCmdUnlockResponse, Name: "UnlockDoorResponse", Direction: zcl.ServerToClient},
		{ID: doorLockCmdSetPINResponse, Name: "SetPINCodeResponse", Direction: zcl.ServerToClient},
		{ID: doorLockCmdGetPINResponse, Name: "GetPINCodeResponse", Direction: zcl.ServerToClient},
		{ID: doorLockCmdClearPINResponse, Name: "ClearPINCodeResponse", Direction: zcl.ServerToClient},
		{ID: doorLockCmdClearAllResponse, Name: "ClearAllPINCodesResponse", Direction: zcl.ServerToClient},
		{ID: doorLockCmdOperationEvent, Name: "OperationEventNotification", Direction: zcl.ServerToClient},
		{ID: doorLockCmdProgrammingEvent, Name: "ProgrammingEventNotification", Direction: zcl.ServerToClient},
	},
}

// PINRecord is a decoded Get PIN Code response.
type PINRecord struct {
	UserID     uint16 `json:"user_id"`
	UserStatus uint8  `json:"user_status"`
	UserType   uint8  `json:"user_type"`
	Code       string `json:"code"`
}

// ProgrammingEvent is a decoded programming event notification.
type ProgrammingEvent struct {
	Source string `json:"source"`
	Code   uint8  `json:"code"`
	UserID uint16 `json:"user_id"`
}

// DoorLockCallbacks are invoked from the device's dispatch goroutine. Each
// status argument is a ZCL status byte, 0 meaning success.
type DoorLockCallbacks struct {
	Locked   func(addr hal.EUI64, endpoint uint8, locked bool, source string)
	Jammed   func(addr hal.EUI64, endpoint uint8, jammed bool)
	Tampered func(addr hal.EUI64, endpoint uint8, tampered bool)

	FactoryReset     func(addr hal.EUI64, endpoint uint8)
	BatteryReplaced  func(addr hal.EUI64, endpoint uint8)
	RFPowerCycled    func(addr hal.EUI64, endpoint uint8)
	InvalidCodeLimit func(addr hal.EUI64, endpoint uint8)
	ForcedOpen       func(addr hal.EUI64, endpoint uint8)

	PINSet    func(addr hal.EUI64, endpoint uint8, status uint8)
	PINRead   func(addr hal.EUI64, endpoint uint8, rec PINRecord)
	PINClear  func(addr hal.EUI64, endpoint uint8, status uint8)
	PINsClear func(addr hal.EUI64, endpoint uint8, status uint8)
	Program   func(addr hal.EUI64, endpoint uint8, ev ProgrammingEvent)
}

// DoorLock is the Door Lock cluster. It keeps no lock state; every query
// goes to the device.
type DoorLock struct {
	sub    Subsystem
	logger *slog.Logger
	cb     DoorLockCallbacks
}

func NewDoorLock(sub Subsystem, logger *slog.Logger, cb DoorLockCallbacks) *DoorLock {
	return &DoorLock{sub: sub, logger: logger.With("component", "door_lock"), cb: cb}
}

func (d *DoorLock) ID() uint16                 { return DoorLockClusterID }
func (d *DoorLock) Priority() int              { return PriorityDefault }
func (d *DoorLock) Definition() zcl.ClusterDef { return DoorLockDef }

// Configure binds the cluster and sets up lock state reporting when the
// device has the attribute.
func (d *DoorLock) Configure(ctx context.Context, cc *ConfigContext) error {
	addr := cc.Device.Address
	if cc.Metadata.Bool(MetaDoorLockBind, true) {
		if err := d.sub.Bind(ctx, addr, cc.Endpoint, DoorLockClusterID); err != nil {
			return fmt.Errorf("bind door lock: %w", err)
		}
	}
	if !cc.HasAttribute(DoorLockClusterID, DoorLockAttrLockState) {
		return nil
	}
	err := d.sub.ConfigureReporting(ctx, addr, cc.Endpoint, DoorLockClusterID, 0, zcl.ReportingConfig{
		AttrID:      DoorLockAttrLockState,
		Type:        zcl.TypeEnum8,
		MinInterval: 1,
		MaxInterval: 3600,
	})
	if err != nil {
		return fmt.Errorf("configure lock state reporting: %w", err)
	}
	return nil
}

// IsLocked reads the lock state. Anything but "locked" counts as unlocked.
func (d *DoorLock) IsLocked(ctx context.Context, addr hal.EUI64, endpoint uint8) (bool, error) {
	v, err := d.sub.ReadNumber(ctx, addr, endpoint, DoorLockClusterID, DoorLockAttrLockState)
	if err != nil {
		return false, err
	}
	return uint8(v) == LockStateLocked, nil
}

// SetLocked locks or unlocks the door and waits for the device's response.
func (d *DoorLock) SetLocked(ctx context.Context, addr hal.EUI64, endpoint uint8, locked bool) error {
	cmdID, respID := doorLockCmdUnlock, doorLockCmdUnlockResponse
	if locked {
		cmdID, respID = doorLockCmdLock, doorLockCmdLockResponse
	}
	buf := codec.NewWriter(codec.StringSize(""))
	buf.PutString("")
	resp, err := d.sub.Request(ctx, addr, endpoint, DoorLockClusterID, cmdID, buf.Bytes(), respID)
	if err != nil {
		return err
	}
	if resp.FrameType == zcl.FrameTypeCluster && len(resp.Payload) >= 1 && resp.Payload[0] != zcl.StatusSuccess {
		return &zcl.StatusError{Status: resp.Payload[0], CommandID: cmdID}
	}
	return nil
}

// SetPINCode stores a PIN. The result arrives through PINSet.
func (d *DoorLock) SetPINCode(ctx context.Context, addr hal.EUI64, endpoint uint8, userID uint16, userStatus, userType uint8, code string) error {
	if len(code) > 0xFE {
		return fmt.Errorf("pin code too long: %d", len(code))
	}
	buf := codec.NewWriter(4 + codec.StringSize(code))
	buf.PutUint16(userID)
	buf.PutUint8(userStatus)
	buf.PutUint8(userType)
	buf.PutString(code)
	return d.send(ctx, addr, endpoint, doorLockCmdSetPIN, buf.Bytes())
}

// GetPINCode requests a PIN record. The result arrives through PINRead.
func (d *DoorLock) GetPINCode(ctx context.Context, addr hal.EUI64, endpoint uint8, userID uint16) error {
	return d.send(ctx, addr, endpoint, doorLockCmdGetPIN, userPayload(userID))
}

// ClearPINCode removes one PIN. The result arrives through PINClear.
func (d *DoorLock) ClearPINCode(ctx context.Context, addr hal.EUI64, endpoint uint8, userID uint16) error {
	return d.send(ctx, addr, endpoint, doorLockCmdClearPIN, userPayload(userID))
}

// ClearAllPINCodes removes every PIN. The result arrives through PINsClear.
func (d *DoorLock) ClearAllPINCodes(ctx context.Context, addr hal.EUI64, endpoint uint8) error {
	return d.send(ctx, addr, endpoint, doorLockCmdClearAll, nil)
}

func (d *DoorLock) send(ctx context.Context, addr hal.EUI64, endpoint uint8, cmdID uint8, payload []byte) error {
	return d.sub.SendCommand(ctx, addr, endpoint, DoorLockClusterID, zcl.ClientToServer, cmdID, payload)
}

func userPayload(userID uint16) []byte {
	buf := codec.NewWriter(2)
	buf.PutUint16(userID)
	return buf.Bytes()
}

func (d *DoorLock) HandleCommand(ctx context.Context, cmd *Command) bool {
	switch cmd.CommandID {
	case doorLockCmdOperationEvent:
		d.handleOperationEvent(cmd)
	case doorLockCmdProgrammingEvent:
		d.handleProgrammingEvent(cmd)
	case doorLockCmdSetPINResponse:
		if status, ok := d.status(cmd); ok && d.cb.PINSet != nil {
			d.cb.PINSet(cmd.Source, cmd.Endpoint, status)
		}
	case doorLockCmdClearPINResponse:
		if status, ok := d.status(cmd); ok && d.cb.PINClear != nil {
			d.cb.PINClear(cmd.Source, cmd.Endpoint, status)
		}
	case doorLockCmdClearAllResponse:
		if status, ok := d.status(cmd); ok && d.cb.PINsClear != nil {
			d.cb.PINsClear(cmd.Source, cmd.Endpoint, status)
		}
	case doorLockCmdGetPINResponse:
		d.handleGetPINResponse(cmd)
	case doorLockCmdLockResponse, doorLockCmdUnlockResponse:
		// Late response to SetLocked; the waiter already gave up.
		d.logger.Debug("unsolicited lock response", "ieee", cmd.Source)
	default:
		d.logger.Debug("unsupported door lock command", "ieee", cmd.Source, "cmd", fmt.Sprintf("0x%02X", cmd.CommandID))
		return false
	}
	return true
}

func (d *DoorLock) status(cmd *Command) (uint8, bool) {
	if len(cmd.Payload) < 1 {
		d.logger.Warn("dropping door lock response without status", "ieee", cmd.Source,
			"cmd", fmt.Sprintf("0x%02X", cmd.CommandID))
		return 0, false
	}
	return cmd.Payload[0], true
}

func (d *DoorLock) handleGetPINResponse(cmd *Command) {
	buf := codec.NewReader(cmd.Payload)
	rec := PINRecord{
		UserID:     buf.Uint16(),
		UserStatus: buf.Uint8(),
		UserType:   buf.Uint8(),
		Code:       buf.ReadString(),
	}
	if err := buf.Err(); err != nil {
		d.logger.Warn("dropping malformed get pin response", "ieee", cmd.Source, "err", err)
		return
	}
	if d.cb.PINRead != nil {
		d.cb.PINRead(cmd.Source, cmd.Endpoint, rec)
	}
}

// LockEventSource names the source byte of an operation or programming
// event.
func LockEventSource(src uint8) string {
	switch src {
	case 0x00:
		return "keypad"
	case 0x01:
		return "rf"
	case 0x02:
		return "manual"
	case 0x03:
		return "rfid"
	}
	return "unknown"
}

// LockEventState maps an operation event code to the resulting lock state.
// ok is false for events that do not change the state (failures, unknown).
func LockEventState(code uint8) (locked, ok bool) {
	switch code {
	case 0x01, 0x07, 0x08, 0x0A, 0x0B, 0x0D: // lock, one touch, key, auto, schedule, manual
		return true, true
	case 0x02, 0x09, 0x0C, 0x0E: // unlock, key, schedule, manual
		return false, true
	}
	return false, false
}

func (d *DoorLock) handleOperationEvent(cmd *Command) {
	buf := codec.NewReader(cmd.Payload)
	source := buf.Uint8()
	code := buf.Uint8()
	userID := buf.Uint16()
	_ = buf.ReadString() // pin
	_ = buf.Uint32()     // local time
	if err := buf.Err(); err != nil {
		d.logger.Warn("dropping malformed operation event", "ieee", cmd.Source, "err", err)
		return
	}
	locked, ok := LockEventState(code)
	if !ok {
		d.logger.Info("door lock operation event", "ieee", cmd.Source,
			"code", fmt.Sprintf("0x%02X", code), "source", LockEventSource(source), "user", userID)
		return
	}
	if d.cb.Locked != nil {
		d.cb.Locked(cmd.Source, cmd.Endpoint, locked, LockEventSource(source))
	}
	// A successful lock or unlock also clears jammed and tampered, whether
	// or not the lock reported recovery.
	if d.cb.Jammed != nil {
		d.cb.Jammed(cmd.Source, cmd.Endpoint, false)
	}
	if d.cb.Tampered != nil {
		d.cb.Tampered(cmd.Source, cmd.Endpoint, false)
	}
}

func (d *DoorLock) handleProgrammingEvent(cmd *Command) {
	buf := codec.NewReader(cmd.Payload)
	ev := ProgrammingEvent{Source: LockEventSource(buf.Uint8()), Code: buf.Uint8(), UserID: buf.Uint16()}
	if err := buf.Err(); err != nil {
		d.logger.Warn("dropping malformed programming event", "ieee", cmd.Source, "err", err)
		return
	}
	d.logger.Info("door lock programming event", "ieee", cmd.Source,
		"code", fmt.Sprintf("0x%02X", ev.Code), "source", ev.Source, "user", ev.UserID)
	if d.cb.Program != nil {
		d.cb.Program(cmd.Source, cmd.Endpoint, ev)
	}
}

func (d *DoorLock) HandleAttributeReport(ctx context.Context, r *AttributeReport) bool {
	recs, err := r.Records()
	if err != nil {
		d.logger.Warn("dropping malformed door lock report", "ieee", r.Source, "err", err)
		return true
	}
	for _, rec := range recs {
		if rec.AttrID != DoorLockAttrLockState {
			continue
		}
		v, err := zcl.Number(rec.Type, rec.Value)
		if err != nil {
			d.logger.Warn("lock state report", "ieee", r.Source, "err", err)
			continue
		}
		switch uint8(v) {
		case LockStateLocked, LockStateUnlocked:
			if d.cb.Locked != nil {
				d.cb.Locked(r.Source, r.Endpoint, uint8(v) == LockStateLocked, "unknown")
			}
		default:
			d.logger.Info("lock not fully locked", "ieee", r.Source, "state", v)
		}
	}
	return true
}

func (d *DoorLock) HandleAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool {
	switch a.Code {
	case DoorLockAlarmJammed:
		if d.cb.Jammed != nil {
			d.cb.Jammed(addr, endpoint, true)
		}
		return true
	case DoorLockAlarmTamper:
		if d.cb.Tampered != nil {
			d.cb.Tampered(addr, endpoint, true)
		}
		return true
	case DoorLockAlarmFactoryReset:
		notify(d.cb.FactoryReset, addr, endpoint)
		return true
	case DoorLockAlarmBatteryReplaced:
		notify(d.cb.BatteryReplaced, addr, endpoint)
		return true
	case DoorLockAlarmRFPowerCycled:
		notify(d.cb.RFPowerCycled, addr, endpoint)
		return true
	case DoorLockAlarmInvalidCodeLimit:
		notify(d.cb.InvalidCodeLimit, addr, endpoint)
		return true
	case DoorLockAlarmForcedOpen:
		notify(d.cb.ForcedOpen, addr, endpoint)
		return true
	}
	d.logger.Info("unknown door lock alarm", "ieee", addr, "code", fmt.Sprintf("0x%02X", a.Code))
	return false
}

func notify(fn func(hal.EUI64, uint8), addr hal.EUI64, endpoint uint8) {
	if fn != nil {
		fn(addr, endpoint)
	}
}

func (d *DoorLock) HandleAlarmCleared(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool {
	switch a.Code {
	case DoorLockAlarmJammed:
		if d.cb.Jammed != nil {
			d.cb.Jammed(addr, endpoint, false)
		}
		return true
	case DoorLockAlarmTamper:
		if d.cb.Tampered != nil {
			d.cb.Tampered(addr, endpoint, false)
		}
		return true
	}
	return false
}

// DoorLockAlarmName returns a name for a door lock alarm code.
func DoorLockAlarmName(code uint8) string {
	switch code {
	case DoorLockAlarmJammed:
		return "jammed"
	case DoorLockAlarmFactoryReset:
		return "factory_reset"
	case DoorLockAlarmBatteryReplaced:
		return "battery_replaced"
	case DoorLockAlarmRFPowerCycled:
		return "rf_power_cycled"
	case DoorLockAlarmInvalidCodeLimit:
		return "invalid_code_limit"
	case DoorLockAlarmTamper:
		return "tamper"
	case DoorLockAlarmForcedOpen:
		return "forced_open"
	}
	return fmt.Sprintf("0x%02X", code)
}
