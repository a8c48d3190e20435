package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"zcl-gateway/internal/zcl"
)

const (
	PollControlClusterID uint16 = 0x0020

	PollControlAttrCheckinInterval   uint16 = 0x0000
	PollControlAttrLongPollInterval  uint16 = 0x0001
	PollControlAttrShortPollInterval uint16 = 0x0002
	PollControlAttrFastPollTimeout   uint16 = 0x0003

	pollControlCmdCheckin         uint8 = 0x00
	pollControlCmdCheckinResponse uint8 = 0x00
	pollControlCmdFastPollStop    uint8 = 0x01
)

// MetaPollControlCheckinInterval is the check-in interval to write, in
// quarter seconds.
const MetaPollControlCheckinInterval = "pollControl.checkinInterval"

var PollControlDef = zcl.ClusterDef{
	ID:   PollControlClusterID,
	Name: "PollControl",
	Attributes: []zcl.AttributeDef{
		{ID: PollControlAttrCheckinInterval, Name: "CheckinInterval", Type: zcl.TypeUint32, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: PollControlAttrLongPollInterval, Name: "LongPollInterval", Type: zcl.TypeUint32, Access: zcl.AccessRead},
		{ID: PollControlAttrShortPollInterval, Name: "ShortPollInterval", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: PollControlAttrFastPollTimeout, Name: "FastPollTimeout", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: pollControlCmdCheckin, Name: "CheckIn", Direction: zcl.ServerToClient},
		{ID: pollControlCmdCheckinResponse, Name: "CheckInResponse", Direction: zcl.ClientToServer},
		{ID: pollControlCmdFastPollStop, Name: "FastPollStop", Direction: zcl.ClientToServer},
	},
}

// PollControl handles check-ins: every attached cluster's check-in hook
// runs, then the device is told not to enter fast poll.
type PollControl struct {
	sub    Subsystem
	logger *slog.Logger
}

func NewPollControl(sub Subsystem, logger *slog.Logger) *PollControl {
	return &PollControl{sub: sub, logger: logger.With("component", "poll_control")}
}

func (p *PollControl) ID() uint16                 { return PollControlClusterID }
func (p *PollControl) Priority() int              { return PriorityHigh }
func (p *PollControl) Definition() zcl.ClusterDef { return PollControlDef }

func (p *PollControl) Configure(ctx context.Context, cc *ConfigContext) error {
	addr := cc.Device.Address
	if err := p.sub.Bind(ctx, addr, cc.Endpoint, PollControlClusterID); err != nil {
		return fmt.Errorf("bind poll control: %w", err)
	}
	interval, ok := cc.Metadata.Number(MetaPollControlCheckinInterval)
	if !ok || !cc.HasAttribute(PollControlClusterID, PollControlAttrCheckinInterval) {
		return nil
	}
	err := p.sub.WriteNumber(ctx, addr, cc.Endpoint, PollControlClusterID,
		PollControlAttrCheckinInterval, zcl.TypeUint32, 4, uint64(interval))
	if err != nil {
		return fmt.Errorf("write checkin interval: %w", err)
	}
	return nil
}

func (p *PollControl) HandleCommand(ctx context.Context, cmd *Command) bool {
	if cmd.CommandID != pollControlCmdCheckin {
		p.logger.Debug("unsupported poll control command", "ieee", cmd.Source, "cmd", fmt.Sprintf("0x%02X", cmd.CommandID))
		return false
	}
	p.sub.DispatchCheckin(ctx, cmd.Source, cmd.Endpoint)

	// start fast polling: false, fast poll timeout: 0
	payload := []byte{0x00, 0x00, 0x00}
	err := p.sub.SendCommand(ctx, cmd.Source, cmd.Endpoint, PollControlClusterID, zcl.ClientToServer, pollControlCmdCheckinResponse, payload)
	if err != nil {
		p.logger.Warn("checkin response", "ieee", cmd.Source, "err", err)
	}
	return true
}
