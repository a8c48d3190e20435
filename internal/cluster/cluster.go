// Package cluster models the behaviour of individual ZCL clusters on paired
// devices. A Cluster carries an id and a configuration priority; everything
// else is an optional hook discovered by type assertion, so a new cluster
// implements only what it needs.
//
// Cluster values are shared by every device of a driver and keep no
// per-device state outside explicit correlation trackers.
package cluster

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

// ErrCapability is returned when an operation targets an attribute or
// cluster the device does not have.
var ErrCapability = errors.New("cluster: not supported by device")

// Configuration priorities. Higher runs first.
const (
	PriorityDefault = 0
	PriorityHigh    = 50
	PriorityHighest = 100
)

// VendorMfgCode is the manufacturer code of the gateway vendor's private
// attributes and commands.
const VendorMfgCode uint16 = 0x111D

// Cluster is the minimal contract every cluster implements.
type Cluster interface {
	ID() uint16
	Priority() int
}

// Configurer configures the cluster on a newly paired device.
type Configurer interface {
	Configure(ctx context.Context, cc *ConfigContext) error
}

// CommandHandler handles cluster-specific commands. It reports whether the
// command was handled; the first handler returning true stops dispatch.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *Command) bool
}

// ReportHandler handles Report Attributes frames.
type ReportHandler interface {
	HandleAttributeReport(ctx context.Context, r *AttributeReport) bool
}

// AlarmHandler receives alarms raised by the Alarms cluster for the
// cluster's id.
type AlarmHandler interface {
	HandleAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool
	HandleAlarmCleared(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool
}

// CheckinHandler runs on every poll control check-in of the device.
type CheckinHandler interface {
	HandlePollControlCheckin(ctx context.Context, addr hal.EUI64, endpoint uint8)
}

// Releaser drops any per-device state when the device is removed.
type Releaser interface {
	ReleaseDevice(addr hal.EUI64)
}

// Matcher narrows the inbound frames a cluster receives. Clusters without
// it receive server-to-client frames with no manufacturer code.
type Matcher interface {
	Accepts(fromServer bool, mfgCode uint16) bool
}

// Defined is implemented by clusters that publish metadata for the
// registry.
type Defined interface {
	Definition() zcl.ClusterDef
}

// Matches reports whether an inbound frame for clusterID should be offered
// to c.
func Matches(c Cluster, clusterID uint16, fromServer bool, mfgCode uint16) bool {
	if c.ID() != clusterID {
		return false
	}
	if m, ok := c.(Matcher); ok {
		return m.Accepts(fromServer, mfgCode)
	}
	return fromServer && mfgCode == 0
}

// SortByPriority returns the clusters ordered by descending priority,
// keeping registration order among equals.
func SortByPriority(cs []Cluster) []Cluster {
	out := slices.Clone(cs)
	slices.SortStableFunc(out, func(a, b Cluster) int {
		return b.Priority() - a.Priority()
	})
	return out
}

// Alarm is an alarm code raised by (or cleared on) the owning cluster.
type Alarm struct {
	Code      uint8
	ClusterID uint16
}

// Command is a received cluster-specific command. Payload is only valid
// for the duration of the handler call.
type Command struct {
	Source     hal.EUI64
	Endpoint   uint8
	ClusterID  uint16
	MfgCode    uint16
	FromServer bool
	CommandID  uint8
	Sequence   uint8
	Payload    []byte
}

// AttributeReport is a received Report Attributes frame. Payload is only
// valid for the duration of the handler call.
type AttributeReport struct {
	Source     hal.EUI64
	Endpoint   uint8
	ClusterID  uint16
	MfgCode    uint16
	FromServer bool
	Payload    []byte
}

// Records decodes the report payload.
func (r *AttributeReport) Records() ([]zcl.AttributeRecord, error) {
	return zcl.DecodeReportAttributes(r.Payload)
}

// ConfigContext is the input to Configure: the device's capability model,
// the endpoint chosen for this cluster and the descriptor metadata.
type ConfigContext struct {
	Device   *capability.DeviceDetails
	Endpoint uint8
	Metadata Metadata
	Logger   *slog.Logger
}

// HasAttribute reports whether the device's server cluster on the
// configured endpoint has attrID.
func (cc *ConfigContext) HasAttribute(clusterID, attrID uint16) bool {
	return cc.Device.HasServerAttribute(cc.Endpoint, clusterID, attrID)
}

func (cc *ConfigContext) logger() *slog.Logger {
	if cc.Logger != nil {
		return cc.Logger
	}
	return slog.Default()
}

// Subsystem is the part of the ZCL subsystem clusters talk to. All calls
// block until the radio transaction completes or ctx expires.
type Subsystem interface {
	SendCommand(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dir zcl.Direction, commandID uint8, payload []byte) error
	SendMfgCommand(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode uint16, dir zcl.Direction, commandID uint8, payload []byte) error

	// Request sends a client-to-server command and waits for the device's
	// response with the same sequence number: a cluster command listed in
	// responses, or a default response to commandID. A default response
	// with a non-success status is returned as *zcl.StatusError.
	Request(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, commandID uint8, payload []byte, responses ...uint8) (zcl.Frame, error)

	ReadNumber(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, attrID uint16) (uint64, error)
	ReadNumberMfg(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16) (uint64, error)
	ReadString(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, attrID uint16) (string, error)
	ReadStringMfg(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16) (string, error)

	WriteNumber(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, attrID uint16, typeID uint8, width int, value uint64) error
	WriteNumberMfg(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16, typeID uint8, width int, value uint64) error

	// Bind binds the device's cluster to the gateway.
	Bind(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16) error
	ConfigureReporting(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode uint16, cfgs ...zcl.ReportingConfig) error

	DispatchAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool
	DispatchAlarmCleared(ctx context.Context, addr hal.EUI64, endpoint uint8, a Alarm) bool
	DispatchCheckin(ctx context.Context, addr hal.EUI64, endpoint uint8)
}

// Definitions returns the metadata of every cluster in this package.
func Definitions() []zcl.ClusterDef {
	return []zcl.ClusterDef{
		BasicDef,
		PowerConfigDef,
		DeviceTempDef,
		AlarmsDef,
		PollControlDef,
		DoorLockDef,
		IASWDDef,
		ElectricalDef,
		DiagnosticsDef,
	}
}
