// Package hal defines the radio hardware-abstraction boundary: raw ZCL frame
// transport, ZDO discovery and binding, keyed by 64-bit address, endpoint
// and cluster id.
package hal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrClosed is returned by a radio after Close.
var ErrClosed = errors.New("hal: radio closed")

// ProfileHA is the Home Automation application profile.
const ProfileHA uint16 = 0x0104

// EUI64 is a 64-bit IEEE radio address.
type EUI64 uint64

// String formats the address as 16 upper-case hex digits.
func (a EUI64) String() string {
	return fmt.Sprintf("%016X", uint64(a))
}

func (a EUI64) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *EUI64) UnmarshalText(b []byte) error {
	v, err := ParseEUI64(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseEUI64 parses "DD:DD:DD:DD:DD:DD:DD:DD", "0xDDDDDDDDDDDDDDDD" or
// "DDDDDDDDDDDDDDDD" (most significant byte first).
func ParseEUI64(s string) (EUI64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 16 {
		return 0, fmt.Errorf("parse eui64 %q: need 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse eui64: %w", err)
	}
	return EUI64(v), nil
}

// Radio is the part of the HAL used by the ZCL subsystem.
type Radio interface {
	// LocalAddress returns the gateway's own radio address, the default
	// binding destination.
	LocalAddress() EUI64

	// Send transmits one raw ZCL frame. It returns once the radio has
	// accepted (or failed) the transmission, not when the device answers.
	Send(ctx context.Context, f OutgoingFrame) error

	ActiveEndpoints(ctx context.Context, addr EUI64) ([]uint8, error)
	SimpleDescriptor(ctx context.Context, addr EUI64, endpoint uint8) (*SimpleDescriptor, error)
	NodeDescriptor(ctx context.Context, addr EUI64) (*NodeDescriptor, error)

	Bind(ctx context.Context, req BindRequest) error
	Unbind(ctx context.Context, req BindRequest) error
	BindingTable(ctx context.Context, addr EUI64) ([]BindingEntry, error)

	// Inbound callbacks. Handlers run on the radio's receive goroutine and
	// must not block on radio I/O.
	OnFrame(handler func(IncomingFrame))
	OnDeviceAnnounce(handler func(DeviceAnnounceEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))

	Close() error
}

// Network is the network-management side of the HAL used by the coordinator.
type Network interface {
	Reset(ctx context.Context) error
	Init(ctx context.Context) error
	FormNetwork(ctx context.Context, cfg NetworkConfig) error
	StartNetwork(ctx context.Context) error
	PermitJoin(ctx context.Context, duration uint8) error
	Leave(ctx context.Context, addr EUI64) error
}

// NetworkConfig holds parameters for network formation.
type NetworkConfig struct {
	Channel  uint8
	PanID    uint16
	ExtPanID uint64
}

// OutgoingFrame is a ZCL frame addressed to one device endpoint.
type OutgoingFrame struct {
	Dest           EUI64
	DestEndpoint   uint8
	SourceEndpoint uint8
	ProfileID      uint16
	ClusterID      uint16
	Data           []byte
}

// IncomingFrame is a ZCL frame received from a device.
type IncomingFrame struct {
	Source         EUI64
	SourceEndpoint uint8
	DestEndpoint   uint8
	ProfileID      uint16
	ClusterID      uint16
	LQI            uint8
	RSSI           int8
	Data           []byte
}

// SimpleDescriptor describes an endpoint.
type SimpleDescriptor struct {
	Endpoint      uint8
	ProfileID     uint16
	DeviceID      uint16
	DeviceVersion uint8
	InClusters    []uint16
	OutClusters   []uint16
}

// Logical device types from the node descriptor.
const (
	LogicalTypeCoordinator uint8 = 0
	LogicalTypeRouter      uint8 = 1
	LogicalTypeEndDevice   uint8 = 2
)

// NodeDescriptor holds the fields of the ZDO node descriptor the gateway
// uses for classification.
type NodeDescriptor struct {
	LogicalType      uint8
	MainsPowered     bool
	RxOnWhenIdle     bool
	ManufacturerCode uint16
}

// Binding destination address modes.
const (
	BindModeGroup uint8 = 0x01
	BindModeIEEE  uint8 = 0x03
)

// BindRequest is a ZDO bind/unbind request sent to Source.
type BindRequest struct {
	Source         EUI64
	SourceEndpoint uint8
	ClusterID      uint16
	Dest           EUI64
	DestEndpoint   uint8
}

// BindingEntry is one row of a device's binding table.
type BindingEntry struct {
	Source         EUI64
	SourceEndpoint uint8
	ClusterID      uint16
	DestMode       uint8
	DestGroup      uint16
	Dest           EUI64
	DestEndpoint   uint8
}

// DeviceAnnounceEvent is emitted when a device (re)joins and announces.
type DeviceAnnounceEvent struct {
	Address    EUI64
	ShortAddr  uint16
	Capability uint8
}

// DeviceLeftEvent is emitted when a device leaves the network.
type DeviceLeftEvent struct {
	Address EUI64
}
