package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errNoDevice = errors.New("no answer")

const testAddr hal.EUI64 = 0x000D6F0001020304

type call struct {
	Op        string
	Addr      hal.EUI64
	Endpoint  uint8
	Cluster   uint16
	Mfg       uint16
	Dir       zcl.Direction
	Cmd       uint8
	Attr      uint16
	Type      uint8
	Width     int
	Value     uint64
	Payload   []byte
	Reporting []zcl.ReportingConfig
	Responses []uint8
}

// fakeSub records every call. Reads are answered from numbers/strings keyed
// by cluster<<16|attr; missing keys fail with errNoDevice.
type fakeSub struct {
	mu      sync.Mutex
	calls   []call
	numbers map[uint32]uint64
	strings map[uint32]string

	// onSend, if set, is called for SendCommand/SendMfgCommand.
	onSend   func(c call) error
	response zcl.Frame
	failBind error

	clusters []Cluster
}

func newFakeSub() *fakeSub {
	return &fakeSub{numbers: map[uint32]uint64{}, strings: map[uint32]string{}}
}

func key(cluster, attr uint16) uint32 { return uint32(cluster)<<16 | uint32(attr) }

func (f *fakeSub) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeSub) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSub) SendCommand(ctx context.Context, addr hal.EUI64, ep uint8, cluster uint16, dir zcl.Direction, cmd uint8, payload []byte) error {
	c := call{Op: "send", Addr: addr, Endpoint: ep, Cluster: cluster, Dir: dir, Cmd: cmd, Payload: payload}
	f.record(c)
	if f.onSend != nil {
		return f.onSend(c)
	}
	return nil
}

func (f *fakeSub) SendMfgCommand(ctx context.Context, addr hal.EUI64, ep uint8, cluster, mfg uint16, dir zcl.Direction, cmd uint8, payload []byte) error {
	c := call{Op: "send", Addr: addr, Endpoint: ep, Cluster: cluster, Mfg: mfg, Dir: dir, Cmd: cmd, Payload: payload}
	f.record(c)
	if f.onSend != nil {
		return f.onSend(c)
	}
	return nil
}

func (f *fakeSub) Request(ctx context.Context, addr hal.EUI64, ep uint8, cluster uint16, cmd uint8, payload []byte, responses ...uint8) (zcl.Frame, error) {
	f.record(call{Op: "request", Addr: addr, Endpoint: ep, Cluster: cluster, Cmd: cmd, Payload: payload, Responses: responses})
	return f.response, nil
}

func (f *fakeSub) ReadNumber(ctx context.Context, addr hal.EUI64, ep uint8, cluster, attr uint16) (uint64, error) {
	return f.ReadNumberMfg(ctx, addr, ep, cluster, 0, attr)
}

func (f *fakeSub) ReadNumberMfg(ctx context.Context, addr hal.EUI64, ep uint8, cluster, mfg, attr uint16) (uint64, error) {
	f.record(call{Op: "read", Addr: addr, Endpoint: ep, Cluster: cluster, Mfg: mfg, Attr: attr})
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.numbers[key(cluster, attr)]
	if !ok {
		return 0, errNoDevice
	}
	return v, nil
}

func (f *fakeSub) ReadString(ctx context.Context, addr hal.EUI64, ep uint8, cluster, attr uint16) (string, error) {
	return f.ReadStringMfg(ctx, addr, ep, cluster, 0, attr)
}

func (f *fakeSub) ReadStringMfg(ctx context.Context, addr hal.EUI64, ep uint8, cluster, mfg, attr uint16) (string, error) {
	f.record(call{Op: "read", Addr: addr, Endpoint: ep, Cluster: cluster, Mfg: mfg, Attr: attr})
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strings[key(cluster, attr)]
	if !ok {
		return "", errNoDevice
	}
	return v, nil
}

func (f *fakeSub) WriteNumber(ctx context.Context, addr hal.EUI64, ep uint8, cluster, attr uint16, typeID uint8, width int, value uint64) error {
	return f.WriteNumberMfg(ctx, addr, ep, cluster, 0, attr, typeID, width, value)
}

func (f *fakeSub) WriteNumberMfg(ctx context.Context, addr hal.EUI64, ep uint8, cluster, mfg, attr uint16, typeID uint8, width int, value uint64) error {
	f.record(call{Op: "write", Addr: addr, Endpoint: ep, Cluster: cluster, Mfg: mfg, Attr: attr, Type: typeID, Width: width, Value: value})
	return nil
}

func (f *fakeSub) Bind(ctx context.Context, addr hal.EUI64, ep uint8, cluster uint16) error {
	f.record(call{Op: "bind", Addr: addr, Endpoint: ep, Cluster: cluster})
	return f.failBind
}

func (f *fakeSub) ConfigureReporting(ctx context.Context, addr hal.EUI64, ep uint8, cluster, mfg uint16, cfgs ...zcl.ReportingConfig) error {
	f.record(call{Op: "reporting", Addr: addr, Endpoint: ep, Cluster: cluster, Mfg: mfg, Reporting: cfgs})
	return nil
}

func (f *fakeSub) DispatchAlarm(ctx context.Context, addr hal.EUI64, ep uint8, a Alarm) bool {
	for _, c := range f.clusters {
		if h, ok := c.(AlarmHandler); ok && c.ID() == a.ClusterID && h.HandleAlarm(ctx, addr, ep, a) {
			return true
		}
	}
	return false
}

func (f *fakeSub) DispatchAlarmCleared(ctx context.Context, addr hal.EUI64, ep uint8, a Alarm) bool {
	for _, c := range f.clusters {
		if h, ok := c.(AlarmHandler); ok && c.ID() == a.ClusterID && h.HandleAlarmCleared(ctx, addr, ep, a) {
			return true
		}
	}
	return false
}

func (f *fakeSub) DispatchCheckin(ctx context.Context, addr hal.EUI64, ep uint8) {
	for _, c := range f.clusters {
		if h, ok := c.(CheckinHandler); ok {
			h.HandlePollControlCheckin(ctx, addr, ep)
		}
	}
}

// device returns a one-endpoint capability model with the given server
// clusters and attributes.
func device(servers map[uint16][]uint16) *capability.DeviceDetails {
	ep := capability.EndpointDetails{ID: 1, ProfileID: hal.ProfileHA}
	for id, attrs := range servers {
		cd := capability.ClusterDetails{ID: id, Server: true}
		for _, a := range attrs {
			cd.Attributes = append(cd.Attributes, capability.AttributeDetails{ID: a})
		}
		ep.Servers = append(ep.Servers, cd)
	}
	return &capability.DeviceDetails{Address: testAddr, Endpoints: []capability.EndpointDetails{ep}}
}

func configCtx(d *capability.DeviceDetails, md Metadata) *ConfigContext {
	return &ConfigContext{Device: d, Endpoint: 1, Metadata: md, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
