// Package haltest provides an in-memory hal.Radio and hal.Network for tests.
package haltest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

// Responder answers one sent frame with zero or more device frames.
type Responder func(f hal.OutgoingFrame) []hal.IncomingFrame

type epKey struct {
	addr hal.EUI64
	ep   uint8
}

// Radio is a fake radio. Frames returned by the responder are delivered on
// a separate goroutine, like a real receive loop. It is safe for
// concurrent use.
type Radio struct {
	mu        sync.Mutex
	local     hal.EUI64
	sent      []hal.OutgoingFrame
	responder Responder
	sendErr   error
	nodes     map[hal.EUI64]*hal.NodeDescriptor
	endpoints map[hal.EUI64][]uint8
	simple    map[epKey]*hal.SimpleDescriptor
	bindings  map[hal.EUI64][]hal.BindingEntry
	calls     []string
	closed    bool

	onFrame    func(hal.IncomingFrame)
	onAnnounce func(hal.DeviceAnnounceEvent)
	onLeft     func(hal.DeviceLeftEvent)

	deliver chan []hal.IncomingFrame
	done    chan struct{}
	wg      sync.WaitGroup
}

var (
	_ hal.Radio   = (*Radio)(nil)
	_ hal.Network = (*Radio)(nil)
)

// New returns a fake radio whose own address is local.
func New(local hal.EUI64) *Radio {
	r := &Radio{
		local:     local,
		nodes:     make(map[hal.EUI64]*hal.NodeDescriptor),
		endpoints: make(map[hal.EUI64][]uint8),
		simple:    make(map[epKey]*hal.SimpleDescriptor),
		bindings:  make(map[hal.EUI64][]hal.BindingEntry),
		deliver:   make(chan []hal.IncomingFrame, 64),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Radio) loop() {
	defer r.wg.Done()
	for {
		select {
		case frames := <-r.deliver:
			for _, f := range frames {
				r.Inject(f)
			}
		case <-r.done:
			return
		}
	}
}

// SetResponder installs the function answering sent frames.
func (r *Radio) SetResponder(fn Responder) {
	r.mu.Lock()
	r.responder = fn
	r.mu.Unlock()
}

// SetSendError makes every Send fail with err until reset with nil.
func (r *Radio) SetSendError(err error) {
	r.mu.Lock()
	r.sendErr = err
	r.mu.Unlock()
}

// AddDevice registers a device for ZDO discovery.
func (r *Radio) AddDevice(addr hal.EUI64, node hal.NodeDescriptor, descs ...hal.SimpleDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[addr] = &node
	r.endpoints[addr] = nil
	for i := range descs {
		d := descs[i]
		r.endpoints[addr] = append(r.endpoints[addr], d.Endpoint)
		r.simple[epKey{addr, d.Endpoint}] = &d
	}
}

// Sent returns a copy of every frame sent so far.
func (r *Radio) Sent() []hal.OutgoingFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

// Calls returns the names of network and ZDO calls made so far.
func (r *Radio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Inject delivers a frame to the frame handler on the calling goroutine.
func (r *Radio) Inject(f hal.IncomingFrame) {
	r.mu.Lock()
	h := r.onFrame
	r.mu.Unlock()
	if h != nil {
		h(f)
	}
}

// Announce simulates a device announce.
func (r *Radio) Announce(evt hal.DeviceAnnounceEvent) {
	r.mu.Lock()
	h := r.onAnnounce
	r.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Left simulates a device leaving.
func (r *Radio) Left(evt hal.DeviceLeftEvent) {
	r.mu.Lock()
	h := r.onLeft
	r.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (r *Radio) LocalAddress() hal.EUI64 { return r.local }

func (r *Radio) Send(ctx context.Context, f hal.OutgoingFrame) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return hal.ErrClosed
	}
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	f.Data = slices.Clone(f.Data)
	r.sent = append(r.sent, f)
	resp := r.responder
	r.mu.Unlock()

	if resp == nil {
		return nil
	}
	if frames := resp(f); len(frames) > 0 {
		select {
		case r.deliver <- frames:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Radio) ActiveEndpoints(ctx context.Context, addr hal.EUI64) ([]uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps, ok := r.endpoints[addr]
	if !ok {
		return nil, fmt.Errorf("active endpoints %s: %w", addr, context.DeadlineExceeded)
	}
	return slices.Clone(eps), nil
}

func (r *Radio) SimpleDescriptor(ctx context.Context, addr hal.EUI64, endpoint uint8) (*hal.SimpleDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.simple[epKey{addr, endpoint}]
	if !ok {
		return nil, fmt.Errorf("simple descriptor %s/%d: %w", addr, endpoint, context.DeadlineExceeded)
	}
	cp := *d
	return &cp, nil
}

func (r *Radio) NodeDescriptor(ctx context.Context, addr hal.EUI64) (*hal.NodeDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("node descriptor %s: %w", addr, context.DeadlineExceeded)
	}
	cp := *n
	return &cp, nil
}

func (r *Radio) Bind(ctx context.Context, req hal.BindRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("bind %s/%d 0x%04X", req.Source, req.SourceEndpoint, req.ClusterID))
	for _, b := range r.bindings[req.Source] {
		if sameBinding(b, req) {
			return nil
		}
	}
	r.bindings[req.Source] = append(r.bindings[req.Source], hal.BindingEntry{
		Source:         req.Source,
		SourceEndpoint: req.SourceEndpoint,
		ClusterID:      req.ClusterID,
		DestMode:       hal.BindModeIEEE,
		Dest:           req.Dest,
		DestEndpoint:   req.DestEndpoint,
	})
	return nil
}

func (r *Radio) Unbind(ctx context.Context, req hal.BindRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("unbind %s/%d 0x%04X", req.Source, req.SourceEndpoint, req.ClusterID))
	r.bindings[req.Source] = slices.DeleteFunc(r.bindings[req.Source], func(b hal.BindingEntry) bool {
		return sameBinding(b, req)
	})
	return nil
}

func sameBinding(b hal.BindingEntry, req hal.BindRequest) bool {
	return b.SourceEndpoint == req.SourceEndpoint && b.ClusterID == req.ClusterID &&
		b.DestMode == hal.BindModeIEEE && b.Dest == req.Dest && b.DestEndpoint == req.DestEndpoint
}

func (r *Radio) BindingTable(ctx context.Context, addr hal.EUI64) ([]hal.BindingEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.bindings[addr]), nil
}

func (r *Radio) OnFrame(h func(hal.IncomingFrame)) {
	r.mu.Lock()
	r.onFrame = h
	r.mu.Unlock()
}

func (r *Radio) OnDeviceAnnounce(h func(hal.DeviceAnnounceEvent)) {
	r.mu.Lock()
	r.onAnnounce = h
	r.mu.Unlock()
}

func (r *Radio) OnDeviceLeft(h func(hal.DeviceLeftEvent)) {
	r.mu.Lock()
	r.onLeft = h
	r.mu.Unlock()
}

func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Radio) record(call string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return nil
}

func (r *Radio) Reset(ctx context.Context) error { return r.record("reset") }
func (r *Radio) Init(ctx context.Context) error  { return r.record("init") }
func (r *Radio) FormNetwork(ctx context.Context, cfg hal.NetworkConfig) error {
	return r.record(fmt.Sprintf("form ch=%d pan=0x%04X", cfg.Channel, cfg.PanID))
}
func (r *Radio) StartNetwork(ctx context.Context) error { return r.record("start") }
func (r *Radio) PermitJoin(ctx context.Context, duration uint8) error {
	return r.record(fmt.Sprintf("permit %d", duration))
}
func (r *Radio) Leave(ctx context.Context, addr hal.EUI64) error {
	return r.record("leave " + addr.String())
}

// Reply builds the device's answer to req: same cluster and sequence,
// server-to-client direction.
func Reply(req hal.OutgoingFrame, frameType zcl.FrameType, commandID uint8, payload []byte) hal.IncomingFrame {
	fr, err := zcl.DecodeFrame(req.Data)
	if err != nil {
		panic(fmt.Sprintf("haltest: undecodable request: %v", err))
	}
	h := zcl.Header{
		FrameType:              frameType,
		ManufacturerSpecific:   fr.ManufacturerSpecific,
		ManufacturerCode:       fr.ManufacturerCode,
		Direction:              zcl.ServerToClient,
		DisableDefaultResponse: true,
		Sequence:               fr.Sequence,
		CommandID:              commandID,
	}
	return hal.IncomingFrame{
		Source:         req.Dest,
		SourceEndpoint: req.DestEndpoint,
		DestEndpoint:   req.SourceEndpoint,
		ProfileID:      req.ProfileID,
		ClusterID:      req.ClusterID,
		LQI:            200,
		RSSI:           -50,
		Data:           zcl.EncodeFrame(h, payload),
	}
}

// Attr is one attribute of a simulated device.
type Attr struct {
	Type  uint8
	Value []byte
}

// Device simulates a device's attribute tables and answers read, write,
// configure reporting and discover requests. Unknown attributes read back
// as UNSUPPORTED_ATTRIBUTE. Other frames get no answer.
type Device struct {
	mu    sync.Mutex
	attrs map[uint32]Attr // cluster<<16 | attr
	// Writes records every accepted write, keyed like attrs.
	Writes map[uint32][]byte
	// Reporting records every configure reporting payload by cluster.
	Reporting map[uint16][][]byte
}

func NewDevice() *Device {
	return &Device{attrs: map[uint32]Attr{}, Writes: map[uint32][]byte{}, Reporting: map[uint16][][]byte{}}
}

// Set defines an attribute value.
func (d *Device) Set(cluster, attr uint16, typeID uint8, value []byte) {
	d.mu.Lock()
	d.attrs[uint32(cluster)<<16|uint32(attr)] = Attr{Type: typeID, Value: value}
	d.mu.Unlock()
}

// Respond is a Responder for this device.
func (d *Device) Respond(req hal.OutgoingFrame) []hal.IncomingFrame {
	fr, err := zcl.DecodeFrame(req.Data)
	if err != nil || fr.FrameType != zcl.FrameTypeGlobal {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch fr.CommandID {
	case zcl.FoundationReadAttributes:
		return []hal.IncomingFrame{Reply(req, zcl.FrameTypeGlobal, zcl.FoundationReadAttributesResponse, d.readResponse(req.ClusterID, fr.Payload))}
	case zcl.FoundationWriteAttributes:
		buf := codec.NewReader(fr.Payload)
		for buf.Remaining() > 0 {
			id := buf.Uint16()
			typeID := buf.Uint8()
			raw, err := zcl.ReadRaw(typeID, buf)
			if err != nil {
				break
			}
			d.Writes[uint32(req.ClusterID)<<16|uint32(id)] = raw
		}
		return []hal.IncomingFrame{Reply(req, zcl.FrameTypeGlobal, zcl.FoundationWriteAttributesResp, []byte{zcl.StatusSuccess})}
	case zcl.FoundationConfigReporting:
		d.Reporting[req.ClusterID] = append(d.Reporting[req.ClusterID], slices.Clone(fr.Payload))
		return []hal.IncomingFrame{Reply(req, zcl.FrameTypeGlobal, zcl.FoundationConfigReportingResp, []byte{zcl.StatusSuccess})}
	case zcl.FoundationDiscoverAttributes:
		return []hal.IncomingFrame{Reply(req, zcl.FrameTypeGlobal, zcl.FoundationDiscoverAttributesResp, d.discoverResponse(req.ClusterID))}
	}
	return nil
}

func (d *Device) readResponse(cluster uint16, payload []byte) []byte {
	in := codec.NewReader(payload)
	var out []byte
	for in.Remaining() >= 2 {
		id := in.Uint16()
		a, ok := d.attrs[uint32(cluster)<<16|uint32(id)]
		out = append(out, byte(id), byte(id>>8))
		if !ok {
			out = append(out, zcl.StatusUnsupportedAttr)
			continue
		}
		out = append(out, zcl.StatusSuccess, a.Type)
		out = append(out, a.Value...)
	}
	return out
}

func (d *Device) discoverResponse(cluster uint16) []byte {
	var ids []uint16
	for k := range d.attrs {
		if uint16(k>>16) == cluster {
			ids = append(ids, uint16(k))
		}
	}
	slices.Sort(ids)
	out := []byte{0x01}
	for _, id := range ids {
		out = append(out, byte(id), byte(id>>8), d.attrs[uint32(cluster)<<16|uint32(id)].Type)
	}
	return out
}
