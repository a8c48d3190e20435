package zboss

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"zcl-gateway/internal/hal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type ncpReply struct {
	payload []byte
	cat     uint8
	code    uint8
}

// fakeNCP answers HL requests over one end of a pipe.
type fakeNCP struct {
	conn net.Conn
	out  chan []byte

	mu       sync.Mutex
	handlers map[uint16]func([]byte) ncpReply
	requests []*frame
	seq      uint8
}

func newTestBackend(t *testing.T) (*Backend, *fakeNCP) {
	t.Helper()
	host, dev := net.Pipe()
	ncp := &fakeNCP{
		conn:     dev,
		out:      make(chan []byte, 32),
		handlers: make(map[uint16]func([]byte) ncpReply),
	}
	go ncp.readLoop()
	go ncp.writeLoop()

	b, err := newBackend(func() (io.ReadWriteCloser, error) { return host, nil }, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		b.Close()
		dev.Close()
	})
	return b, ncp
}

func (n *fakeNCP) handle(call uint16, h func([]byte) ncpReply) {
	n.mu.Lock()
	n.handlers[call] = h
	n.mu.Unlock()
}

func (n *fakeNCP) nextSeq() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq = n.seq%3 + 1
	return n.seq
}

func (n *fakeNCP) indicate(call uint16, payload []byte) {
	n.out <- encodeIndication(call, n.nextSeq(), payload)
}

func (n *fakeNCP) calls(call uint16) []*frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*frame
	for _, f := range n.requests {
		if f.HL.CallID == call {
			out = append(out, f)
		}
	}
	return out
}

func (n *fakeNCP) readLoop() {
	r := bufio.NewReader(n.conn)
	for {
		raw, err := readRawFrame(r)
		if err != nil {
			return
		}
		f, err := decodeFrame(raw)
		if err != nil || f.isACK() {
			continue
		}
		n.out <- encodeACK(f.pktSeq())

		n.mu.Lock()
		n.requests = append(n.requests, f)
		h := n.handlers[f.HL.CallID]
		n.mu.Unlock()
		reply := ncpReply{}
		if h != nil {
			reply = h(f.Payload)
		}
		n.out <- encodeResponse(f.HL.CallID, f.HL.TSN, n.nextSeq(), reply.cat, reply.code, reply.payload)
	}
}

func (n *fakeNCP) writeLoop() {
	for raw := range n.out {
		if _, err := n.conn.Write(raw); err != nil {
			return
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInitReadsLocalAddress(t *testing.T) {
	b, ncp := newTestBackend(t)
	ncp.handle(callGetLocalIEEE, func([]byte) ncpReply {
		return ncpReply{payload: binary.LittleEndian.AppendUint64([]byte{0x00}, 0xF4CE36000000AB01)}
	})
	if err := b.Init(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if got := b.LocalAddress(); got != 0xF4CE36000000AB01 {
		t.Errorf("LocalAddress = %s", got)
	}
	if n := len(ncp.calls(callSetTCPolicy)); n != 6 {
		t.Errorf("tc policy calls = %d, want 6", n)
	}
}

func TestRequestStatusError(t *testing.T) {
	b, ncp := newTestBackend(t)
	ncp.handle(callZDOPermitJoinReq, func([]byte) ncpReply {
		return ncpReply{cat: 5, code: 0x84}
	})
	err := b.PermitJoin(testContext(t), 60)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Category != 5 || se.Code != 0x84 || se.Call != callZDOPermitJoinReq {
		t.Errorf("status = %+v", se)
	}
	req := ncp.calls(callZDOPermitJoinReq)[0]
	if req.Payload[2] != 60 {
		t.Errorf("permit join payload = %X", req.Payload)
	}
}

func TestSendUsesIEEEAddress(t *testing.T) {
	b, ncp := newTestBackend(t)
	err := b.Send(testContext(t), hal.OutgoingFrame{
		Dest:           0x00124B0001020304,
		DestEndpoint:   1,
		SourceEndpoint: 1,
		ClusterID:      0x0006,
		Data:           []byte{0x01, 0x10, 0x01},
	})
	if err != nil {
		t.Fatal(err)
	}
	reqs := ncp.calls(callAPSDEDataReq)
	if len(reqs) != 1 {
		t.Fatalf("data requests = %d", len(reqs))
	}
	p := reqs[0].Payload
	if binary.LittleEndian.Uint64(p[3:11]) != 0x00124B0001020304 || p[18] != addrModeIEEE {
		t.Errorf("request = %X", p)
	}
	if binary.LittleEndian.Uint16(p[11:13]) != hal.ProfileHA {
		t.Error("profile not defaulted to HA")
	}
}

func TestDataIndicationFromAnnouncedDevice(t *testing.T) {
	b, ncp := newTestBackend(t)
	announced := make(chan hal.DeviceAnnounceEvent, 1)
	frames := make(chan hal.IncomingFrame, 1)
	b.OnDeviceAnnounce(func(e hal.DeviceAnnounceEvent) { announced <- e })
	b.OnFrame(func(f hal.IncomingFrame) { frames <- f })

	ann := binary.LittleEndian.AppendUint16(nil, 0x1A2B)
	ann = binary.LittleEndian.AppendUint64(ann, 0xAABBCCDD00112233)
	ann = append(ann, 0x8E)
	ncp.indicate(callZDODevAnnceInd, ann)
	select {
	case e := <-announced:
		if e.Address != 0xAABBCCDD00112233 || e.ShortAddr != 0x1A2B || e.Capability != 0x8E {
			t.Errorf("announce = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announce")
	}

	ncp.indicate(callAPSDEDataInd, dataIndication(0x1A2B, 1, 0x0006, 100, -40, []byte{0x18, 0x05, 0x0A}))
	select {
	case f := <-frames:
		if f.Source != 0xAABBCCDD00112233 || f.ClusterID != 0x0006 {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}
	if n := len(ncp.calls(callNwkGetIEEEByShort)); n != 0 {
		t.Errorf("address lookups = %d, want 0", n)
	}
}

func TestDataIndicationResolvesUnknownSourceInOrder(t *testing.T) {
	b, ncp := newTestBackend(t)
	ncp.handle(callNwkGetIEEEByShort, func([]byte) ncpReply {
		return ncpReply{payload: binary.LittleEndian.AppendUint64(nil, 0x0102030405060708)}
	})
	frames := make(chan hal.IncomingFrame, 8)
	b.OnFrame(func(f hal.IncomingFrame) { frames <- f })

	for seq := range uint8(5) {
		ncp.indicate(callAPSDEDataInd, dataIndication(0x4444, 1, 0x0402, 0, 0, []byte{0x18, seq, 0x0A}))
	}
	for want := range uint8(5) {
		select {
		case f := <-frames:
			if f.Source != 0x0102030405060708 {
				t.Errorf("source = %s", f.Source)
			}
			if f.Data[1] != want {
				t.Errorf("frame %d arrived with seq %d", want, f.Data[1])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", want)
		}
	}
	if n := len(ncp.calls(callNwkGetIEEEByShort)); n != 1 {
		t.Errorf("address lookups = %d, want 1", n)
	}
}

func TestDeviceLeft(t *testing.T) {
	b, ncp := newTestBackend(t)
	left := make(chan hal.DeviceLeftEvent, 2)
	b.OnDeviceLeft(func(e hal.DeviceLeftEvent) { left <- e })

	// rejoining devices have not left
	ncp.indicate(callNwkLeaveInd, binary.LittleEndian.AppendUint64(nil, 0x99))
	rejoin := append(binary.LittleEndian.AppendUint64(nil, 0x77), 0x01)
	ncp.indicate(callNwkLeaveInd, rejoin)

	select {
	case e := <-left:
		if e.Address != 0x99 {
			t.Errorf("left = %s", e.Address)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leave event")
	}
	select {
	case e := <-left:
		t.Errorf("unexpected leave event for %s", e.Address)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNodeDescriptor(t *testing.T) {
	b, ncp := newTestBackend(t)
	ncp.handle(callNwkGetShortByIEEE, func([]byte) ncpReply {
		return ncpReply{payload: []byte{0x34, 0x12}}
	})
	ncp.handle(callZDONodeDescReq, func(p []byte) ncpReply {
		if binary.LittleEndian.Uint16(p) != 0x1234 {
			return ncpReply{cat: 5, code: 0x80}
		}
		// router, mains powered, rx on when idle, manufacturer 0x115F
		return ncpReply{payload: []byte{0x01, 0x40, 0x8E, 0x5F, 0x11, 0x52, 0x80, 0x00}}
	})
	nd, err := b.NodeDescriptor(testContext(t), 0xABCD)
	if err != nil {
		t.Fatal(err)
	}
	want := hal.NodeDescriptor{LogicalType: hal.LogicalTypeRouter, MainsPowered: true, RxOnWhenIdle: true, ManufacturerCode: 0x115F}
	if *nd != want {
		t.Errorf("node descriptor = %+v, want %+v", *nd, want)
	}

	// the short address is cached
	if _, err := b.NodeDescriptor(testContext(t), 0xABCD); err != nil {
		t.Fatal(err)
	}
	if n := len(ncp.calls(callNwkGetShortByIEEE)); n != 1 {
		t.Errorf("address lookups = %d, want 1", n)
	}
}

func TestSimpleDescriptor(t *testing.T) {
	b, ncp := newTestBackend(t)
	b.learn(0x5555, 0x0042)
	ncp.handle(callZDOSimpleDescReq, func(p []byte) ncpReply {
		return ncpReply{payload: []byte{
			p[2], 0x04, 0x01, 0x0A, 0x00, 0x01,
			2, 1,
			0x00, 0x00, 0x01, 0x01,
			0x19, 0x00,
			0x42, 0x00,
		}}
	})
	sd, err := b.SimpleDescriptor(testContext(t), 0x5555, 1)
	if err != nil {
		t.Fatal(err)
	}
	if sd.Endpoint != 1 || sd.ProfileID != hal.ProfileHA || sd.DeviceID != 0x000A || sd.DeviceVersion != 1 {
		t.Errorf("descriptor = %+v", sd)
	}
	if len(sd.InClusters) != 2 || sd.InClusters[1] != 0x0101 || len(sd.OutClusters) != 1 || sd.OutClusters[0] != 0x0019 {
		t.Errorf("clusters in %v out %v", sd.InClusters, sd.OutClusters)
	}
}

func TestBindingTablePages(t *testing.T) {
	b, ncp := newTestBackend(t)
	b.learn(0x1111, 0x0001)
	entry := func(cluster uint16) []byte {
		e := binary.LittleEndian.AppendUint64(nil, 0x1111)
		e = append(e, 1)
		e = binary.LittleEndian.AppendUint16(e, cluster)
		e = append(e, hal.BindModeIEEE)
		e = binary.LittleEndian.AppendUint64(e, 0x2222)
		return append(e, 1)
	}
	ncp.handle(callZDOMgmtBindReq, func(p []byte) ncpReply {
		start := p[2]
		out := []byte{3, start}
		switch start {
		case 0:
			out = append(out, 2)
			out = append(out, entry(0x0006)...)
			out = append(out, entry(0x0008)...)
		default:
			out = append(out, 1)
			out = append(out, entry(0x0300)...)
		}
		return ncpReply{payload: out}
	})
	entries, err := b.BindingTable(testContext(t), 0x1111)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[2].ClusterID != 0x0300 {
		t.Errorf("entries = %+v", entries)
	}
	if n := len(ncp.calls(callZDOMgmtBindReq)); n != 2 {
		t.Errorf("mgmt bind requests = %d, want 2", n)
	}
}

func TestBindPayload(t *testing.T) {
	b, ncp := newTestBackend(t)
	b.learn(0x1111, 0x0BAD)
	err := b.Bind(testContext(t), hal.BindRequest{Source: 0x1111, SourceEndpoint: 2, ClusterID: 0x0001, Dest: 0x9999, DestEndpoint: 1})
	if err != nil {
		t.Fatal(err)
	}
	p := ncp.calls(callZDOBindReq)[0].Payload
	if len(p) != 23 {
		t.Fatalf("payload length %d", len(p))
	}
	if binary.LittleEndian.Uint16(p[0:2]) != 0x0BAD || binary.LittleEndian.Uint64(p[2:10]) != 0x1111 {
		t.Errorf("target/source = %X", p[:10])
	}
	if p[10] != 2 || binary.LittleEndian.Uint16(p[11:13]) != 0x0001 || p[13] != addrModeIEEE {
		t.Errorf("ep/cluster/mode = %X", p[10:14])
	}
	if binary.LittleEndian.Uint64(p[14:22]) != 0x9999 || p[22] != 1 {
		t.Errorf("destination = %X", p[14:])
	}
}

func TestLeaveForgetsAddress(t *testing.T) {
	b, ncp := newTestBackend(t)
	b.learn(0x3333, 0x0033)
	if err := b.Leave(testContext(t), 0x3333); err != nil {
		t.Fatal(err)
	}
	p := ncp.calls(callZDOMgmtLeaveReq)[0].Payload
	if binary.LittleEndian.Uint16(p[0:2]) != 0x0033 || binary.LittleEndian.Uint64(p[2:10]) != 0x3333 || p[10] != 0 {
		t.Errorf("leave payload = %X", p)
	}
	b.addrMu.RLock()
	_, known := b.shortByIEEE[0x3333]
	b.addrMu.RUnlock()
	if known {
		t.Error("address still mapped after leave")
	}
}
