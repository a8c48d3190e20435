package zboss

import (
	"context"
	"fmt"
	"time"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/hal"
)

const resolveTimeout = 5 * time.Second

// pendingSource holds frames from a network address whose IEEE address is
// being looked up. Frames are delivered in arrival order once it resolves.
type pendingSource struct {
	frames []hal.IncomingFrame
}

func (b *Backend) handleIndication(f *frame) {
	b.handlerMu.RLock()
	onAnnounce, onLeft := b.onAnnounce, b.onLeft
	b.handlerMu.RUnlock()

	buf := codec.NewReader(f.Payload)
	switch f.HL.CallID {
	case callZDODevAnnceInd:
		// nwk(2) + ieee(8) + capability(1)
		evt := hal.DeviceAnnounceEvent{ShortAddr: buf.Uint16()}
		evt.Address = hal.EUI64(buf.Uint64())
		evt.Capability = buf.Uint8()
		if buf.Err() != nil {
			b.logger.Warn("short device announce", "payload", fmt.Sprintf("%X", f.Payload))
			return
		}
		b.learn(evt.Address, evt.ShortAddr)
		b.logger.Info("device announce", "addr", evt.Address, "short", fmt.Sprintf("0x%04X", evt.ShortAddr))
		if onAnnounce != nil {
			onAnnounce(evt)
		}

	case callZDODevUpdateInd:
		// ieee(8) + nwk(2) + status(1)
		addr := hal.EUI64(buf.Uint64())
		short := buf.Uint16()
		status := buf.Uint8()
		if buf.Err() != nil {
			b.logger.Warn("short device update", "payload", fmt.Sprintf("%X", f.Payload))
			return
		}
		b.logger.Info("device update", "addr", addr, "short", fmt.Sprintf("0x%04X", short), "status", status)
		switch status {
		case devUpdateSecureRejoin, devUpdateUnsecureJoin, devUpdateTCRejoin:
			b.learn(addr, short)
		case devUpdateLeft:
			b.forget(addr)
			if onLeft != nil {
				onLeft(hal.DeviceLeftEvent{Address: addr})
			}
		default:
			b.logger.Warn("device update with unknown status", "status", status)
		}

	case callNwkLeaveInd:
		// ieee(8) + rejoin(1)
		addr := hal.EUI64(buf.Uint64())
		if buf.Err() != nil {
			return
		}
		rejoin := buf.Remaining() > 0 && buf.Uint8() != 0
		b.logger.Info("device leave", "addr", addr, "rejoin", rejoin)
		if !rejoin {
			b.forget(addr)
			if onLeft != nil {
				onLeft(hal.DeviceLeftEvent{Address: addr})
			}
		}

	case callAPSDEDataInd:
		b.handleDataIndication(f.Payload)

	case callNCPResetInd:
		b.logger.Warn("ncp reset indication")
		select {
		case b.resetInd <- struct{}{}:
		default:
		}

	default:
		b.logger.Debug("unhandled indication", "call", callName(f.HL.CallID), "payload", fmt.Sprintf("%X", f.Payload))
	}
}

// decodeDataIndication parses an APSDE-DATA indication: param_len(1) +
// data_len(2) + aps_fc(1) + src_nwk(2) + dst_nwk(2) + group(2) + dst_ep(1) +
// src_ep(1) + cluster(2) + profile(2) + aps_counter(1) + src_mac(2) +
// dst_mac(2) + lqi(1) + rssi(1) + key_attr(1) + data.
func decodeDataIndication(payload []byte) (uint16, hal.IncomingFrame, error) {
	buf := codec.NewReader(payload)
	buf.Skip(1)
	dataLen := int(buf.Uint16())
	buf.Skip(1)
	src := buf.Uint16()
	buf.Skip(4)
	f := hal.IncomingFrame{
		DestEndpoint:   buf.Uint8(),
		SourceEndpoint: buf.Uint8(),
		ClusterID:      buf.Uint16(),
		ProfileID:      buf.Uint16(),
	}
	buf.Skip(5)
	f.LQI = buf.Uint8()
	f.RSSI = buf.Int8()
	buf.Skip(1)
	f.Data = append([]byte(nil), buf.ReadBytes(dataLen)...)
	if err := buf.Err(); err != nil {
		return 0, f, fmt.Errorf("zboss: data indication: %w", err)
	}
	return src, f, nil
}

func (b *Backend) handleDataIndication(payload []byte) {
	short, f, err := decodeDataIndication(payload)
	if err != nil {
		b.logger.Warn("drop data indication", "err", err)
		return
	}
	if len(f.Data) == 0 {
		return
	}

	b.addrMu.Lock()
	addr, known := b.ieeeByShort[short]
	if !known {
		p, resolving := b.unresolved[short]
		if !resolving {
			p = &pendingSource{}
			b.unresolved[short] = p
		}
		p.frames = append(p.frames, f)
		b.addrMu.Unlock()
		if !resolving {
			// Resolution needs a request/response round trip, which this
			// goroutine delivers.
			go b.resolveSource(short)
		}
		return
	}
	b.addrMu.Unlock()

	f.Source = addr
	b.deliver(f)
}

// resolveSource looks up the IEEE address of short and flushes the frames
// queued for it. The address is recorded only once the queue is empty so
// that later frames cannot overtake queued ones.
func (b *Backend) resolveSource(short uint16) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addr, err := b.ieeeAddr(ctx, short)
	if err != nil {
		b.addrMu.Lock()
		n := len(b.unresolved[short].frames)
		delete(b.unresolved, short)
		b.addrMu.Unlock()
		b.logger.Warn("drop frames from unknown source", "short", fmt.Sprintf("0x%04X", short), "frames", n, "err", err)
		return
	}
	for {
		b.addrMu.Lock()
		p := b.unresolved[short]
		frames := p.frames
		p.frames = nil
		if len(frames) == 0 {
			delete(b.unresolved, short)
			b.learnLocked(addr, short)
			b.addrMu.Unlock()
			return
		}
		b.addrMu.Unlock()
		for _, f := range frames {
			f.Source = addr
			b.deliver(f)
		}
	}
}

func (b *Backend) deliver(f hal.IncomingFrame) {
	b.handlerMu.RLock()
	h := b.onFrame
	b.handlerMu.RUnlock()
	if h != nil {
		h(f)
	}
}
