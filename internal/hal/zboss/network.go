package zboss

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/hal"
)

// Gateway endpoint registered with the NCP: HA profile, configuration tool.
const (
	localEndpoint = 1
	localDeviceID = 0x0005
)

// LocalAddress returns the NCP's own IEEE address, read during Init.
func (b *Backend) LocalAddress() hal.EUI64 {
	return hal.EUI64(b.local.Load())
}

func (b *Backend) Init(ctx context.Context) error {
	resp, err := b.request(ctx, callGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) >= 12 {
		buf := codec.NewReader(resp.Payload)
		fw, stack, proto := buf.Uint32(), buf.Uint32(), buf.Uint32()
		b.logger.Info("ncp module version", "fw", fw,
			"stack", fmt.Sprintf("%d.%d.%d.%d", stack>>24&0xFF, stack>>16&0xFF, stack>>8&0xFF, stack&0xFF),
			"protocol", proto)
	}

	// Legacy security: well-known link key, no install codes.
	policies := []struct {
		id    uint16
		value uint8
		name  string
	}{
		{tcPolicyLinkKeysRequired, 0, "link keys required"},
		{tcPolicyICRequired, 0, "install code required"},
		{tcPolicyTCRejoinEnabled, 1, "tc rejoin enabled"},
		{tcPolicyIgnoreTCRejoin, 0, "ignore tc rejoin"},
		{tcPolicyAPSInsecureJoin, 0, "aps insecure join"},
		{tcPolicyDisableMgmtChanUp, 0, "disable channel update"},
	}
	for _, p := range policies {
		buf := codec.NewWriter(3)
		buf.PutUint16(p.id)
		buf.PutUint8(p.value)
		if _, err := b.request(ctx, callSetTCPolicy, buf.Bytes()); err != nil {
			return fmt.Errorf("set tc policy %s: %w", p.name, err)
		}
	}

	// Response: mac_interface(1) + ieee(8)
	resp, err = b.request(ctx, callGetLocalIEEE, []byte{0x00})
	if err != nil {
		return fmt.Errorf("get local ieee: %w", err)
	}
	if len(resp.Payload) < 9 {
		return fmt.Errorf("zboss: local ieee response too short: %d bytes", len(resp.Payload))
	}
	b.local.Store(binary.LittleEndian.Uint64(resp.Payload[1:9]))
	b.logger.Info("ncp ready", "ieee", b.LocalAddress())
	return nil
}

func (b *Backend) FormNetwork(ctx context.Context, cfg hal.NetworkConfig) error {
	if _, err := b.request(ctx, callSetZigbeeRole, []byte{roleCoordinator}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}

	ext := binary.LittleEndian.AppendUint64(nil, cfg.ExtPanID)
	if _, err := b.request(ctx, callSetExtPanID, ext); err != nil {
		return fmt.Errorf("set ext pan id: %w", err)
	}

	// page(1) + mask(4)
	mask := codec.NewWriter(5)
	mask.PutUint8(0x00)
	mask.PutUint32(1 << uint(cfg.Channel))
	if _, err := b.request(ctx, callSetChannelMask, mask.Bytes()); err != nil {
		return fmt.Errorf("set channel mask: %w", err)
	}

	key := make([]byte, 17) // key(16) + key seq(1)
	if _, err := rand.Read(key[:16]); err != nil {
		return fmt.Errorf("generate network key: %w", err)
	}
	if _, err := b.request(ctx, callSetNwkKey, key); err != nil {
		return fmt.Errorf("set network key: %w", err)
	}

	// channel list(1 + 5) + scan duration(1) + distributed flag(1) +
	// distributed addr(2) + ext pan id(8)
	form := codec.NewWriter(18)
	form.PutUint8(0x01)
	form.PutUint8(0x00)
	form.PutUint32(1 << uint(cfg.Channel))
	form.PutUint8(0x05)
	form.PutUint8(0x00)
	form.PutUint16(0x0000)
	form.PutUint64(cfg.ExtPanID)

	// Formation fails transiently right after a factory reset while the
	// MAC layer initializes.
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err = b.request(ctx, callNwkFormation, form.Bytes()); err == nil {
			break
		}
		b.logger.Warn("network formation failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("form network: %w", err)
	}

	// The PAN id only sticks once the network is formed.
	pan := codec.NewWriter(2)
	pan.PutUint16(cfg.PanID)
	if _, err := b.request(ctx, callSetPanID, pan.Bytes()); err != nil {
		return fmt.Errorf("set pan id: %w", err)
	}
	if _, err := b.request(ctx, callSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}
	if _, err := b.request(ctx, callSetEDTimeout, []byte{0x08}); err != nil {
		b.logger.Warn("set end device timeout", "err", err)
	}
	if _, err := b.request(ctx, callSetMaxChildren, []byte{100}); err != nil {
		b.logger.Warn("set max children", "err", err)
	}
	b.logger.Info("network formed", "channel", cfg.Channel, "pan_id", fmt.Sprintf("0x%04X", cfg.PanID))
	return nil
}

func (b *Backend) StartNetwork(ctx context.Context) error {
	if _, err := b.request(ctx, callNwkStartWithoutForm, nil); err != nil {
		return err
	}
	desc := simpleDescPayload(localEndpoint, hal.ProfileHA, localDeviceID, 0, nil, nil)
	if _, err := b.request(ctx, callAFSetSimpleDesc, desc); err != nil {
		return fmt.Errorf("register endpoint %d: %w", localEndpoint, err)
	}
	return nil
}

// PermitJoin opens the network for duration seconds; 0 closes it.
func (b *Backend) PermitJoin(ctx context.Context, duration uint8) error {
	// dest short(2) + duration(1) + tc significance(1)
	_, err := b.request(ctx, callZDOPermitJoinReq, []byte{0x00, 0x00, duration, 0x01})
	return err
}

// Leave asks the device to leave the network without rejoining.
func (b *Backend) Leave(ctx context.Context, addr hal.EUI64) error {
	short, err := b.shortAddr(ctx, addr)
	if err != nil {
		return err
	}
	buf := codec.NewWriter(11)
	buf.PutUint16(short)
	buf.PutUint64(uint64(addr))
	buf.PutUint8(0x00)
	if _, err := b.request(ctx, callZDOMgmtLeaveReq, buf.Bytes()); err != nil {
		return err
	}
	b.forget(addr)
	return nil
}

func simpleDescPayload(ep uint8, profileID, deviceID uint16, version uint8, in, out []uint16) []byte {
	buf := codec.NewWriter(8 + 2*len(in) + 2*len(out))
	buf.PutUint8(ep)
	buf.PutUint16(profileID)
	buf.PutUint16(deviceID)
	buf.PutUint8(version)
	buf.PutUint8(uint8(len(in)))
	buf.PutUint8(uint8(len(out)))
	for _, c := range in {
		buf.PutUint16(c)
	}
	for _, c := range out {
		buf.PutUint16(c)
	}
	return buf.Bytes()
}

// learn records a short/IEEE pair seen on the network.
func (b *Backend) learn(addr hal.EUI64, short uint16) {
	b.addrMu.Lock()
	b.learnLocked(addr, short)
	b.addrMu.Unlock()
}

func (b *Backend) learnLocked(addr hal.EUI64, short uint16) {
	if old, ok := b.shortByIEEE[addr]; ok && old != short {
		delete(b.ieeeByShort, old)
	}
	b.shortByIEEE[addr] = short
	b.ieeeByShort[short] = addr
}

func (b *Backend) forget(addr hal.EUI64) {
	b.addrMu.Lock()
	if short, ok := b.shortByIEEE[addr]; ok {
		delete(b.ieeeByShort, short)
	}
	delete(b.shortByIEEE, addr)
	b.addrMu.Unlock()
}

// shortAddr returns the network address of addr, asking the NCP when it
// has not been seen yet. Must not be called on the receive goroutine.
func (b *Backend) shortAddr(ctx context.Context, addr hal.EUI64) (uint16, error) {
	b.addrMu.RLock()
	short, ok := b.shortByIEEE[addr]
	b.addrMu.RUnlock()
	if ok {
		return short, nil
	}
	resp, err := b.request(ctx, callNwkGetShortByIEEE, binary.LittleEndian.AppendUint64(nil, uint64(addr)))
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", addr, err)
	}
	if len(resp.Payload) < 2 {
		return 0, fmt.Errorf("zboss: short address response too short")
	}
	short = binary.LittleEndian.Uint16(resp.Payload)
	b.learn(addr, short)
	return short, nil
}

// ieeeAddr asks the NCP for the IEEE address of short. The caller records
// the result.
func (b *Backend) ieeeAddr(ctx context.Context, short uint16) (hal.EUI64, error) {
	buf := codec.NewWriter(2)
	buf.PutUint16(short)
	resp, err := b.request(ctx, callNwkGetIEEEByShort, buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("resolve 0x%04X: %w", short, err)
	}
	if len(resp.Payload) < 8 {
		return 0, fmt.Errorf("zboss: ieee address response too short")
	}
	return hal.EUI64(binary.LittleEndian.Uint64(resp.Payload)), nil
}
