package zboss

import (
	"context"
	"fmt"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/hal"
)

// APSDE-DATA request: param_len(1) + data_len(2) + dst_addr(8) +
// profile(2) + cluster(2) + dst_ep(1) + src_ep(1) + radius(1) +
// dst_addr_mode(1) + tx_options(1) + use_alias(1) + alias_src(2) +
// alias_seq(1), then the ZCL frame.
const apsReqHeaderSize = 24

// APSDE-DATA indication header preceding the ZCL frame.
const apsIndHeaderSize = 24

func apsDataRequest(f hal.OutgoingFrame) []byte {
	buf := codec.NewWriter(apsReqHeaderSize + len(f.Data))
	buf.PutUint8(apsReqHeaderSize - 3)
	buf.PutUint16(uint16(len(f.Data)))
	buf.PutUint64(uint64(f.Dest))
	buf.PutUint16(f.ProfileID)
	buf.PutUint16(f.ClusterID)
	buf.PutUint8(f.DestEndpoint)
	buf.PutUint8(f.SourceEndpoint)
	buf.PutUint8(defaultRadius)
	buf.PutUint8(addrModeIEEE)
	buf.PutUint8(txOptionsAPSAck)
	buf.PutUint8(0x00)
	buf.PutUint16(0x0000)
	buf.PutUint8(0x00)
	buf.PutBytes(f.Data)
	return buf.Bytes()
}

// Send hands one ZCL frame to the NCP, addressed by IEEE address. It
// returns after the NCP confirms the transmission.
func (b *Backend) Send(ctx context.Context, f hal.OutgoingFrame) error {
	if f.ProfileID == 0 {
		f.ProfileID = hal.ProfileHA
	}
	_, err := b.request(ctx, callAPSDEDataReq, apsDataRequest(f))
	return err
}

func (b *Backend) ActiveEndpoints(ctx context.Context, addr hal.EUI64) ([]uint8, error) {
	short, err := b.shortAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	req := codec.NewWriter(2)
	req.PutUint16(short)
	resp, err := b.request(ctx, callZDOActiveEPReq, req.Bytes())
	if err != nil {
		return nil, err
	}
	// ep_count(1) + ep_list + nwk_addr(2)
	buf := codec.NewReader(resp.Payload)
	count := int(buf.Uint8())
	eps := append([]uint8(nil), buf.ReadBytes(count)...)
	if err := buf.Err(); err != nil {
		return nil, fmt.Errorf("zboss: active endpoints response: %w", err)
	}
	b.logger.Debug("active endpoints", "addr", addr, "endpoints", eps)
	return eps, nil
}

func (b *Backend) SimpleDescriptor(ctx context.Context, addr hal.EUI64, endpoint uint8) (*hal.SimpleDescriptor, error) {
	short, err := b.shortAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	req := codec.NewWriter(3)
	req.PutUint16(short)
	req.PutUint8(endpoint)
	resp, err := b.request(ctx, callZDOSimpleDescReq, req.Bytes())
	if err != nil {
		return nil, err
	}
	// ep(1) + profile(2) + device(2) + version(1) + in_count(1) +
	// out_count(1) + in clusters + out clusters + nwk_addr(2)
	buf := codec.NewReader(resp.Payload)
	sd := &hal.SimpleDescriptor{
		Endpoint:      buf.Uint8(),
		ProfileID:     buf.Uint16(),
		DeviceID:      buf.Uint16(),
		DeviceVersion: buf.Uint8(),
	}
	in, out := int(buf.Uint8()), int(buf.Uint8())
	for range in {
		sd.InClusters = append(sd.InClusters, buf.Uint16())
	}
	for range out {
		sd.OutClusters = append(sd.OutClusters, buf.Uint16())
	}
	if err := buf.Err(); err != nil {
		return nil, fmt.Errorf("zboss: simple descriptor response: %w", err)
	}
	b.logger.Debug("simple descriptor", "addr", addr, "ep", sd.Endpoint,
		"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
		"device", fmt.Sprintf("0x%04X", sd.DeviceID),
		"in", fmt.Sprintf("%v", sd.InClusters),
		"out", fmt.Sprintf("%v", sd.OutClusters))
	return sd, nil
}

func (b *Backend) NodeDescriptor(ctx context.Context, addr hal.EUI64) (*hal.NodeDescriptor, error) {
	short, err := b.shortAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	req := codec.NewWriter(2)
	req.PutUint16(short)
	resp, err := b.request(ctx, callZDONodeDescReq, req.Bytes())
	if err != nil {
		return nil, err
	}
	// flags(2) + mac_capability(1) + manufacturer(2) + ...
	buf := codec.NewReader(resp.Payload)
	flags := buf.Uint16()
	mac := buf.Uint8()
	mfg := buf.Uint16()
	if err := buf.Err(); err != nil {
		return nil, fmt.Errorf("zboss: node descriptor response: %w", err)
	}
	return &hal.NodeDescriptor{
		LogicalType:      uint8(flags & 0x07),
		MainsPowered:     mac&0x04 != 0,
		RxOnWhenIdle:     mac&0x08 != 0,
		ManufacturerCode: mfg,
	}, nil
}

func (b *Backend) Bind(ctx context.Context, req hal.BindRequest) error {
	return b.bind(ctx, callZDOBindReq, req)
}

func (b *Backend) Unbind(ctx context.Context, req hal.BindRequest) error {
	return b.bind(ctx, callZDOUnbindReq, req)
}

func (b *Backend) bind(ctx context.Context, call uint16, req hal.BindRequest) error {
	short, err := b.shortAddr(ctx, req.Source)
	if err != nil {
		return err
	}
	// target nwk(2) + src_ieee(8) + src_ep(1) + cluster(2) + dst_mode(1) +
	// dst_ieee(8) + dst_ep(1)
	buf := codec.NewWriter(23)
	buf.PutUint16(short)
	buf.PutUint64(uint64(req.Source))
	buf.PutUint8(req.SourceEndpoint)
	buf.PutUint16(req.ClusterID)
	buf.PutUint8(addrModeIEEE)
	buf.PutUint64(uint64(req.Dest))
	buf.PutUint8(req.DestEndpoint)
	_, err = b.request(ctx, call, buf.Bytes())
	return err
}

// BindingTable reads the device's whole binding table, page by page.
func (b *Backend) BindingTable(ctx context.Context, addr hal.EUI64) ([]hal.BindingEntry, error) {
	short, err := b.shortAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	var out []hal.BindingEntry
	for start := 0; start < 256; {
		req := codec.NewWriter(3)
		req.PutUint16(short)
		req.PutUint8(uint8(start))
		resp, err := b.request(ctx, callZDOMgmtBindReq, req.Bytes())
		if err != nil {
			return nil, err
		}
		total, entries, err := decodeBindingTable(resp.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		start += len(entries)
		if len(entries) == 0 || start >= total {
			break
		}
	}
	return out, nil
}

// decodeBindingTable parses total(1) + start(1) + count(1) + entries. Each
// entry is src_ieee(8) + src_ep(1) + cluster(2) + mode(1) followed by
// group(2), or dst_ieee(8) + dst_ep(1).
func decodeBindingTable(payload []byte) (int, []hal.BindingEntry, error) {
	buf := codec.NewReader(payload)
	total := int(buf.Uint8())
	buf.Skip(1)
	count := int(buf.Uint8())
	entries := make([]hal.BindingEntry, 0, count)
	for range count {
		e := hal.BindingEntry{
			Source:         hal.EUI64(buf.Uint64()),
			SourceEndpoint: buf.Uint8(),
			ClusterID:      buf.Uint16(),
			DestMode:       buf.Uint8(),
		}
		switch e.DestMode {
		case hal.BindModeGroup:
			e.DestGroup = buf.Uint16()
		case hal.BindModeIEEE:
			e.Dest = hal.EUI64(buf.Uint64())
			e.DestEndpoint = buf.Uint8()
		default:
			return 0, nil, fmt.Errorf("zboss: binding entry with address mode 0x%02X", e.DestMode)
		}
		if buf.Err() != nil {
			break
		}
		entries = append(entries, e)
	}
	if err := buf.Err(); err != nil {
		return 0, nil, fmt.Errorf("zboss: binding table response: %w", err)
	}
	return total, entries, nil
}
