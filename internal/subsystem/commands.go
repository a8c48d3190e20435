package subsystem

import (
	"context"
	"errors"
	"fmt"

	"zcl-gateway/internal/codec"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

func (s *Subsystem) send(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, h zcl.Header, payload []byte) error {
	err := s.radio.Send(ctx, hal.OutgoingFrame{
		Dest:           addr,
		DestEndpoint:   endpoint,
		SourceEndpoint: s.cfg.LocalEndpoint,
		ProfileID:      hal.ProfileHA,
		ClusterID:      clusterID,
		Data:           zcl.EncodeFrame(h, payload),
	})
	if err != nil {
		return fmt.Errorf("send %s/%d cluster 0x%04X cmd 0x%02X: %w", addr, endpoint, clusterID, h.CommandID, err)
	}
	return nil
}

// transact sends a frame and waits for the response carrying the same
// sequence number. Only a frame of the request's type whose command id is
// in responses, or a default response naming the request's command,
// answers it. A default response with a failure status becomes a
// *zcl.StatusError.
func (s *Subsystem) transact(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, h zcl.Header, payload []byte, responses ...uint8) (zcl.Frame, error) {
	h.Sequence = s.nextSeq()
	h.DisableDefaultResponse = false
	key := pendingKey{addr, h.Sequence}
	ch := make(chan zcl.Frame, 1)

	s.pendingMu.Lock()
	s.pending[key] = pendingEntry{
		clusterID: clusterID,
		frameType: h.FrameType,
		commandID: h.CommandID,
		responses: responses,
		ch:        ch,
	}
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		if p, ok := s.pending[key]; ok && p.ch == ch {
			delete(s.pending, key)
		}
		s.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()

	if err := s.send(ctx, addr, endpoint, clusterID, h, payload); err != nil {
		return zcl.Frame{}, err
	}

	select {
	case fr := <-ch:
		if fr.FrameType == zcl.FrameTypeGlobal && fr.CommandID == zcl.FoundationDefaultResponse {
			dr, err := zcl.DecodeDefaultResponse(fr.Payload)
			if err != nil {
				return fr, err
			}
			if dr.Status != zcl.StatusSuccess {
				return fr, &zcl.StatusError{Status: dr.Status, CommandID: dr.CommandID}
			}
		}
		return fr, nil
	case <-ctx.Done():
		return zcl.Frame{}, fmt.Errorf("%w from %s cluster 0x%04X cmd 0x%02X: %w",
			ErrNoResponse, addr, clusterID, h.CommandID, ctx.Err())
	}
}

func globalHeader(mfgCode uint16, commandID uint8) zcl.Header {
	return zcl.Header{
		FrameType:            zcl.FrameTypeGlobal,
		ManufacturerSpecific: mfgCode != 0,
		ManufacturerCode:     mfgCode,
		Direction:            zcl.ClientToServer,
		CommandID:            commandID,
	}
}

// SendCommand sends a cluster-specific command without waiting for an
// answer. The default response is suppressed.
func (s *Subsystem) SendCommand(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dir zcl.Direction, commandID uint8, payload []byte) error {
	return s.SendMfgCommand(ctx, addr, endpoint, clusterID, 0, dir, commandID, payload)
}

// SendMfgCommand is SendCommand with a manufacturer code. A zero code
// sends a standard frame.
func (s *Subsystem) SendMfgCommand(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode uint16, dir zcl.Direction, commandID uint8, payload []byte) error {
	h := zcl.Header{
		FrameType:              zcl.FrameTypeCluster,
		ManufacturerSpecific:   mfgCode != 0,
		ManufacturerCode:       mfgCode,
		Direction:              dir,
		DisableDefaultResponse: true,
		Sequence:               s.nextSeq(),
		CommandID:              commandID,
	}
	return s.send(ctx, addr, endpoint, clusterID, h, payload)
}

// Request sends a client-to-server cluster command and waits for the
// device's answer: one of the responses command ids, or a default
// response. Other commands the device sends meanwhile go to its clusters.
func (s *Subsystem) Request(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, commandID uint8, payload []byte, responses ...uint8) (zcl.Frame, error) {
	h := zcl.Header{
		FrameType: zcl.FrameTypeCluster,
		Direction: zcl.ClientToServer,
		CommandID: commandID,
	}
	return s.transact(ctx, addr, endpoint, clusterID, h, payload, responses...)
}

// ReadAttributes reads attributes in one request and returns the records
// in the order the device sent them.
func (s *Subsystem) ReadAttributes(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode uint16, attrIDs ...uint16) ([]zcl.AttributeRecord, error) {
	fr, err := s.transact(ctx, addr, endpoint, clusterID,
		globalHeader(mfgCode, zcl.FoundationReadAttributes), zcl.EncodeReadAttributes(attrIDs...),
		zcl.FoundationReadAttributesResponse)
	if err != nil {
		return nil, err
	}
	if fr.FrameType != zcl.FrameTypeGlobal || fr.CommandID != zcl.FoundationReadAttributesResponse {
		return nil, fmt.Errorf("%w: read attributes answered with cmd 0x%02X", zcl.ErrMalformed, fr.CommandID)
	}
	return zcl.DecodeReadAttributesResponse(fr.Payload)
}

func (s *Subsystem) readOne(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16) (zcl.AttributeRecord, error) {
	recs, err := s.ReadAttributes(ctx, addr, endpoint, clusterID, mfgCode, attrID)
	if err != nil {
		return zcl.AttributeRecord{}, err
	}
	for _, r := range recs {
		if r.AttrID != attrID {
			continue
		}
		if r.Status != zcl.StatusSuccess {
			return r, &zcl.StatusError{Status: r.Status, CommandID: zcl.FoundationReadAttributes, AttrID: attrID, HasAttr: true}
		}
		return r, nil
	}
	return zcl.AttributeRecord{}, fmt.Errorf("%w: attribute 0x%04X missing from read response", zcl.ErrMalformed, attrID)
}

func (s *Subsystem) ReadNumber(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, attrID uint16) (uint64, error) {
	return s.ReadNumberMfg(ctx, addr, endpoint, clusterID, 0, attrID)
}

// ReadNumberMfg reads a numeric attribute. Signed values are returned
// sign extended.
func (s *Subsystem) ReadNumberMfg(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16) (uint64, error) {
	r, err := s.readOne(ctx, addr, endpoint, clusterID, mfgCode, attrID)
	if err != nil {
		return 0, err
	}
	return zcl.Number(r.Type, r.Value)
}

func (s *Subsystem) ReadString(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, attrID uint16) (string, error) {
	return s.ReadStringMfg(ctx, addr, endpoint, clusterID, 0, attrID)
}

func (s *Subsystem) ReadStringMfg(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16) (string, error) {
	r, err := s.readOne(ctx, addr, endpoint, clusterID, mfgCode, attrID)
	if err != nil {
		return "", err
	}
	return zcl.Text(r.Type, r.Value)
}

func (s *Subsystem) WriteNumber(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, attrID uint16, typeID uint8, width int, value uint64) error {
	return s.WriteNumberMfg(ctx, addr, endpoint, clusterID, 0, attrID, typeID, width, value)
}

// WriteNumberMfg writes a numeric attribute. typeID must be a numeric
// type of exactly width bytes and value must fit in it; for signed types
// a sign-extended negative value fits.
func (s *Subsystem) WriteNumberMfg(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode, attrID uint16, typeID uint8, width int, value uint64) error {
	if !zcl.IsNumeric(typeID) || zcl.TypeSize(typeID) != width {
		return fmt.Errorf("%w: %s with width %d", ErrTypeWidth, zcl.TypeName(typeID), width)
	}
	if !fits(value, width, zcl.IsSigned(typeID)) {
		return fmt.Errorf("%w: value 0x%X does not fit %s", ErrTypeWidth, value, zcl.TypeName(typeID))
	}
	raw := codec.NewWriter(width)
	raw.PutUintN(value, width)
	if err := raw.Err(); err != nil {
		return err
	}
	payload := zcl.EncodeWriteAttributes(zcl.WriteRecord{AttrID: attrID, Type: typeID, Value: raw.Bytes()})
	fr, err := s.transact(ctx, addr, endpoint, clusterID, globalHeader(mfgCode, zcl.FoundationWriteAttributes), payload,
		zcl.FoundationWriteAttributesResp)
	if err != nil {
		return err
	}
	if fr.CommandID != zcl.FoundationWriteAttributesResp {
		return fmt.Errorf("%w: write attributes answered with cmd 0x%02X", zcl.ErrMalformed, fr.CommandID)
	}
	return zcl.DecodeWriteAttributesResponse(fr.Payload)
}

func fits(v uint64, width int, signed bool) bool {
	if width >= 8 {
		return true
	}
	bits := uint(8 * width)
	if v>>bits == 0 {
		return true
	}
	if !signed {
		return false
	}
	// Negative: every bit from the sign bit up must be set.
	return int64(v)>>(bits-1) == -1
}

// ConfigureReporting sends a Configure Reporting command. A non-zero
// mfgCode marks the frame manufacturer specific.
func (s *Subsystem) ConfigureReporting(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode uint16, cfgs ...zcl.ReportingConfig) error {
	payload, err := zcl.EncodeConfigureReporting(cfgs...)
	if err != nil {
		return err
	}
	fr, err := s.transact(ctx, addr, endpoint, clusterID, globalHeader(mfgCode, zcl.FoundationConfigReporting), payload,
		zcl.FoundationConfigReportingResp)
	if err != nil {
		return err
	}
	if fr.CommandID != zcl.FoundationConfigReportingResp {
		return fmt.Errorf("%w: configure reporting answered with cmd 0x%02X", zcl.ErrMalformed, fr.CommandID)
	}
	return zcl.DecodeConfigureReportingResponse(fr.Payload)
}

// Bind binds the device's cluster to the gateway's local endpoint.
func (s *Subsystem) Bind(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16) error {
	return s.BindTo(ctx, addr, endpoint, clusterID, s.radio.LocalAddress(), s.cfg.LocalEndpoint)
}

// BindTo binds the device's cluster to an arbitrary target.
func (s *Subsystem) BindTo(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dest hal.EUI64, destEndpoint uint8) error {
	err := s.radio.Bind(ctx, hal.BindRequest{
		Source:         addr,
		SourceEndpoint: endpoint,
		ClusterID:      clusterID,
		Dest:           dest,
		DestEndpoint:   destEndpoint,
	})
	if err != nil {
		return fmt.Errorf("bind %s/%d cluster 0x%04X to %s/%d: %w", addr, endpoint, clusterID, dest, destEndpoint, err)
	}
	return nil
}

// Unbind removes one binding of the device's cluster.
func (s *Subsystem) Unbind(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dest hal.EUI64, destEndpoint uint8) error {
	err := s.radio.Unbind(ctx, hal.BindRequest{
		Source:         addr,
		SourceEndpoint: endpoint,
		ClusterID:      clusterID,
		Dest:           dest,
		DestEndpoint:   destEndpoint,
	})
	if err != nil {
		return fmt.Errorf("unbind %s/%d cluster 0x%04X from %s/%d: %w", addr, endpoint, clusterID, dest, destEndpoint, err)
	}
	return nil
}

// UnbindLocal removes a binding made by Bind.
func (s *Subsystem) UnbindLocal(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16) error {
	return s.Unbind(ctx, addr, endpoint, clusterID, s.radio.LocalAddress(), s.cfg.LocalEndpoint)
}

// Bindings returns the device's binding table.
func (s *Subsystem) Bindings(ctx context.Context, addr hal.EUI64) ([]hal.BindingEntry, error) {
	entries, err := s.radio.BindingTable(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("binding table %s: %w", addr, err)
	}
	return entries, nil
}

// ClearBindings removes every unicast binding from the device's table.
// Group bindings are left alone. All entries are attempted; the errors
// are joined.
func (s *Subsystem) ClearBindings(ctx context.Context, addr hal.EUI64) error {
	entries, err := s.Bindings(ctx, addr)
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range entries {
		if b.DestMode != hal.BindModeIEEE {
			continue
		}
		if err := s.Unbind(ctx, addr, b.SourceEndpoint, b.ClusterID, b.Dest, b.DestEndpoint); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
