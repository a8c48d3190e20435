package zcl

import (
	"fmt"

	"zcl-gateway/internal/codec"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationWriteAttributes        uint8 = 0x02
	FoundationWriteAttributesResp    uint8 = 0x04
	FoundationConfigReporting        uint8 = 0x06
	FoundationConfigReportingResp    uint8 = 0x07
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
	FoundationDiscoverAttributes     uint8 = 0x0C
	FoundationDiscoverAttributesResp uint8 = 0x0D
)

// ZCL status codes
const (
	StatusSuccess                uint8 = 0x00
	StatusFailure                uint8 = 0x01
	StatusNotAuthorized          uint8 = 0x7E
	StatusMalformedCommand       uint8 = 0x80
	StatusUnsupClusterCommand    uint8 = 0x81
	StatusUnsupGeneralCommand    uint8 = 0x82
	StatusUnsupMfgClusterCommand uint8 = 0x83
	StatusUnsupMfgGeneralCommand uint8 = 0x84
	StatusInvalidField           uint8 = 0x85
	StatusUnsupportedAttr        uint8 = 0x86
	StatusInvalidValue           uint8 = 0x87
	StatusReadOnly               uint8 = 0x88
	StatusInsufficientSpace      uint8 = 0x89
	StatusNotFound               uint8 = 0x8B
	StatusUnreportable           uint8 = 0x8C
	StatusInvalidDataType        uint8 = 0x8D
	StatusTimeout                uint8 = 0x94
)

// AttributeRecord is one attribute in a read response or a report.
// Status is always StatusSuccess for reports.
type AttributeRecord struct {
	AttrID uint16
	Status uint8
	Type   uint8
	Value  []byte
}

// EncodeReadAttributes builds a Read Attributes payload.
func EncodeReadAttributes(attrIDs ...uint16) []byte {
	buf := codec.NewWriter(2 * len(attrIDs))
	for _, id := range attrIDs {
		buf.PutUint16(id)
	}
	return buf.Bytes()
}

// DecodeReadAttributesResponse parses Read Attributes Response records:
// attrID(2) + status(1) + [type(1) + value(N)] when status is success.
func DecodeReadAttributesResponse(payload []byte) ([]AttributeRecord, error) {
	buf := codec.NewReader(payload)
	var recs []AttributeRecord
	for buf.Remaining() > 0 {
		rec := AttributeRecord{AttrID: buf.Uint16(), Status: buf.Uint8()}
		if buf.Err() != nil {
			return recs, fmt.Errorf("%w: read response record: %w", ErrMalformed, buf.Err())
		}
		if rec.Status == StatusSuccess {
			rec.Type = buf.Uint8()
			val, err := ReadRaw(rec.Type, buf)
			if err != nil {
				return recs, err
			}
			rec.Value = val
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DecodeReportAttributes parses Report Attributes records:
// attrID(2) + type(1) + value(N). Records decoded before an error are
// returned along with it.
func DecodeReportAttributes(payload []byte) ([]AttributeRecord, error) {
	buf := codec.NewReader(payload)
	var recs []AttributeRecord
	for buf.Remaining() > 0 {
		rec := AttributeRecord{AttrID: buf.Uint16(), Type: buf.Uint8()}
		if buf.Err() != nil {
			return recs, fmt.Errorf("%w: report record: %w", ErrMalformed, buf.Err())
		}
		val, err := ReadRaw(rec.Type, buf)
		if err != nil {
			return recs, err
		}
		rec.Value = val
		recs = append(recs, rec)
	}
	return recs, nil
}

// WriteRecord is a single attribute write.
type WriteRecord struct {
	AttrID uint16
	Type   uint8
	Value  []byte // wire bytes, including any length prefix
}

// EncodeWriteAttributes builds a Write Attributes payload.
func EncodeWriteAttributes(recs ...WriteRecord) []byte {
	size := 0
	for _, r := range recs {
		size += 3 + len(r.Value)
	}
	buf := codec.NewWriter(size)
	for _, r := range recs {
		buf.PutUint16(r.AttrID)
		buf.PutUint8(r.Type)
		buf.PutBytes(r.Value)
	}
	return buf.Bytes()
}

// DecodeWriteAttributesResponse returns a *StatusError for the first failed
// record, nil when every write succeeded.
func DecodeWriteAttributesResponse(payload []byte) error {
	if len(payload) == 1 {
		if payload[0] == StatusSuccess {
			return nil
		}
		return &StatusError{Status: payload[0], CommandID: FoundationWriteAttributes}
	}
	buf := codec.NewReader(payload)
	for buf.Remaining() > 0 {
		status := buf.Uint8()
		attrID := buf.Uint16()
		if buf.Err() != nil {
			return fmt.Errorf("%w: write response: %w", ErrMalformed, buf.Err())
		}
		if status != StatusSuccess {
			return &StatusError{Status: status, CommandID: FoundationWriteAttributes, AttrID: attrID, HasAttr: true}
		}
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty write response", ErrMalformed)
	}
	return nil
}

// ReportingConfig is one attribute reporting configuration record.
// ReportableChange is ignored for discrete types.
type ReportingConfig struct {
	AttrID           uint16
	Type             uint8
	MinInterval      uint16
	MaxInterval      uint16
	ReportableChange uint64
}

// EncodeConfigureReporting builds a Configure Reporting payload with
// direction 0x00 (the device sends reports).
func EncodeConfigureReporting(cfgs ...ReportingConfig) ([]byte, error) {
	size := 0
	for _, c := range cfgs {
		if !IsDiscrete(c.Type) && TypeSize(c.Type) <= 0 {
			return nil, fmt.Errorf("zcl: reporting on %s is not supported", TypeName(c.Type))
		}
		size += 8
		if !IsDiscrete(c.Type) {
			size += TypeSize(c.Type)
		}
	}
	buf := codec.NewWriter(size)
	for _, c := range cfgs {
		buf.PutUint8(0x00)
		buf.PutUint16(c.AttrID)
		buf.PutUint8(c.Type)
		buf.PutUint16(c.MinInterval)
		buf.PutUint16(c.MaxInterval)
		if !IsDiscrete(c.Type) {
			buf.PutUintN(c.ReportableChange, TypeSize(c.Type))
		}
	}
	if err := buf.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeConfigureReportingResponse returns a *StatusError for the first
// failed record, nil on success.
func DecodeConfigureReportingResponse(payload []byte) error {
	if len(payload) == 1 {
		if payload[0] == StatusSuccess {
			return nil
		}
		return &StatusError{Status: payload[0], CommandID: FoundationConfigReporting}
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty configure reporting response", ErrMalformed)
	}
	buf := codec.NewReader(payload)
	for buf.Remaining() > 0 {
		status := buf.Uint8()
		buf.Skip(1) // direction
		attrID := buf.Uint16()
		if buf.Err() != nil {
			return fmt.Errorf("%w: configure reporting response: %w", ErrMalformed, buf.Err())
		}
		if status != StatusSuccess {
			return &StatusError{Status: status, CommandID: FoundationConfigReporting, AttrID: attrID, HasAttr: true}
		}
	}
	return nil
}

// DefaultResponse is the generic acknowledgement of a command.
type DefaultResponse struct {
	CommandID uint8
	Status    uint8
}

func DecodeDefaultResponse(payload []byte) (DefaultResponse, error) {
	buf := codec.NewReader(payload)
	r := DefaultResponse{CommandID: buf.Uint8(), Status: buf.Uint8()}
	if buf.Err() != nil {
		return r, fmt.Errorf("%w: default response: %w", ErrMalformed, buf.Err())
	}
	return r, nil
}

func EncodeDefaultResponse(r DefaultResponse) []byte {
	return []byte{r.CommandID, r.Status}
}

// DiscoveredAttribute is one record of a Discover Attributes Response.
type DiscoveredAttribute struct {
	AttrID uint16
	Type   uint8
}

// EncodeDiscoverAttributes builds a Discover Attributes payload.
func EncodeDiscoverAttributes(start uint16, max uint8) []byte {
	buf := codec.NewWriter(3)
	buf.PutUint16(start)
	buf.PutUint8(max)
	return buf.Bytes()
}

// DecodeDiscoverAttributesResponse parses complete(1) + [attrID(2) + type(1)]...
func DecodeDiscoverAttributesResponse(payload []byte) (bool, []DiscoveredAttribute, error) {
	buf := codec.NewReader(payload)
	complete := buf.Uint8() != 0
	var attrs []DiscoveredAttribute
	for buf.Err() == nil && buf.Remaining() > 0 {
		a := DiscoveredAttribute{AttrID: buf.Uint16(), Type: buf.Uint8()}
		if buf.Err() == nil {
			attrs = append(attrs, a)
		}
	}
	if buf.Err() != nil {
		return complete, attrs, fmt.Errorf("%w: discover response: %w", ErrMalformed, buf.Err())
	}
	return complete, attrs, nil
}
