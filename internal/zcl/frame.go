package zcl

import (
	"fmt"

	"zcl-gateway/internal/codec"
)

// FrameType is the two low bits of the frame control byte.
type FrameType uint8

const (
	FrameTypeGlobal  FrameType = 0x00
	FrameTypeCluster FrameType = 0x01
)

// Direction of a ZCL frame relative to the addressed cluster.
type Direction uint8

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 1
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "toClient"
	}
	return "toServer"
}

// Frame control bits.
const (
	frameTypeMask          = 0x03
	flagMfgSpecific        = 0x04
	flagServerToClient     = 0x08
	flagDisableDefaultResp = 0x10
)

// Header is a decoded ZCL frame header. ManufacturerCode is meaningful
// only when ManufacturerSpecific is set.
type Header struct {
	FrameType              FrameType
	ManufacturerSpecific   bool
	ManufacturerCode       uint16
	Direction              Direction
	DisableDefaultResponse bool
	Sequence               uint8
	CommandID              uint8
}

// Size returns the encoded header length: 3, or 5 with a manufacturer code.
func (h Header) Size() int {
	if h.ManufacturerSpecific {
		return 5
	}
	return 3
}

func (h Header) frameControl() uint8 {
	fc := uint8(h.FrameType) & frameTypeMask
	if h.ManufacturerSpecific {
		fc |= flagMfgSpecific
	}
	if h.Direction == ServerToClient {
		fc |= flagServerToClient
	}
	if h.DisableDefaultResponse {
		fc |= flagDisableDefaultResp
	}
	return fc
}

// Frame is a ZCL header plus its undecoded payload.
type Frame struct {
	Header
	Payload []byte
}

// EncodeFrame serializes a header and payload. The manufacturer code, when
// present, sits between the frame control byte and the sequence number.
func EncodeFrame(h Header, payload []byte) []byte {
	buf := codec.NewWriter(h.Size() + len(payload))
	buf.PutUint8(h.frameControl())
	if h.ManufacturerSpecific {
		buf.PutUint16(h.ManufacturerCode)
	}
	buf.PutUint8(h.Sequence)
	buf.PutUint8(h.CommandID)
	buf.PutBytes(payload)
	return buf.Bytes()
}

// DecodeFrame parses a raw ZCL frame. The returned payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	buf := codec.NewReader(data)
	fc := buf.Uint8()
	f := Frame{Header: Header{
		FrameType:              FrameType(fc & frameTypeMask),
		ManufacturerSpecific:   fc&flagMfgSpecific != 0,
		DisableDefaultResponse: fc&flagDisableDefaultResp != 0,
	}}
	if fc&flagServerToClient != 0 {
		f.Direction = ServerToClient
	}
	if f.ManufacturerSpecific {
		f.ManufacturerCode = buf.Uint16()
	}
	f.Sequence = buf.Uint8()
	f.CommandID = buf.Uint8()
	if err := buf.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: frame header: %w", ErrMalformed, err)
	}
	if f.FrameType > FrameTypeCluster {
		return Frame{}, fmt.Errorf("%w: reserved frame type %d", ErrMalformed, f.FrameType)
	}
	f.Payload = buf.Rest()
	return f, nil
}
