package zboss

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Low-level (LL) framing: sig(2) + size(2) + type(1) + flags(1) + crc8(1),
// then for data frames CRC16(2) + high-level (HL) packet. Size counts
// itself and everything after it.
const (
	sig0         = 0xDE
	sig1         = 0xAD
	llHeaderSize = 7
	bodyCRCSize  = 2
	llType       = 0x06
	maxFrameSize = 512
)

// LL flag bits.
const (
	flagACK         = 0x01
	flagRetransmit  = 0x02
	flagPktSeqMask  = 0x0C
	flagPktSeqShift = 2
	flagAckSeqMask  = 0x30
	flagAckSeqShift = 4
	flagFirstFrag   = 0x40
	flagLastFrag    = 0x80
)

// HL packet types.
const (
	hlVersion    = 0x00
	hlRequest    = 0x00
	hlResponse   = 0x01
	hlIndication = 0x02
)

type llHeader struct {
	Size  uint16
	Type  uint8
	Flags uint8
}

type hlHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // requests and responses
	StatusCat  uint8 // responses
	StatusCode uint8 // responses
}

type frame struct {
	LL      llHeader
	HL      hlHeader
	Payload []byte
}

func (f *frame) isACK() bool   { return f.LL.Flags&flagACK != 0 }
func (f *frame) pktSeq() uint8 { return (f.LL.Flags & flagPktSeqMask) >> flagPktSeqShift }
func (f *frame) ackSeq() uint8 { return (f.LL.Flags & flagAckSeqMask) >> flagAckSeqShift }
func (f *frame) ok() bool      { return f.HL.StatusCat == 0 && f.HL.StatusCode == 0 }

// CRC-8 with reflected polynomial 0xB2, init and xorout 0xFF.
var crc8Table = makeTable8(0xB2)

// CRC-16 with reflected polynomial 0x8408, init and xorout 0.
var crc16Table = makeTable16(0x8408)

func makeTable8(poly uint8) (t [256]uint8) {
	for i := range t {
		crc := uint8(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

func makeTable16(poly uint16) (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[uint8(crc)^b]
	}
	return crc
}

func encodeLL(flags uint8, body []byte) []byte {
	size := uint16(5 + len(body))
	out := make([]byte, 2+int(size))
	out[0], out[1] = sig0, sig1
	binary.LittleEndian.PutUint16(out[2:4], size)
	out[4] = llType
	out[5] = flags
	out[6] = crc8(out[2:6])
	copy(out[7:], body)
	return out
}

// encodeRequest builds a complete data frame carrying an HL request.
func encodeRequest(callID uint16, tsn, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5+len(payload))
	hl[0] = hlVersion
	hl[1] = hlRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	copy(hl[5:], payload)
	return encodeData(pktSeq, hl)
}

func encodeData(pktSeq uint8, hl []byte) []byte {
	body := make([]byte, bodyCRCSize+len(hl))
	binary.LittleEndian.PutUint16(body, crc16(hl))
	copy(body[bodyCRCSize:], hl)
	flags := uint8(flagFirstFrag|flagLastFrag) | pktSeq<<flagPktSeqShift&flagPktSeqMask
	return encodeLL(flags, body)
}

func encodeACK(ackSeq uint8) []byte {
	return encodeLL(flagACK|ackSeq<<flagAckSeqShift&flagAckSeqMask, nil)
}

// decodeFrame parses one complete frame as returned by readRawFrame.
func decodeFrame(data []byte) (*frame, error) {
	if len(data) < llHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != sig0 || data[1] != sig1 {
		return nil, fmt.Errorf("zboss: bad signature 0x%02X%02X", data[0], data[1])
	}
	f := &frame{LL: llHeader{
		Size:  binary.LittleEndian.Uint16(data[2:4]),
		Type:  data[4],
		Flags: data[5],
	}}
	if got := crc8(data[2:6]); got != data[6] {
		return nil, fmt.Errorf("zboss: header crc 0x%02X, want 0x%02X", data[6], got)
	}
	if f.LL.Type != llType {
		return nil, fmt.Errorf("zboss: unexpected LL type 0x%02X", f.LL.Type)
	}
	if int(f.LL.Size)+2 > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", f.LL.Size+2, len(data))
	}
	if f.isACK() {
		return f, nil
	}

	body := data[llHeaderSize : 2+int(f.LL.Size)]
	if len(body) < bodyCRCSize+4 {
		return nil, fmt.Errorf("zboss: body too short: %d bytes", len(body))
	}
	hl := body[bodyCRCSize:]
	if want, got := binary.LittleEndian.Uint16(body), crc16(hl); want != got {
		return nil, fmt.Errorf("zboss: body crc 0x%04X, want 0x%04X", want, got)
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])
	pos := 4
	switch f.HL.PacketType {
	case hlRequest:
		if len(hl) < 5 {
			return nil, fmt.Errorf("zboss: request without tsn")
		}
		f.HL.TSN = hl[4]
		pos = 5
	case hlResponse:
		if len(hl) < 7 {
			return nil, fmt.Errorf("zboss: response header too short")
		}
		f.HL.TSN = hl[4]
		f.HL.StatusCat = hl[5]
		f.HL.StatusCode = hl[6]
		pos = 7
	case hlIndication:
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type 0x%02X", f.HL.PacketType)
	}
	f.Payload = append([]byte(nil), hl[pos:]...)
	return f, nil
}

// readRawFrame reads bytes up to the next signature and returns one
// whole frame, signature included. Garbage before the signature is
// skipped.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != sig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != sig1 {
			continue
		}
		_, _ = r.ReadByte()
		break
	}
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(hdr[0:2]))
	if size < 5 || size > maxFrameSize {
		return nil, fmt.Errorf("zboss: bad frame size %d", size)
	}
	out := make([]byte, 2+size)
	out[0], out[1] = sig0, sig1
	copy(out[2:7], hdr[:])
	if _, err := io.ReadFull(r, out[7:]); err != nil {
		return nil, err
	}
	return out, nil
}
