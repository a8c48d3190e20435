package zcl

import (
	"fmt"

	"zcl-gateway/internal/codec"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeData8      uint8 = 0x08
	TypeData16     uint8 = 0x09
	TypeData24     uint8 = 0x0A
	TypeData32     uint8 = 0x0B
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeBitmap64   uint8 = 0x1F
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeUint56     uint8 = 0x26
	TypeUint64     uint8 = 0x27
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeInt40      uint8 = 0x2C
	TypeInt48      uint8 = 0x2D
	TypeInt56      uint8 = 0x2E
	TypeInt64      uint8 = 0x2F
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
)

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for
// variable-length or unsupported types.
func TypeSize(typeID uint8) int {
	switch typeID {
	case TypeNoData:
		return 0
	case TypeData8, TypeBool, TypeBitmap8, TypeUint8, TypeInt8, TypeEnum8:
		return 1
	case TypeData16, TypeBitmap16, TypeUint16, TypeInt16, TypeEnum16, TypeClusterID, TypeAttrID:
		return 2
	case TypeData24, TypeBitmap24, TypeUint24, TypeInt24:
		return 3
	case TypeData32, TypeBitmap32, TypeUint32, TypeInt32, TypeUTC:
		return 4
	case TypeUint40, TypeInt40:
		return 5
	case TypeUint48, TypeInt48:
		return 6
	case TypeUint56, TypeInt56:
		return 7
	case TypeUint64, TypeInt64, TypeBitmap64, TypeEUI64:
		return 8
	default:
		return -1
	}
}

// IsString reports whether the type carries a length-prefixed string.
func IsString(typeID uint8) bool {
	switch typeID {
	case TypeOctetStr, TypeCharStr, TypeOctetStr16, TypeCharStr16:
		return true
	}
	return false
}

// IsSigned reports whether the type is a two's complement integer.
func IsSigned(typeID uint8) bool {
	return typeID >= TypeInt8 && typeID <= TypeInt64
}

// IsNumeric reports whether a value of the type fits a 64-bit integer.
func IsNumeric(typeID uint8) bool {
	size := TypeSize(typeID)
	return size > 0 && size <= 8
}

// IsDiscrete reports whether the type is discrete in the ZCL sense.
// Reporting records for discrete attributes carry no reportable change.
func IsDiscrete(typeID uint8) bool {
	switch {
	case typeID >= TypeUint8 && typeID <= TypeInt64:
		return false
	case typeID == TypeUTC:
		return false
	}
	return true
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	switch typeID {
	case TypeNoData:
		return "nodata"
	case TypeBool:
		return "bool"
	case TypeBitmap8:
		return "map8"
	case TypeBitmap16:
		return "map16"
	case TypeBitmap24:
		return "map24"
	case TypeBitmap32:
		return "map32"
	case TypeBitmap64:
		return "map64"
	case TypeEnum8:
		return "enum8"
	case TypeEnum16:
		return "enum16"
	case TypeOctetStr:
		return "octstr"
	case TypeCharStr:
		return "string"
	case TypeOctetStr16:
		return "octstr16"
	case TypeCharStr16:
		return "string16"
	case TypeUTC:
		return "UTC"
	case TypeEUI64:
		return "EUI64"
	}
	switch {
	case typeID >= TypeUint8 && typeID <= TypeUint64:
		return fmt.Sprintf("uint%d", 8*TypeSize(typeID))
	case typeID >= TypeInt8 && typeID <= TypeInt64:
		return fmt.Sprintf("int%d", 8*TypeSize(typeID))
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// ReadRaw reads one encoded value of the given type from buf and returns its
// wire bytes, including any length prefix. The slice is a copy.
func ReadRaw(typeID uint8, buf *codec.Buffer) ([]byte, error) {
	var n int
	switch {
	case TypeSize(typeID) >= 0:
		n = TypeSize(typeID)
	case typeID == TypeOctetStr || typeID == TypeCharStr:
		rest := buf.Rest()
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: missing string length", ErrMalformed)
		}
		n = 1
		if rest[0] != 0xFF {
			n += int(rest[0])
		}
	case typeID == TypeOctetStr16 || typeID == TypeCharStr16:
		rest := buf.Rest()
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: missing string16 length", ErrMalformed)
		}
		n = 2
		if l := int(rest[0]) | int(rest[1])<<8; l != 0xFFFF {
			n += l
		}
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrMalformed, TypeName(typeID))
	}
	p := buf.ReadBytes(n)
	if err := buf.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s value: %w", ErrMalformed, TypeName(typeID), err)
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// Number converts the wire bytes of a numeric value to a 64-bit integer.
// Signed types are sign extended; the caller narrows.
func Number(typeID uint8, raw []byte) (uint64, error) {
	size := TypeSize(typeID)
	if !IsNumeric(typeID) {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrMalformed, TypeName(typeID))
	}
	buf := codec.NewReader(raw)
	var v uint64
	if IsSigned(typeID) {
		v = uint64(buf.IntN(size))
	} else {
		v = buf.UintN(size)
	}
	if err := buf.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}

// Text converts the wire bytes of a string value, length prefix included.
func Text(typeID uint8, raw []byte) (string, error) {
	buf := codec.NewReader(raw)
	var s string
	switch typeID {
	case TypeOctetStr, TypeCharStr:
		s = buf.ReadString()
	case TypeOctetStr16, TypeCharStr16:
		s = buf.ReadLongString()
	default:
		return "", fmt.Errorf("%w: %s is not a string", ErrMalformed, TypeName(typeID))
	}
	if err := buf.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return s, nil
}

// Decode returns a display value for the wire bytes: bool, int64, uint64,
// string, or the raw bytes for anything else.
func Decode(typeID uint8, raw []byte) any {
	switch {
	case typeID == TypeBool && len(raw) == 1:
		return raw[0] != 0
	case IsSigned(typeID):
		if v, err := Number(typeID, raw); err == nil {
			return int64(v)
		}
	case IsNumeric(typeID):
		if v, err := Number(typeID, raw); err == nil {
			return v
		}
	case typeID == TypeCharStr || typeID == TypeCharStr16:
		if s, err := Text(typeID, raw); err == nil {
			return s
		}
	}
	return raw
}
