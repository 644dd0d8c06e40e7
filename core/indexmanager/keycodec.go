package indexmanager

import (
	"encoding/binary"
	"math"
)

// Key encoding: one tag byte followed by a body whose byte order matches the
// value order, so encoded keys compare with bytes.Compare. Byte strings escape
// 0x00 as 0x00 0xFF and end with 0x00 0x01, which keeps the encoding prefix
// free: enc(a) ‖ x < enc(b) ‖ y whenever a < b.
const (
	tagNull  byte = 0x05
	tagFalse byte = 0x10
	tagTrue  byte = 0x11
	tagInt   byte = 0x20
	tagReal  byte = 0x30
	tagText  byte = 0x40
	tagBlob  byte = 0x50
)

// appendKey appends the order-preserving encoding of a normalized value.
func appendKey(dst []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(dst, tagNull)
	case bool:
		if x {
			return append(dst, tagTrue)
		}
		return append(dst, tagFalse)
	case int64:
		dst = append(dst, tagInt)
		return binary.BigEndian.AppendUint64(dst, uint64(x)^(1<<63))
	case float64:
		bits := math.Float64bits(x)
		if x == 0 {
			bits = 0 // -0 and +0 sort together
		}
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = append(dst, tagReal)
		return binary.BigEndian.AppendUint64(dst, bits)
	case string:
		return appendEscaped(append(dst, tagText), []byte(x))
	case []byte:
		return appendEscaped(append(dst, tagBlob), x)
	default:
		panic("indexmanager: appendKey of unnormalized value")
	}
}

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0x00, 0x01)
}

// encodeKey normalizes v for column type t and encodes it.
func encodeKey(t ColumnType, v any) ([]byte, error) {
	n, err := normalizeValue(t, v)
	if err != nil {
		return nil, err
	}
	return appendKey(nil, n), nil
}
