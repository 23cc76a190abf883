// Package codec encodes typed property values, entity ids and tiebreakers
// into composite keys whose byte order is the index order.
//
// Layout of a composite key:
//
//	value | entity id (16 bytes) | tiebreaker (17 bytes, time ordered)
//
// The value encoding is self-delimiting so a key can be split without a
// length prefix.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/google/uuid"
)

const (
	tagNull   byte = 0x10
	tagBool   byte = 0x20
	tagNumber byte = 0x30
	tagString byte = 0x40
	tagUUID   byte = 0x50
)

const (
	numberInt   byte = 0x00
	numberFloat byte = 0x01
)

const (
	uuidTime byte = 0x01
	uuidRaw  byte = 0x02
)

const signBit uint64 = 1 << 63

var terminator = []byte{0x00, 0x01}

// tailLen is the size of the entity id plus the encoded tiebreaker.
const tailLen = 16 + 17

// Encode builds the composite key for (v, entityID, tiebreaker).
func Encode(v Value, entityID, tiebreaker uuid.UUID) ([]byte, error) {
	buf, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	buf = append(buf, entityID[:]...)
	buf = append(buf, encodeUUID(tiebreaker)...)
	return buf, nil
}

// Decode splits a composite key back into its parts.
func Decode(b []byte) (Value, uuid.UUID, uuid.UUID, error) {
	v, rest, err := DecodeValue(b)
	if err != nil {
		return Value{}, uuid.Nil, uuid.Nil, err
	}
	if len(rest) != tailLen {
		return Value{}, uuid.Nil, uuid.Nil, corrupt("trailer is %d bytes, want %d", len(rest), tailLen)
	}
	var id uuid.UUID
	copy(id[:], rest[:16])
	tb, err := decodeUUID(rest[16:])
	if err != nil {
		return Value{}, uuid.Nil, uuid.Nil, err
	}
	return v, id, tb, nil
}

// EncodeValue encodes only the value part of a key.
func EncodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte{tagNull}, nil
	case KindBool:
		if v.Bool {
			return []byte{tagBool, 0x01}, nil
		}
		return []byte{tagBool, 0x00}, nil
	case KindNumber:
		f := v.approx()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("encoding %v: non-finite number", f)
		}
		buf := make([]byte, 0, 18)
		buf = append(buf, tagNumber)
		buf = binary.BigEndian.AppendUint64(buf, orderedFloat(f))
		if v.IsFloat {
			return append(buf, numberFloat), nil
		}
		buf = append(buf, numberInt)
		return binary.BigEndian.AppendUint64(buf, uint64(v.Int)^signBit), nil
	case KindString:
		buf := make([]byte, 0, 2*len(v.Str)+5)
		buf = append(buf, tagString)
		buf = appendEscaped(buf, fold(v.Str))
		return appendEscaped(buf, v.Str), nil
	case KindUUID:
		return append([]byte{tagUUID}, encodeUUID(v.UUID)...), nil
	default:
		return nil, fmt.Errorf("encoding value: unknown kind %d", v.Kind)
	}
}

// DecodeValue decodes the value at the front of b and returns the remainder.
func DecodeValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, corrupt("empty key")
	}
	switch b[0] {
	case tagNull:
		return Null(), b[1:], nil
	case tagBool:
		if len(b) < 2 || b[1] > 0x01 {
			return Value{}, nil, corrupt("bad bool")
		}
		return Bool(b[1] == 0x01), b[2:], nil
	case tagNumber:
		if len(b) < 10 {
			return Value{}, nil, corrupt("short number")
		}
		f := unorderedFloat(binary.BigEndian.Uint64(b[1:9]))
		switch b[9] {
		case numberFloat:
			return Float(f), b[10:], nil
		case numberInt:
			if len(b) < 18 {
				return Value{}, nil, corrupt("short integer")
			}
			i := int64(binary.BigEndian.Uint64(b[10:18]) ^ signBit)
			if float64(i) != f {
				return Value{}, nil, corrupt("integer %d disagrees with its sort prefix", i)
			}
			return Int(i), b[18:], nil
		default:
			return Value{}, nil, corrupt("bad number subtype 0x%02x", b[9])
		}
	case tagString:
		folded, rest, err := readEscaped(b[1:])
		if err != nil {
			return Value{}, nil, err
		}
		orig, rest, err := readEscaped(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if fold(orig) != folded {
			return Value{}, nil, corrupt("string sort prefix does not match value")
		}
		return String(orig), rest, nil
	case tagUUID:
		if len(b) < 18 {
			return Value{}, nil, corrupt("short uuid")
		}
		u, err := decodeUUID(b[1:18])
		if err != nil {
			return Value{}, nil, err
		}
		return UUID(u), b[18:], nil
	default:
		return Value{}, nil, corrupt("unknown type tag 0x%02x", b[0])
	}
}

// ValuePrefix returns the bytes shared by every key whose value compares
// loosely equal to v. Range and equality bounds are built from it.
func ValuePrefix(v Value) ([]byte, error) {
	switch v.Kind {
	case KindString:
		buf := []byte{tagString}
		return appendEscaped(buf, fold(v.Str)), nil
	case KindNumber:
		f := v.approx()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("encoding %v: non-finite number", f)
		}
		return binary.BigEndian.AppendUint64([]byte{tagNumber}, orderedFloat(f)), nil
	default:
		return EncodeValue(v)
	}
}

// KindPrefix returns the single tag byte shared by all values of kind k.
func KindPrefix(k Kind) []byte {
	switch k {
	case KindNull:
		return []byte{tagNull}
	case KindBool:
		return []byte{tagBool}
	case KindNumber:
		return []byte{tagNumber}
	case KindString:
		return []byte{tagString}
	default:
		return []byte{tagUUID}
	}
}

// PrefixEnd returns the smallest key greater than every key starting with p,
// or nil when no such key exists.
func PrefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Successor returns the smallest key strictly greater than key.
func Successor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

func orderedFloat(f float64) uint64 {
	if f == 0 {
		f = 0 // folds -0 onto +0
	}
	bits := math.Float64bits(f)
	if bits&signBit == 0 {
		return bits | signBit
	}
	return ^bits
}

func unorderedFloat(bits uint64) float64 {
	if bits&signBit != 0 {
		return math.Float64frombits(bits &^ signBit)
	}
	return math.Float64frombits(^bits)
}

func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf = append(buf, 0x00, 0xFF)
			continue
		}
		buf = append(buf, s[i])
	}
	return append(buf, terminator...)
}

func readEscaped(b []byte) (string, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, corrupt("unterminated string")
		}
		switch b[i+1] {
		case 0x01:
			return string(out), b[i+2:], nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return "", nil, corrupt("bad string escape 0x%02x", b[i+1])
		}
	}
	return "", nil, corrupt("unterminated string")
}

// encodeUUID lays version-1 UUIDs out as time_hi, time_mid, time_low so that
// byte order follows the embedded timestamp.
func encodeUUID(u uuid.UUID) []byte {
	out := make([]byte, 17)
	if u.Version() == 1 && u.Variant() == uuid.RFC4122 {
		out[0] = uuidTime
		copy(out[1:3], u[6:8])
		copy(out[3:5], u[4:6])
		copy(out[5:9], u[0:4])
		copy(out[9:17], u[8:16])
		return out
	}
	out[0] = uuidRaw
	copy(out[1:], u[:])
	return out
}

func decodeUUID(b []byte) (uuid.UUID, error) {
	var u uuid.UUID
	if len(b) != 17 {
		return uuid.Nil, corrupt("uuid is %d bytes", len(b))
	}
	switch b[0] {
	case uuidTime:
		copy(u[6:8], b[1:3])
		copy(u[4:6], b[3:5])
		copy(u[0:4], b[5:9])
		copy(u[8:16], b[9:17])
		if u.Version() != 1 {
			return uuid.Nil, corrupt("time uuid marker on version %d", u.Version())
		}
	case uuidRaw:
		copy(u[:], b[1:])
	default:
		return uuid.Nil, corrupt("bad uuid marker 0x%02x", b[0])
	}
	return u, nil
}

func compareBytes(a, b []byte) int { return bytes.Compare(a, b) }

func corrupt(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrCorruptIndexEntry, 0, format, args...)
}
