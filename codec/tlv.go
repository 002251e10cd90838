// Package codec holds value codecs for zmsg header fields and bodies.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// tags of the TLV encoding
const (
	TagNull byte = iota
	TagBool
	TagInt32
	TagInt64
	TagString
	TagBytes
)

var (
	ErrShortBuffer = errors.New("codec: short buffer")
	ErrUnknownTag  = errors.New("codec: unknown tag")
)

// TLV is a self-describing tag/length/value encoding: one tag byte, then a
// fixed-size value or a 4-byte big-endian length followed by that many bytes.
type TLV struct{}

// Skip returns the encoded size of the value at the start of b.
func (TLV) Skip(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, ErrShortBuffer
	}
	var n int
	switch b[0] {
	case TagNull:
		n = 1
	case TagBool:
		n = 2
	case TagInt32:
		n = 5
	case TagInt64:
		n = 9
	case TagString, TagBytes:
		if len(b) < 5 {
			return 0, ErrShortBuffer
		}
		size := binary.BigEndian.Uint32(b[1:])
		if uint64(size) > uint64(math.MaxInt32-5) {
			return 0, fmt.Errorf("codec: value length %d too large", size)
		}
		n = 5 + int(size)
	default:
		return 0, fmt.Errorf("%w %d", ErrUnknownTag, b[0])
	}
	if len(b) < n {
		return 0, ErrShortBuffer
	}
	return n, nil
}

// Decode returns the value at the start of b and its encoded size.
func (c TLV) Decode(b []byte) (v interface{}, n int, err error) {
	n, err = c.Skip(b)
	if err != nil {
		return
	}
	switch b[0] {
	case TagNull:
	case TagBool:
		v = b[1] != 0
	case TagInt32:
		v = int32(binary.BigEndian.Uint32(b[1:]))
	case TagInt64:
		v = int64(binary.BigEndian.Uint64(b[1:]))
	case TagString:
		v = string(b[5:n])
	case TagBytes:
		v = append([]byte(nil), b[5:n]...)
	}
	return
}

// Append encodes v after dst.
func (TLV) Append(dst []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, TagNull), nil
	case bool:
		var bit byte
		if x {
			bit = 1
		}
		return append(dst, TagBool, bit), nil
	case int32:
		dst = append(dst, TagInt32)
		return binary.BigEndian.AppendUint32(dst, uint32(x)), nil
	case int64:
		dst = append(dst, TagInt64)
		return binary.BigEndian.AppendUint64(dst, uint64(x)), nil
	case int:
		dst = append(dst, TagInt64)
		return binary.BigEndian.AppendUint64(dst, uint64(x)), nil
	case string:
		dst = append(dst, TagString)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(x)))
		return append(dst, x...), nil
	case []byte:
		dst = append(dst, TagBytes)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(x)))
		return append(dst, x...), nil
	default:
		return dst, fmt.Errorf("codec: unsupported type %T", v)
	}
}
