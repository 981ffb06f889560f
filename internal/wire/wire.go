// Package wire frames Entry Cache records.
//
//	magic(4) | ver(1) | kind(1) | gen(u64 be) | vlen(u32 be) | value(vlen)
//
// kind is Present (value follows) or Absent (vlen must be 0). Decoding is strict:
// anything that is not exactly one well-formed record is ErrCorrupt.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 1 + 8 + 4
)

type Kind byte

const (
	KindPresent Kind = 1
	KindAbsent  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPresent:
		return "present"
	case KindAbsent:
		return "absent"
	default:
		return "invalid"
	}
}

var (
	ErrCorrupt = errors.New("cachekv: corrupt entry")
	magic4     = [...]byte{'C', 'K', 'V', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func encode(kind Kind, gen uint64, value []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(value))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(byte(kind))

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(value)))
	buf.Write(u4[:])

	buf.Write(value)
	return buf.Bytes()
}

// EncodePresent frames a cached value written under gen.
func EncodePresent(gen uint64, value []byte) []byte {
	return encode(KindPresent, gen, value)
}

// EncodeAbsent frames a remembered not-found written under gen.
func EncodeAbsent(gen uint64) []byte {
	return encode(KindAbsent, gen, nil)
}

// Decode parses a record. The returned value aliases b; for Present it is never
// nil, so an empty stored value stays distinguishable from Absent.
func Decode(b []byte) (kind Kind, gen uint64, value []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version {
		return 0, 0, nil, ErrCorrupt
	}
	kind = Kind(b[5])
	if kind != KindPresent && kind != KindAbsent {
		return 0, 0, nil, ErrCorrupt
	}

	off := 6
	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: no truncation, no trailing bytes
	if vlen < 0 || vlen != len(b)-off {
		return 0, 0, nil, ErrCorrupt
	}
	if kind == KindAbsent {
		if vlen != 0 {
			return 0, 0, nil, ErrCorrupt
		}
		return kind, gen, nil, nil
	}
	return kind, gen, b[off : off+vlen : off+vlen], nil
}
