package lsa

import (
	"fmt"

	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

// keyedBit marks an attribute header as carrying a non-empty key; see
// Serialize/Deserialize.
const keyedBit = 0x8000
const lenMask = 0x7fff

// Serialize renders l in the canonical wire format:
//
//	u16  total_len       (length of everything that follows)
//	u8[32] node_id
//	repeated attribute, each:
//	  u8  type
//	  u16 v1            (high bit set => keyed; low 15 bits => keylen or datalen)
//	  [u8[keylen] key]
//	  [u16 v2           (low 15 bits => datalen)]
//	  u8[datalen] data
//
// Attributes are emitted in the LSA's canonical (type, key) order, so two
// LSAs equal as attribute multisets always serialise identically.
func Serialize(l *LSA) []byte {
	size := nodeid.Len
	for _, a := range l.attrs {
		size += attrWireSize(a)
	}

	buf := make([]byte, 2+size)
	buf[0] = byte(size >> 8)
	buf[1] = byte(size)

	off := 2
	id := l.id
	copy(buf[off:off+nodeid.Len], id[:])
	off += nodeid.Len

	for _, a := range l.attrs {
		off = encodeAttr(buf, off, a)
	}

	return buf
}

func attrWireSize(a Attribute) int {
	n := 1 + 2 + len(a.Data) // type + v1 + data
	if len(a.Key) > 0 {
		n += len(a.Key) + 2 // key + v2
	}
	return n
}

func encodeAttr(buf []byte, off int, a Attribute) int {
	buf[off] = a.Type
	off++

	if len(a.Key) > 0 {
		v1 := keyedBit | (len(a.Key) & lenMask)
		buf[off] = byte(v1 >> 8)
		buf[off+1] = byte(v1)
		off += 2

		copy(buf[off:off+len(a.Key)], a.Key)
		off += len(a.Key)

		v2 := len(a.Data) & lenMask
		buf[off] = byte(v2 >> 8)
		buf[off+1] = byte(v2)
		off += 2
	} else {
		v1 := len(a.Data) & lenMask
		buf[off] = byte(v1 >> 8)
		buf[off+1] = byte(v1)
		off += 2
	}

	copy(buf[off:off+len(a.Data)], a.Data)
	off += len(a.Data)

	return off
}

// Deserialize parses the canonical wire format produced by Serialize. It
// returns an error rather than panicking on any malformed or truncated
// input, never reads past buf, and never allocates more than len(buf)
// bytes' worth of attribute storage.
func Deserialize(buf []byte) (*LSA, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("lsa: buffer too short for length header")
	}

	total := int(buf[0])<<8 | int(buf[1])
	if total+2 != len(buf) {
		return nil, fmt.Errorf("lsa: declared length %d does not match buffer of %d", total, len(buf))
	}

	off := 2
	if off+nodeid.Len > len(buf) {
		return nil, fmt.Errorf("lsa: truncated node id")
	}

	var id nodeid.ID
	copy(id[:], buf[off:off+nodeid.Len])
	off += nodeid.Len

	seen := make(map[attrKey]struct{})
	var attrs []Attribute

	for off < len(buf) {
		if off+1 > len(buf) {
			return nil, fmt.Errorf("lsa: truncated attribute type")
		}
		typ := buf[off]
		off++

		if off+2 > len(buf) {
			return nil, fmt.Errorf("lsa: truncated attribute header")
		}
		v1 := int(buf[off])<<8 | int(buf[off+1])
		off += 2

		var key []byte
		var datalen int

		if v1&keyedBit != 0 {
			keylen := v1 & lenMask
			if off+keylen > len(buf) {
				return nil, fmt.Errorf("lsa: truncated attribute key")
			}
			key = append([]byte(nil), buf[off:off+keylen]...)
			off += keylen

			if off+2 > len(buf) {
				return nil, fmt.Errorf("lsa: truncated attribute data length")
			}
			v2 := int(buf[off])<<8 | int(buf[off+1])
			off += 2
			datalen = v2 & lenMask
		} else {
			datalen = v1 & lenMask
		}

		if off+datalen > len(buf) {
			return nil, fmt.Errorf("lsa: truncated attribute data")
		}
		data := append([]byte(nil), buf[off:off+datalen]...)
		off += datalen

		k := attrKey{typ: typ, key: string(key)}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("lsa: duplicate attribute (type=%d)", typ)
		}
		seen[k] = struct{}{}

		attrs = append(attrs, Attribute{Type: typ, Key: key, Data: data})
	}

	return New(id, attrs)
}

type attrKey struct {
	typ uint8
	key string
}
