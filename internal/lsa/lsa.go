// Package lsa implements the link-state advertisement record: its in-memory
// representation, attribute ordering, reference counting, and the
// deterministic binary codec used to move it across the wire.
package lsa

import (
	"bytes"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

// Attribute type codes. Small integers, as specified; the set is open-ended,
// these are the ones the core itself interprets.
const (
	AttrNodeName  uint8 = 1
	AttrPeer      uint8 = 2
	AttrAdvertise uint8 = 3
)

// PeerType is the business relationship a PEER attribute declares toward its
// target, from the advertiser's point of view.
type PeerType uint8

const (
	PeerTypeInvalid  PeerType = 0
	PeerTypeEPeer    PeerType = 1
	PeerTypeCustomer PeerType = 2
	PeerTypeTransit  PeerType = 3
	PeerTypeIPeer    PeerType = 4
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeEPeer:
		return "epeer"
	case PeerTypeCustomer:
		return "customer"
	case PeerTypeTransit:
		return "transit"
	case PeerTypeIPeer:
		return "ipeer"
	default:
		return "invalid"
	}
}

// ParsePeerType parses the relationship name used in peer configuration
// (customer, transit, epeer, ipeer) into a PeerType.
func ParsePeerType(s string) (PeerType, error) {
	switch s {
	case "customer":
		return PeerTypeCustomer, nil
	case "transit":
		return PeerTypeTransit, nil
	case "epeer":
		return PeerTypeEPeer, nil
	case "ipeer":
		return PeerTypeIPeer, nil
	default:
		return PeerTypeInvalid, fmt.Errorf("lsa: unknown peer type %q", s)
	}
}

// PeerAttrData is the 4-byte payload of a PEER attribute: a 16-bit metric
// and an 8-bit peer type, padded to a 32-bit word.
type PeerAttrData struct {
	Metric   uint16
	PeerType PeerType
}

// Attribute is a single (type, key) -> data tuple inside an LSA. Key is
// optional; an empty key is the common case for singleton attributes like
// NODE_NAME.
type Attribute struct {
	Type uint8
	Key  []byte
	Data []byte
}

func (a Attribute) less(b Attribute) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return bytes.Compare(a.Key, b.Key) < 0
}

func (a Attribute) sameKey(b Attribute) bool {
	return a.Type == b.Type && bytes.Equal(a.Key, b.Key)
}

// LSA is an immutable, reference-counted link-state advertisement. Its
// attribute set is kept sorted by (type, key) so that serialisation is
// deterministic and two LSAs equal as multisets produce identical bytes.
type LSA struct {
	id    nodeid.ID
	attrs []Attribute

	refs int32
}

// New builds an LSA for id from attrs. Attrs are copied and sorted; a
// duplicate (type, key) pair is rejected. The returned LSA starts with a
// reference count of one.
func New(id nodeid.ID, attrs []Attribute) (*LSA, error) {
	sorted := make([]Attribute, len(attrs))
	copy(sorted, attrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].sameKey(sorted[i-1]) {
			return nil, fmt.Errorf("lsa: duplicate attribute (type=%d)", sorted[i].Type)
		}
	}

	return &LSA{id: id, attrs: sorted, refs: 1}, nil
}

// ID returns the originating node ID.
func (l *LSA) ID() nodeid.ID { return l.id }

// Attrs returns the LSA's attributes in canonical (type, key) order. The
// returned slice must not be mutated.
func (l *LSA) Attrs() []Attribute { return l.attrs }

// Attr returns the attribute with the given (type, key), if present.
func (l *LSA) Attr(typ uint8, key []byte) (Attribute, bool) {
	for _, a := range l.attrs {
		if a.Type == typ && bytes.Equal(a.Key, key) {
			return a, true
		}
	}
	return Attribute{}, false
}

// Ref increments the reference count and returns l, for the common
// "store and keep a handle" call pattern.
func (l *LSA) Ref() *LSA {
	atomic.AddInt32(&l.refs, 1)
	return l
}

// Put decrements the reference count. LSAs are plain Go values reclaimed by
// the garbage collector once their last holder drops them, so Put exists to
// make ownership transfers explicit and to let callers assert against
// double-release bugs; it does not free anything itself.
func (l *LSA) Put() {
	if atomic.AddInt32(&l.refs, -1) < 0 {
		panic("lsa: refcount underflow")
	}
}

// RefCount reports the current reference count, chiefly for tests.
func (l *LSA) RefCount() int32 {
	return atomic.LoadInt32(&l.refs)
}

// Equal reports whether l and other serialise to identical bytes, i.e. are
// equal as attribute multisets.
func (l *LSA) Equal(other *LSA) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(Serialize(l), Serialize(other))
}

// DecodePeerAttr decodes a PEER attribute's 4-byte payload.
func DecodePeerAttr(a Attribute) (PeerAttrData, bool) {
	if a.Type != AttrPeer || len(a.Data) < 4 {
		return PeerAttrData{}, false
	}
	metric := uint16(a.Data[0])<<8 | uint16(a.Data[1])
	return PeerAttrData{Metric: metric, PeerType: PeerType(a.Data[2])}, true
}

// EncodePeerAttr builds the PEER attribute for a peering toward target with
// the given metric and declared relationship.
func EncodePeerAttr(target nodeid.ID, metric uint16, pt PeerType) Attribute {
	data := []byte{byte(metric >> 8), byte(metric), byte(pt), 0}
	key := make([]byte, nodeid.Len)
	copy(key, target[:])
	return Attribute{Type: AttrPeer, Key: key, Data: data}
}

// EncodeNodeNameAttr builds the NODE_NAME attribute.
func EncodeNodeNameAttr(name string) Attribute {
	return Attribute{Type: AttrNodeName, Data: []byte(name)}
}
