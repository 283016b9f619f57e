package lsa

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

func idN(b byte) nodeid.ID {
	var id nodeid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestCodecRoundTrip(t *testing.T) {
	l, err := New(idN(0x01), []Attribute{
		EncodeNodeNameAttr("alice"),
		EncodePeerAttr(idN(0x02), 7, PeerTypeCustomer),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wire := Serialize(l)
	got, err := Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.ID() != l.ID() {
		t.Fatalf("id mismatch")
	}
	if !l.Equal(got) {
		t.Fatalf("round trip not byte-identical")
	}
	if len(got.Attrs()) != 2 {
		t.Fatalf("expected 2 attrs, got %d", len(got.Attrs()))
	}
}

func TestCanonicalSerialisationOrderIndependent(t *testing.T) {
	a1 := EncodeNodeNameAttr("alice")
	a2 := EncodePeerAttr(idN(0x02), 7, PeerTypeCustomer)

	l1, err := New(idN(0x01), []Attribute{a1, a2})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := New(idN(0x01), []Attribute{a2, a1})
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(Serialize(l1), Serialize(l2)) {
		t.Fatalf("serialisation depends on construction order")
	}
}

func TestDeserialiseRejectsDuplicateAttr(t *testing.T) {
	id := idN(0x03)
	wire := buildRaw(id, []Attribute{
		EncodeNodeNameAttr("a"),
		EncodeNodeNameAttr("b"),
	})
	if _, err := Deserialize(wire); err == nil {
		t.Fatalf("expected error for duplicate (type,key)")
	}
}

func TestDeserialiseRejectsLengthMismatch(t *testing.T) {
	l, err := New(idN(0x04), nil)
	if err != nil {
		t.Fatal(err)
	}
	wire := Serialize(l)
	wire = append(wire, 0xff) // trailing garbage byte not accounted for

	if _, err := Deserialize(wire); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestDeserialiseSafetyNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		n := rng.Intn(64)
		buf := make([]byte, n)
		rng.Read(buf)

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Deserialize panicked on input %x: %v", buf, r)
				}
			}()
			Deserialize(buf)
		}()
	}
}

func TestS3ExampleLength(t *testing.T) {
	l, err := New(idN(0x05), []Attribute{
		EncodePeerAttr(idN(0x06), 1, PeerTypeCustomer),
		EncodeNodeNameAttr("alice"),
	})
	if err != nil {
		t.Fatal(err)
	}

	wire := Serialize(l)
	if len(wire) != 83 {
		t.Fatalf("expected 83-byte wire encoding, got %d", len(wire))
	}

	got, err := Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !l.Equal(got) {
		t.Fatalf("round trip not byte-identical")
	}
}

// buildRaw constructs a wire buffer directly (bypassing New's duplicate
// check) so malformed-on-the-wire cases can be tested.
func buildRaw(id nodeid.ID, attrs []Attribute) []byte {
	size := nodeid.Len
	for _, a := range attrs {
		size += attrWireSize(a)
	}
	buf := make([]byte, 2+size)
	buf[0] = byte(size >> 8)
	buf[1] = byte(size)
	off := 2
	copy(buf[off:off+nodeid.Len], id[:])
	off += nodeid.Len
	for _, a := range attrs {
		off = encodeAttr(buf, off, a)
	}
	return buf
}
