package lsa

import "testing"

func TestNewRejectsDuplicateAttribute(t *testing.T) {
	_, err := New(idN(0x01), []Attribute{
		{Type: AttrNodeName, Data: []byte("a")},
		{Type: AttrNodeName, Data: []byte("b")},
	})
	if err == nil {
		t.Fatalf("expected duplicate attribute error")
	}
}

func TestRefCounting(t *testing.T) {
	l, err := New(idN(0x01), nil)
	if err != nil {
		t.Fatal(err)
	}
	if l.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", l.RefCount())
	}
	l.Ref()
	if l.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Ref, got %d", l.RefCount())
	}
	l.Put()
	if l.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after Put, got %d", l.RefCount())
	}
}

func TestRefCountUnderflowPanics(t *testing.T) {
	l, err := New(idN(0x01), nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Put()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on refcount underflow")
		}
	}()
	l.Put()
}

func TestAttrLookup(t *testing.T) {
	target := idN(0x02)
	l, err := New(idN(0x01), []Attribute{EncodePeerAttr(target, 5, PeerTypeTransit)})
	if err != nil {
		t.Fatal(err)
	}

	key := make([]byte, len(target))
	copy(key, target[:])

	a, ok := l.Attr(AttrPeer, key)
	if !ok {
		t.Fatalf("expected PEER attribute to be found")
	}
	data, ok := DecodePeerAttr(a)
	if !ok {
		t.Fatalf("expected to decode PEER attribute")
	}
	if data.Metric != 5 || data.PeerType != PeerTypeTransit {
		t.Fatalf("unexpected peer attr data: %+v", data)
	}
}
