package cspf

import (
	"testing"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
)

func TestEffectiveTypeCanonicalisation(t *testing.T) {
	cases := []struct {
		forward, reverse, want PeerType
	}{
		{PeerTypeIPeer, PeerTypeIPeer, PeerTypeIPeer},
		{PeerTypeCustomer, PeerTypeTransit, PeerTypeCustomer},
		{PeerTypeCustomer, PeerTypeIPeer, PeerTypeCustomer},
		{PeerTypeIPeer, PeerTypeTransit, PeerTypeCustomer},
		{PeerTypeTransit, PeerTypeCustomer, PeerTypeTransit},
		{PeerTypeTransit, PeerTypeIPeer, PeerTypeTransit},
		{PeerTypeIPeer, PeerTypeCustomer, PeerTypeTransit},
		{PeerTypeEPeer, PeerTypeEPeer, PeerTypeEPeer},
		{PeerTypeCustomer, PeerTypeCustomer, PeerTypeEPeer},
	}
	for _, c := range cases {
		got := effectiveType(c.forward, c.reverse)
		if got != c.want {
			t.Errorf("effectiveType(%v, %v) = %v, want %v", c.forward, c.reverse, got, c.want)
		}
	}
}

func TestBuildDropsHalfDeclaredEdge(t *testing.T) {
	a, b, c := mkID(1), mkID(2), mkID(3)

	g := NewGraph()
	g.AddEdge(a, b, 5, PeerTypeCustomer)
	g.AddEdge(b, a, 5, PeerTypeTransit)
	g.AddEdge(a, c, 7, PeerTypeCustomer) // no reverse from c

	pg := g.Build()

	foundB, foundC := false, false
	for _, e := range pg.nodes[a].out {
		if e.to == b {
			foundB = true
		}
		if e.to == c {
			foundC = true
		}
	}
	if !foundB {
		t.Fatalf("expected A->B to survive Build")
	}
	if foundC {
		t.Fatalf("expected half-declared A->C to be dropped")
	}
}

func TestAddFromLSABuildsEdgesFromPeerAttrs(t *testing.T) {
	self := mkID(1)
	target := mkID(2)

	l, err := lsa.New(self, []lsa.Attribute{
		lsa.EncodePeerAttr(target, 10, PeerTypeCustomer),
	})
	if err != nil {
		t.Fatalf("lsa.New: %v", err)
	}

	g := NewGraph()
	g.AddFromLSA(l)

	n, ok := g.nodes[self]
	if !ok || len(n.out) != 1 {
		t.Fatalf("expected one declared edge from self, got %+v", n)
	}
	if n.out[0].to != target || n.out[0].metric != 10 || n.out[0].peerType != PeerTypeCustomer {
		t.Fatalf("unexpected declared edge: %+v", n.out[0])
	}
}

func TestAddFromLSAIgnoresNonPeerAttrs(t *testing.T) {
	self := mkID(1)
	l, err := lsa.New(self, []lsa.Attribute{
		lsa.EncodeNodeNameAttr("solo"),
	})
	if err != nil {
		t.Fatalf("lsa.New: %v", err)
	}

	g := NewGraph()
	g.AddFromLSA(l)

	n := g.nodes[self]
	if len(n.out) != 0 {
		t.Fatalf("expected no declared edges from a NODE_NAME-only LSA, got %+v", n.out)
	}
}
