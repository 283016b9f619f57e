package rib

import (
	"testing"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
)

// TestLocRIBPrefersLowestOwner is scenario S4: two Adj-RIB-In owners N1 < N2
// each hold an LSA for node X. Loc-RIB must report N1's LSA, and deleting
// from N1's table must emit a Mod to N2's LSA, not a Del.
func TestLocRIBPrefersLowestOwner(t *testing.T) {
	n1, n2 := idN(0x01), idN(0x02)
	adj1, adj2 := NewAdjRIB(), NewAdjRIB()

	lr := NewLocRIB()
	lr.Subscribe(n1, adj1)
	lr.Subscribe(n2, adj2)

	x := idN(0xaa)
	lsaFromN2 := mustLSA(t, x, lsa.EncodeNodeNameAttr("from-n2"))
	lsaFromN1 := mustLSA(t, x, lsa.EncodeNodeNameAttr("from-n1"))

	adj2.AddLSA(lsaFromN2)
	adj1.AddLSA(lsaFromN1)

	got, ok := lr.Get(x)
	if !ok {
		t.Fatalf("expected Loc-RIB entry for x")
	}
	if !got.Equal(lsaFromN1) {
		t.Fatalf("expected Loc-RIB to prefer N1's LSA")
	}

	var events []Event
	lr.Listen(func(ev Event) { events = append(events, ev) })

	adj1.Flush()

	if len(events) != 1 || events[0].Kind != EventMod {
		t.Fatalf("expected a single Mod event after N1 withdrew, got %+v", events)
	}
	if !events[0].New.Equal(lsaFromN2) {
		t.Fatalf("expected Mod to substitute N2's LSA")
	}

	got, ok = lr.Get(x)
	if !ok || !got.Equal(lsaFromN2) {
		t.Fatalf("expected Loc-RIB to now hold N2's LSA")
	}
}

func TestLocRIBDeletesWhenNoSubstitute(t *testing.T) {
	n1 := idN(0x01)
	adj1 := NewAdjRIB()

	lr := NewLocRIB()
	lr.Subscribe(n1, adj1)

	x := idN(0xbb)
	adj1.AddLSA(mustLSA(t, x))

	var events []Event
	lr.Listen(func(ev Event) { events = append(events, ev) })

	adj1.Flush()

	if len(events) != 1 || events[0].Kind != EventDel {
		t.Fatalf("expected a Del event, got %+v", events)
	}
	if _, ok := lr.Get(x); ok {
		t.Fatalf("expected entry to be gone")
	}
}

func TestLocRIBIgnoresHigherOwnerAdd(t *testing.T) {
	n1, n2 := idN(0x01), idN(0x02)
	adj1, adj2 := NewAdjRIB(), NewAdjRIB()

	lr := NewLocRIB()
	lr.Subscribe(n1, adj1)
	lr.Subscribe(n2, adj2)

	x := idN(0xcc)
	adj1.AddLSA(mustLSA(t, x, lsa.EncodeNodeNameAttr("n1")))

	var events []Event
	lr.Listen(func(ev Event) { events = append(events, ev) })

	adj2.AddLSA(mustLSA(t, x, lsa.EncodeNodeNameAttr("n2")))

	if len(events) != 0 {
		t.Fatalf("expected higher-owner add to be ignored, got %+v", events)
	}
}

func TestLocRIBSubscriptionOrderDoesNotAffectOutcome(t *testing.T) {
	n1, n2 := idN(0x01), idN(0x02)
	x := idN(0xdd)

	run := func(subscribeN1First bool) *lsa.LSA {
		adj1, adj2 := NewAdjRIB(), NewAdjRIB()
		lr := NewLocRIB()
		if subscribeN1First {
			lr.Subscribe(n1, adj1)
			lr.Subscribe(n2, adj2)
		} else {
			lr.Subscribe(n2, adj2)
			lr.Subscribe(n1, adj1)
		}
		adj2.AddLSA(mustLSA(t, x, lsa.EncodeNodeNameAttr("n2")))
		adj1.AddLSA(mustLSA(t, x, lsa.EncodeNodeNameAttr("n1")))
		got, _ := lr.Get(x)
		return got
	}

	a := run(true)
	b := run(false)
	if !a.Equal(b) {
		t.Fatalf("subscription order affected final Loc-RIB state")
	}
}
