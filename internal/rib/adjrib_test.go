package rib

import (
	"testing"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

func idN(b byte) nodeid.ID {
	var id nodeid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func mustLSA(t *testing.T, id nodeid.ID, attrs ...lsa.Attribute) *lsa.LSA {
	t.Helper()
	l, err := lsa.New(id, attrs)
	if err != nil {
		t.Fatalf("lsa.New: %v", err)
	}
	return l
}

func TestAdjRIBAddEmitsAdd(t *testing.T) {
	r := NewAdjRIB()
	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	l := mustLSA(t, idN(1))
	r.AddLSA(l)

	if len(got) != 1 || got[0].Kind != EventAdd {
		t.Fatalf("expected one Add event, got %+v", got)
	}
}

func TestAdjRIBReplaceEmitsMod(t *testing.T) {
	r := NewAdjRIB()
	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	l1 := mustLSA(t, idN(1), lsa.EncodeNodeNameAttr("a"))
	l2 := mustLSA(t, idN(1), lsa.EncodeNodeNameAttr("b"))
	r.AddLSA(l1)
	r.AddLSA(l2)

	if len(got) != 2 || got[1].Kind != EventMod {
		t.Fatalf("expected Add then Mod, got %+v", got)
	}
}

func TestAdjRIBIdenticalReplaceIsNoOp(t *testing.T) {
	r := NewAdjRIB()
	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	l1 := mustLSA(t, idN(1), lsa.EncodeNodeNameAttr("a"))
	l2 := mustLSA(t, idN(1), lsa.EncodeNodeNameAttr("a"))
	r.AddLSA(l1)
	r.AddLSA(l2)

	if len(got) != 1 {
		t.Fatalf("expected byte-identical replace to be a no-op, got %+v", got)
	}
}

func TestAdjRIBFlushEmitsDelForEach(t *testing.T) {
	r := NewAdjRIB()
	r.AddLSA(mustLSA(t, idN(1)))
	r.AddLSA(mustLSA(t, idN(2)))

	var dels int
	r.Subscribe(func(ev Event) {
		if ev.Kind == EventDel {
			dels++
		}
	})
	r.Flush()

	if dels != 2 {
		t.Fatalf("expected 2 Del events, got %d", dels)
	}
	if r.Len() != 0 {
		t.Fatalf("expected table empty after flush, got %d entries", r.Len())
	}
}

func TestAdjRIBReentrantMutationAborts(t *testing.T) {
	r := NewAdjRIB()
	r.Subscribe(func(ev Event) {
		if ev.Kind == EventAdd {
			r.AddLSA(mustLSA(t, idN(2)))
		}
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on re-entrant mutation")
		}
	}()
	r.AddLSA(mustLSA(t, idN(1)))
}

func TestAdjRIBEventReplayYieldsFinalTable(t *testing.T) {
	r := NewAdjRIB()

	replay := make(map[nodeid.ID]*lsa.LSA)
	r.Subscribe(func(ev Event) {
		switch ev.Kind {
		case EventAdd:
			replay[ev.New.ID()] = ev.New
		case EventMod:
			replay[ev.New.ID()] = ev.New
		case EventDel:
			delete(replay, ev.Old.ID())
		}
	})

	r.AddLSA(mustLSA(t, idN(1)))
	r.AddLSA(mustLSA(t, idN(2)))
	r.AddLSA(mustLSA(t, idN(1), lsa.EncodeNodeNameAttr("x")))
	r.Flush()
	r.AddLSA(mustLSA(t, idN(3)))

	if len(replay) != r.Len() {
		t.Fatalf("replay has %d entries, live table has %d", len(replay), r.Len())
	}
	for id, l := range replay {
		live, ok := r.Get(id)
		if !ok || !live.Equal(l) {
			t.Fatalf("replay diverges from live table at %v", id)
		}
	}
}
