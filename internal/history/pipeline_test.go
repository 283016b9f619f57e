package history

import (
	"testing"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/rib"
)

func mkID(b byte) (out [32]byte) {
	out[0] = b
	return out
}

func TestRowFromEventAddUsesNew(t *testing.T) {
	owner := mkID(1)
	l, err := lsa.New(mkID(2), []lsa.Attribute{lsa.EncodeNodeNameAttr("x")})
	if err != nil {
		t.Fatalf("lsa.New: %v", err)
	}

	row := rowFromEvent(owner, rib.Event{Kind: rib.EventAdd, New: l}, true)
	if row == nil {
		t.Fatalf("expected a row")
	}
	if row.NodeID != l.ID() || row.OwnerID != owner || row.Kind != rib.EventAdd {
		t.Fatalf("unexpected row: %+v", row)
	}
	if len(row.Raw) == 0 {
		t.Fatalf("expected raw bytes to be populated when storeRaw is true")
	}
}

func TestRowFromEventDelUsesOld(t *testing.T) {
	owner := mkID(1)
	l, err := lsa.New(mkID(3), nil)
	if err != nil {
		t.Fatalf("lsa.New: %v", err)
	}

	row := rowFromEvent(owner, rib.Event{Kind: rib.EventDel, Old: l}, false)
	if row == nil {
		t.Fatalf("expected a row")
	}
	if row.NodeID != l.ID() || row.Kind != rib.EventDel {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.Raw != nil {
		t.Fatalf("expected no raw bytes when storeRaw is false")
	}
}

func TestRowFromEventNilTargetSkipped(t *testing.T) {
	owner := mkID(1)
	row := rowFromEvent(owner, rib.Event{Kind: rib.EventMod, New: nil}, true)
	if row != nil {
		t.Fatalf("expected nil row for event with no target LSA")
	}
}
