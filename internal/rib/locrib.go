package rib

import (
	"sync"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

// choice records the currently selected LSA for a node ID, together with the
// neighbour (Adj-RIB-In owner) it came from.
type choice struct {
	owner nodeid.ID
	lsa   *lsa.LSA
}

// LocRIB is the locally merged view across every subscribed Adj-RIB-In: one
// best LSA per node ID, selected deterministically by the lowest owning
// neighbour ID (§4.3). It emits the same Add/Mod/Del events as an AdjRIB,
// synchronously and in arrival order.
type LocRIB struct {
	mu        sync.Mutex
	chosen    map[nodeid.ID]choice
	owners    map[nodeid.ID]*AdjRIB // neighbour id -> its Adj-RIB-In, for rescans on delete
	listeners []Listener
}

// NewLocRIB returns an empty Loc-RIB.
func NewLocRIB() *LocRIB {
	return &LocRIB{
		chosen: make(map[nodeid.ID]choice),
		owners: make(map[nodeid.ID]*AdjRIB),
	}
}

// Subscribe attaches an Adj-RIB-In belonging to neighbour owner. Loc-RIB
// registers its own listener on adj to receive every future event. The
// owner ID must be stable for the lifetime of the subscription.
func (lr *LocRIB) Subscribe(owner nodeid.ID, adj *AdjRIB) {
	lr.mu.Lock()
	lr.owners[owner] = adj
	lr.mu.Unlock()

	adj.Subscribe(func(ev Event) {
		lr.handle(owner, ev)
	})
}

// Listen registers l to receive Loc-RIB's own Add/Mod/Del events.
func (lr *LocRIB) Listen(l Listener) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.listeners = append(lr.listeners, l)
}

// Get returns the currently chosen LSA for id, if any.
func (lr *LocRIB) Get(id nodeid.ID) (*lsa.LSA, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	c, ok := lr.chosen[id]
	if !ok {
		return nil, false
	}
	return c.lsa, true
}

// Len reports the number of node IDs currently represented.
func (lr *LocRIB) Len() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return len(lr.chosen)
}

// Iter takes a stable snapshot and calls fn for each chosen LSA.
func (lr *LocRIB) Iter(fn func(*lsa.LSA) bool) {
	lr.mu.Lock()
	snapshot := make([]*lsa.LSA, 0, len(lr.chosen))
	for _, c := range lr.chosen {
		snapshot = append(snapshot, c.lsa)
	}
	lr.mu.Unlock()

	for _, l := range snapshot {
		if !fn(l) {
			return
		}
	}
}

func (lr *LocRIB) handle(owner nodeid.ID, ev Event) {
	switch ev.Kind {
	case EventAdd:
		lr.handleAdd(owner, ev.New)
	case EventMod:
		lr.handleMod(owner, ev.Old, ev.New)
	case EventDel:
		lr.handleDel(owner, ev.Old)
	}
}

func (lr *LocRIB) handleAdd(owner nodeid.ID, new *lsa.LSA) {
	lr.mu.Lock()
	cur, exists := lr.chosen[new.ID()]

	switch {
	case !exists:
		lr.chosen[new.ID()] = choice{owner: owner, lsa: new}
		lr.mu.Unlock()
		lr.notify(Event{Kind: EventAdd, New: new})

	case owner.Less(cur.owner):
		old := cur.lsa
		lr.chosen[new.ID()] = choice{owner: owner, lsa: new}
		lr.mu.Unlock()
		lr.notify(Event{Kind: EventMod, Old: old, New: new})

	default:
		lr.mu.Unlock()
	}
}

func (lr *LocRIB) handleMod(owner nodeid.ID, old, new *lsa.LSA) {
	lr.mu.Lock()
	cur, exists := lr.chosen[new.ID()]
	if !exists || cur.owner != owner {
		lr.mu.Unlock()
		return
	}

	lr.chosen[new.ID()] = choice{owner: owner, lsa: new}
	lr.mu.Unlock()
	lr.notify(Event{Kind: EventMod, Old: old, New: new})
}

func (lr *LocRIB) handleDel(owner nodeid.ID, old *lsa.LSA) {
	lr.mu.Lock()
	cur, exists := lr.chosen[old.ID()]
	if !exists || cur.owner != owner {
		lr.mu.Unlock()
		return
	}

	// The current owner withdrew its LSA for this node; rescan every other
	// subscribed Adj-RIB-In for a substitute, preferring the lowest owner ID.
	var best *choice
	for otherOwner, adj := range lr.owners {
		if otherOwner == owner {
			continue
		}
		if l, ok := adj.Get(old.ID()); ok {
			if best == nil || otherOwner.Less(best.owner) {
				best = &choice{owner: otherOwner, lsa: l}
			}
		}
	}

	if best != nil {
		lr.chosen[old.ID()] = *best
		lr.mu.Unlock()
		lr.notify(Event{Kind: EventMod, Old: old, New: best.lsa})
		return
	}

	delete(lr.chosen, old.ID())
	lr.mu.Unlock()
	lr.notify(Event{Kind: EventDel, Old: old})
}

func (lr *LocRIB) notify(ev Event) {
	lr.mu.Lock()
	listeners := lr.listeners
	lr.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
