// Package rib implements the per-neighbour adjacency tables (Adj-RIB-In /
// Adj-RIB-Out) and the locally merged Loc-RIB, with listener notification on
// every diff.
package rib

import (
	"sync"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

// EventKind distinguishes the three shapes of RIB change.
type EventKind int

const (
	EventAdd EventKind = iota
	EventMod
	EventDel
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventMod:
		return "mod"
	case EventDel:
		return "del"
	default:
		return "?"
	}
}

// Event is delivered to listeners on every Adj-RIB or Loc-RIB change.
type Event struct {
	Kind EventKind
	Old  *lsa.LSA // set for Mod and Del
	New  *lsa.LSA // set for Add and Mod
}

// Listener receives RIB events synchronously, in commit order. A listener
// must not call back into the RIB that is delivering the event.
type Listener func(Event)

// AdjRIB is a per-neighbour table of LSAs keyed by originating node ID,
// shared in shape by Adj-RIB-In
// and Adj-RIB-Out (§4.2). Entries are compared by canonical serialisation,
// not by in-memory identity.
type AdjRIB struct {
	mu        sync.Mutex
	entries   map[nodeid.ID]*lsa.LSA
	listeners []Listener
	mutating  bool
}

// NewAdjRIB returns an empty table.
func NewAdjRIB() *AdjRIB {
	return &AdjRIB{entries: make(map[nodeid.ID]*lsa.LSA)}
}

// Subscribe registers l to receive every future event. There is no
// unsubscribe: tables are torn down with their owning session.
func (r *AdjRIB) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// AddLSA inserts or replaces the entry for new.ID(). If there is no existing
// entry, it is inserted and an Add event fires. If an entry exists and
// serialises identically to new, the call is a no-op. Otherwise the entry is
// replaced and a Mod event fires with both the old and new LSA.
func (r *AdjRIB) AddLSA(new *lsa.LSA) {
	r.mu.Lock()

	old, exists := r.entries[new.ID()]
	if exists && old.Equal(new) {
		r.mu.Unlock()
		return
	}

	r.entries[new.ID()] = new
	r.beginMutation()
	r.mu.Unlock()

	if !exists {
		r.notify(Event{Kind: EventAdd, New: new})
	} else {
		r.notify(Event{Kind: EventMod, Old: old, New: new})
	}

	r.mu.Lock()
	r.endMutation()
	r.mu.Unlock()
}

// Flush atomically removes every entry, emitting a Del event for each in an
// unspecified order.
func (r *AdjRIB) Flush() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[nodeid.ID]*lsa.LSA)
	r.beginMutation()
	r.mu.Unlock()

	for _, old := range entries {
		r.notify(Event{Kind: EventDel, Old: old})
	}

	r.mu.Lock()
	r.endMutation()
	r.mu.Unlock()
}

// Get returns the current entry for id, if any.
func (r *AdjRIB) Get(id nodeid.ID) (*lsa.LSA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.entries[id]
	return l, ok
}

// Len reports the number of entries currently held.
func (r *AdjRIB) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Iter takes a stable snapshot of the table and calls fn for each entry,
// stopping early if fn returns false. The snapshot is safe against
// concurrent listener callbacks mutating the live table.
func (r *AdjRIB) Iter(fn func(*lsa.LSA) bool) {
	r.mu.Lock()
	snapshot := make([]*lsa.LSA, 0, len(r.entries))
	for _, l := range r.entries {
		snapshot = append(snapshot, l)
	}
	r.mu.Unlock()

	for _, l := range snapshot {
		if !fn(l) {
			return
		}
	}
}

// beginMutation and endMutation must be called with mu held. They implement
// the "mutation-in-progress" guard: a listener that calls back into AddLSA
// or Flush on the same table while this one is still dispatching aborts
// instead of corrupting the table.
func (r *AdjRIB) beginMutation() {
	if r.mutating {
		panic("rib: re-entrant mutation of the same Adj-RIB from a listener callback")
	}
	r.mutating = true
}

func (r *AdjRIB) endMutation() {
	r.mutating = false
}

func (r *AdjRIB) notify(ev Event) {
	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
