package cspf

import (
	"container/heap"
	"math"

	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

// sub identifies one of the two sub-nodes a node is split into for the
// valley-free Dijkstra: subA ("still may go up, take the one peer hop, or
// start going down"), subB ("past the peer hop or already going down, may
// only go down").
type sub uint8

const (
	subA sub = iota
	subB
)

// Hop describes one edge of a computed path, for callers that want to print
// or install a tree rather than just read off costs.
type Hop struct {
	To       nodeid.ID
	EffType  PeerType
	Metric   uint16
}

// NodeResult is the CSPF outcome for a single destination.
type NodeResult struct {
	Reachable bool
	Cost      int
	// Parent and ParentSub identify the predecessor sub-node on the best
	// path; zero value when Reachable is false or the node is the source.
	Parent    nodeid.ID
	ParentSub sub
	ViaSub    sub
}

// Tree is the full set of per-destination results from one CSPF run.
type Tree struct {
	Source  nodeid.ID
	Results map[nodeid.ID]NodeResult

	// subStates retains the full doubled-node Dijkstra state, keyed by the
	// exact (id, sub) pair relaxed during Run. NodeResult only exposes the
	// winning sub-node per destination; Path needs the whole chain to walk
	// predecessors through sub-nodes that were not themselves each
	// destination's overall best.
	subStates map[subNode]*subState
}

// Path reconstructs the valley-free path from the source to dst, inclusive
// of dst, exclusive of the source. Returns false if dst is unreachable.
func (t *Tree) Path(dst nodeid.ID) ([]nodeid.ID, bool) {
	res, ok := t.Results[dst]
	if !ok || !res.Reachable {
		return nil, false
	}

	var rev []nodeid.ID
	cur := subNode{id: dst, sub: res.ViaSub}
	for cur.id != t.Source || cur.sub != subA {
		rev = append(rev, cur.id)
		st, ok := t.subStates[cur]
		if !ok || !st.hasParent {
			break
		}
		cur = subNode{id: st.parent, sub: st.parentSub}

		if len(rev) > len(t.subStates)+2 {
			break // defensive bound against any cycle in malformed input
		}
	}

	out := make([]nodeid.ID, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out, true
}

type subNode struct {
	id  nodeid.ID
	sub sub
}

type heapEntry struct {
	node subNode
	cost int
}

type priorityQueue []heapEntry

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].node.id != q[j].node.id {
		return q[i].node.id.Less(q[j].node.id)
	}
	return q[i].node.sub < q[j].node.sub
}
func (q priorityQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)        { *q = append(*q, x.(heapEntry)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

type subState struct {
	cost      int
	parent    nodeid.ID
	parentSub sub
	hasParent bool
	settled   bool
}

// Run computes the constrained shortest path tree rooted at source, per the
// doubled-node Dijkstra of §4.4:
//
//	from u.a: to v.a over CUSTOMER or IPEER (up); to v.b over EPEER (the one
//	          allowed peer hop) or TRANSIT (down, with no peer hop)
//	from u.b: to v.b over TRANSIT or IPEER (down)
//
// Complexity is O((V+E) log V) with a binary heap.
func Run(g *PreparedGraph, source nodeid.ID) *Tree {
	state := make(map[subNode]*subState)
	get := func(n subNode) *subState {
		s, ok := state[n]
		if !ok {
			s = &subState{cost: math.MaxInt32}
			state[n] = s
		}
		return s
	}

	pq := &priorityQueue{}
	heap.Init(pq)

	srcA := subNode{id: source, sub: subA}
	get(srcA).cost = 0
	heap.Push(pq, heapEntry{node: srcA, cost: 0})

	for pq.Len() > 0 {
		top := heap.Pop(pq).(heapEntry)
		st := get(top.node)
		if st.settled {
			continue
		}
		if top.cost != st.cost {
			continue // stale heap entry
		}
		st.settled = true

		node, ok := g.nodes[top.node.id]
		if !ok {
			continue
		}

		for _, e := range node.out {
			var to subNode
			var allowed bool

			switch top.node.sub {
			case subA:
				switch e.effType {
				case PeerTypeCustomer, PeerTypeIPeer:
					to = subNode{id: e.to, sub: subA}
					allowed = true
				case PeerTypeEPeer, PeerTypeTransit:
					to = subNode{id: e.to, sub: subB}
					allowed = true
				}
			case subB:
				switch e.effType {
				case PeerTypeTransit, PeerTypeIPeer:
					to = subNode{id: e.to, sub: subB}
					allowed = true
				}
			}

			if !allowed {
				continue
			}

			newCost := st.cost + int(e.metric)
			toSt := get(to)
			if toSt.settled {
				continue
			}
			if newCost < toSt.cost {
				toSt.cost = newCost
				toSt.parent = top.node.id
				toSt.parentSub = top.node.sub
				toSt.hasParent = true
				heap.Push(pq, heapEntry{node: to, cost: newCost})
			}
			// equal cost: keep the existing parent (stable tie-break)
		}
	}

	tree := &Tree{Source: source, Results: make(map[nodeid.ID]NodeResult), subStates: state}
	for id := range g.nodes {
		a := get(subNode{id: id, sub: subA})
		b := get(subNode{id: id, sub: subB})

		var best *subState
		var via sub
		switch {
		case a.cost == math.MaxInt32 && b.cost == math.MaxInt32:
			tree.Results[id] = NodeResult{Reachable: false}
			continue
		case a.cost <= b.cost:
			best, via = a, subA
		default:
			best, via = b, subB
		}

		tree.Results[id] = NodeResult{
			Reachable: true,
			Cost:      best.cost,
			Parent:    best.parent,
			ParentSub: best.parentSub,
			ViaSub:    via,
		}
	}

	return tree
}
