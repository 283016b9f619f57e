// Package cspf implements the constrained shortest path first computation:
// a valley-free routing tree over the topology graph derived from Loc-RIB,
// honouring customer/transit/peer business-relationship policy (§4.4).
package cspf

import (
	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
)

// PeerType is an alias for the LSA wire peer type, kept distinct in name so
// call sites in this package read as graph vocabulary rather than wire
// vocabulary.
type PeerType = lsa.PeerType

const (
	PeerTypeInvalid  = lsa.PeerTypeInvalid
	PeerTypeEPeer    = lsa.PeerTypeEPeer
	PeerTypeCustomer = lsa.PeerTypeCustomer
	PeerTypeTransit  = lsa.PeerTypeTransit
	PeerTypeIPeer    = lsa.PeerTypeIPeer
)

// declaredEdge is one direction of a peering as advertised by its source
// node, before cross-checking against the reverse direction.
type declaredEdge struct {
	to       nodeid.ID
	metric   uint16
	peerType PeerType
}

// Graph accumulates nodes and declared (one-directional) edges, typically
// built once per CSPF run from the current Loc-RIB contents.
type Graph struct {
	nodes map[nodeid.ID]*declaredNode
}

type declaredNode struct {
	out []declaredEdge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[nodeid.ID]*declaredNode)}
}

// AddNode ensures id is present in the graph, even if it has no edges.
func (g *Graph) AddNode(id nodeid.ID) {
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = &declaredNode{}
	}
}

// AddEdge records that from declares a peering toward to with the given
// metric and relationship, as seen from from's perspective. The edge is
// only admitted to the prepared graph once the reverse direction is also
// declared (§4.4).
func (g *Graph) AddEdge(from, to nodeid.ID, metric uint16, pt PeerType) {
	g.AddNode(from)
	g.AddNode(to)
	n := g.nodes[from]
	n.out = append(n.out, declaredEdge{to: to, metric: metric, peerType: pt})
}

// AddFromLSA populates the graph from a single node's LSA: one node plus one
// declared edge per PEER attribute.
func (g *Graph) AddFromLSA(l *lsa.LSA) {
	g.AddNode(l.ID())
	for _, a := range l.Attrs() {
		if a.Type != lsa.AttrPeer || len(a.Key) != nodeid.Len {
			continue
		}
		data, ok := lsa.DecodePeerAttr(a)
		if !ok || data.PeerType == PeerTypeInvalid {
			continue
		}
		var to nodeid.ID
		copy(to[:], a.Key)
		g.AddEdge(l.ID(), to, data.Metric, data.PeerType)
	}
}

// effectiveType canonicalises a declared (forward, reverse) peer type pair
// into the effective relationship used by the valley-free policy (§4.4).
func effectiveType(forward, reverse PeerType) PeerType {
	if forward == PeerTypeIPeer && reverse == PeerTypeIPeer {
		return PeerTypeIPeer
	}
	if (forward == PeerTypeCustomer || forward == PeerTypeIPeer) &&
		(reverse == PeerTypeTransit || reverse == PeerTypeIPeer) {
		return PeerTypeCustomer
	}
	if (forward == PeerTypeTransit || forward == PeerTypeIPeer) &&
		(reverse == PeerTypeCustomer || reverse == PeerTypeIPeer) {
		return PeerTypeTransit
	}
	return PeerTypeEPeer
}

// PreparedGraph is the admitted, directed, effective-type-labelled graph
// that CSPF actually runs over.
type PreparedGraph struct {
	nodes map[nodeid.ID]*preparedNode
}

type preparedEdge struct {
	to       nodeid.ID
	metric   uint16
	effType  PeerType
}

type preparedNode struct {
	out []preparedEdge
}

// Build cross-checks every declared edge against its reverse direction,
// drops half-declared peerings, and canonicalises the rest to an effective
// peer type. The result is ready for Run.
func (g *Graph) Build() *PreparedGraph {
	pg := &PreparedGraph{nodes: make(map[nodeid.ID]*preparedNode)}

	for id := range g.nodes {
		pg.nodes[id] = &preparedNode{}
	}

	for from, n := range g.nodes {
		for _, e := range n.out {
			revNode, ok := g.nodes[e.to]
			if !ok {
				continue
			}
			var rev *declaredEdge
			for i := range revNode.out {
				if revNode.out[i].to == from {
					rev = &revNode.out[i]
					break
				}
			}
			if rev == nil {
				continue
			}

			eff := effectiveType(e.peerType, rev.peerType)
			pg.nodes[from].out = append(pg.nodes[from].out, preparedEdge{
				to:      e.to,
				metric:  e.metric,
				effType: eff,
			})
		}
	}

	return pg
}
