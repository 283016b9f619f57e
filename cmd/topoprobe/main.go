// Command topoprobe walks a mesh's topology by UDP LSA query (§6 of the
// wire protocol) starting from a set of seed nodes, runs CSPF from the
// operator's own node, and prints the resulting tree. It needs no running
// tunnel and no peer session of its own; it is purely a read-only probe,
// mirroring how the reference dvpn tooling was used to debug a live mesh's
// computed routes.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"crypto/tls"
	"crypto/x509"

	"github.com/dvpnmesh/dvpnd/internal/config"
	"github.com/dvpnmesh/dvpnd/internal/cspf"
	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"github.com/dvpnmesh/dvpnd/internal/probe"
)

const queryTimeout = 3 * time.Second

func main() {
	configPath := flag.String("config", "/etc/dvpnd.yaml", "path to node configuration (used to derive the source node ID)")
	var seeds stringList
	flag.Var(&seeds, "seed", "hex fingerprint of an additional seed node to query (repeatable); the configured node itself is always queried first")
	dotDir := flag.String("dot", "", "if set, write one cspf_<node>.dot graphviz file per discovered node into this directory (empty graph for unreachable nodes)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	source, err := sourceID(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deriving source node id: %v\n", err)
		os.Exit(1)
	}

	seedIDs := []nodeid.ID{source}
	for _, s := range seeds {
		id, err := nodeid.ParseHex(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid seed fingerprint %q: %v\n", s, err)
			os.Exit(1)
		}
		seedIDs = append(seedIDs, id)
	}

	g := scan(seedIDs)

	tree := cspf.Run(g.graph.Build(), source)
	printTree(tree, g)

	if *dotDir != "" {
		if err := writeDotFiles(*dotDir, tree, g); err != nil {
			fmt.Fprintf(os.Stderr, "writing dot files: %v\n", err)
			os.Exit(1)
		}
	}
}

type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func sourceID(cfg *config.Config) (nodeid.ID, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Node.CertificatePath, cfg.Node.PrivateKeyPath)
	if err != nil {
		return nodeid.Zero, fmt.Errorf("loading node certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nodeid.Zero, fmt.Errorf("parsing node certificate: %w", err)
	}
	return nodeid.FromCertificate(leaf)
}

// walkGraph accumulates the topology discovered by following PEER
// attributes out from the seed set, plus the human-readable name each node
// advertised in its NODE_NAME attribute.
type walkGraph struct {
	graph *cspf.Graph
	names map[nodeid.ID]string
}

func newWalkGraph() *walkGraph {
	return &walkGraph{graph: cspf.NewGraph(), names: make(map[nodeid.ID]string)}
}

func (w *walkGraph) name(id nodeid.ID) string {
	if n, ok := w.names[id]; ok && n != "" {
		return n
	}
	return id.String()
}

// scan performs the breadth-first UDP LSA query walk: starting from seeds,
// query each newly-discovered node, add its edges, and enqueue peers not
// yet visited.
func scan(seeds []nodeid.ID) *walkGraph {
	w := newWalkGraph()

	visited := make(map[nodeid.ID]bool)
	queue := append([]nodeid.ID(nil), seeds...)
	for _, s := range seeds {
		w.graph.AddNode(s)
	}

	fmt.Fprintln(os.Stderr, "querying nodes")
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		l, err := queryNode(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "- %s: %v\n", w.name(id), err)
			continue
		}

		for _, a := range l.Attrs() {
			switch a.Type {
			case lsa.AttrNodeName:
				w.names[id] = sanitizeName(a.Data)
			case lsa.AttrPeer:
				if len(a.Key) != nodeid.Len {
					continue
				}
				var to nodeid.ID
				copy(to[:], a.Key)
				pd, ok := lsa.DecodePeerAttr(a)
				if !ok || pd.PeerType == lsa.PeerTypeInvalid {
					continue
				}
				w.graph.AddNode(to)
				w.graph.AddEdge(id, to, pd.Metric, pd.PeerType)
				if !visited[to] {
					queue = append(queue, to)
				}
			}
		}

		fmt.Fprintf(os.Stderr, "- %s: ok\n", w.name(id))
	}
	fmt.Fprintln(os.Stderr)

	return w
}

// queryNode sends the zero-byte UDP probe to id's mesh address and
// deserialises the LSA it replies with, validating that the response
// actually belongs to the node queried.
func queryNode(id nodeid.ID) (*lsa.LSA, error) {
	addr := &net.UDPAddr{IP: id.IPv6Global(), Port: probe.Port}

	conn, err := net.DialTimeout("udp6", addr.String(), queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(queryTimeout))

	if _, err := conn.Write(nil); err != nil {
		return nil, fmt.Errorf("send probe: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}

	l, err := lsa.Deserialize(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("deserialising LSA: %w", err)
	}
	if l.ID() != id {
		return nil, fmt.Errorf("response node id mismatch")
	}
	return l, nil
}

// sanitizeName mirrors the reference probe's rendering of an advertised
// name: ASCII letters and digits kept as-is, everything else replaced with
// 'X', and the result cut to 127 bytes, so a
// hostile or malformed NODE_NAME attribute can't corrupt terminal output.
func sanitizeName(data []byte) string {
	const maxLen = 127
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	out := make([]byte, len(data))
	for i, c := range data {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			out[i] = c
		} else {
			out[i] = 'X'
		}
	}
	return string(out)
}

func printTree(tree *cspf.Tree, w *walkGraph) {
	for id, res := range tree.Results {
		if !res.Reachable {
			fmt.Printf("%s: unreachable\n", w.name(id))
			continue
		}
		path, _ := tree.Path(id)
		names := make([]string, len(path))
		for i, p := range path {
			names[i] = w.name(p)
		}
		fmt.Printf("%s: cost=%d path=%v\n", w.name(id), res.Cost, names)
	}
}

func writeDotFiles(dir string, tree *cspf.Tree, w *walkGraph) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for id, res := range tree.Results {
		path := fmt.Sprintf("%s/cspf_%s.dot", dir, w.name(id))
		f, err := os.Create(path)
		if err != nil {
			return err
		}

		fmt.Fprintln(f, "digraph g {")
		fmt.Fprintln(f, "\trankdir = LR;")
		if res.Reachable {
			hops, _ := tree.Path(id)
			prev := tree.Source
			cost := 0
			for _, h := range hops {
				next := tree.Results[h]
				fmt.Fprintf(f, "\t%q -> %q [ label = %q ];\n", w.name(prev), w.name(h), fmt.Sprintf("%d", next.Cost-cost))
				cost = next.Cost
				prev = h
			}
		}
		fmt.Fprintln(f, "}")
		f.Close()
	}

	return nil
}
