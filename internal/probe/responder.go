// Package probe implements the server side of the §6 UDP topology-probe
// protocol: answer a zero-byte datagram with this node's own
// currently-originated LSA, so a standalone tool (cmd/topoprobe) can walk
// a mesh's topology without needing a peer session of its own.
package probe

import (
	"context"
	"fmt"
	"net"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"go.uber.org/zap"
)

// Port is the default UDP topology-probe port; it shares its number with
// the TCP session port (§6), the two protocols distinguished only by
// transport.
const Port = 19275

// Source supplies the node's own currently-originated LSA on each query.
// A nil return means the node has nothing to advertise yet and the probe
// is silently dropped.
type Source func() *lsa.LSA

// Responder answers topology-probe datagrams on a bound UDP socket.
type Responder struct {
	conn   *net.UDPConn
	source Source
	logger *zap.Logger
}

// Listen binds the topology-probe UDP socket. addr is typically ":19275"
// (all interfaces, so the reply still goes out once the node's mesh
// address is assigned to some local interface).
func Listen(addr string, source Source, logger *zap.Logger) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("probe: listen %s: %w", addr, err)
	}
	return &Responder{conn: conn, source: source, logger: logger}, nil
}

// Close closes the underlying socket.
func (r *Responder) Close() error {
	return r.conn.Close()
}

// Run answers probes until ctx is cancelled. A valid probe per §6 is a
// zero-byte datagram; anything else is ignored.
func (r *Responder) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 1)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("probe: read error", zap.Error(err))
			continue
		}
		if n != 0 {
			continue
		}

		l := r.source()
		if l == nil {
			continue
		}

		if _, err := r.conn.WriteToUDP(lsa.Serialize(l), remote); err != nil {
			r.logger.Warn("probe: reply failed", zap.Error(err), zap.Stringer("remote", remote))
		}
	}
}
