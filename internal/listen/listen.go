// Package listen implements the peer accept side: a TCP listen socket bound
// to a set of ordered listen entries, each matching either one exact node
// fingerprint or the wildcard.
package listen

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"go.uber.org/zap"
)

// ErrNoMatch is returned by Socket.match when no listen entry accepts any of
// the candidate key IDs.
var ErrNoMatch = fmt.Errorf("listen: no listen entry matches")

// ErrQuotaExceeded is returned when an entry's MaxSessions is already
// reached.
var ErrQuotaExceeded = fmt.Errorf("listen: entry session quota exceeded")

// NewConnFunc is invoked by Match once a connection has matched an entry
// and a session slot has been reserved on it. Returning an error refuses the
// connection and gives the slot back.
type NewConnFunc func(id nodeid.ID, entry *Entry) error

// Entry is one listen entry: an exact fingerprint match, or the wildcard
// (Fingerprint == nodeid.Zero && Wildcard == true).
type Entry struct {
	Name        string
	Fingerprint nodeid.ID
	Wildcard    bool
	MaxSessions int // 0 means unlimited

	mu      sync.Mutex
	active  int
	NewConn NewConnFunc
}

func (e *Entry) tryAcquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.MaxSessions > 0 && e.active >= e.MaxSessions {
		return ErrQuotaExceeded
	}
	e.active++
	return nil
}

// Release gives back one of the entry's session slots; call on session
// teardown.
func (e *Entry) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active > 0 {
		e.active--
	}
}

// ActiveCount reports the entry's currently attached session count.
func (e *Entry) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Socket binds one TCP address and dispatches accepted connections to the
// matching listen entry.
type Socket struct {
	addr    string
	tlsCfg  *tls.Config
	entries []*Entry // ordered: exact entries first, at most one wildcard last
	logger  *zap.Logger

	ln net.Listener
}

// NewSocket builds a Socket for addr. entries is copied and reordered so
// that exact-fingerprint entries are tried before the wildcard, matching
// the lookup order described in SPEC_FULL.md §4.6.
func NewSocket(addr string, tlsCfg *tls.Config, entries []*Entry, logger *zap.Logger) (*Socket, error) {
	wildcards := 0
	for _, e := range entries {
		if e.Wildcard {
			wildcards++
		}
	}
	if wildcards > 1 {
		return nil, fmt.Errorf("listen: socket %s declares %d wildcard entries, want at most 1", addr, wildcards)
	}

	ordered := make([]*Entry, 0, len(entries))
	var wildcard *Entry
	for _, e := range entries {
		if e.Wildcard {
			wildcard = e
			continue
		}
		ordered = append(ordered, e)
	}
	if wildcard != nil {
		ordered = append(ordered, wildcard)
	}

	return &Socket{addr: addr, tlsCfg: tlsCfg, entries: ordered, logger: logger}, nil
}

// match finds the entry that accepts one of the candidate key IDs:
// candidates are tried first-to-last and the first one that exactly matches
// an entry wins; only if every candidate misses is the wildcard tried. An
// empty candidate list matches nothing. Reserves a session slot on the
// matched entry and then runs its NewConn hook, if any.
func (s *Socket) match(candidateIDs []nodeid.ID) (*Entry, error) {
	if len(candidateIDs) == 0 {
		return nil, ErrNoMatch
	}
	accept := func(e *Entry, id nodeid.ID) (*Entry, error) {
		if err := e.tryAcquire(); err != nil {
			return nil, err
		}
		if e.NewConn != nil {
			if err := e.NewConn(id, e); err != nil {
				e.Release()
				return nil, err
			}
		}
		return e, nil
	}
	for _, id := range candidateIDs {
		for _, e := range s.entries {
			if e.Wildcard {
				continue
			}
			if e.Fingerprint == id {
				return accept(e, id)
			}
		}
	}
	for _, e := range s.entries {
		if e.Wildcard {
			return accept(e, candidateIDs[0])
		}
	}
	return nil, ErrNoMatch
}

// Match exposes the entry-lookup rule to callers outside this package (the
// peer session, which owns the TLS verify callback).
func (s *Socket) Match(candidateIDs []nodeid.ID) (*Entry, error) {
	return s.match(candidateIDs)
}

// Start binds the socket and returns its listener; the caller runs the
// accept loop and wraps each raw net.Conn in a session that matches it
// against the entries. The listener is closed when ctx is cancelled.
func (s *Socket) Start(ctx context.Context) (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen: bind %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("listen socket bound", zap.String("addr", s.addr), zap.Int("entries", len(s.entries)))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return ln, nil
}

// Close stops accepting new connections.
func (s *Socket) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Entries returns the socket's ordered listen entries, for diagnostics.
func (s *Socket) Entries() []*Entry {
	return s.entries
}
