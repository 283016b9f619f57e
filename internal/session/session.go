// Package session implements the peer session state machine (C10): one
// goroutine-per-peer actor driving a secureconn.Conn through
// DIALING/TLS_HANDSHAKE/KEY_VERIFIED/CONNECTED/DEAD, demultiplexing inbound
// records between the routing plane (Adj-RIB-In) and the tunnel interface.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dvpnmesh/dvpnd/internal/listen"
	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/metrics"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"github.com/dvpnmesh/dvpnd/internal/rib"
	"github.com/dvpnmesh/dvpnd/internal/secureconn"
	"github.com/dvpnmesh/dvpnd/internal/tunnel"
	"go.uber.org/zap"
)

// State is one point in the peer session's lifecycle.
type State int32

const (
	StateDialing State = iota
	StateTLSHandshake
	StateKeyVerified
	StateConnected
	StateDead
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateKeyVerified:
		return "key_verified"
	case StateConnected:
		return "connected"
	case StateDead:
		return "dead"
	default:
		return "?"
	}
}

// Timer constants, carried from original_source/server.c and
// tconn_listen.c (HANDSHAKE_TIMEOUT, KEEPALIVE_TIMEOUT, KEEPALIVE_INTERVAL).
const (
	HandshakeTimeout  = 15 * time.Second
	KeepaliveTimeout  = 20 * time.Second
	KeepaliveInterval = 15 * time.Second
)

func jitteredInterval(base time.Duration) time.Duration {
	// [0.9, 1.1] x base
	frac := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(base) * frac)
}

// Record type byte: 0x00 = LSA, 0x01 = tunnel frame. Resolved ambiguity,
// see SPEC_FULL.md §4.8.
const (
	recordTypeLSA    byte = 0x00
	recordTypeTunnel byte = 0x01
)

func encodeRecord(typ byte, payload []byte) []byte {
	rec := make([]byte, 3+len(payload))
	rec[0] = typ
	rec[1] = byte(len(payload) >> 8)
	rec[2] = byte(len(payload))
	copy(rec[3:], payload)
	return rec
}

func decodeRecord(rec []byte) (typ byte, payload []byte, err error) {
	if len(rec) < 3 {
		return 0, nil, fmt.Errorf("session: record of %d bytes shorter than header", len(rec))
	}
	typ = rec[0]
	l := int(rec[1])<<8 | int(rec[2])
	if l+3 != len(rec) {
		return 0, nil, fmt.Errorf("session: declared length %d does not match record of %d bytes", l, len(rec))
	}
	return typ, rec[3:], nil
}

// Session drives one peer connection from handshake through teardown.
type Session struct {
	PeerName string

	mu    sync.Mutex
	state State

	conn     *secureconn.Conn
	peerID   nodeid.ID
	entry    *listen.Entry // server-side matched listen entry, for quota release
	adjRIBIn *rib.AdjRIB
	tun      tunnel.Interface
	logger   *zap.Logger

	recordCh    chan []byte
	handshakeCh chan uint16
	lostCh      chan error
	lostOnce    sync.Once

	// Timer durations, overridable by tests; zero means "use the package
	// default" and is filled in by NewServer/NewClient.
	handshakeTimeout  time.Duration
	keepaliveTimeout  time.Duration
	keepaliveInterval time.Duration
}

// ServerConfig configures a Session accepted from a listen.Socket.
type ServerConfig struct {
	TLSConfig *tls.Config
	Listen    *listen.Socket
	AdjRIBIn  *rib.AdjRIB
	Tunnel    tunnel.Interface
	Logger    *zap.Logger
}

// ClientConfig configures a Session dialed out to a known peer.
type ClientConfig struct {
	TLSConfig    *tls.Config
	ExpectedID   nodeid.ID
	PeerName     string
	AdjRIBIn     *rib.AdjRIB
	Tunnel       tunnel.Interface
	Logger       *zap.Logger
}

// NewServer wraps an accepted raw connection, matching the peer's
// certificate chain against cfg.Listen's entries on handshake.
func NewServer(raw net.Conn, cfg ServerConfig) *Session {
	s := &Session{
		adjRIBIn:    cfg.AdjRIBIn,
		tun:         cfg.Tunnel,
		logger:      cfg.Logger,
		recordCh:    make(chan []byte, 32),
		handshakeCh: make(chan uint16, 1),
		lostCh:      make(chan error, 1),
	}

	s.conn = secureconn.Accept(raw, cfg.TLSConfig, secureconn.Callbacks{
		VerifyKeyIDs: func(ids [][32]byte) error {
			candidates := make([]nodeid.ID, len(ids))
			for i, id := range ids {
				candidates[i] = nodeid.ID(id)
			}
			entry, err := cfg.Listen.Match(candidates)
			if err != nil {
				return fmt.Errorf("session: %w", err)
			}
			s.mu.Lock()
			s.peerID = candidates[0]
			s.entry = entry
			s.state = StateKeyVerified
			s.mu.Unlock()
			s.PeerName = entry.Name
			return nil
		},
		HandshakeDone:  func(cs uint16) { s.handshakeCh <- cs },
		RecordReceived: func(rec []byte) { s.recordCh <- append([]byte(nil), rec...) },
		ConnectionLost: func(err error) { s.notifyLost(err) },
	}, cfg.Logger)

	s.state = StateTLSHandshake
	s.handshakeTimeout = HandshakeTimeout
	s.keepaliveTimeout = KeepaliveTimeout
	s.keepaliveInterval = KeepaliveInterval
	return s
}

// NewClient wraps a dialed raw connection, verifying the peer's certificate
// against the single expected fingerprint.
func NewClient(raw net.Conn, cfg ClientConfig) *Session {
	s := &Session{
		PeerName:    cfg.PeerName,
		adjRIBIn:    cfg.AdjRIBIn,
		tun:         cfg.Tunnel,
		logger:      cfg.Logger,
		recordCh:    make(chan []byte, 32),
		handshakeCh: make(chan uint16, 1),
		lostCh:      make(chan error, 1),
	}

	s.conn = secureconn.Dial(raw, cfg.TLSConfig, secureconn.Callbacks{
		VerifyKeyIDs: func(ids [][32]byte) error {
			for _, id := range ids {
				if nodeid.ID(id) == cfg.ExpectedID {
					s.mu.Lock()
					s.peerID = cfg.ExpectedID
					s.state = StateKeyVerified
					s.mu.Unlock()
					return nil
				}
			}
			return fmt.Errorf("session: peer fingerprint does not match expected %s", cfg.ExpectedID)
		},
		HandshakeDone:  func(cs uint16) { s.handshakeCh <- cs },
		RecordReceived: func(rec []byte) { s.recordCh <- append([]byte(nil), rec...) },
		ConnectionLost: func(err error) { s.notifyLost(err) },
	}, cfg.Logger)

	s.state = StateTLSHandshake
	s.handshakeTimeout = HandshakeTimeout
	s.keepaliveTimeout = KeepaliveTimeout
	s.keepaliveInterval = KeepaliveInterval
	return s
}

func (s *Session) notifyLost(err error) {
	s.lostOnce.Do(func() { s.lostCh <- err })
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID reports the verified peer node ID. Valid once State() is at least
// StateKeyVerified.
func (s *Session) PeerID() nodeid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Run drives the session's control loop until it dies or ctx is cancelled.
// It owns the only goroutine that touches this session's timers and
// secureconn handle; outbound tunnel frames and RIB demultiplex happen here.
func (s *Session) Run(ctx context.Context) {
	rxTimer := time.NewTimer(s.handshakeTimeout)
	defer rxTimer.Stop()

	var keepalive *time.Timer
	defer func() {
		if keepalive != nil {
			keepalive.Stop()
		}
	}()

	setState := func(st State) {
		s.mu.Lock()
		from := s.state
		s.state = st
		s.mu.Unlock()
		metrics.SessionStateTransitionsTotal.WithLabelValues(from.String(), st.String()).Inc()
	}

	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("session: cancelled", zap.String("peer", s.PeerName))
			return

		case err := <-s.lostCh:
			s.logger.Info("session: connection lost", zap.String("peer", s.PeerName), zap.Error(err))
			setState(StateDead)
			return

		case <-rxTimer.C:
			s.logger.Info("session: rx timeout", zap.String("peer", s.PeerName))
			metrics.RxTimeoutsTotal.WithLabelValues(s.PeerName).Inc()
			setState(StateDead)
			return

		case cs := <-s.handshakeCh:
			s.logger.Info("session: handshake done", zap.String("peer", s.PeerName), zap.Uint16("cipher_suite", cs))
			setState(StateConnected)
			rxTimer.Reset(s.keepaliveTimeout)
			keepalive = time.NewTimer(jitteredInterval(s.keepaliveInterval))

		case <-tickerC(keepalive):
			if err := s.conn.RecordSend(encodeRecord(recordTypeLSA, nil)); err != nil {
				s.logger.Info("session: keepalive send failed", zap.String("peer", s.PeerName), zap.Error(err))
				setState(StateDead)
				return
			}
			metrics.KeepalivesSentTotal.WithLabelValues(s.PeerName).Inc()
			keepalive.Reset(jitteredInterval(s.keepaliveInterval))

		case rec, ok := <-s.recordCh:
			if !ok {
				continue
			}
			rxTimer.Reset(s.keepaliveTimeout)
			if err := s.handleRecord(rec); err != nil {
				s.logger.Info("session: malformed record, killing session", zap.String("peer", s.PeerName), zap.Error(err))
				setState(StateDead)
				return
			}

		case frame, ok := <-tunnelPacketsC(s.tun):
			if !ok {
				continue
			}
			if err := s.conn.RecordSend(encodeRecord(recordTypeTunnel, frame)); err != nil {
				s.logger.Info("session: tunnel frame send failed", zap.String("peer", s.PeerName), zap.Error(err))
				setState(StateDead)
				return
			}
		}
	}
}

// tickerC lets the keepalive timer's channel participate in the select
// before it has been created (StateDialing/TLSHandshake).
func tickerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tunnelPacketsC(t tunnel.Interface) <-chan tunnel.Frame {
	if t == nil {
		return nil
	}
	return t.Packets()
}

func (s *Session) handleRecord(rec []byte) error {
	typ, payload, err := decodeRecord(rec)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil // keepalive
	}

	switch typ {
	case recordTypeLSA:
		l, err := lsa.Deserialize(payload)
		if err != nil {
			return fmt.Errorf("decoding LSA record: %w", err)
		}
		s.adjRIBIn.AddLSA(l)
		return nil
	case recordTypeTunnel:
		return s.tun.Send(tunnel.Frame(payload))
	default:
		return fmt.Errorf("unknown record type 0x%02x", typ)
	}
}

func (s *Session) teardown() {
	s.conn.Close()
	if s.entry != nil {
		s.entry.Release()
	}
}

// Close tears the session's connection down directly, for a caller that
// decides not to proceed with Run (e.g. verification never completed in
// time). Safe to call even though Run was never started.
func (s *Session) Close() {
	s.teardown()
}
