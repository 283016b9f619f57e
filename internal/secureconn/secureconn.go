// Package secureconn drives a TLS session over an already-connected byte
// stream and presents it to its owner as a sequence of discrete records
// rather than a raw stream.
package secureconn

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Role is which side of the handshake a Conn plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the lifecycle of one secure connection.
type State int32

const (
	StateHandshaking State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "?"
	}
}

// maxRecordLen bounds a single logical record's payload, guarding against a
// peer that sends a bogus length prefix and exhausts memory.
const maxRecordLen = 1 << 20

// Callbacks are invoked by Conn as the handshake and subsequent traffic
// progress. None may be nil.
type Callbacks struct {
	// VerifyKeyIDs is called once, after the handshake has surfaced the
	// peer's certificate chain, with the SHA-256 fingerprints of the
	// end-entity certificate and any further certificates in the chain.
	// Returning an error rejects the peer and tears the connection down.
	VerifyKeyIDs func(candidateIDs [][32]byte) error

	// HandshakeDone fires exactly once, after a successful handshake and
	// after VerifyKeyIDs accepted.
	HandshakeDone func(cipherSuite uint16)

	// RecordReceived fires once per inbound logical record.
	RecordReceived func(rec []byte)

	// ConnectionLost fires at most once, when the connection is lost
	// (peer close, I/O error, verification failure); a local Close does
	// not fire it.
	ConnectionLost func(err error)
}

// Conn drives one TLS connection and its record-oriented framing.
type Conn struct {
	role Role
	tls  *tls.Conn
	br   *bufio.Reader
	cb   Callbacks
	log  *zap.Logger

	state   atomic.Int32
	writeMu sync.Mutex
}

// Dial wraps an already-connected raw net.Conn as a TLS client and starts
// driving its handshake and record loop in a background goroutine.
func Dial(raw net.Conn, tlsCfg *tls.Config, cb Callbacks, logger *zap.Logger) *Conn {
	c := &Conn{role: RoleClient, tls: tls.Client(raw, tlsCfg), cb: cb, log: logger}
	c.br = bufio.NewReader(c.tls)
	go c.run()
	return c
}

// Accept wraps an already-accepted raw net.Conn as a TLS server and starts
// driving its handshake and record loop in a background goroutine.
func Accept(raw net.Conn, tlsCfg *tls.Config, cb Callbacks, logger *zap.Logger) *Conn {
	c := &Conn{role: RoleServer, tls: tls.Server(raw, tlsCfg), cb: cb, log: logger}
	c.br = bufio.NewReader(c.tls)
	go c.run()
	return c
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) run() {
	if err := c.tls.Handshake(); err != nil {
		c.fail(fmt.Errorf("secureconn: handshake: %w", err))
		return
	}

	ids := keyIDsFromState(c.tls.ConnectionState())
	if err := c.cb.VerifyKeyIDs(ids); err != nil {
		c.fail(fmt.Errorf("secureconn: key verification: %w", err))
		return
	}

	c.state.Store(int32(StateConnected))
	c.cb.HandshakeDone(c.tls.ConnectionState().CipherSuite)

	for {
		rec, err := c.readRecord()
		if err != nil {
			c.fail(err)
			return
		}
		c.cb.RecordReceived(rec)
	}
}

func keyIDsFromState(st tls.ConnectionState) [][32]byte {
	ids := make([][32]byte, 0, len(st.PeerCertificates))
	for _, cert := range st.PeerCertificates {
		ids = append(ids, sha256.Sum256(cert.RawSubjectPublicKeyInfo))
	}
	return ids
}

// readRecord reads one internally-framed logical record: a 4-byte
// big-endian length prefix followed by that many bytes of payload. See
// SPEC_FULL.md §4.5 for why this framing exists: crypto/tls.Conn exposes a
// byte stream, not discrete TLS records.
func (c *Conn) readRecord() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, fmt.Errorf("secureconn: reading record length: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRecordLen {
		return nil, fmt.Errorf("secureconn: record length %d exceeds maximum %d", n, maxRecordLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, fmt.Errorf("secureconn: reading record payload: %w", err)
	}
	return buf, nil
}

// RecordSend writes one logical record, framed with the internal 4-byte
// length prefix. Safe for concurrent use; writes of distinct records are
// serialised relative to each other.
func (c *Conn) RecordSend(rec []byte) error {
	if len(rec) > maxRecordLen {
		return fmt.Errorf("secureconn: record of %d bytes exceeds maximum %d", len(rec), maxRecordLen)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(rec)))
	if _, err := c.tls.Write(hdr[:]); err != nil {
		return fmt.Errorf("secureconn: writing record length: %w", err)
	}
	if _, err := c.tls.Write(rec); err != nil {
		return fmt.Errorf("secureconn: writing record payload: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateClosed)) &&
		!c.state.CompareAndSwap(int32(StateConnected), int32(StateClosed)) {
		return nil
	}
	return c.tls.Close()
}

func (c *Conn) fail(err error) {
	wasClosed := c.state.Swap(int32(StateClosed)) == int32(StateClosed)
	c.tls.Close()
	if !wasClosed {
		c.log.Debug("secureconn: connection lost", zap.Error(err))
		c.cb.ConnectionLost(err)
	}
}
