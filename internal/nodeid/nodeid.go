// Package nodeid implements the mesh node identifier: the SHA-256 fingerprint
// of a node's long-lived public key, and the address-family mappings derived
// from it.
package nodeid

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
)

// Len is the fixed byte length of a node ID.
const Len = 32

// ID is the 32-byte fingerprint of a node's public key. It is ordered
// lexicographically for tie-breaking across the routing plane.
type ID [Len]byte

// Zero is the all-zero ID, never assigned to a real node.
var Zero ID

// FromPublicKey derives a node ID from the DER encoding of a node's X.509
// subject public key. This is the one seam the core needs into the X.509
// helpers that the daemon's certificate-handling layer otherwise owns.
func FromPublicKey(derPublicKey []byte) ID {
	return ID(sha256.Sum256(derPublicKey))
}

// FromCertificate derives the node ID of the given certificate's subject
// public key.
func FromCertificate(cert *x509.Certificate) (ID, error) {
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return Zero, fmt.Errorf("nodeid: marshal public key: %w", err)
	}
	return FromPublicKey(der), nil
}

// ParseHex parses a colon- or bare-hex-encoded fingerprint, as accepted in
// peer configuration entries.
func ParseHex(s string) (ID, error) {
	clean := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			continue
		}
		clean = append(clean, s[i])
	}
	raw, err := hex.DecodeString(string(clean))
	if err != nil {
		return Zero, fmt.Errorf("nodeid: invalid fingerprint %q: %w", s, err)
	}
	if len(raw) != Len {
		return Zero, fmt.Errorf("nodeid: fingerprint %q has %d bytes, want %d", s, len(raw), Len)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String renders the ID as colon-separated hex, matching the printhex
// convention used throughout the mesh's diagnostics.
func (id ID) String() string {
	enc := hex.EncodeToString(id[:])
	buf := make([]byte, 0, Len*3-1)
	for i := 0; i < len(enc); i += 2 {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, enc[i], enc[i+1])
	}
	return string(buf)
}

// Compare returns -1, 0 or 1 as id is lexicographically less than, equal to,
// or greater than other. Used (through Less) for Loc-RIB tie-breaking and
// for ordering CSPF's priority queue.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// globalPrefix is the IPv6 /32 prefix existing dvpn mesh deployments use for
// node addresses derived from a key ID.
var globalPrefix = [4]byte{0x20, 0x01, 0x00, 0x00}

// IPv6Global returns the mesh's global-scope IPv6 address for this node:
// the 2001:.../32 prefix followed by a 12-byte truncation of the ID.
//
// The exact truncation is an external constant (see Open Question i in
// DESIGN.md): existing deployments take the leading 12 bytes of the ID.
func (id ID) IPv6Global() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip[0:4], globalPrefix[:])
	copy(ip[4:16], id[0:12])
	return ip
}

// IPv6LinkLocal returns the link-local address for this node: the fe80::
// prefix (address bytes 0-5) followed by a 10-byte truncation of the ID
// (address bytes 6-15).
func (id ID) IPv6LinkLocal() net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0] = 0xfe
	ip[1] = 0x80
	copy(ip[6:16], id[0:10])
	return ip
}
