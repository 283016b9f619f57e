package secureconn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func genCert(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestHandshakeVerifyThenNotifyOrdering(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	clientCert := genCert(t)
	serverCert := genCert(t)

	clientTLS := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}
	serverTLS := &tls.Config{
		Certificates:       []tls.Certificate{serverCert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}

	var events []string
	done := make(chan struct{})

	serverCB := Callbacks{
		VerifyKeyIDs: func(ids [][32]byte) error {
			events = append(events, "verify")
			if len(ids) == 0 {
				t.Error("expected at least one candidate key id")
			}
			return nil
		},
		HandshakeDone: func(uint16) {
			events = append(events, "handshake_done")
			close(done)
		},
		RecordReceived: func([]byte) {},
		ConnectionLost: func(error) {},
	}

	logger := zap.NewNop()
	server := Accept(serverRaw, serverTLS, serverCB, logger)
	defer server.Close()

	clientCB := Callbacks{
		VerifyKeyIDs:   func([][32]byte) error { return nil },
		HandshakeDone:  func(uint16) {},
		RecordReceived: func([]byte) {},
		ConnectionLost: func(error) {},
	}
	client := Dial(clientRaw, clientTLS, clientCB, logger)
	defer client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake to complete")
	}

	if len(events) != 2 || events[0] != "verify" || events[1] != "handshake_done" {
		t.Fatalf("expected [verify handshake_done], got %v", events)
	}
	if server.State() != StateConnected {
		t.Fatalf("expected server state Connected, got %v", server.State())
	}
}

func TestRecordRoundTrip(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	clientCert := genCert(t)
	serverCert := genCert(t)

	clientTLS := &tls.Config{Certificates: []tls.Certificate{clientCert}, InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	serverTLS := &tls.Config{
		Certificates:       []tls.Certificate{serverCert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}

	received := make(chan []byte, 1)
	connected := make(chan struct{})

	serverCB := Callbacks{
		VerifyKeyIDs:  func([][32]byte) error { return nil },
		HandshakeDone: func(uint16) { close(connected) },
		RecordReceived: func(rec []byte) {
			cp := append([]byte(nil), rec...)
			received <- cp
		},
		ConnectionLost: func(error) {},
	}
	server := Accept(serverRaw, serverTLS, serverCB, zap.NewNop())
	defer server.Close()

	clientCB := Callbacks{
		VerifyKeyIDs:   func([][32]byte) error { return nil },
		HandshakeDone:  func(uint16) {},
		RecordReceived: func([]byte) {},
		ConnectionLost: func(error) {},
	}
	client := Dial(clientRaw, clientTLS, clientCB, zap.NewNop())
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	payload := []byte{0x00, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}
	if err := client.RecordSend(payload); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Fatalf("expected %v, got %v", payload, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for record")
	}
}
