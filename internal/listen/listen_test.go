package listen

import (
	"testing"

	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"go.uber.org/zap"
)

func mkID(b byte) nodeid.ID {
	var id nodeid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestMatchExactFingerprintWins(t *testing.T) {
	alice := mkID(0xaa)
	bob := mkID(0xbb)

	s, err := NewSocket(":0", nil, []*Entry{
		{Name: "alice", Fingerprint: alice},
		{Name: "bob", Fingerprint: bob},
		{Name: "any", Wildcard: true},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}

	e, err := s.Match([]nodeid.ID{bob})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if e.Name != "bob" {
		t.Fatalf("expected bob, got %s", e.Name)
	}
}

func TestMatchFallsBackToWildcardOnlyWhenAllCandidatesMiss(t *testing.T) {
	alice := mkID(0xaa)
	stranger := mkID(0xff)

	s, err := NewSocket(":0", nil, []*Entry{
		{Name: "alice", Fingerprint: alice},
		{Name: "any", Wildcard: true},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}

	e, err := s.Match([]nodeid.ID{stranger})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if e.Name != "any" {
		t.Fatalf("expected wildcard entry, got %s", e.Name)
	}
}

func TestMatchNoEntriesNoWildcardFails(t *testing.T) {
	alice := mkID(0xaa)
	stranger := mkID(0xff)

	s, err := NewSocket(":0", nil, []*Entry{
		{Name: "alice", Fingerprint: alice},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}

	if _, err := s.Match([]nodeid.ID{stranger}); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestMatchSecondCandidateViaRoleCertificate(t *testing.T) {
	alice := mkID(0xaa)
	unrelated := mkID(0x11)

	s, err := NewSocket(":0", nil, []*Entry{
		{Name: "alice", Fingerprint: alice},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}

	e, err := s.Match([]nodeid.ID{unrelated, alice})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if e.Name != "alice" {
		t.Fatalf("expected alice (matched via second candidate), got %s", e.Name)
	}
}

func TestTwoWildcardsRejected(t *testing.T) {
	_, err := NewSocket(":0", nil, []*Entry{
		{Name: "any1", Wildcard: true},
		{Name: "any2", Wildcard: true},
	}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for two wildcard entries")
	}
}

func TestQuotaExceededRefusesMatch(t *testing.T) {
	alice := mkID(0xaa)
	entry := &Entry{Name: "alice", Fingerprint: alice, MaxSessions: 1}

	s, err := NewSocket(":0", nil, []*Entry{entry}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}

	if _, err := s.Match([]nodeid.ID{alice}); err != nil {
		t.Fatalf("first match: %v", err)
	}
	if _, err := s.Match([]nodeid.ID{alice}); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded on second match, got %v", err)
	}

	entry.Release()
	if _, err := s.Match([]nodeid.ID{alice}); err != nil {
		t.Fatalf("match after release: %v", err)
	}
}
