package server

import (
	"context"
	"errors"
	"testing"
)

func TestSelectPrefersPrimary(t *testing.T) {
	a := NewServer("a", "10.0.0.1", 5432)
	b := NewServer("b", "10.0.0.2", 5432)
	a.state.Store(int32(Replica))
	b.state.Store(int32(Primary))

	reg := NewRegistry([]*Server{a, b}, "", nil)
	s, err := reg.Select(false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s != b {
		t.Fatalf("expected primary server b, got %s", s.Name)
	}
}

func TestSelectFallsBackToReplicaWhenAllowed(t *testing.T) {
	a := NewServer("a", "10.0.0.1", 5432)
	a.state.Store(int32(Replica))

	reg := NewRegistry([]*Server{a}, "", nil)
	if _, err := reg.Select(false); err == nil {
		t.Fatalf("expected no-server error without replica fallback")
	}
	s, err := reg.Select(true)
	if err != nil {
		t.Fatalf("Select with fallback: %v", err)
	}
	if s != a {
		t.Fatalf("expected replica fallback to server a")
	}
}

func TestConnectAndClassifyMarksFailedAndReportsError(t *testing.T) {
	s := NewServer("a", "10.0.0.1", 5432)
	var reported string
	reg := NewRegistry([]*Server{s}, "", func(name string) { reported = name })

	probe := func(ctx context.Context, srv *Server) (bool, error) {
		return false, errors.New("connection refused")
	}

	if err := reg.ConnectAndClassify(context.Background(), s, probe); err == nil {
		t.Fatalf("expected error from failing probe with no failover script")
	}
	if s.State() != Failed {
		t.Fatalf("expected state Failed, got %s", s.State())
	}
	if reported != "a" {
		t.Fatalf("expected onServerError callback with server name, got %q", reported)
	}
}

func TestConnectAndClassifyClassifiesPrimaryAndReplica(t *testing.T) {
	s := NewServer("a", "10.0.0.1", 5432)
	reg := NewRegistry([]*Server{s}, "", nil)

	probe := func(ctx context.Context, srv *Server) (bool, error) { return false, nil }
	if err := reg.ConnectAndClassify(context.Background(), s, probe); err != nil {
		t.Fatalf("ConnectAndClassify: %v", err)
	}
	if s.State() != Primary {
		t.Fatalf("expected Primary, got %s", s.State())
	}

	s2 := NewServer("b", "10.0.0.2", 5432)
	reg2 := NewRegistry([]*Server{s2}, "", nil)
	probeReplica := func(ctx context.Context, srv *Server) (bool, error) { return true, nil }
	if err := reg2.ConnectAndClassify(context.Background(), s2, probeReplica); err != nil {
		t.Fatalf("ConnectAndClassify: %v", err)
	}
	if s2.State() != Replica {
		t.Fatalf("expected Replica, got %s", s2.State())
	}
}

func TestCASOnlyOneWinnerSemantics(t *testing.T) {
	s := NewServer("a", "10.0.0.1", 5432)
	if !s.CAS(NotInit, Primary) {
		t.Fatalf("expected first CAS to win")
	}
	if s.CAS(NotInit, Primary) {
		t.Fatalf("expected second CAS from stale 'from' state to lose")
	}
}
