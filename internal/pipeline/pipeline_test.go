package pipeline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/auth"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/wire"
)

func newTestPool(max int) *pool.Pool {
	rule := &pool.LimitRule{Database: "postgres", Username: "alice", MaxSize: max}
	return pool.New([]*pool.LimitRule{rule}, nil, nil, nil, time.Second)
}

func bindFakeBackend(p *pool.Pool, backendSide net.Conn) Authenticate {
	return func(slot *pool.Slot) error {
		slot.Bind(backendSide, slot.Database, slot.Username, auth.SecurityTrust, auth.SecurityMessages{}, 0, nil, 1, 2)
		return nil
	}
}

func TestPerformancePipelineRelaysUntilClientCloses(t *testing.T) {
	p := newTestPool(1)
	clientSide, frontend := net.Pipe()
	backendSide, backendRemote := net.Pipe()
	defer backendRemote.Close()

	cfg := Config{Kind: Performance, Database: "postgres", Username: "alice"}

	done := make(chan error, 1)
	go func() {
		done <- cfg.Run(context.Background(), frontend, p, bindFakeBackend(p, backendSide))
	}()

	go func() {
		msg, err := wire.ReadBlock(backendRemote)
		if err != nil {
			return
		}
		wire.Write(backendRemote, msg)
	}()

	if err := wire.Write(clientSide, wire.Message{Kind: wire.KindQuery, Payload: []byte("SELECT 1\x00")}); err != nil {
		t.Fatalf("writing client query: %v", err)
	}
	reply, err := wire.ReadBlock(clientSide)
	if err != nil {
		t.Fatalf("reading relayed reply: %v", err)
	}
	if reply.Kind != wire.KindQuery {
		t.Fatalf("expected echoed Query frame, got %q", reply.Kind)
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not exit after client close")
	}
}

func TestTransactionPipelineHoldsSlotAcrossInTransaction(t *testing.T) {
	p := newTestPool(1)
	clientSide, frontend := net.Pipe()
	backendSide, backendRemote := net.Pipe()

	cfg := Config{Kind: Transaction, Database: "postgres", Username: "alice"}

	done := make(chan error, 1)
	go func() {
		done <- cfg.Run(context.Background(), frontend, p, bindFakeBackend(p, backendSide))
	}()

	go func() {
		for i := 0; i < 3; i++ {
			msg, err := wire.ReadBlock(backendRemote)
			if err != nil {
				return
			}
			query := string(msg.Payload)
			status := byte('I')
			if query == "BEGIN\x00" {
				status = 'T'
			}
			wire.Write(backendRemote, wire.Message{Kind: wire.KindReadyForQuery, Payload: []byte{status}})
		}
	}()

	if err := wire.Write(clientSide, wire.Message{Kind: wire.KindQuery, Payload: []byte("BEGIN\x00")}); err != nil {
		t.Fatalf("writing BEGIN: %v", err)
	}
	resp, err := wire.ReadBlock(clientSide)
	if err != nil {
		t.Fatalf("reading BEGIN reply: %v", err)
	}
	if resp.Payload[0] != 'T' {
		t.Fatalf("expected in-transaction status, got %q", resp.Payload)
	}

	if err := wire.Write(clientSide, wire.Message{Kind: wire.KindQuery, Payload: []byte("COMMIT\x00")}); err != nil {
		t.Fatalf("writing COMMIT: %v", err)
	}
	if _, err := wire.ReadBlock(clientSide); err != nil {
		t.Fatalf("reading COMMIT reply: %v", err)
	}

	clientSide.Close()
	backendRemote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction pipeline did not exit")
	}
}
