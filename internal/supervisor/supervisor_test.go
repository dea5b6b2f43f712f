package supervisor

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/auth"
	"github.com/pgagroal/pgagroal-go/internal/config"
	"github.com/pgagroal/pgagroal-go/internal/hba"
	"github.com/pgagroal/pgagroal-go/internal/metrics"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/server"
	"github.com/pgagroal/pgagroal-go/internal/wire"
)

func mustRule(t *testing.T, typeCol, database, user, address, method string) hba.Rule {
	t.Helper()
	r, err := hba.ParseRule(typeCol, database, user, address, method)
	if err != nil {
		t.Fatalf("parsing rule: %v", err)
	}
	return r
}

func newTestSupervisor(t *testing.T, rules []hba.Rule, dial pool.Dialer) *Supervisor {
	t.Helper()
	limit := &pool.LimitRule{Database: "postgres", Username: "alice", MaxSize: 2}
	reg := server.NewRegistry(nil, "", nil)
	p := pool.New([]*pool.LimitRule{limit}, reg, dial, nil, time.Second)
	cfg := &config.Config{Server: config.ServerConfig{Pipeline: "performance"}}
	sv := New(p, reg, metrics.New(), dial, hba.NewTable(rules), cfg)
	return sv
}

func TestHandleClientRejectsUnmatchedHBA(t *testing.T) {
	sv := newTestSupervisor(t, nil, nil)

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		sv.handleClient(serverSide)
		close(done)
	}()

	startup := wire.EncodeStartupMessage(map[string]string{"user": "alice", "database": "postgres"})
	if _, err := clientSide.Write(startup); err != nil {
		t.Fatalf("writing startup message: %v", err)
	}

	msg, err := wire.ReadBlock(clientSide)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if msg.Kind != wire.KindErrorResponse {
		t.Fatalf("expected ErrorResponse, got %q", msg.Kind)
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleClient did not return after rejecting an unmatched HBA")
	}
}

func TestHandleClientTrustAuthenticatesAndRelays(t *testing.T) {
	rules := []hba.Rule{mustRule(t, "host", "all", "all", "all", "trust")}

	backendSide, backendRemote := net.Pipe()
	dial := func(ctx context.Context) (net.Conn, error) { return backendSide, nil }
	sv := newTestSupervisor(t, rules, dial)

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		sv.handleClient(serverSide)
		close(done)
	}()

	go func() {
		// Answer the pool's own trust handshake, then echo one frame.
		if _, err := wire.ReadStartupPacket(backendRemote); err != nil {
			return
		}
		wire.Write(backendRemote, wire.Message{Kind: wire.KindAuthentication, Payload: []byte{0, 0, 0, 0}})
		wire.Write(backendRemote, wire.Message{Kind: wire.KindReadyForQuery, Payload: []byte{'I'}})
		msg, err := wire.ReadBlock(backendRemote)
		if err != nil {
			return
		}
		wire.Write(backendRemote, msg)
	}()

	startup := wire.EncodeStartupMessage(map[string]string{"user": "alice", "database": "postgres"})
	if _, err := clientSide.Write(startup); err != nil {
		t.Fatalf("writing startup message: %v", err)
	}

	authOk, err := wire.ReadBlock(clientSide)
	if err != nil {
		t.Fatalf("reading authentication ok: %v", err)
	}
	if authOk.Kind != wire.KindAuthentication {
		t.Fatalf("expected AuthenticationOk, got %q", authOk.Kind)
	}

	if err := wire.Write(clientSide, wire.Message{Kind: wire.KindQuery, Payload: []byte("SELECT 1\x00")}); err != nil {
		t.Fatalf("writing query: %v", err)
	}
	reply, err := wire.ReadBlock(clientSide)
	if err != nil {
		t.Fatalf("reading relayed reply: %v", err)
	}
	if reply.Kind != wire.KindQuery {
		t.Fatalf("expected echoed query frame, got %q", reply.Kind)
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleClient did not return after client close")
	}
}

func TestHandleClientMissingDatabaseOrUser(t *testing.T) {
	sv := newTestSupervisor(t, nil, nil)

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		sv.handleClient(serverSide)
		close(done)
	}()

	startup := wire.EncodeStartupMessage(map[string]string{"user": "alice"})
	if _, err := clientSide.Write(startup); err != nil {
		t.Fatalf("writing startup message: %v", err)
	}

	msg, err := wire.ReadBlock(clientSide)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if msg.Kind != wire.KindErrorResponse {
		t.Fatalf("expected ErrorResponse, got %q", msg.Kind)
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleClient did not return after missing database/user")
	}
}

func TestNegotiateSSLPassesThroughPlainStartup(t *testing.T) {
	sv := newTestSupervisor(t, nil, nil)
	clientSide, serverSide := net.Pipe()

	startup := wire.EncodeStartupMessage(map[string]string{"user": "alice", "database": "postgres"})
	go clientSide.Write(startup)

	client, tlsInUse, err := sv.negotiateSSL(serverSide)
	if err != nil {
		t.Fatalf("negotiateSSL: %v", err)
	}
	if tlsInUse {
		t.Fatalf("expected no TLS for a plain startup message")
	}

	pkt, err := wire.ReadStartupPacket(client)
	if err != nil {
		t.Fatalf("reading startup packet through peeked conn: %v", err)
	}
	if pkt.Params["user"] != "alice" || pkt.Params["database"] != "postgres" {
		t.Fatalf("unexpected startup params: %+v", pkt.Params)
	}
}

func TestNegotiateSSLRespondsNWithoutTLSConfigured(t *testing.T) {
	sv := newTestSupervisor(t, nil, nil)
	clientSide, serverSide := net.Pipe()

	go clientSide.Write(wire.EncodeSSLRequest())

	resultCh := make(chan struct {
		tlsInUse bool
		err      error
	}, 1)
	go func() {
		_, tlsInUse, err := sv.negotiateSSL(serverSide)
		resultCh <- struct {
			tlsInUse bool
			err      error
		}{tlsInUse, err}
	}()

	reply := make([]byte, 1)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Read(reply); err != nil {
		t.Fatalf("reading SSL negotiation reply: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("expected 'N' with no TLS configured, got %q", reply[0])
	}

	clientSide.Close()
	<-resultCh
}

func TestHandleCancelForwardsToMatchingSlotsBackend(t *testing.T) {
	backendSide, backendRemote := net.Pipe()
	dial := func(ctx context.Context) (net.Conn, error) { return backendSide, nil }
	sv := newTestSupervisor(t, nil, dial)

	cancelConn, cancelRemote := net.Pipe()
	cancelDialCh := make(chan struct{}, 1)
	sv.Dial = func(ctx context.Context) (net.Conn, error) {
		cancelDialCh <- struct{}{}
		return cancelConn, nil
	}

	slot, err := sv.Pool.Acquire(context.Background(), "postgres", "alice", func(s *pool.Slot) error {
		s.Bind(backendSide, "postgres", "alice", auth.SecurityTrust, auth.SecurityMessages{}, 0, nil, 42, 99)
		return nil
	})
	if err != nil {
		t.Fatalf("acquiring slot: %v", err)
	}
	sv.Pool.Release(slot)
	_ = backendRemote

	done := make(chan struct{})
	go func() {
		sv.handleCancel(42, 99)
		close(done)
	}()

	select {
	case <-cancelDialCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleCancel never dialed the backend")
	}

	frame, err := readN(cancelRemote, 16)
	if err != nil {
		t.Fatalf("reading forwarded cancel request: %v", err)
	}
	if code := binary.BigEndian.Uint32(frame[4:8]); code != wire.CancelRequestCode {
		t.Fatalf("expected CancelRequestCode, got %d", code)
	}
	if pid := binary.BigEndian.Uint32(frame[8:12]); pid != 42 {
		t.Fatalf("expected pid 42, got %d", pid)
	}
	if key := binary.BigEndian.Uint32(frame[12:16]); key != 99 {
		t.Fatalf("expected key 99, got %d", key)
	}

	<-done
}

func readN(conn net.Conn, n int) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := conn.Read(buf[total:])
		total += k
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func TestPeekConnBuffersHeaderThenDrainsBeforeRawReads(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	payload := []byte{0, 0, 0, 16, 0, 0, 0, 0, 'r', 'e', 's', 't', 'o', 'f', 'i', 't'}
	go clientSide.Write(payload)

	pc := newPeekConn(serverSide)
	code, err := peekStartupCode(pc)
	if err != nil {
		t.Fatalf("peekStartupCode: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}

	rest, err := readN(pc, len(payload)-8)
	if err != nil {
		t.Fatalf("reading remainder through peekConn: %v", err)
	}
	if string(rest) != "restofit" {
		t.Fatalf("expected remainder %q, got %q", "restofit", string(rest))
	}
}
