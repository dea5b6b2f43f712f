// Package pipeline implements the three per-client forwarding strategies
// that decide when a pool slot is held and released once a client is
// authenticated: performance, session, and transaction (spec.md §4.4).
//
// The original models "pipeline" as a trio of function pointers
// (initialize/client/server/periodic/destroy); here that becomes a sealed
// Kind with one Run implementation per variant dispatched once at
// pipeline-selection time, matching the redesign spec.md §9 calls for.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/perror"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// Kind selects which forwarding strategy a client's worker runs.
type Kind int

const (
	Performance Kind = iota
	Session
	Transaction
)

// Hooks lets the caller observe pipeline events for metrics without the
// pipeline package depending on internal/metrics directly (grounded on the
// teacher's pattern of passing a nullable *metrics.Collector through the
// relay functions).
type Hooks struct {
	OnAcquireDuration func(d time.Duration)
	OnSessionPinned   func(reason string)
	OnBackendReset    func(ok bool)
	OnDirtyDisconnect func()
}

// Config holds a pipeline's static behavior knobs (spec.md §4.4, §4.8).
type Config struct {
	Kind                    Kind
	Database                string
	Username                string
	DisconnectClientTimeout time.Duration // session pipeline only
	TrackPreparedStatements bool          // transaction pipeline only
	Hooks                   Hooks
}

// Authenticate produces (or reuses) an authenticated slot for (database,
// user); it is the composed auth-engine callback threaded through from
// internal/supervisor.
type Authenticate func(*pool.Slot) error

// Run dispatches to the configured pipeline variant. client is the already
// auth-completed frontend connection.
func (c Config) Run(ctx context.Context, client net.Conn, p *pool.Pool, authenticate Authenticate) error {
	switch c.Kind {
	case Performance:
		return c.runHardBound(ctx, client, p, authenticate, false)
	case Session:
		return c.runHardBound(ctx, client, p, authenticate, true)
	case Transaction:
		return c.runTransaction(ctx, client, p, authenticate)
	default:
		return perror.New(perror.KindConfig, "pipeline.Run", fmt.Errorf("unknown pipeline kind %d", c.Kind))
	}
}

// runHardBound implements both the performance and session pipelines: one
// client bound to one slot for the client's entire lifetime, released only
// on disconnect (spec.md §4.4 "Performance pipeline", "Session pipeline").
// withDisconnectTimeout enables session's disconnect_client idle cutoff.
func (c Config) runHardBound(ctx context.Context, client net.Conn, p *pool.Pool, authenticate Authenticate, withDisconnectTimeout bool) error {
	start := time.Now()
	slot, err := p.Acquire(ctx, c.Database, c.Username, authenticate)
	if err != nil {
		return err
	}
	if c.Hooks.OnAcquireDuration != nil {
		c.Hooks.OnAcquireDuration(time.Since(start))
	}
	defer p.Release(slot)

	backend := slot.Conn()
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	errCh := make(chan error, 2)
	go relay(client, backend, errCh, &lastActivity)
	go relay(backend, client, errCh, &lastActivity)

	if !withDisconnectTimeout || c.DisconnectClientTimeout <= 0 {
		<-errCh
		return nil
	}

	ticker := time.NewTicker(c.DisconnectClientTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-errCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			idleSince := time.Unix(0, lastActivity.Load())
			if time.Since(idleSince) > c.DisconnectClientTimeout {
				client.Close()
				backend.Close()
				return nil
			}
		}
	}
}

// relay copies whole PostgreSQL frames from src to dst until one side
// errors, matching spec.md §4.4's "byte-for-byte relay" for the hard-bound
// pipelines (frame-aware rather than a raw io.Copy so a malformed frame is
// caught at the boundary instead of corrupting the stream silently).
// lastActivity, when non-nil, is stamped after every forwarded frame for
// the session pipeline's disconnect_client idle cutoff.
func relay(src, dst net.Conn, errCh chan<- error, lastActivity *atomic.Int64) {
	for {
		msg, err := wire.ReadBlock(src)
		if err != nil {
			errCh <- err
			return
		}
		if err := wire.Write(dst, msg); err != nil {
			errCh <- err
			return
		}
		if lastActivity != nil {
			lastActivity.Store(time.Now().UnixNano())
		}
	}
}

// runTransaction implements the transaction pipeline: a slot is held only
// between a BEGIN/ReadyForQuery(T|E) and the matching ReadyForQuery(I),
// per spec.md §4.4 "Transaction pipeline".
func (c Config) runTransaction(ctx context.Context, client net.Conn, p *pool.Pool, authenticate Authenticate) error {
	var slot *pool.Slot
	openPortals := 0

	release := func() {
		if slot == nil {
			return
		}
		resetAndRelease(slot, p, c.Hooks)
		slot = nil
	}
	defer func() {
		if slot != nil {
			dirtyDisconnect(slot, p, c.Hooks)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := wire.ReadBlock(client)
		if err != nil {
			return nil
		}
		if msg.Kind == wire.KindTerminate {
			release()
			return nil
		}

		if slot == nil {
			start := time.Now()
			slot, err = p.Acquire(ctx, c.Database, c.Username, authenticate)
			if err != nil {
				writeErrorAndClose(client, "cannot acquire backend connection")
				return err
			}
			if c.Hooks.OnAcquireDuration != nil {
				c.Hooks.OnAcquireDuration(time.Since(start))
			}
			openPortals = 0
		}

		if c.TrackPreparedStatements {
			openPortals += portalDelta(msg)
		}
		if reason, pinned := pinReason(msg); pinned && c.Hooks.OnSessionPinned != nil {
			c.Hooks.OnSessionPinned(reason)
		}

		backend := slot.Conn()
		if err := wire.Write(backend, msg); err != nil {
			dirtyDisconnect(slot, p, c.Hooks)
			slot = nil
			return err
		}

		for {
			resp, err := wire.ReadBlock(backend)
			if err != nil {
				dirtyDisconnect(slot, p, c.Hooks)
				slot = nil
				return err
			}
			if err := wire.Write(client, resp); err != nil {
				dirtyDisconnect(slot, p, c.Hooks)
				slot = nil
				return nil
			}
			if resp.Kind == wire.KindReadyForQuery {
				if len(resp.Payload) >= 1 && resp.Payload[0] == 'I' && openPortals <= 0 {
					release()
				}
				break
			}
		}
	}
}

// portalDelta tracks named prepared statements opened by Parse and closed
// by Close('C' message, statement variant), for the
// track_prepared_statements release guard (spec.md §4.4).
func portalDelta(msg wire.Message) int {
	switch msg.Kind {
	case 'P': // Parse
		if len(msg.Payload) > 0 && msg.Payload[0] != 0 {
			return 1
		}
	case 'C': // Close
		if len(msg.Payload) > 1 && msg.Payload[0] == 'S' {
			return -1
		}
	}
	return 0
}

func pinReason(msg wire.Message) (string, bool) {
	if msg.Kind == 'P' && len(msg.Payload) > 0 && msg.Payload[0] != 0 {
		return "named prepared statement", true
	}
	if msg.Kind == wire.KindQuery && len(msg.Payload) > 0 {
		query := strings.ToUpper(strings.TrimSpace(string(trimTrailingNull(msg.Payload))))
		if strings.HasPrefix(query, "LISTEN") || strings.HasPrefix(query, "NOTIFY") {
			return strings.ToLower(strings.Fields(query)[0]) + " command", true
		}
	}
	return "", false
}

func trimTrailingNull(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return b[:n-1]
	}
	return b
}

// resetAndRelease sends DISCARD ALL before returning a transaction-mode
// slot to the pool, per spec.md's use of DISCARD ALL to scrub session
// state between borrowers (grounded on the teacher's resetAndReturn).
func resetAndRelease(slot *pool.Slot, p *pool.Pool, hooks Hooks) {
	backend := slot.Conn()
	query := append([]byte("DISCARD ALL"), 0)
	if err := wire.Write(backend, wire.Message{Kind: wire.KindQuery, Payload: query}); err != nil {
		if hooks.OnBackendReset != nil {
			hooks.OnBackendReset(false)
		}
		p.Remove(slot, pool.StateInUse)
		return
	}

	for {
		resp, err := wire.ReadBlock(backend)
		if err != nil {
			if hooks.OnBackendReset != nil {
				hooks.OnBackendReset(false)
			}
			p.Remove(slot, pool.StateInUse)
			return
		}
		switch resp.Kind {
		case wire.KindReadyForQuery:
			ok := len(resp.Payload) >= 1 && resp.Payload[0] == 'I'
			if hooks.OnBackendReset != nil {
				hooks.OnBackendReset(ok)
			}
			if ok {
				p.Release(slot)
			} else {
				p.Remove(slot, pool.StateInUse)
			}
			return
		case wire.KindErrorResponse:
			if hooks.OnBackendReset != nil {
				hooks.OnBackendReset(false)
			}
			p.Remove(slot, pool.StateInUse)
			return
		}
	}
}

// dirtyDisconnect handles a mid-transaction client disconnect: best-effort
// ROLLBACK, then the normal reset-and-release/remove path (grounded on the
// teacher's cleanupBackend).
func dirtyDisconnect(slot *pool.Slot, p *pool.Pool, hooks Hooks) {
	if hooks.OnDirtyDisconnect != nil {
		hooks.OnDirtyDisconnect()
	}
	backend := slot.Conn()
	rollback := append([]byte("ROLLBACK"), 0)
	if err := wire.Write(backend, wire.Message{Kind: wire.KindQuery, Payload: rollback}); err != nil {
		p.Remove(slot, pool.StateInUse)
		return
	}
	for {
		resp, err := wire.ReadBlock(backend)
		if err != nil {
			p.Remove(slot, pool.StateInUse)
			return
		}
		if resp.Kind == wire.KindReadyForQuery {
			break
		}
	}
	resetAndRelease(slot, p, hooks)
}

func writeErrorAndClose(client net.Conn, message string) {
	wire.Write(client, wire.BuildErrorResponse("FATAL", "08000", message))
	client.Close()
}
