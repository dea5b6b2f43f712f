// Package supervisor wires the wire, auth, pool, pipeline, hba, and server
// packages into running PostgreSQL and management listeners: it is the
// composition root spec.md §1's "main loop" describes, adapted from a
// forking accept loop to a goroutine-per-client one (spec.md §9 REDESIGN
// FLAGS).
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pgagroal/pgagroal-go/internal/config"
	"github.com/pgagroal/pgagroal-go/internal/hba"
	"github.com/pgagroal/pgagroal-go/internal/metrics"
	"github.com/pgagroal/pgagroal-go/internal/pipeline"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/server"
)

// reusePortListenConfig sets SO_REUSEADDR on the listening socket before
// bind, the same accommodation the original makes for a fast restart
// against a port still held in TIME_WAIT.
var reusePortListenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// Supervisor owns the listeners and the shared components every accepted
// client connection is dispatched against.
type Supervisor struct {
	Pool     *pool.Pool
	Registry *server.Registry
	Metrics  *metrics.Collector
	Dial     pool.Dialer

	hba        atomic.Pointer[hba.Table]
	cfg        atomic.Pointer[config.Config]
	tlsConfig  atomic.Pointer[tls.Config]
	pipelineKind pipeline.Kind

	listeners []net.Listener
	wg        sync.WaitGroup

	closing atomic.Bool

	logger *slog.Logger
}

// New builds a Supervisor. Database aliases for HBA matching (spec.md §4.6)
// are resolved by the aliasesOf method from cfg's Databases section.
func New(p *pool.Pool, reg *server.Registry, m *metrics.Collector, dial pool.Dialer, hbaTable *hba.Table, cfg *config.Config) *Supervisor {
	sv := &Supervisor{
		Pool:     p,
		Registry: reg,
		Metrics:  m,
		Dial:     dial,
		logger:   slog.Default(),
	}
	sv.hba.Store(hbaTable)
	sv.cfg.Store(cfg)
	sv.pipelineKind = parsePipelineKind(cfg.Server.Pipeline)

	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			sv.logger.Warn("failed to load TLS cert/key, TLS disabled", "err", err)
		} else {
			sv.tlsConfig.Store(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
		}
	}

	return sv
}

func parsePipelineKind(name string) pipeline.Kind {
	switch name {
	case "session":
		return pipeline.Session
	case "transaction":
		return pipeline.Transaction
	default:
		return pipeline.Performance
	}
}

// UpdateHBA swaps in a freshly reloaded HBA table, for RELOAD.
func (sv *Supervisor) UpdateHBA(t *hba.Table) { sv.hba.Store(t) }

// UpdateConfig swaps in a freshly reloaded configuration snapshot.
func (sv *Supervisor) UpdateConfig(cfg *config.Config) {
	sv.cfg.Store(cfg)
	sv.pipelineKind = parsePipelineKind(cfg.Server.Pipeline)
}

func (sv *Supervisor) config() *config.Config { return sv.cfg.Load() }

// ListenAll binds the PostgreSQL TCP listener(s) from
// Server.ListenAddresses and the unix-domain socket
// ".s.PGSQL.<port>" in Server.UnixSocketDir, matching the original's dual
// TCP+unix listening set (spec.md §4.1).
func (sv *Supervisor) ListenAll() error {
	cfg := sv.config().Server

	addrs := cfg.ListenAddresses
	if len(addrs) == 0 {
		addrs = []string{"0.0.0.0"}
	}
	for _, host := range addrs {
		addr := fmt.Sprintf("%s:%d", host, cfg.Port)
		ln, err := reusePortListenConfig.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return fmt.Errorf("supervisor: listening on %s: %w", addr, err)
		}
		sv.logger.Info("listening", "address", addr)
		sv.listeners = append(sv.listeners, ln)
	}

	if cfg.UnixSocketDir != "" {
		sockPath := filepath.Join(cfg.UnixSocketDir, fmt.Sprintf(".s.PGSQL.%d", cfg.Port))
		os.Remove(sockPath)
		ln, err := net.Listen("unix", sockPath)
		if err != nil {
			return fmt.Errorf("supervisor: listening on %s: %w", sockPath, err)
		}
		// Owner+group access only, matching the original's unix socket
		// permission bits for the client-facing socket (spec.md §6).
		if err := unix.Chmod(sockPath, 0770); err != nil {
			sv.logger.Warn("chmod unix socket", "path", sockPath, "err", err)
		}
		sv.logger.Info("listening", "socket", sockPath)
		sv.listeners = append(sv.listeners, ln)
	}

	for _, ln := range sv.listeners {
		sv.wg.Add(1)
		go func(l net.Listener) {
			defer sv.wg.Done()
			sv.acceptLoop(l)
		}(ln)
	}
	return nil
}

func (sv *Supervisor) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if sv.closing.Load() {
				return
			}
			sv.logger.Warn("accept error", "err", err)
			continue
		}
		sv.wg.Add(1)
		go func() {
			defer sv.wg.Done()
			sv.handleClient(conn)
		}()
	}
}

// Shutdown closes every listener and waits up to timeout for in-flight
// client goroutines to finish, per spec.md §6's GRACEFULLY/SHUTDOWN pair.
func (sv *Supervisor) Shutdown(timeout time.Duration) {
	sv.closing.Store(true)
	for _, ln := range sv.listeners {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		sv.logger.Warn("shutdown timed out waiting for clients to drain")
	}
}

// StartSweeps launches the periodic background maintenance goroutines
// (idle, max-connection-age, validation), each ticking at its own
// configured interval, per spec.md §5.
func (sv *Supervisor) StartSweeps(ctx context.Context) {
	cfg := sv.config().Server

	sv.startSweep(ctx, cfg.IdleTimeout, func() { sv.Pool.SweepIdle(cfg.IdleTimeout) })
	sv.startSweep(ctx, cfg.MaxConnectionAge, func() { sv.Pool.SweepMaxAge(cfg.MaxConnectionAge) })
	sv.startSweep(ctx, cfg.ValidationInterval, func() { sv.Pool.SweepValidation() })
	sv.startSweep(ctx, cfg.RotateFrontendPasswordTimeout, sv.rotateFrontendPasswords)
}

// rotateFrontendPasswords regenerates every frontend user's password into a
// new table and swaps in a new configuration snapshot holding it, per
// spec.md §5's rotate_frontend_password_timeout. Clients
// authenticated against the pre-rotation password keep their existing
// pooled slot; only the next fresh authentication sees the new one.
func (sv *Supervisor) rotateFrontendPasswords() {
	cur := sv.config()
	rotated, err := cur.FrontendUsers.Rotate()
	if err != nil {
		sv.logger.Warn("rotating frontend passwords", "err", err)
		return
	}
	next := *cur
	next.FrontendUsers = rotated
	sv.cfg.Store(&next)
	sv.logger.Info("rotated frontend passwords", "count", len(rotated))
}

func (sv *Supervisor) startSweep(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// aliasesOf resolves a configured database's aliases for HBA/limit-rule
// matching against the live configuration snapshot.
func (sv *Supervisor) aliasesOf(database string) []string {
	cfg := sv.config()
	for _, db := range cfg.Databases.Databases {
		if db.Name == database {
			return db.Aliases
		}
	}
	return nil
}

// backendPassword resolves the password pgagroal itself should present to
// the backend for user, preferring the backend-users table (spec.md §3's
// "four disjoint tables").
func (sv *Supervisor) backendPassword(user string) (string, bool) {
	return sv.config().BackendUsers.Lookup(user)
}

// frontendPassword resolves the password a client must present, which can
// differ from the backend password (spec.md's frontend-users table).
func (sv *Supervisor) frontendPassword(user string) (string, bool) {
	if pw, ok := sv.config().FrontendUsers.Lookup(user); ok {
		return pw, true
	}
	return sv.backendPassword(user)
}
