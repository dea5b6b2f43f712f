// Package server implements the backend PostgreSQL endpoint registry:
// ordered servers, their health state, and primary/replica selection with
// scripted failover (spec.md §4.7).
package server

import (
	"context"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/perror"
)

// State is a backend server's health, tracked with atomic CAS so any
// worker can probe and transition it without a lock (spec.md §4.7, §5).
type State int32

const (
	NotInit State = iota
	NotInitPrimary
	Primary
	Replica
	Failover
	Failed
)

func (s State) String() string {
	switch s {
	case NotInitPrimary:
		return "notinit_primary"
	case Primary:
		return "primary"
	case Replica:
		return "replica"
	case Failover:
		return "failover"
	case Failed:
		return "failed"
	default:
		return "notinit"
	}
}

// Server is one configured PostgreSQL endpoint. State is accessed only
// through the atomic helpers below.
type Server struct {
	Name  string
	Host  string
	Port  int
	state atomic.Int32
}

// NewServer constructs a Server in NotInit state.
func NewServer(name, host string, port int) *Server {
	s := &Server{Name: name, Host: host, Port: port}
	s.state.Store(int32(NotInit))
	return s
}

func (s *Server) State() State { return State(s.state.Load()) }

// CAS attempts the atomic transition from 'from' to 'to', returning whether
// it won the race (spec.md §5 "exactly one CAS wins").
func (s *Server) CAS(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Registry holds servers in configured order; selection always scans from
// the front, matching the teacher's deterministic-first-match style used
// throughout the limit-rule matcher.
type Registry struct {
	servers        []*Server
	failoverScript string
	onServerError  func(server string)
}

// NewRegistry builds a Registry. onServerError, if non-nil, is invoked
// every time a server transitions to Failed (for the
// pgagroal_prometheus_server_error counter — spec.md §4.7).
func NewRegistry(servers []*Server, failoverScript string, onServerError func(string)) *Registry {
	return &Registry{servers: servers, failoverScript: failoverScript, onServerError: onServerError}
}

// ErrNoServer is returned when no server in the registry can serve a new
// connection.
var ErrNoServer = perror.New(perror.KindResource, "server.Select", fmt.Errorf("no server available"))

// Select scans the registry in order for the first usable server, per
// spec.md §4.7: primaries first, falling back to a replica only when
// allowReplica is set (read-only callers).
func (r *Registry) Select(allowReplica bool) (*Server, error) {
	for _, s := range r.servers {
		switch s.State() {
		case NotInitPrimary, Primary:
			return s, nil
		}
	}
	if allowReplica {
		for _, s := range r.servers {
			if s.State() == Replica {
				return s, nil
			}
		}
	}
	return nil, ErrNoServer
}

// Probe is the result of establishing that a backend is reachable and
// whether it reports itself in recovery.
type Probe func(ctx context.Context, s *Server) (inRecovery bool, err error)

// ConnectAndClassify drives the handshake/failover state machine for one
// server: on probe failure it sets the state to Failed, fires
// onServerError, and — if a failover script is configured — runs it once
// before retrying the probe exactly once more, per spec.md §4.7. On success
// it sets the state to Primary or Replica based on the recovery probe,
// whatever the state was before.
func (r *Registry) ConnectAndClassify(ctx context.Context, s *Server, probe Probe) error {
	inRecovery, err := probe(ctx, s)
	if err != nil {
		s.state.Store(int32(Failed))
		if r.onServerError != nil {
			r.onServerError(s.Name)
		}
		if r.failoverScript == "" {
			return perror.New(perror.KindTimeout, "server.ConnectAndClassify", err)
		}
		if scriptErr := r.runFailoverScript(ctx, s); scriptErr != nil {
			return perror.New(perror.KindResource, "server.ConnectAndClassify", scriptErr)
		}
		inRecovery, err = probe(ctx, s)
		if err != nil {
			return perror.New(perror.KindTimeout, "server.ConnectAndClassify", err)
		}
	}

	if inRecovery {
		s.state.Store(int32(Replica))
	} else {
		s.state.Store(int32(Primary))
	}
	return nil
}

func (r *Registry) runFailoverScript(ctx context.Context, s *Server) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, r.failoverScript, s.Name, s.Host, fmt.Sprintf("%d", s.Port))
	return cmd.Run()
}

// Servers returns the registry in configured order, for status reporting.
func (r *Registry) Servers() []*Server {
	out := make([]*Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// Find returns the named server, if configured.
func (r *Registry) Find(name string) (*Server, bool) {
	for _, s := range r.servers {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// ClearServer resets a Failed server back to NotInit so the next
// ConnectAndClassify probe re-evaluates it, for the management protocol's
// CLEAR_SERVER command (spec.md §6).
func (r *Registry) ClearServer(name string) bool {
	s, ok := r.Find(name)
	if !ok {
		return false
	}
	s.state.Store(int32(NotInit))
	return true
}

// SwitchTo forces the named server to Primary and demotes any
// currently-primary server to Replica, for the management protocol's
// SWITCH_TO command (manual promotion).
func (r *Registry) SwitchTo(name string) bool {
	target, ok := r.Find(name)
	if !ok {
		return false
	}
	for _, s := range r.servers {
		if s.State() == Primary && s != target {
			s.state.Store(int32(Replica))
		}
	}
	target.state.Store(int32(Primary))
	return true
}
