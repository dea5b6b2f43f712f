// Package pool implements the fixed-size slot array that is the heart of
// pgagroal: a bounded set of backend connections shared across clients
// under configured per-(database,user) limit rules (spec.md §3, §4.3,
// §4.7).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/auth"
	"github.com/pgagroal/pgagroal-go/internal/perror"
	"github.com/pgagroal/pgagroal-go/internal/server"
)

var errSlotNotBound = errors.New("pool: slot has no bound connection")

// LimitRule binds (database, username) — or "all" for either — to sizing
// constraints, per spec.md §3 "Limit rules". Aliases let several database
// names share one rule's accounting.
type LimitRule struct {
	Database    string
	Username    string
	MinSize     int
	InitialSize int
	MaxSize     int
	Aliases     []string

	activeConnections atomic.Int32
}

// Matches reports whether this rule governs (database, user), honoring
// "all" wildcards and configured aliases.
func (r *LimitRule) Matches(database, user string) bool {
	dbMatch := r.Database == "all" || r.Database == database
	if !dbMatch {
		for _, a := range r.Aliases {
			if a == database {
				dbMatch = true
				break
			}
		}
	}
	userMatch := r.Username == "all" || r.Username == user
	return dbMatch && userMatch
}

// Active returns the rule's current active-connection count.
func (r *LimitRule) Active() int32 { return r.activeConnections.Load() }

// BackendCredentials is the pool's own knowledge of a backend user's
// password, used for prefill and auth-query mode D (spec.md §4.2, §4.3).
type BackendCredentials struct {
	Username string
	Password string
}

// Dialer connects to the currently selected primary/replica backend. It is
// a function, not a concrete type, so tests can substitute an in-memory
// pipe instead of a real TCP dial.
type Dialer func(ctx context.Context) (net.Conn, error)

// OnPoolExhausted is invoked whenever Acquire must block because every
// matching slot is in use (spec.md §8 "pool_full" metric hook).
type OnPoolExhausted func(database, user string)

// Pool is the fixed-size slot array plus the limit rules governing it.
// Exactly one Pool exists per running pgagroal instance (spec.md §3).
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []*Slot
	rules []*LimitRule

	registry *server.Registry
	dial     Dialer
	creds    map[string]string // username -> backend password, for prefill/auth-query

	blockingTimeout time.Duration

	gracefully      atomic.Bool
	disabledAll     atomic.Bool
	disabledDBs     sync.Map // database -> struct{}
	activeTotal     atomic.Int32
	suConnectionUse atomic.Bool

	onPoolExhausted OnPoolExhausted
}

// New constructs a Pool with size equal to the sum of the rules' MaxSize
// (spec.md §3: "Σ max ≤ global max_connections").
func New(rules []*LimitRule, registry *server.Registry, dial Dialer, creds map[string]string, blockingTimeout time.Duration) *Pool {
	total := 0
	for _, r := range rules {
		total += r.MaxSize
	}
	p := &Pool{
		slots:           make([]*Slot, total),
		rules:           rules,
		registry:        registry,
		dial:            dial,
		creds:           creds,
		blockingTimeout: blockingTimeout,
	}
	for i := range p.slots {
		p.slots[i] = NewSlot()
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetOnPoolExhausted installs the exhaustion callback. Not safe to call
// concurrently with Acquire.
func (p *Pool) SetOnPoolExhausted(cb OnPoolExhausted) { p.onPoolExhausted = cb }

func (p *Pool) ruleFor(database, user string) (*LimitRule, error) {
	for _, r := range p.rules {
		if r.Matches(database, user) {
			return r, nil
		}
	}
	return nil, perror.New(perror.KindConfig, "pool.ruleFor", fmt.Errorf("no limit rule for database=%q user=%q", database, user))
}

// SetGracefully toggles drain mode: while it is set, new Acquire calls fail
// immediately (spec.md §4.4 "Graceful drain"). Releasing the last slot does
// not clear it.
func (p *Pool) SetGracefully(v bool) { p.gracefully.Store(v) }

// Gracefully reports whether the pool is draining.
func (p *Pool) Gracefully() bool { return p.gracefully.Load() }

// DisableDatabase and EnableDatabase implement the management protocol's
// ENABLEDB/DISABLEDB commands (spec.md §6).
func (p *Pool) DisableDatabase(database string) { p.disabledDBs.Store(database, struct{}{}) }
func (p *Pool) EnableDatabase(database string)  { p.disabledDBs.Delete(database) }
func (p *Pool) DisableAll()                     { p.disabledAll.Store(true) }
func (p *Pool) EnableAll()                      { p.disabledAll.Store(false) }

func (p *Pool) databaseDisabled(database string) bool {
	if p.disabledAll.Load() {
		return true
	}
	_, disabled := p.disabledDBs.Load(database)
	return disabled
}

// Acquire finds or creates a slot bound to (database, user), authenticating
// a fresh backend connection through authenticate when a NOTINIT slot is
// claimed. It blocks up to blockingTimeout when every matching slot is
// IN_USE, per spec.md §5 "blocking_timeout".
//
// authenticate is called only for slots this call itself moves
// NOTINIT→INIT; it must return the slot's bound fields or an error, in
// which case the slot reverts to NOTINIT.
func (p *Pool) Acquire(ctx context.Context, database, user string, authenticate func(*Slot) error) (*Slot, error) {
	if p.Gracefully() {
		return nil, perror.New(perror.KindAuth, "pool.Acquire", perror.ErrGraceful)
	}
	if p.databaseDisabled(database) {
		return nil, perror.New(perror.KindAuth, "pool.Acquire", perror.ErrDisabledDB)
	}

	rule, err := p.ruleFor(database, user)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.blockingTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if slot := p.tryClaimFree(database, user); slot != nil {
			return slot, nil
		}

		if slot := p.tryClaimNotInit(database, user, rule); slot != nil {
			if err := authenticate(slot); err != nil {
				slot.Destroy()
				slot.Transition(StateInit, StateRemove)
				slot.Transition(StateRemove, StateNotInit)
				continue
			}
			slot.Transition(StateInit, StateInUse)
			rule.activeConnections.Add(1)
			p.activeTotal.Add(1)
			return slot, nil
		}

		if p.onPoolExhausted != nil {
			p.onPoolExhausted(database, user)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, perror.New(perror.KindTimeout, "pool.Acquire", perror.ErrPoolFull)
		}

		p.mu.Lock()
		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.mu.Unlock()
	}
}

// PeekFree returns a currently FREE slot matching (database, user) without
// claiming it, letting a caller replay cached authentication frames
// against it ahead of the real Pool.Acquire race (spec.md §4.2 mode B).
// The returned slot is not guaranteed to still be FREE, or to be the exact
// slot Acquire later claims — safe only because every slot governed by the
// same limit rule shares identical backend credentials.
func (p *Pool) PeekFree(database, user string) *Slot {
	for _, s := range p.slots {
		if s.State() == StateFree && s.Matches(database, user) {
			return s
		}
	}
	return nil
}

func (p *Pool) tryClaimFree(database, user string) *Slot {
	for _, s := range p.slots {
		if s.State() != StateFree || !s.Matches(database, user) {
			continue
		}
		if s.Transition(StateFree, StateInUse) {
			p.activeTotal.Add(1)
			if rule, err := p.ruleFor(database, user); err == nil {
				rule.activeConnections.Add(1)
			}
			return s
		}
	}
	return nil
}

func (p *Pool) tryClaimNotInit(database, user string, rule *LimitRule) *Slot {
	if int(rule.Active()) >= rule.MaxSize {
		return nil
	}
	for _, s := range p.slots {
		if s.State() != StateNotInit {
			continue
		}
		if s.Transition(StateNotInit, StateInit) {
			s.SetPending(database, user)
			return s
		}
	}
	return nil
}

// Release returns a slot to FREE and wakes one waiter, per spec.md §5's
// "exactly one CAS wins; loser retries the scan" ordering and the
// teacher's Signal()-over-Broadcast() reasoning for avoiding a thundering
// herd.
func (p *Pool) Release(s *Slot) {
	s.Touch()
	if !s.Transition(StateInUse, StateFree) {
		return
	}
	p.activeTotal.Add(-1)
	if rule, err := p.ruleFor(s.Database, s.Username); err == nil {
		rule.activeConnections.Add(-1)
	}
	p.mu.Lock()
	p.cond.Signal()
	p.mu.Unlock()
}

// Remove forcibly retires a slot (poisoned backend, validation failure),
// transitioning IN_USE/FREE→REMOVE→NOTINIT (spec.md §5).
func (p *Pool) Remove(s *Slot, from SlotState) {
	wasActive := from == StateInUse
	if !s.Transition(from, StateRemove) {
		return
	}
	if wasActive {
		p.activeTotal.Add(-1)
		if rule, err := p.ruleFor(s.Database, s.Username); err == nil {
			rule.activeConnections.Add(-1)
		}
	}
	s.Destroy()
	s.Transition(StateRemove, StateNotInit)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// ActiveConnections returns the global active-connection count: the number
// of slots currently IN_USE. FREE slots that still hold a backend
// connection are not counted.
func (p *Pool) ActiveConnections() int32 { return p.activeTotal.Load() }

// Flush retires every FREE slot (FREE→FLUSH→REMOVE→NOTINIT), per the
// management protocol's FLUSH command (spec.md §6); IN_USE slots are left
// alone to drain naturally.
func (p *Pool) Flush() {
	p.FlushDatabase("")
}

// FlushDatabase is Flush scoped to a single database; an empty database
// flushes every FREE slot regardless of which database it serves, matching
// the management protocol's FLUSH with no argument (spec.md §6).
func (p *Pool) FlushDatabase(database string) {
	for _, s := range p.slots {
		if database != "" && s.Database != database {
			continue
		}
		if s.Transition(StateFree, StateFlush) {
			p.Remove(s, StateFlush)
		}
	}
}

// Prefill opens MinSize connections per rule ahead of client traffic
// (spec.md §4.3 "Prefill"), using the pool's own backend credentials.
func (p *Pool) Prefill(ctx context.Context, authenticate func(*Slot) error) {
	for _, rule := range p.rules {
		for i := 0; i < rule.MinSize; i++ {
			slot := p.tryClaimNotInit(rule.Database, rule.Username, rule)
			if slot == nil {
				break
			}
			if err := authenticate(slot); err != nil {
				slog.Warn("prefill connection failed", "database", rule.Database, "user", rule.Username, "err", err)
				slot.Transition(StateInit, StateRemove)
				slot.Transition(StateRemove, StateNotInit)
				continue
			}
			slot.Transition(StateInit, StateInUse)
			slot.Transition(StateInUse, StateFree)
		}
	}
}

// SweepIdle scans FREE slots and removes those idle longer than timeout,
// per spec.md §5 "idle_timeout".
func (p *Pool) SweepIdle(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	for _, s := range p.slots {
		if s.State() != StateFree {
			continue
		}
		if s.Idle() < timeout {
			continue
		}
		if s.Transition(StateFree, StateIdleCheck) {
			p.Remove(s, StateIdleCheck)
		}
	}
}

// SweepMaxAge scans FREE slots and removes those older than maxAge, per
// spec.md §5 "max_connection_age".
func (p *Pool) SweepMaxAge(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	for _, s := range p.slots {
		if s.State() != StateFree {
			continue
		}
		if s.Age() < maxAge {
			continue
		}
		if s.Transition(StateFree, StateMaxConnectionAge) {
			p.Remove(s, StateMaxConnectionAge)
		}
	}
}

// SweepValidation probes every FREE slot's backend liveness and removes
// dead ones, per spec.md §4.3 "Validation".
func (p *Pool) SweepValidation() {
	for _, s := range p.slots {
		if s.State() != StateFree {
			continue
		}
		if !s.Transition(StateFree, StateValidation) {
			continue
		}
		if err := s.Validate(); err != nil {
			p.Remove(s, StateValidation)
		} else {
			s.Transition(StateValidation, StateFree)
		}
	}
}

// AcquireSuConnection is the CAS-acquired binary lock serializing
// auth-query mode's superuser session across workers (spec.md §5
// "su_connection flag"). Callers retry on a 100ms ticker until
// blockingTimeout elapses, matching the teacher's cond-based wait idiom.
func (p *Pool) AcquireSuConnection(ctx context.Context) error {
	deadline := time.Now().Add(p.blockingTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.suConnectionUse.CompareAndSwap(false, true) {
			return nil
		}
		if time.Now().After(deadline) {
			return perror.New(perror.KindTimeout, "pool.AcquireSuConnection", perror.ErrPoolFull)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReleaseSuConnection frees the su_connection lock.
func (p *Pool) ReleaseSuConnection() { p.suConnectionUse.Store(false) }

// Rules exposes the configured limit rules, for status/details reporting.
func (p *Pool) Rules() []*LimitRule { return p.rules }

// Slots exposes the slot array, for status/details reporting.
func (p *Pool) Slots() []*Slot { return p.slots }

// BackendPassword returns the pool's own stored password for a backend
// user, used by Prefill/auth-query dial authentication.
func (p *Pool) BackendPassword(user string) (string, bool) {
	pw, ok := p.creds[user]
	return pw, ok
}

// DefaultDial builds a Dialer against the pool's server registry, selecting
// a primary (or replica, if allowReplica) via spec.md §4.7.
func DefaultDial(registry *server.Registry, allowReplica bool, timeout time.Duration) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		srv, err := registry.Select(allowReplica)
		if err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", srv.Address())
	}
}

// DialAndAuthenticateAsPool is a ready-made `authenticate` callback for
// Prefill/reconnection paths where the pool itself holds the backend
// credentials (no real client attached), per spec.md §4.2 mode D's dial
// leg and §4.3's prefill leg.
func DialAndAuthenticateAsPool(p *Pool) func(*Slot) error {
	return func(slot *Slot) error {
		password, ok := p.BackendPassword(slot.Username)
		if !ok {
			return perror.New(perror.KindConfig, "pool.prefillAuth", fmt.Errorf("no stored credentials for user %q", slot.Username))
		}
		conn, err := p.dial(context.Background())
		if err != nil {
			return perror.New(perror.KindResource, "pool.prefillAuth", err)
		}
		res, err := auth.DialAuthenticate(conn, slot.Username, slot.Database, password)
		if err != nil {
			conn.Close()
			return perror.New(perror.KindAuth, "pool.prefillAuth", err)
		}
		slot.Bind(conn, slot.Database, slot.Username, auth.SecurityTrust, auth.SecurityMessages{}, 0, nil, res.BackendPID, res.BackendKey)
		return nil
	}
}
