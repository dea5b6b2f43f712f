package pool

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/auth"
	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// validationDeadline bounds how long Validate waits for ReadyForQuery. A
// var, not a const, so tests can shorten it instead of waiting out the real
// timeout against a deliberately wedged backend.
var validationDeadline = 2 * time.Second

// SlotState is a pooled backend connection's lifecycle state. Transitions
// are performed with atomic CAS so any worker can race for a FREE slot or
// for sweep ownership without a lock (spec.md §5 "Ordering guarantees").
type SlotState int32

const (
	StateNotInit SlotState = iota
	StateInit
	StateFree
	StateInUse
	StateGracefully
	StateFlush
	StateIdleCheck
	StateMaxConnectionAge
	StateValidation
	StateRemove
)

func (s SlotState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFree:
		return "free"
	case StateInUse:
		return "in_use"
	case StateGracefully:
		return "gracefully"
	case StateFlush:
		return "flush"
	case StateIdleCheck:
		return "idle_check"
	case StateMaxConnectionAge:
		return "max_connection_age"
	case StateValidation:
		return "validation"
	case StateRemove:
		return "remove"
	default:
		return "notinit"
	}
}

// legalTransitions enumerates the only CAS moves a slot may make (spec.md
// §5). CAS itself enforces this by requiring the caller to name the exact
// 'from' state, but Slot.Transition cross-checks against this table so a
// programming mistake fails loudly instead of silently racing.
var legalTransitions = map[SlotState]map[SlotState]bool{
	StateNotInit:          {StateInit: true},
	StateInit:             {StateInUse: true, StateRemove: true},
	StateInUse:            {StateFree: true, StateRemove: true},
	StateFree:             {StateInUse: true, StateIdleCheck: true, StateMaxConnectionAge: true, StateValidation: true, StateFlush: true, StateGracefully: true, StateRemove: true},
	StateIdleCheck:        {StateFree: true, StateRemove: true},
	StateMaxConnectionAge: {StateFree: true, StateRemove: true},
	StateValidation:       {StateFree: true, StateRemove: true},
	StateFlush:            {StateRemove: true},
	StateGracefully:       {StateRemove: true},
	StateRemove:           {StateNotInit: true},
}

// Slot is one entry of the fixed-size connection pool array: a (database,
// username) binding to a single backend connection plus the auth frames
// captured while establishing it, so later frontend re-authentication can
// avoid a second backend round trip (spec.md §3, §4.2 mode B).
type Slot struct {
	mu sync.Mutex

	state atomic.Int32

	conn net.Conn

	Database string
	Username string

	createdAt time.Time
	lastUsed  time.Time

	HasSecurity auth.Security
	Security    auth.SecurityMessages
	SecurityLen int
	MD5Salt     []byte

	BackendPID uint32
	BackendKey uint32

	// PinnedClient is cleared by Destroy; no package in this module sets
	// it, so it stays nil.
	PinnedClient net.Conn
}

// NewSlot constructs a slot in StateNotInit.
func NewSlot() *Slot {
	s := &Slot{}
	s.state.Store(int32(StateNotInit))
	return s
}

func (s *Slot) State() SlotState { return SlotState(s.state.Load()) }

// Transition attempts the CAS move from 'from' to 'to', refusing moves
// legalTransitions doesn't list. Exactly one competing caller wins a given
// move (spec.md §5).
func (s *Slot) Transition(from, to SlotState) bool {
	if !legalTransitions[from][to] {
		return false
	}
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// SetPending records which (database, user) a freshly INIT'd slot is being
// authenticated for, ahead of Bind (which needs Username/Database already
// set, since it is the authenticate callback's job to produce them).
func (s *Slot) SetPending(database, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Database = database
	s.Username = user
}

// Bind installs the live backend connection and its captured auth state
// once INIT has produced an authenticated backend, ahead of the INIT→IN_USE
// transition.
func (s *Slot) Bind(conn net.Conn, database, user string, security auth.Security, messages auth.SecurityMessages, msgCount int, md5Salt []byte, pid, key uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.Database = database
	s.Username = user
	s.HasSecurity = security
	s.Security = messages
	s.SecurityLen = msgCount
	s.MD5Salt = md5Salt
	s.BackendPID = pid
	s.BackendKey = key
	now := time.Now()
	s.createdAt = now
	s.lastUsed = now
}

// Conn returns the underlying backend connection.
func (s *Slot) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Touch records activity, used by the idle-timeout sweep.
func (s *Slot) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// Age returns how long ago this slot's backend connection was established.
func (s *Slot) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

// Idle returns how long this slot has gone without activity.
func (s *Slot) Idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// Matches reports whether the slot, once FREE, is reusable for the given
// (database, user) pair — the binding half of the limit-rule match in
// Pool.Acquire.
func (s *Slot) Matches(database, user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Database == database && s.Username == user
}

// Validate performs pgagroal's liveness probe: send an empty query and
// require a ReadyForQuery reply within validationDeadline (spec.md §4.3
// "Validation"). A backend that is TCP-alive but wedged mid-query never
// answers with ReadyForQuery and is correctly reported dead.
func (s *Slot) Validate() error {
	conn := s.Conn()
	if conn == nil {
		return errSlotNotBound
	}

	conn.SetDeadline(time.Now().Add(validationDeadline))
	defer conn.SetDeadline(time.Time{})

	if err := wire.Write(conn, wire.Message{Kind: wire.KindQuery, Payload: []byte{0}}); err != nil {
		return fmt.Errorf("pool: sending validation query: %w", err)
	}

	for {
		msg, err := wire.ReadBlock(conn)
		if err != nil {
			return fmt.Errorf("pool: reading validation response: %w", err)
		}
		switch msg.Kind {
		case wire.KindReadyForQuery:
			return nil
		case wire.KindErrorResponse:
			return fmt.Errorf("pool: backend rejected validation query: %s", wire.ParseErrorMessage(msg.Payload))
		}
	}
}

// Destroy closes the backend connection and resets bookkeeping ahead of
// the REMOVE→NOTINIT transition.
func (s *Slot) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.conn = nil
	s.Database = ""
	s.Username = ""
	s.HasSecurity = auth.SecurityInvalid
	s.Security = auth.SecurityMessages{}
	s.SecurityLen = 0
	s.MD5Salt = nil
	s.BackendPID = 0
	s.BackendKey = 0
	s.PinnedClient = nil
	return err
}
