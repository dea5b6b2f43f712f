package mgmtapi

import (
	"fmt"
	"sync/atomic"

	"github.com/pgagroal/pgagroal-go/internal/config"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/server"
)

// LimitRuleStatus is one rule's reported state for STATUS/DETAILS.
type LimitRuleStatus struct {
	Database string `json:"database"`
	Username string `json:"username"`
	MinSize  int    `json:"min_size"`
	MaxSize  int    `json:"max_size"`
	Active   int32  `json:"active"`
}

// ServerStatus is one backend server's reported state for STATUS/DETAILS.
type ServerStatus struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	State string `json:"state"`
}

// StatusInfo answers STATUS: a terse summary.
type StatusInfo struct {
	ActiveConnections int32             `json:"active_connections"`
	Gracefully        bool              `json:"gracefully"`
	Rules             []LimitRuleStatus `json:"limit_rules"`
}

// DetailsInfo answers DETAILS: everything STATUS has plus per-slot and
// per-server detail.
type DetailsInfo struct {
	StatusInfo
	Servers []ServerStatus `json:"servers"`
	Slots   []SlotStatus   `json:"slots"`
}

// SlotStatus is one connection slot's reported state.
type SlotStatus struct {
	Index    int    `json:"index"`
	State    string `json:"state"`
	Database string `json:"database"`
	Username string `json:"username"`
}

// Backend is everything a management command needs to act on: the pool,
// the server registry, and the live configuration, behind one small
// interface so mgmtapi doesn't need to know about supervisor wiring.
type Backend interface {
	Flush(database string)
	EnableDatabase(database string)
	DisableDatabase(database string)
	SetGracefully(enabled bool)
	RequestShutdown()
	CancelShutdown() bool
	Status() StatusInfo
	Details() DetailsInfo
	Ping() bool
	Clear()
	ClearServer(name string) error
	SwitchTo(name string) error
	Reload() error
	ConfigList() map[string]string
	ConfigGet(key string) (string, bool)
	ConfigSet(key, value string) error
	ConfigAlias(database, alias string) error
	GetPassword(username string) (string, bool)
}

// CoreBackend implements Backend directly against a *pool.Pool and
// *server.Registry, with the live *config.Config held behind an
// atomic.Pointer so RELOAD can swap it without disturbing in-flight
// requests — the same snapshot-swap approach internal/config.Watcher's
// caller is expected to use (documented in DESIGN.md's reload Open
// Question).
type CoreBackend struct {
	Pool        *pool.Pool
	Registry    *server.Registry
	cfg         atomic.Pointer[config.Config]
	reload      func() (*config.Config, error)
	shutdownCh  chan struct{}
	shutdownReq atomic.Bool
}

// NewCoreBackend builds a CoreBackend around an initial configuration and
// a reload function that re-reads it from disk.
func NewCoreBackend(p *pool.Pool, reg *server.Registry, initial *config.Config, reload func() (*config.Config, error)) *CoreBackend {
	b := &CoreBackend{Pool: p, Registry: reg, reload: reload, shutdownCh: make(chan struct{})}
	b.cfg.Store(initial)
	return b
}

// Config returns the currently active configuration snapshot.
func (b *CoreBackend) Config() *config.Config { return b.cfg.Load() }

// ShutdownChan returns the channel RequestShutdown closes; after
// CancelShutdown it is a fresh, open channel. No package in this module
// selects on it.
func (b *CoreBackend) ShutdownChan() <-chan struct{} { return b.shutdownCh }

func (b *CoreBackend) Flush(database string) { b.Pool.FlushDatabase(database) }

func (b *CoreBackend) EnableDatabase(database string)  { b.Pool.EnableDatabase(database) }
func (b *CoreBackend) DisableDatabase(database string) { b.Pool.DisableDatabase(database) }

func (b *CoreBackend) SetGracefully(enabled bool) { b.Pool.SetGracefully(enabled) }

func (b *CoreBackend) RequestShutdown() {
	if b.shutdownReq.CompareAndSwap(false, true) {
		close(b.shutdownCh)
	}
}

func (b *CoreBackend) CancelShutdown() bool {
	if b.shutdownReq.Load() {
		// The channel is already closed; a genuine cancel needs a fresh
		// channel so a later RequestShutdown can fire again.
		b.shutdownCh = make(chan struct{})
		b.shutdownReq.Store(false)
		return true
	}
	return false
}

func (b *CoreBackend) Status() StatusInfo {
	rules := b.Pool.Rules()
	out := make([]LimitRuleStatus, 0, len(rules))
	for _, r := range rules {
		out = append(out, LimitRuleStatus{Database: r.Database, Username: r.Username, MinSize: r.MinSize, MaxSize: r.MaxSize, Active: r.Active()})
	}
	return StatusInfo{
		ActiveConnections: b.Pool.ActiveConnections(),
		Gracefully:        b.Pool.Gracefully(),
		Rules:             out,
	}
}

func (b *CoreBackend) Details() DetailsInfo {
	status := b.Status()

	servers := make([]ServerStatus, 0)
	if b.Registry != nil {
		for _, s := range b.Registry.Servers() {
			servers = append(servers, ServerStatus{Name: s.Name, Host: s.Host, Port: s.Port, State: s.State().String()})
		}
	}

	slots := make([]SlotStatus, 0, len(b.Pool.Slots()))
	for i, s := range b.Pool.Slots() {
		slots = append(slots, SlotStatus{Index: i, State: s.State().String(), Database: s.Database, Username: s.Username})
	}

	return DetailsInfo{StatusInfo: status, Servers: servers, Slots: slots}
}

func (b *CoreBackend) Ping() bool { return true }

// Clear resets every FREE slot across every database, distinct from a
// scoped FLUSH <database>.
func (b *CoreBackend) Clear() { b.Pool.FlushDatabase("") }

func (b *CoreBackend) ClearServer(name string) error {
	if b.Registry == nil || !b.Registry.ClearServer(name) {
		return fmt.Errorf("unknown server %q", name)
	}
	return nil
}

func (b *CoreBackend) SwitchTo(name string) error {
	if b.Registry == nil || !b.Registry.SwitchTo(name) {
		return fmt.Errorf("unknown server %q", name)
	}
	return nil
}

func (b *CoreBackend) Reload() error {
	if b.reload == nil {
		return fmt.Errorf("reload is not configured")
	}
	cfg, err := b.reload()
	if err != nil {
		return err
	}
	b.cfg.Store(cfg)
	return nil
}

func (b *CoreBackend) ConfigList() map[string]string {
	cfg := b.cfg.Load()
	if cfg == nil {
		return nil
	}
	return map[string]string{
		"port":                fmt.Sprintf("%d", cfg.Server.Port),
		"management_port":     fmt.Sprintf("%d", cfg.Server.ManagementPort),
		"metrics_port":        fmt.Sprintf("%d", cfg.Server.MetricsPort),
		"pipeline":            cfg.Server.Pipeline,
		"idle_timeout":        cfg.Server.IdleTimeout.String(),
		"max_connection_age":  cfg.Server.MaxConnectionAge.String(),
		"validation_interval": cfg.Server.ValidationInterval.String(),
		"disconnect_client":   cfg.Server.DisconnectClient.String(),
	}
}

func (b *CoreBackend) ConfigGet(key string) (string, bool) {
	values := b.ConfigList()
	v, ok := values[key]
	return v, ok
}

// ConfigSet is deliberately unimplemented: spec.md's configuration reload
// machinery is out-of-core-scope and SPEC_FULL.md models it as a full
// reload-from-disk, not field-level mutation; CONFIG_SET reports the
// field name so an operator knows to edit the file and RELOAD instead.
func (b *CoreBackend) ConfigSet(key, value string) error {
	return fmt.Errorf("config_set is not supported; edit the configuration file and issue RELOAD (key=%q)", key)
}

func (b *CoreBackend) ConfigAlias(database, alias string) error {
	cfg := b.cfg.Load()
	if cfg == nil {
		return fmt.Errorf("no configuration loaded")
	}
	for i := range cfg.Databases.Databases {
		if cfg.Databases.Databases[i].Name == database {
			cfg.Databases.Databases[i].Aliases = append(cfg.Databases.Databases[i].Aliases, alias)
			return nil
		}
	}
	return fmt.Errorf("unknown database %q", database)
}

func (b *CoreBackend) GetPassword(username string) (string, bool) {
	cfg := b.cfg.Load()
	if cfg == nil {
		return "", false
	}
	return cfg.FrontendUsers.Lookup(username)
}
