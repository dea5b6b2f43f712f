// Package config loads pgagroal's configuration surfaces: the main
// pgagroal.conf-equivalent (listen addresses, pipeline, timeouts,
// failover), the HBA rule table, the database/limit table, and the four
// master-key-encrypted credential tables. Config *parsing grammar* mirrors
// the original's three-file split (pgagroal.conf / pgagroal_hba.conf /
// pgagroal_databases.conf) but is expressed as three YAML documents instead
// of the original's custom INI grammar, per SPEC_FULL.md's ambient stack.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pgagroal/pgagroal-go/internal/hba"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/server"
)

// ServerEndpoint is one entry in the backend server list.
type ServerEndpoint struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServerConfig is the pgagroal.conf-equivalent main section: listen
// sockets, pipeline selection, and the timeout family from spec.md §4.3,
// §4.4, §4.5, §4.7.
type ServerConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	Port            int      `yaml:"port"`
	UnixSocketDir   string   `yaml:"unix_socket_dir"`
	ManagementPort  int      `yaml:"management_port"`
	MetricsPort     int      `yaml:"metrics_port"`

	Pipeline string `yaml:"pipeline"` // "performance" | "session" | "transaction"

	AuthenticationTimeout         time.Duration `yaml:"authentication_timeout"`
	BlockingTimeout               time.Duration `yaml:"blocking_timeout"`
	IdleTimeout                   time.Duration `yaml:"idle_timeout"`
	MaxConnectionAge              time.Duration `yaml:"max_connection_age"`
	ValidationInterval            time.Duration `yaml:"validation_interval"`
	DisconnectClient              time.Duration `yaml:"disconnect_client"`
	RotateFrontendPasswordTimeout time.Duration `yaml:"rotate_frontend_password_timeout"`

	TrackPreparedStatements bool   `yaml:"track_prepared_statements"`
	FailoverScript          string `yaml:"failover_script"`

	// AuthQuery enables mode D: on a cache miss, fetch the user's shadow
	// credential from the backend via a superuser session instead of
	// relying on a locally configured password (spec.md §4.2 mode D).
	AuthQuery bool `yaml:"auth_query"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	Servers []ServerEndpoint `yaml:"servers"`

	UsersPath         string `yaml:"users_path"`
	FrontendUsersPath string `yaml:"frontend_users_path"`
	AdminsPath        string `yaml:"admins_path"`
	SuperuserPath     string `yaml:"superuser_path"`
}

// HBARuleSpec is one YAML-encoded row of the HBA table, parsed into an
// hba.Rule by BuildHBATable.
type HBARuleSpec struct {
	Type     string `yaml:"type"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Address  string `yaml:"address"`
	Method   string `yaml:"method"`
}

// HBAConfig is the pgagroal_hba.conf-equivalent document: an ordered list
// of rules, first match wins (spec.md §4.6).
type HBAConfig struct {
	Rules []HBARuleSpec `yaml:"rules"`
}

// DatabaseEntry is one limit/alias entry from the databases document,
// mapped to a pool.LimitRule by BuildLimitRules.
type DatabaseEntry struct {
	Name        string   `yaml:"name"`
	Username    string   `yaml:"username"`
	Aliases     []string `yaml:"aliases"`
	MinSize     int      `yaml:"min_size"`
	InitialSize int      `yaml:"initial_size"`
	MaxSize     int      `yaml:"max_size"`
}

// DatabasesConfig is the pgagroal_databases.conf-equivalent document.
type DatabasesConfig struct {
	Databases []DatabaseEntry `yaml:"databases"`
}

// Config aggregates the three YAML documents plus the credential tables
// loaded separately through the master key (LoadCredentials), since the
// credential tables are encrypted files, not YAML.
type Config struct {
	Server    ServerConfig    `yaml:"pgagroal"`
	HBA       HBAConfig       `yaml:"hba"`
	Databases DatabasesConfig `yaml:"databases"`

	BackendUsers  UserTable `yaml:"-"`
	FrontendUsers UserTable `yaml:"-"`
	Admins        UserTable `yaml:"-"`
	Superuser     UserTable `yaml:"-"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

func loadYAMLDocument(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	data = substituteEnvVars(data)
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Load reads the main, HBA, and databases YAML documents (any of which may
// be an empty path, in which case that section stays at its zero value)
// and applies defaults and validation. It does not load credential tables;
// call LoadCredentials separately once the home directory is known.
func Load(serverPath, hbaPath, databasesPath string) (*Config, error) {
	cfg := &Config{}

	var serverDoc struct {
		Server ServerConfig `yaml:"pgagroal"`
	}
	if err := loadYAMLDocument(serverPath, &serverDoc); err != nil {
		return nil, err
	}
	cfg.Server = serverDoc.Server
	var hbaDoc struct {
		HBA HBAConfig `yaml:"hba"`
	}
	if err := loadYAMLDocument(hbaPath, &hbaDoc); err != nil {
		return nil, err
	}
	cfg.HBA = hbaDoc.HBA
	if err := loadYAMLDocument(databasesPath, &cfg.Databases); err != nil {
		return nil, err
	}

	applyDefaults(&cfg.Server)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(s *ServerConfig) {
	if s.Port == 0 {
		s.Port = 2345
	}
	if s.UnixSocketDir == "" {
		s.UnixSocketDir = "/tmp"
	}
	if s.ManagementPort == 0 {
		s.ManagementPort = 2346
	}
	if s.Pipeline == "" {
		s.Pipeline = "performance"
	}
	if s.AuthenticationTimeout == 0 {
		s.AuthenticationTimeout = 5 * time.Second
	}
	if s.BlockingTimeout == 0 {
		s.BlockingTimeout = 30 * time.Second
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 0 // 0 disables the idle sweep, matching the original's default
	}
	if s.ValidationInterval == 0 {
		s.ValidationInterval = 5 * time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.Server.Pipeline {
	case "performance", "session", "transaction":
	default:
		return fmt.Errorf("unsupported pipeline %q (must be performance, session, or transaction)", cfg.Server.Pipeline)
	}
	for _, srv := range cfg.Server.Servers {
		if srv.Name == "" {
			return fmt.Errorf("server entry missing name")
		}
		if srv.Host == "" {
			return fmt.Errorf("server %q: host is required", srv.Name)
		}
		if srv.Port == 0 {
			return fmt.Errorf("server %q: port is required", srv.Name)
		}
	}
	for _, db := range cfg.Databases.Databases {
		if db.Name == "" {
			return fmt.Errorf("database entry missing name")
		}
		if db.MaxSize <= 0 {
			return fmt.Errorf("database %q: max_size must be positive", db.Name)
		}
	}
	return nil
}

// LoadCredentials decrypts the four disjoint credential tables named by
// the server config, using the master key found under homeDir
// (spec.md §3, §6 "Master key"). A table whose path is unset stays empty.
func (c *Config) LoadCredentials(homeDir string) error {
	masterKey, err := LoadMasterKey(homeDir)
	if err != nil {
		return fmt.Errorf("loading master key: %w", err)
	}

	if c.BackendUsers, err = LoadUserFile(c.Server.UsersPath, masterKey); err != nil {
		return fmt.Errorf("loading backend users: %w", err)
	}
	if c.FrontendUsers, err = LoadUserFile(c.Server.FrontendUsersPath, masterKey); err != nil {
		return fmt.Errorf("loading frontend users: %w", err)
	}
	if c.Admins, err = LoadUserFile(c.Server.AdminsPath, masterKey); err != nil {
		return fmt.Errorf("loading admins: %w", err)
	}
	if c.Superuser, err = LoadSuperuserFile(c.Server.SuperuserPath, masterKey); err != nil {
		return fmt.Errorf("loading superuser: %w", err)
	}
	return nil
}

// BuildHBATable turns the HBA document into an hba.Table, first match wins,
// in file order (spec.md §4.6).
func (c *Config) BuildHBATable() (*hba.Table, error) {
	rules := make([]hba.Rule, 0, len(c.HBA.Rules))
	for i, spec := range c.HBA.Rules {
		rule, err := hba.ParseRule(spec.Type, spec.Database, spec.User, spec.Address, spec.Method)
		if err != nil {
			return nil, fmt.Errorf("hba rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return hba.NewTable(rules), nil
}

// BuildServerRegistry turns the configured backend endpoints into a
// server.Registry wired to the configured failover script.
func (c *Config) BuildServerRegistry(onServerError func(string)) *server.Registry {
	servers := make([]*server.Server, 0, len(c.Server.Servers))
	for _, s := range c.Server.Servers {
		servers = append(servers, server.NewServer(s.Name, s.Host, s.Port))
	}
	return server.NewRegistry(servers, c.Server.FailoverScript, onServerError)
}

// BuildLimitRules turns the databases document into the pool's limit rules,
// one per configured database (spec.md §4.3 "Limit rules").
func (c *Config) BuildLimitRules() []*pool.LimitRule {
	rules := make([]*pool.LimitRule, 0, len(c.Databases.Databases))
	for _, db := range c.Databases.Databases {
		username := db.Username
		if username == "" {
			username = "all"
		}
		rules = append(rules, &pool.LimitRule{
			Database:    db.Name,
			Username:    username,
			MinSize:     db.MinSize,
			InitialSize: db.InitialSize,
			MaxSize:     db.MaxSize,
			Aliases:     db.Aliases,
		})
	}
	return rules
}

// Redacted returns a copy of the server config with credential file paths
// kept (they're just paths) but is the hook callers use before logging a
// Config; the credential tables themselves are never logged.
func (s ServerConfig) Redacted() ServerConfig {
	return s
}

// Watcher watches the main config file for changes and invokes onReload
// with a freshly loaded Config. The databases and HBA documents are
// reloaded from the same paths each time, matching the original's
// SIGHUP-driven full reload rather than a partial one.
type Watcher struct {
	serverPath, hbaPath, databasesPath string
	homeDir                            string
	onReload                           func(*Config)
	watcher                            *fsnotify.Watcher
	mu                                 sync.Mutex
	stopCh                             chan struct{}
}

// NewWatcher creates a config watcher on the main server config file.
func NewWatcher(serverPath, hbaPath, databasesPath, homeDir string, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(serverPath); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		serverPath:    serverPath,
		hbaPath:       hbaPath,
		databasesPath: databasesPath,
		homeDir:       homeDir,
		onReload:      onReload,
		watcher:       w,
		stopCh:        make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.serverPath, cw.hbaPath, cw.databasesPath)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}
	if err := cfg.LoadCredentials(cw.homeDir); err != nil {
		log.Printf("[config] hot-reload credential load failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.serverPath)
	cw.onReload(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
