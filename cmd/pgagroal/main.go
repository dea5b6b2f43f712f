package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/config"
	"github.com/pgagroal/pgagroal-go/internal/mgmtapi"
	"github.com/pgagroal/pgagroal-go/internal/metrics"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "configs/pgagroal.yaml", "path to the main configuration file")
	hbaPath := flag.String("hba", "configs/pgagroal_hba.yaml", "path to the HBA rule file")
	databasesPath := flag.String("databases", "configs/pgagroal_databases.yaml", "path to the databases/limits file")
	pidFile := flag.String("pidfile", "", "path to the PID file (default <unix_socket_dir>/pgagroal.<port>.pid)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgagroal starting...")

	cfg, err := config.Load(*configPath, *hbaPath, *databasesPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to resolve home directory: %v", err)
	}
	if err := cfg.LoadCredentials(homeDir); err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}

	pidPath := *pidFile
	if pidPath == "" {
		pidPath = filepath.Join(cfg.Server.UnixSocketDir, fmt.Sprintf("pgagroal.%d.pid", cfg.Server.Port))
	}
	if err := writePIDFile(pidPath); err != nil {
		log.Fatalf("failed to write pidfile: %v", err)
	}
	defer os.Remove(pidPath)

	hbaTable, err := cfg.BuildHBATable()
	if err != nil {
		log.Fatalf("failed to build hba table: %v", err)
	}

	m := metrics.New()

	onServerError := func(name string) { m.SetServerHealth(name, false) }
	registry := cfg.BuildServerRegistry(onServerError)

	dial := pool.DefaultDial(registry, false, 5*time.Second)
	backendCreds := make(map[string]string, len(cfg.BackendUsers))
	for _, u := range cfg.BackendUsers {
		backendCreds[u.Username] = u.Password
	}

	rules := cfg.BuildLimitRules()
	p := pool.New(rules, registry, dial, backendCreds, cfg.Server.BlockingTimeout)
	p.SetOnPoolExhausted(func(database, user string) { m.PoolExhausted(database, user) })

	sv := supervisor.New(p, registry, m, dial, hbaTable, cfg)
	if err := sv.ListenAll(); err != nil {
		log.Fatalf("failed to bind listeners: %v", err)
	}

	prefillCtx, cancelPrefill := context.WithTimeout(context.Background(), 30*time.Second)
	p.Prefill(prefillCtx, pool.DialAndAuthenticateAsPool(p))
	cancelPrefill()

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	sv.StartSweeps(sweepCtx)

	coreBackend := mgmtapi.NewCoreBackend(p, registry, cfg, func() (*config.Config, error) {
		reloaded, err := config.Load(*configPath, *hbaPath, *databasesPath)
		if err != nil {
			return nil, err
		}
		if err := reloaded.LoadCredentials(homeDir); err != nil {
			return nil, err
		}
		newHBA, err := reloaded.BuildHBATable()
		if err != nil {
			return nil, err
		}
		sv.UpdateHBA(newHBA)
		sv.UpdateConfig(reloaded)
		return reloaded, nil
	})

	mgmtServer := mgmtapi.NewServer(coreBackend, func() config.UserTable { return coreBackend.Config().Admins })
	socketPath := filepath.Join(cfg.Server.UnixSocketDir, fmt.Sprintf(".s.PGSQL.%d.mgmt", cfg.Server.ManagementPort))
	if err := mgmtServer.ListenLocal(socketPath); err != nil {
		log.Fatalf("failed to bind management socket: %v", err)
	}
	if cfg.Server.ManagementPort > 0 {
		if err := mgmtServer.ListenRemote(fmt.Sprintf("0.0.0.0:%d", cfg.Server.ManagementPort)); err != nil {
			log.Fatalf("failed to bind remote management port: %v", err)
		}
	}
	go mgmtServer.ServeLocal()
	go mgmtServer.ServeRemote()

	metricsServer := mgmtapi.NewMetricsServer(coreBackend, m.Registry)
	if cfg.Server.MetricsPort > 0 {
		if err := metricsServer.Start(cfg.Server.MetricsPort); err != nil {
			log.Fatalf("failed to start metrics server: %v", err)
		}
	}

	watcher, err := config.NewWatcher(*configPath, *hbaPath, *databasesPath, homeDir, func(reloaded *config.Config) {
		newHBA, err := reloaded.BuildHBATable()
		if err != nil {
			log.Printf("reload: rebuilding hba table failed: %v", err)
			return
		}
		sv.UpdateHBA(newHBA)
		sv.UpdateConfig(reloaded)
		log.Printf("configuration reloaded")
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgagroal ready - listen:%d management:%d metrics:%d", cfg.Server.Port, cfg.Server.ManagementPort, cfg.Server.MetricsPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			log.Printf("received SIGHUP, reloading configuration")
			if _, err := coreBackend.Reload(); err != nil {
				log.Printf("reload failed: %v", err)
			}
			continue
		}
		log.Printf("received signal %s, shutting down...", sig)
		break
	}

	cancelSweeps()
	if watcher != nil {
		watcher.Stop()
	}
	mgmtServer.Close()
	if cfg.Server.MetricsPort > 0 {
		metricsServer.Stop()
	}
	sv.Shutdown(30 * time.Second)

	log.Printf("pgagroal stopped")
}

// writePIDFile writes the running process's PID to path, refusing to start
// if a stale file already exists (spec.md §6 "PID file").
func writePIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("pidfile %s already exists or cannot be created: %w", path, err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return err
}
