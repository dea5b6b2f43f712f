package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	serverPath := writeYAML(t, `
pgagroal:
  port: 5432
  pipeline: transaction
`)
	cfg, err := Load(serverPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5432 {
		t.Errorf("expected port 5432, got %d", cfg.Server.Port)
	}
	if cfg.Server.ManagementPort != 2346 {
		t.Errorf("expected default management port 2346, got %d", cfg.Server.ManagementPort)
	}
	if cfg.Server.AuthenticationTimeout != 5*time.Second {
		t.Errorf("expected default authentication_timeout 5s, got %v", cfg.Server.AuthenticationTimeout)
	}
}

func TestLoadRejectsUnknownPipeline(t *testing.T) {
	serverPath := writeYAML(t, `
pgagroal:
  pipeline: bogus
`)
	if _, err := Load(serverPath, "", ""); err == nil {
		t.Fatalf("expected rejection of unknown pipeline kind")
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("PGAGROAL_TEST_HOST", "db.internal")
	defer os.Unsetenv("PGAGROAL_TEST_HOST")

	serverPath := writeYAML(t, `
pgagroal:
  port: 5432
  servers:
    - name: primary
      host: ${PGAGROAL_TEST_HOST}
      port: 5432
`)
	cfg, err := Load(serverPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.Servers) != 1 || cfg.Server.Servers[0].Host != "db.internal" {
		t.Fatalf("expected env-substituted host, got %+v", cfg.Server.Servers)
	}
}

func TestLoadValidatesServerEntries(t *testing.T) {
	serverPath := writeYAML(t, `
pgagroal:
  servers:
    - name: primary
      port: 5432
`)
	if _, err := Load(serverPath, "", ""); err == nil {
		t.Fatalf("expected rejection of a server entry missing host")
	}
}

func TestLoadValidatesDatabaseEntries(t *testing.T) {
	serverPath := writeYAML(t, `pgagroal:
  port: 5432
`)
	databasesPath := writeYAML(t, `
databases:
  - name: prod
    max_size: 0
`)
	if _, err := Load(serverPath, "", databasesPath); err == nil {
		t.Fatalf("expected rejection of a database entry with max_size <= 0")
	}
}

func TestBuildHBATable(t *testing.T) {
	serverPath := writeYAML(t, `pgagroal:
  port: 5432
`)
	hbaPath := writeYAML(t, `
hba:
  rules:
    - type: host
      database: all
      user: all
      address: 0.0.0.0/0
      method: trust
`)
	cfg, err := Load(serverPath, hbaPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	table, err := cfg.BuildHBATable()
	if err != nil {
		t.Fatalf("BuildHBATable: %v", err)
	}
	if table == nil {
		t.Fatalf("expected a non-nil HBA table")
	}
}

func TestBuildLimitRulesDefaultsUsernameToAll(t *testing.T) {
	serverPath := writeYAML(t, `pgagroal:
  port: 5432
`)
	databasesPath := writeYAML(t, `
databases:
  - name: prod
    max_size: 10
    aliases: [prod_ro]
`)
	cfg, err := Load(serverPath, "", databasesPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rules := cfg.BuildLimitRules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 limit rule, got %d", len(rules))
	}
	if rules[0].Username != "all" {
		t.Errorf("expected default username 'all', got %q", rules[0].Username)
	}
	if !rules[0].Matches("prod_ro", "anyone") {
		t.Errorf("expected alias match against prod_ro")
	}
}

func TestLoadCredentialsPopulatesFourTables(t *testing.T) {
	home := t.TempDir()
	masterKey := []byte("config-test-master-key")
	writeMasterKey(t, home, masterKey)

	usersPath := writeUserFile(t, masterKey, map[string]string{"alice": "wonderland"})
	frontendPath := writeUserFile(t, masterKey, map[string]string{"alice": "rotated-pw"})
	adminsPath := writeUserFile(t, masterKey, map[string]string{"admin": "adminpw"})
	superPath := writeUserFile(t, masterKey, map[string]string{"su": "supw"})

	serverPath := writeYAML(t, `pgagroal:
  port: 5432
  users_path: `+usersPath+`
  frontend_users_path: `+frontendPath+`
  admins_path: `+adminsPath+`
  superuser_path: `+superPath+`
`)

	cfg, err := Load(serverPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.LoadCredentials(home); err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}

	if pw, ok := cfg.BackendUsers.Lookup("alice"); !ok || pw != "wonderland" {
		t.Errorf("expected backend alice -> wonderland, got %q ok=%v", pw, ok)
	}
	if pw, ok := cfg.FrontendUsers.Lookup("alice"); !ok || pw != "rotated-pw" {
		t.Errorf("expected frontend alice -> rotated-pw, got %q ok=%v", pw, ok)
	}
	if pw, ok := cfg.Admins.Lookup("admin"); !ok || pw != "adminpw" {
		t.Errorf("expected admin -> adminpw, got %q ok=%v", pw, ok)
	}
	if len(cfg.Superuser) != 1 {
		t.Errorf("expected exactly one superuser entry, got %d", len(cfg.Superuser))
	}
}
