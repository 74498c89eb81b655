package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Environment != "local" {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.AvailableTarget != 5 {
		t.Errorf("availableTarget = %d", cfg.AvailableTarget)
	}
	// local env pins the MySQL user host
	if cfg.MySQL.AppIPRange != "localhost" {
		t.Errorf("appIpRange = %q", cfg.MySQL.AppIPRange)
	}
}

func TestLoadJSONOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"environment":"test","server":{"bindAddr":"127.0.0.1:9000"},"availableTarget":12}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Environment != "test" || cfg.Server.BindAddr != "127.0.0.1:9000" {
		t.Errorf("override not applied: %+v", cfg.Server)
	}
	if cfg.AvailableTarget != 12 {
		t.Errorf("availableTarget = %d", cfg.AvailableTarget)
	}
}

func TestLoadRolesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	body := `
roles:
  webservers: [web1.example.edu, web2.example.edu]
  operations: ops.example.edu
inactivity:
  first: 30
  second: 55
  take_down: 60
  min_gap: 5
protected_paths: [www, admin, static]
large_instances: [p1aaaaaaaaaa]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := load("", path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Roles.Webservers) != 2 || cfg.Roles.Operations != "ops.example.edu" {
		t.Errorf("roles not loaded: %+v", cfg.Roles)
	}
	if cfg.Inactivity.TakeDown != 60 || cfg.Inactivity.MinGap != 5 {
		t.Errorf("inactivity not loaded: %+v", cfg.Inactivity)
	}
	if len(cfg.ProtectedPaths) != 3 {
		t.Errorf("protected paths not loaded: %v", cfg.ProtectedPaths)
	}
}
