package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.PollSchedule != "@every 30s" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Blob.Driver != "fs" || cfg.Metadata.Driver != "sqlite" {
		t.Fatalf("unexpected driver defaults: %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`
listen: ":9090"
poll_schedule: "@every 5s"
blob:
  driver: memory
metadata:
  driver: postgres
  dsn: postgres://localhost/piovee
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.PollSchedule != "@every 5s" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Blob.Driver != "memory" || cfg.Metadata.Driver != "postgres" {
		t.Fatalf("driver values not applied: %+v", cfg)
	}
	if cfg.Metadata.DSN != "postgres://localhost/piovee" {
		t.Fatalf("dsn = %q", cfg.Metadata.DSN)
	}
	// Unset fields keep their defaults.
	if cfg.Metadata.Path != "piovee.db" {
		t.Fatalf("sqlite path default lost: %q", cfg.Metadata.Path)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIOVEE_LISTEN", ":7070")
	t.Setenv("PIOVEE_BLOB_DRIVER", "s3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Fatalf("env override lost: %q", cfg.Listen)
	}
	if cfg.Blob.Driver != "s3" {
		t.Fatalf("env override lost: %q", cfg.Blob.Driver)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing explicit config file")
	}
}
