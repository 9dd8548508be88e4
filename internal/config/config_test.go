package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LISTENROOM_CONFIG", "")
	t.Setenv("LISTENROOM_ENV", "")
	t.Setenv("LISTENROOM_DB_BACKEND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("environment mismatch: got %q", cfg.Environment)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("backend mismatch: got %q", cfg.DBBackend)
	}
	if cfg.DesyncWindow != time.Second {
		t.Fatalf("desync window mismatch: got %v", cfg.DesyncWindow)
	}
	if cfg.PositionSaveInterval != 2*time.Second {
		t.Fatalf("save interval mismatch: got %v", cfg.PositionSaveInterval)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("LISTENROOM_DB_BACKEND", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listenroom.yaml")
	body := "environment: production\nhttp_port: 9999\njwt_signing_key: file-secret\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LISTENROOM_CONFIG", path)
	t.Setenv("LISTENROOM_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("env should win: got %q", cfg.Environment)
	}
	if cfg.HTTPPort != 9999 {
		t.Fatalf("file value lost: got %d", cfg.HTTPPort)
	}
}

func TestLoad_ProductionRequiresSigningKey(t *testing.T) {
	t.Setenv("LISTENROOM_ENV", "production")
	t.Setenv("LISTENROOM_JWT_SIGNING_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing signing key in production")
	}
}
