package config

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_load_merges_positional_kite_args(t *testing.T) {
	cfg, err := Load("", "myname.pagekite.me", "s3cr3t")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Kites) != 1 || cfg.Kites[0].Name != "myname.pagekite.me" || cfg.Kites[0].Secret != "s3cr3t" {
		t.Fatalf("unexpected kites: %+v", cfg.Kites)
	}
	if cfg.Kites[0].Proto != "http" {
		t.Fatalf("expected default proto http, got %q", cfg.Kites[0].Proto)
	}
}

func Test_load_rejects_no_kites(t *testing.T) {
	if _, err := Load("", "", ""); err == nil {
		t.Fatal("expected error when no kites are configured")
	}
}

func Test_load_reads_yaml_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
kites:
  - name: foo.pagekite.me
    secret: abc123
    proto: raw/22
relay:
  front_end: fe1.example.com
  port: 444
proxy:
  url: socks5://localhost:1080
tunnel:
  min_check_interval: 5s
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path, "", "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Kites) != 1 || cfg.Kites[0].Proto != "raw/22" {
		t.Fatalf("unexpected kites: %+v", cfg.Kites)
	}
	if cfg.Relay.FrontEnd != "fe1.example.com" || cfg.Relay.Port != 444 {
		t.Fatalf("unexpected relay config: %+v", cfg.Relay)
	}
	if cfg.Proxy.URL != "socks5://localhost:1080" {
		t.Fatalf("unexpected proxy url: %q", cfg.Proxy.URL)
	}
	if cfg.Tunnel.MinCheckInterval.Seconds() != 5 {
		t.Fatalf("expected overridden min_check_interval, got %v", cfg.Tunnel.MinCheckInterval)
	}
	if cfg.Tunnel.MaxCheckInterval.Seconds() != 120 {
		t.Fatalf("expected default max_check_interval to survive partial override, got %v", cfg.Tunnel.MaxCheckInterval)
	}
}

func Test_load_rejects_kite_missing_secret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "kites:\n  - name: foo.pagekite.me\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path, "", ""); err == nil {
		t.Fatal("expected error for kite missing secret")
	}
}

func Test_load_missing_file_errors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml", "", ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}
