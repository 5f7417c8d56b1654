package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("DefaultConfig() failed validation: %s", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ""
	if err := Validate(cfg); err != ErrEmptyAddr {
		t.Fatalf("Validate(empty addr) = %v, want ErrEmptyAddr", err)
	}
}

func TestValidateRejectsBadNStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoAP.NStart = 0
	if err := Validate(cfg); err != ErrInvalidNStart {
		t.Fatalf("Validate(nstart=0) = %v, want ErrInvalidNStart", err)
	}
}

func TestValidateRejectsUnknownObserverBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer.Backend = "redis"
	if err := Validate(cfg); err != ErrInvalidObserverBackend {
		t.Fatalf("Validate(unknown backend) = %v, want ErrInvalidObserverBackend", err)
	}
}

func TestValidateRequiresBoltPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer.Backend = "bolt"
	if err := Validate(cfg); err != ErrMissingBoltPath {
		t.Fatalf("Validate(bolt, no path) = %v, want ErrMissingBoltPath", err)
	}
	cfg.Observer.BoltPath = "/tmp/observe.db"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(bolt, with path) = %s, want nil", err)
	}
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.Addr != ":5683" || cfg.CoAP.NStart != 1 {
		t.Fatalf("loaded defaults = %+v, want matching DefaultConfig", cfg)
	}
	// The seeded string defaults (loadDefaults) must round-trip through
	// the duration decode hook rather than zeroing out.
	if cfg.CoAP.AckTimeout != 2*time.Second {
		t.Fatalf("ack_timeout = %s, want 2s", cfg.CoAP.AckTimeout)
	}
	if cfg.CoAP.ExchangeLifetime != 247*time.Second {
		t.Fatalf("exchange_lifetime = %s, want 247s", cfg.CoAP.ExchangeLifetime)
	}
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapum.yaml")
	yaml := "addr: \":9999\"\ncoap:\n  nstart: 3\n  ack_timeout: 5s\nobserver:\n  backend: bolt\n  bolt_path: /var/lib/coapum/observe.db\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("write fixture: %s", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q, want :9999", cfg.Addr)
	}
	if cfg.CoAP.NStart != 3 {
		t.Fatalf("nstart = %d, want 3", cfg.CoAP.NStart)
	}
	if cfg.CoAP.AckTimeout != 5*time.Second {
		t.Fatalf("ack_timeout = %s, want 5s (from yaml string override)", cfg.CoAP.AckTimeout)
	}
	if cfg.Observer.Backend != "bolt" || cfg.Observer.BoltPath != "/var/lib/coapum/observe.db" {
		t.Fatalf("observer = %+v, want bolt backend with path set", cfg.Observer)
	}
	// Values the file didn't touch keep their defaults.
	if cfg.CoAP.MaxRetransmit != 4 {
		t.Fatalf("max_retransmit = %d, want default 4", cfg.CoAP.MaxRetransmit)
	}
	if cfg.CoAP.ExchangeLifetime != 247*time.Second {
		t.Fatalf("exchange_lifetime = %s, want default 247s", cfg.CoAP.ExchangeLifetime)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapum.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9999\"\n"), 0600); err != nil {
		t.Fatalf("write fixture: %s", err)
	}

	t.Setenv("COAPUM_ADDR", ":7000")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("addr = %q, want env override :7000", cfg.Addr)
	}
}

func TestLoadInvalidConfigFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapum.yaml")
	if err := os.WriteFile(path, []byte("coap:\n  nstart: 0\n"), 0600); err != nil {
		t.Fatalf("write fixture: %s", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("load config with nstart=0: want validation error")
	}
}
