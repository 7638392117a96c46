package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LOCAL_AUTH_MODE", "hs256")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StoreBackend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.OutboundQueue != 256 || cfg.MoveTimeout != 5*time.Second || cfg.MoveRetryBackoff != 50*time.Millisecond {
		t.Fatalf("unexpected hub defaults %+v", cfg)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOCAL_AUTH_MODE", "hs256")
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("OUTBOUND_QUEUE", "8")
	t.Setenv("MOVE_TIMEOUT", "250ms")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DEBUG", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.StoreBackend != BackendSQLite || cfg.OutboundQueue != 8 || cfg.MoveTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.AllowOrigins) != 2 || cfg.AllowOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowOrigins)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug")
	}

	t.Setenv("LISTEN_ADDR", "127.0.0.1:7000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("LISTEN_ADDR should win over PORT, got %s", cfg.ListenAddr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":         {"LOCAL_AUTH_MODE": "hs256", "OUTBOUND_QUEUE": "many"},
		"zero queue":      {"LOCAL_AUTH_MODE": "hs256", "OUTBOUND_QUEUE": "0"},
		"bad duration":    {"LOCAL_AUTH_MODE": "hs256", "MOVE_TIMEOUT": "soon"},
		"unknown backend": {"LOCAL_AUTH_MODE": "hs256", "STORE_BACKEND": "etcd"},
		"tables no conn":  {"LOCAL_AUTH_MODE": "hs256", "STORE_BACKEND": "tables"},
		"queue no conn":   {"LOCAL_AUTH_MODE": "hs256", "TASK_EVENTS_QUEUE": "task-events"},
		"missing auth0":   {"AUTH0_DOMAIN": "tenant.example"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	opts, err = RedisOptions("cache.example:6380,password=pw,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("azure: %v", err)
	}
	if opts.Addr != "cache.example:6380" || opts.Password != "pw" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options %+v", opts)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}
