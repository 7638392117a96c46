// Package config reads service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendTables = "tables"
)

// Config holds every setting of the hub process.
type Config struct {
	ListenAddr   string
	AllowOrigins []string
	BoardsFile   string

	StoreBackend      string
	SQLitePath        string
	StorageConnString string
	PositionsTable    string
	TaskEventsQueue   string

	RedisConnString    string
	SnapshotCacheTTL   time.Duration
	BoardEventsChannel string

	OutboundQueue    int
	MoveTimeout      time.Duration
	MoveRetryBackoff time.Duration
	WSPingInterval   time.Duration

	Auth0Domain     string
	Auth0Audience   string
	LocalAuthMode   string
	LocalAuthSecret string
	JWKSCacheTTL    time.Duration

	OTLPEndpoint string
	Debug        bool
	LogFormat    string
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var r reader
	cfg := Config{
		ListenAddr:   ":8080",
		AllowOrigins: r.list("CORS_ALLOW_ORIGINS", []string{"*"}),
		BoardsFile:   r.str("BOARDS_FILE", "boards.yaml"),

		StoreBackend:      strings.ToLower(r.str("STORE_BACKEND", BackendMemory)),
		SQLitePath:        r.str("SQLITE_PATH", "board-hub.db"),
		StorageConnString: r.str("STORAGE_CONNECTION_STRING", ""),
		PositionsTable:    r.str("POSITIONS_TABLE", "taskpositions"),
		TaskEventsQueue:   r.str("TASK_EVENTS_QUEUE", ""),

		RedisConnString:    r.str("REDIS_CONNECTION_STRING", ""),
		SnapshotCacheTTL:   r.dur("SNAPSHOT_CACHE_TTL", 30*time.Second),
		BoardEventsChannel: r.str("BOARD_EVENTS_CHANNEL", "board-events"),

		OutboundQueue:    r.int("OUTBOUND_QUEUE", 256),
		MoveTimeout:      r.dur("MOVE_TIMEOUT", 5*time.Second),
		MoveRetryBackoff: r.dur("MOVE_RETRY_BACKOFF", 50*time.Millisecond),
		WSPingInterval:   r.dur("WS_PING_INTERVAL", 30*time.Second),

		Auth0Domain:     r.str("AUTH0_DOMAIN", ""),
		Auth0Audience:   r.str("AUTH0_AUDIENCE", ""),
		LocalAuthMode:   r.str("LOCAL_AUTH_MODE", ""),
		LocalAuthSecret: r.str("LOCAL_AUTH_SHARED_SECRET", ""),
		JWKSCacheTTL:    r.dur("JWKS_CACHE_TTL", 15*time.Minute),

		OTLPEndpoint: r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Debug:        r.bool("DEBUG"),
		LogFormat:    strings.ToLower(r.str("LOG_FORMAT", "text")),
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	} else if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		cfg.ListenAddr = ":" + v
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("missing SQLITE_PATH")
		}
	case BackendTables:
		if c.StorageConnString == "" || c.PositionsTable == "" {
			return errors.New("missing storage config")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.TaskEventsQueue != "" && c.StorageConnString == "" {
		return errors.New("TASK_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.LocalAuthMode == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		return errors.New("missing Auth0 config")
	}
	if c.OutboundQueue <= 0 {
		return errors.New("invalid OUTBOUND_QUEUE: must be greater than zero")
	}
	return nil
}

// RedisOptions accepts either a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func RedisOptions(connStr string) (*redis.Options, error) {
	if connStr == "" {
		return nil, errors.New("missing redis config")
	}
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	if d < 0 {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: must not be negative", key))
		return def
	}
	return d
}

func (r *reader) bool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func (r *reader) list(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
