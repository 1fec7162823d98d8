// Command ssolinkd runs the session-linking server as a standalone daemon.
//
// Environment selects the backends: REDIS_ADDR switches the linking cache
// and session engine from in-process to Redis, DATABASE_URL switches the
// broker registry and user directory from the YAML config file to Postgres.
// Everything else comes from the config file named by SSOLINK_CONFIG.
package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/directory"
	"github.com/ssokit/ssolink/directory/filedir"
	"github.com/ssokit/ssolink/directory/memorydir"
	"github.com/ssokit/ssolink/internal/logctx"
	"github.com/ssokit/ssolink/linkcache"
	"github.com/ssokit/ssolink/linkcache/memorycache"
	"github.com/ssokit/ssolink/linkcache/rediscache"
	"github.com/ssokit/ssolink/sessions"
	"github.com/ssokit/ssolink/sessions/memoryengine"
	"github.com/ssokit/ssolink/sessions/redisengine"
	"github.com/ssokit/ssolink/sqlstore"
	"github.com/ssokit/ssolink/ssoserver"
)

type envConfig struct {
	// ListenAddr is the address the HTTP server binds. ENV: SSOLINK_LISTEN
	ListenAddr string `env:"SSOLINK_LISTEN,default=127.0.0.1:8080"`

	// ConfigPath names the YAML config file. ENV: SSOLINK_CONFIG
	ConfigPath string `env:"SSOLINK_CONFIG,default=ssolinkd.yaml"`

	// RedisAddr switches cache and sessions to Redis. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// DatabaseURL switches brokers and users to Postgres. ENV: DATABASE_URL
	DatabaseURL string `env:"DATABASE_URL"`

	// LinkTTL bounds linking-cache entries. ENV: SSOLINK_LINK_TTL
	LinkTTL time.Duration `env:"SSOLINK_LINK_TTL,default=1h"`

	// LogLevel is debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// CookieInsecure drops the Secure flag for plain-HTTP development.
	// ENV: SSOLINK_COOKIE_INSECURE
	CookieInsecure bool `env:"SSOLINK_COOKIE_INSECURE,default=false"`

	// CookieDomain scopes the server session cookie. ENV: SSOLINK_COOKIE_DOMAIN
	CookieDomain string `env:"SSOLINK_COOKIE_DOMAIN"`
}

// fileConfig is the YAML config file shape. Brokers and users are ignored
// when DATABASE_URL points at Postgres.
type fileConfig struct {
	// Brokers maps broker id to shared secret.
	Brokers map[string]string `yaml:"brokers"`

	// Users seeds the in-process directory. When UsersFile is set instead,
	// the directory hot-reloads from that file.
	Users     []memorydir.User `yaml:"users"`
	UsersFile string           `yaml:"users_file"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ssolinkd:", err)
		os.Exit(1)
	}
}

func run() error {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		return fmt.Errorf("decode environment: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})

	var file fileConfig
	if raw, err := os.ReadFile(env.ConfigPath); err == nil {
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("parse %s: %w", env.ConfigPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", env.ConfigPath, err)
	}

	var db *sql.DB
	if env.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", env.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		log.Info("using Postgres for brokers and users")
	}

	brokers, err := buildBrokers(db, &file)
	if err != nil {
		return err
	}

	dir, dirClose, err := buildDirectory(db, &file, log)
	if err != nil {
		return err
	}
	defer dirClose()

	cache, engine, backendClose, err := buildBackends(env.RedisAddr, log)
	if err != nil {
		return err
	}
	defer backendClose()

	srv, err := ssoserver.New(ssoserver.Config{
		Brokers:   brokers,
		Cache:     cache,
		Sessions:  engine,
		Directory: dir,
	},
		ssoserver.WithLogger(log),
		ssoserver.WithLinkTTL(env.LinkTTL),
	)
	if err != nil {
		return err
	}

	handlerOpts := []ssoserver.HandlerOption{
		ssoserver.WithHandlerLogger(log),
		ssoserver.WithCookieAttributes(env.CookieDomain, "/", !env.CookieInsecure, true),
	}
	httpSrv := &http.Server{
		Addr:              env.ListenAddr,
		Handler:           ssoserver.NewHandler(srv, handlerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", env.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func buildBrokers(db *sql.DB, file *fileConfig) (ssolink.Brokers, error) {
	if db != nil {
		return sqlstore.NewBrokers(db, ""), nil
	}
	if len(file.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured: set DATABASE_URL or add a brokers map to the config file")
	}
	return ssolink.StaticBrokers(file.Brokers), nil
}

func buildDirectory(db *sql.DB, file *fileConfig, log *slog.Logger) (directory.Directory, func(), error) {
	noop := func() {}

	if db != nil {
		dir, err := sqlstore.NewDirectory(db, "", verifyPassword)
		if err != nil {
			return nil, noop, err
		}
		return dir, noop, nil
	}

	if file.UsersFile != "" {
		dir, err := filedir.New(file.UsersFile, filedir.WithLogger(log))
		if err != nil {
			return nil, noop, err
		}
		return dir, func() { dir.Close() }, nil
	}

	if len(file.Users) == 0 {
		return nil, noop, fmt.Errorf("no users configured: set DATABASE_URL, users_file or a users list in the config file")
	}
	return memorydir.New(file.Users), noop, nil
}

func buildBackends(redisAddr string, log *slog.Logger) (linkcache.Cache, sessions.Engine, func(), error) {
	noop := func() {}

	if redisAddr == "" {
		cache, err := memorycache.New(65536)
		if err != nil {
			return nil, nil, noop, err
		}
		log.Info("using in-process cache and sessions; run a single instance only")
		return cache, memoryengine.New(), func() { cache.Close() }, nil
	}

	cache, err := rediscache.NewFromEnv()
	if err != nil {
		return nil, nil, noop, err
	}
	engine, err := redisengine.NewFromEnv()
	if err != nil {
		cache.Close()
		return nil, nil, noop, err
	}
	log.Info("using Redis cache and sessions", "addr", redisAddr)
	return cache, engine, func() {
		cache.Close()
		engine.Close()
	}, nil
}

// verifyPassword compares stored and presented passwords in constant time.
// Swap this for a real hash verifier when the user table stores digests.
func verifyPassword(stored, given string) error {
	if subtle.ConstantTimeCompare([]byte(stored), []byte(given)) != 1 {
		return directory.ErrBadCredentials
	}
	return nil
}
