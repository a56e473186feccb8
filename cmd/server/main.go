package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/iudanet/synceddb/internal/server/auth"
	"github.com/iudanet/synceddb/internal/server/config"
	"github.com/iudanet/synceddb/internal/server/handlers"
	"github.com/iudanet/synceddb/internal/server/hub"
	"github.com/iudanet/synceddb/internal/server/middleware"
	"github.com/iudanet/synceddb/internal/server/storage"
	"github.com/iudanet/synceddb/internal/server/storage/couchdb"
	"github.com/iudanet/synceddb/internal/server/storage/memory"
	"github.com/iudanet/synceddb/internal/server/storage/sqlite"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Флаги переопределяют переменные окружения
	showVersion := flag.Bool("version", false, "Show version information")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.Storage.Driver, "db-driver", cfg.Storage.Driver, "Change log backend: sqlite, memory or couchdb")
	flag.StringVar(&cfg.Storage.Path, "db-path", cfg.Storage.Path, "SQLite database file")
	flag.BoolVar(&cfg.Storage.AssignKeys, "assign-keys", cfg.Storage.AssignKeys, "Assign a fresh key to every created record")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug, info, warn, error")
	issueFor := flag.String("issue-token", "", "Print a token for the given subject and exit")
	privileges := flag.String("privileges", string(auth.ReadWrite), "Privileges of the issued token: readonly or readwrite")
	flag.Parse()

	if *showVersion {
		printVersion()
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	authCfg := auth.Config{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	}

	if *issueFor != "" {
		if !cfg.Auth.Enabled() {
			return errors.New("AUTH_SECRET must be set to issue tokens")
		}
		token, err := auth.IssueToken(authCfg, *issueFor, auth.Privileges(*privileges))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	logger, closeLog := setupLogger(cfg.Logging)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes, err := openChangeLog(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := changes.Close(); err != nil {
			logger.Error("Failed to close change log", "error", err)
		}
	}()

	hubOpts := hub.Options{
		CheckOrigin:    checkOrigin(cfg.WebSocket.AllowedOrigins),
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	}

	var authn *auth.Authenticator
	if cfg.Auth.Enabled() {
		authn = auth.New(authCfg, cfg.Auth.Timeout, logger)
		hubOpts.SessionInit = authn.SessionInit
	}

	h := hub.New(changes, logger, hubOpts)
	handlers.NewSyncHandler(logger).Register(h)
	if authn != nil {
		authn.Register(h)
	}

	var ws http.Handler = h
	if cfg.Auth.Enabled() {
		ws = middleware.AuthMiddleware(logger, authCfg)(ws)
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.ConnectionsPerMinute > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.ConnectionsPerMinute, time.Minute, cfg.RateLimit.TrustProxy)
		go limiter.Run(ctx)
		ws = limiter.Middleware(logger)(ws)
	}

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingWithSkip(logger, []string{"/health"}))
	router.Handle("/ws", ws).Methods(http.MethodGet)
	router.HandleFunc("/health", handlers.NewHealthHandler(logger, h).Health).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			"addr", cfg.Addr,
			"driver", cfg.Storage.Driver,
			"auth", cfg.Auth.Enabled(),
			"version", Version,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func openChangeLog(ctx context.Context, cfg config.StorageConfig) (storage.ChangeLog, error) {
	opts := storage.Options{AssignKeys: cfg.AssignKeys}

	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(opts), nil
	case config.DriverCouchDB:
		return couchdb.New(ctx, cfg.CouchDBURL, cfg.CouchDBName, opts)
	default:
		return sqlite.New(ctx, cfg.Path, opts)
	}
}

// setupLogger пишет в stdout или в файл с ротацией
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = rotating
		closeFn = func() { _ = rotating.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(handler), closeFn
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Не браузерный клиент
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, o := range allowed {
			if o == origin || o == u.Host {
				return true
			}
		}
		return false
	}
}

func printVersion() {
	fmt.Printf("SyncedDB Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
