// Package cli implements the synceddb client commands on top of a local
// bbolt database and a sync server connection.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	apiclient "github.com/iudanet/synceddb/internal/client/api"
	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/client/iocli"
	"github.com/iudanet/synceddb/internal/client/resolve"
	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/client/storage/boltdb"
	"github.com/iudanet/synceddb/internal/client/syncer"
	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/validation"
	"github.com/iudanet/synceddb/pkg/api"
)

// Переменные окружения со значениями по умолчанию для глобальных флагов
const (
	EnvServer   = "SYNCEDDB_SERVER"
	EnvDB       = "SYNCEDDB_DB"
	EnvStores   = "SYNCEDDB_STORES"
	EnvToken    = "SYNCEDDB_TOKEN"
	EnvConflict = "SYNCEDDB_CONFLICT"
)

// promptToken is the --token value that asks for the token interactively
const promptToken = "-"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server   string
	DB       string
	Token    string
	Conflict string
	Stores   []string
	Verbose  bool
}

// Cli выполняет команды клиента
type Cli struct {
	io     iocli.IO
	opts   *RootOptions
	logger *slog.Logger
}

// NewRootCommand creates the root command of the client
func NewRootCommand(term iocli.IO, version string) *cobra.Command {
	opts := &RootOptions{}
	c := &Cli{io: term, opts: opts}

	cmd := &cobra.Command{
		Use:     "synceddb",
		Short:   "SyncedDB - offline-first record store client",
		Long:    "Edit records locally while offline and synchronize them with a SyncedDB server.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			c.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(term)

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr(EnvServer, "http://localhost:8080"), "sync server URL")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", envOr(EnvDB, "synceddb-client.db"), "path to the local database")
	cmd.PersistentFlags().StringSliceVar(&opts.Stores, "stores", splitList(envOr(EnvStores, "records")), "stores of the local database")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv(EnvToken), `access token ("-" to prompt)`)
	cmd.PersistentFlags().StringVar(&opts.Conflict, "conflict", envOr(EnvConflict, resolve.StrategyRemote), "conflict strategy (remote|local|merge)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log sync progress to stderr")

	cmd.AddCommand(
		c.newPutCommand(),
		c.newGetCommand(),
		c.newDeleteCommand(),
		c.newListCommand(),
		c.newPendingCommand(),
		c.newSyncCommand(),
		c.newResetCommand(),
		c.newStatusCommand(),
	)

	return cmd
}

func (o *RootOptions) validate() error {
	if len(o.Stores) == 0 {
		return fmt.Errorf("at least one store is required")
	}
	for _, name := range o.Stores {
		if err := validation.ValidateStoreName(name); err != nil {
			return err
		}
	}
	if _, err := resolve.ByName(o.Conflict); err != nil {
		return err
	}
	return nil
}

// openDB открывает локальную базу и настраивает разрешение конфликтов
func (c *Cli) openDB(ctx context.Context) (*db.Database, error) {
	engine, err := boltdb.New(ctx, c.opts.DB, storage.Schema{Version: 1, Stores: c.opts.Stores})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	resolver, err := resolve.ByName(c.opts.Conflict)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	d := db.New(engine, c.logger)
	for _, name := range d.StoreNames() {
		d.Store(name).SetConflictResolver(resolver)
	}
	d.SetRejectHandler(c.reportReject)
	return d, nil
}

// reportReject prints a rejected change and leaves the record dirty
func (c *Cli) reportReject(ctx context.Context, rec *models.Record, msg *api.Reject) (*models.Record, error) {
	c.io.Printf("Rejected %s/%s: %s\n", msg.StoreName, msg.Key, msg.Description)
	return resolve.Drop(ctx, rec, msg)
}

// withDB runs fn with an open database and closes it afterwards
func (c *Cli) withDB(ctx context.Context, fn func(d *db.Database) error) error {
	d, err := c.openDB(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			c.logger.Error("failed to close database", "error", err)
		}
	}()
	return fn(d)
}

func (c *Cli) store(d *db.Database, name string) (*db.Store, error) {
	if !d.HasStore(name) {
		return nil, fmt.Errorf("unknown store %q (known: %s)", name, strings.Join(d.StoreNames(), ", "))
	}
	return d.Store(name), nil
}

// token возвращает токен доступа, при необходимости запрашивая его
func (c *Cli) token() (string, error) {
	if c.opts.Token != promptToken {
		return c.opts.Token, nil
	}
	tok, err := c.io.ReadPassword("Access token: ")
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	if tok == "" {
		return "", fmt.Errorf("token cannot be empty")
	}
	c.opts.Token = tok
	return tok, nil
}

func (c *Cli) newSyncer(d *db.Database) (*syncer.Syncer, error) {
	url, err := apiclient.WebSocketURL(c.opts.Server)
	if err != nil {
		return nil, err
	}
	tok, err := c.token()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	dial := transport.NewDialer(url, transport.Options{Header: header, Logger: c.logger})
	return syncer.New(d, dial, c.logger), nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
