package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	apiclient "github.com/iudanet/synceddb/internal/client/api"
	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/pkg/api"
)

type storeStatus struct {
	SyncedTo *int64
	Name     string
	Pending  int
}

type status struct {
	Health *api.HealthResponse
	Err    error
	Server string
	DB     string
	Stores []storeStatus
}

func (c *Cli) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and local sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd.Context())
		},
	}
}

func (c *Cli) runStatus(ctx context.Context) error {
	st := &status{Server: c.opts.Server, DB: c.opts.DB}

	tok, err := c.token()
	if err != nil {
		return err
	}
	// Недоступный сервер не ошибка: локальное состояние все равно показываем
	st.Health, st.Err = apiclient.NewClient(c.opts.Server, tok).Health(ctx)

	err = c.withDB(ctx, func(d *db.Database) error {
		for _, name := range d.StoreNames() {
			store := d.Store(name)
			dirty, err := store.Dirty(ctx)
			if err != nil {
				return fmt.Errorf("failed to read pending changes of %s: %w", name, err)
			}
			syncedTo, err := store.SyncedTo(ctx)
			if err != nil {
				return fmt.Errorf("failed to read sync state of %s: %w", name, err)
			}
			st.Stores = append(st.Stores, storeStatus{Name: name, Pending: len(dirty), SyncedTo: syncedTo})
		}
		return nil
	})
	if err != nil {
		return err
	}

	return templates.ExecuteTemplate(c.io, "status", st)
}
