package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/client/syncer"
	"github.com/iudanet/synceddb/internal/models"
)

type syncOptions struct {
	continuous bool
	pushOnly   bool
	pullOnly   bool
}

func (c *Cli) newSyncCommand() *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync [store]...",
		Short: "Synchronize local data with the server",
		Long: `Pull the server changes of the given stores (all stores by default), then
push local changes. With --continuous the connection stays open and every
change on either side is exchanged as it happens, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSync(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.continuous, "continuous", "c", false, "keep synchronizing until interrupted")
	cmd.Flags().BoolVar(&opts.pushOnly, "push-only", false, "only send local changes")
	cmd.Flags().BoolVar(&opts.pullOnly, "pull-only", false, "only apply server changes")
	cmd.MarkFlagsMutuallyExclusive("continuous", "push-only", "pull-only")
	return cmd
}

func (c *Cli) runSync(ctx context.Context, stores []string, opts *syncOptions) error {
	return c.withDB(ctx, func(d *db.Database) error {
		s, err := c.newSyncer(d)
		if err != nil {
			return err
		}
		defer s.Disconnect()

		var res *syncer.Result
		switch {
		case opts.pushOnly:
			res, err = s.PushToRemote(ctx, stores...)
		case opts.pullOnly:
			res, err = s.PullFromRemote(ctx, stores...)
		default:
			res, err = s.Sync(ctx, stores, syncer.Options{Continuously: opts.continuous})
		}
		if err != nil {
			return fmt.Errorf("synchronization failed: %w", err)
		}

		c.io.Println("✓ Synchronization completed successfully!")
		if err := templates.ExecuteTemplate(c.io, "sync", res); err != nil {
			return err
		}
		if !opts.continuous {
			return nil
		}

		return c.followChanges(ctx, d, s)
	})
}

// followChanges печатает изменения, пришедшие с сервера, пока сессия открыта
func (c *Cli) followChanges(ctx context.Context, d *db.Database, s *syncer.Syncer) error {
	c.io.Println("\nWatching for changes. Press Ctrl+C to stop.")

	unsubscribe := d.Changes().Subscribe(func(ev models.ChangeEvent) {
		if ev.Origin != models.OriginRemote {
			return
		}
		c.io.Printf("← %s %s/%s\n", ev.Type, ev.Store, ev.Record.Key)
	})
	defer unsubscribe()

	err := s.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		c.io.Println("Synchronization stopped.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("connection to server lost: %w", err)
	}
	return nil
}
