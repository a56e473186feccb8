package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
)

func (c *Cli) newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending [store]...",
		Short: "Show local changes waiting to be synchronized",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPending(cmd.Context(), args)
		},
	}
}

func (c *Cli) runPending(ctx context.Context, stores []string) error {
	return c.withDB(ctx, func(d *db.Database) error {
		if len(stores) == 0 {
			stores = d.StoreNames()
		}

		total := 0
		for _, name := range stores {
			st, err := c.store(d, name)
			if err != nil {
				return err
			}
			dirty, err := st.Dirty(ctx)
			if err != nil {
				return fmt.Errorf("failed to read pending changes of %s: %w", name, err)
			}
			for _, rec := range dirty {
				c.io.Printf("%-6s %s/%s\n", pendingOp(rec), name, rec.Key)
			}
			total += len(dirty)
		}

		if total == 0 {
			c.io.Println("✓ All data synchronized with server")
			return nil
		}
		c.io.Printf("\n%d change(s) waiting. Run 'synceddb sync' to push them.\n", total)
		return nil
	})
}
