package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/models"
)

func (c *Cli) newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <store> <key>...",
		Short: "Delete records",
		Long: `Delete records from the local store in one transaction. Records the server
already knows are kept as tombstones until the next sync sends the delete.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]models.Key, 0, len(args)-1)
			for _, arg := range args[1:] {
				keys = append(keys, models.ParseKey(arg))
			}
			return c.runDelete(cmd.Context(), args[0], keys)
		},
	}
}

func (c *Cli) runDelete(ctx context.Context, storeName string, keys []models.Key) error {
	return c.withDB(ctx, func(d *db.Database) error {
		st, err := c.store(d, storeName)
		if err != nil {
			return err
		}

		// Проверяем наличие всех записей до удаления
		if _, err := st.Get(ctx, keys...); err != nil {
			if db.IsNotFound(err) {
				return fmt.Errorf("cannot delete: %w", err)
			}
			return fmt.Errorf("failed to get records: %w", err)
		}

		if err := st.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
		c.io.Printf("Deleted %d record(s) from %s\n", len(keys), storeName)
		return nil
	})
}
