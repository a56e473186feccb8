package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/models"
)

func (c *Cli) newGetCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <store> <key>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runGet(cmd.Context(), args[0], models.ParseKey(args[1]), asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print only the record content as JSON")
	return cmd
}

func (c *Cli) runGet(ctx context.Context, storeName string, key models.Key, asJSON bool) error {
	return c.withDB(ctx, func(d *db.Database) error {
		st, err := c.store(d, storeName)
		if err != nil {
			return err
		}

		rec, err := st.GetOne(ctx, key)
		if err != nil {
			if db.IsNotFound(err) {
				return fmt.Errorf("record not found: %s/%s", storeName, key)
			}
			return fmt.Errorf("failed to get record: %w", err)
		}

		if asJSON {
			c.io.Println(toJSON(rec.Fields))
			return nil
		}
		return templates.ExecuteTemplate(c.io, "record", struct {
			Record *models.Record
			Store  string
		}{Record: rec, Store: storeName})
	})
}
