package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/models"
)

type listOptions struct {
	from          string
	to            string
	fromExclusive bool
	toExclusive   bool
}

func (c *Cli) newListCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list <store>",
		Short: "List records in key order",
		Example: `  synceddb list records
  synceddb list records --from 10 --to 20
  synceddb list records --from a --from-exclusive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.keyRange()
			if err != nil {
				return err
			}
			return c.runList(cmd.Context(), args[0], r)
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "lowest key to list")
	cmd.Flags().StringVar(&opts.to, "to", "", "highest key to list")
	cmd.Flags().BoolVar(&opts.fromExclusive, "from-exclusive", false, "exclude the --from key itself")
	cmd.Flags().BoolVar(&opts.toExclusive, "to-exclusive", false, "exclude the --to key itself")
	return cmd
}

func (o *listOptions) keyRange() (models.KeyRange, error) {
	switch {
	case o.from != "" && o.to != "":
		return models.Bound(models.ParseKey(o.from), models.ParseKey(o.to), o.fromExclusive, o.toExclusive)
	case o.from != "":
		return models.LowerBound(models.ParseKey(o.from), o.fromExclusive), nil
	case o.to != "":
		return models.UpperBound(models.ParseKey(o.to), o.toExclusive), nil
	default:
		return models.All(), nil
	}
}

func (c *Cli) runList(ctx context.Context, storeName string, r models.KeyRange) error {
	return c.withDB(ctx, func(d *db.Database) error {
		st, err := c.store(d, storeName)
		if err != nil {
			return err
		}

		recs, err := st.Range(ctx, r)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}

		if len(recs) == 0 {
			c.io.Println("No records found.")
			return nil
		}

		w := tabwriter.NewWriter(c.io, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVERSION\tPENDING\tFIELDS")
		for _, rec := range recs {
			pending := "-"
			if rec.ChangedSinceSync {
				pending = pendingOp(rec)
			}
			fields, err := json.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode record %s: %w", rec.Key, err)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.Key, rec.Version, pending, fields)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		c.io.Printf("\nTotal: %d record(s)\n", len(recs))
		return nil
	})
}
