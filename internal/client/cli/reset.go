package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
)

func (c *Cli) newResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop the server change log",
		Long:  "Ask the server to discard every stored change. Local data is not touched.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runReset(cmd.Context(), yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func (c *Cli) runReset(ctx context.Context, yes bool) error {
	if !yes {
		answer, err := c.io.ReadInput(fmt.Sprintf("Reset all data on %s? [y/N]: ", c.opts.Server))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if a := strings.ToLower(answer); a != "y" && a != "yes" {
			c.io.Println("Aborted.")
			return nil
		}
	}

	return c.withDB(ctx, func(d *db.Database) error {
		s, err := c.newSyncer(d)
		if err != nil {
			return err
		}
		defer s.Disconnect()

		if err := s.ResetRemote(ctx); err != nil {
			return err
		}
		c.io.Println("✓ Server change log reset")
		return nil
	})
}
