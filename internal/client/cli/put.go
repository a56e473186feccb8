package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/models"
)

func (c *Cli) newPutCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "put <store> <json>",
		Short: "Create or replace a record",
		Long: `Write a record to the local store. The record content is a JSON object.
Without --key a provisional key is generated; the server may replace it on sync.`,
		Example: `  synceddb put records '{"name":"Alice"}'
  synceddb put records --key 42 '{"name":"Bob"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPut(cmd.Context(), args[0], key, args[1])
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "record key (numbers are stored as numeric keys)")
	return cmd
}

func (c *Cli) runPut(ctx context.Context, storeName, key, content string) error {
	fields, err := parseFields(content)
	if err != nil {
		return err
	}

	rec := &models.Record{Fields: fields}
	if key != "" {
		rec.Key = models.ParseKey(key)
	}

	return c.withDB(ctx, func(d *db.Database) error {
		st, err := c.store(d, storeName)
		if err != nil {
			return err
		}
		if err := st.Put(ctx, rec); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
		c.io.Printf("Saved %s/%s\n", storeName, rec.Key)
		return nil
	})
}

// parseFields разбирает содержимое записи, это должен быть JSON объект
func parseFields(content string) (models.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))

	var fields models.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("record must be a JSON object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("record must be a single JSON object")
	}
	return fields, nil
}
