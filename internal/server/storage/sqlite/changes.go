package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/storage"
)

// SaveChange appends a change to the log
func (s *Storage) SaveChange(ctx context.Context, change *models.Change) (*models.Change, error) {
	if err := storage.CheckChange(change); err != nil {
		return nil, err
	}

	// Timestamp и вставка должны идти в одном порядке
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored := *change
	err = storage.AssignKey(ctx, &stored, s.opts, func(ctx context.Context, store string, key models.Key) (bool, error) {
		return keyTaken(ctx, tx, store, key)
	})
	if err != nil {
		return nil, err
	}

	keyJSON, err := json.Marshal(stored.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	record, err := nullJSON(stored.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var diff sql.NullString
	if len(stored.Diff) > 0 {
		diff = sql.NullString{String: string(stored.Diff), Valid: true}
	}

	stored.Timestamp = s.clock.Tick()

	query := `
		INSERT INTO changes (store_name, key, type, version, record, diff, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		stored.StoreName,
		string(keyJSON),
		string(stored.Type),
		stored.Version,
		record,
		diff,
		stored.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit change: %w", err)
	}

	return &stored, nil
}

// GetChanges returns the changes of a store after since in timestamp order
func (s *Storage) GetChanges(ctx context.Context, storeName string, since *int64) ([]*models.Change, error) {
	query := `
		SELECT key, type, version, record, diff, timestamp
		FROM changes
		WHERE store_name = ? AND timestamp > ?
		ORDER BY timestamp ASC
	`

	var after int64 = -1
	if since != nil {
		after = *since
	}

	rows, err := s.db.QueryContext(ctx, query, storeName, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	changes := make([]*models.Change, 0)
	for rows.Next() {
		var (
			keyJSON, changeType string
			record, diff        sql.NullString
		)
		change := &models.Change{StoreName: storeName}

		err := rows.Scan(&keyJSON, &changeType, &change.Version, &record, &diff, &change.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}

		change.Type = models.ChangeType(changeType)
		if err := json.Unmarshal([]byte(keyJSON), &change.Key); err != nil {
			return nil, fmt.Errorf("failed to decode key %s: %w", keyJSON, err)
		}
		if record.Valid {
			if err := json.Unmarshal([]byte(record.String), &change.Record); err != nil {
				return nil, fmt.Errorf("failed to decode record: %w", err)
			}
		}
		if diff.Valid {
			change.Diff = json.RawMessage(diff.String)
		}

		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}

// ResetChanges deletes every change
func (s *Storage) ResetChanges(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM changes"); err != nil {
		return fmt.Errorf("failed to reset changes: %w", err)
	}
	return nil
}

// keyTaken проверяет, что последнее изменение ключа не удаление
func keyTaken(ctx context.Context, tx *sql.Tx, store string, key models.Key) (bool, error) {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return false, err
	}

	query := `
		SELECT type FROM changes
		WHERE store_name = ? AND key = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	var changeType string
	err = tx.QueryRowContext(ctx, query, store, string(keyJSON)).Scan(&changeType)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return models.ChangeType(changeType) != models.ChangeDelete, nil
}

func nullJSON(f models.Fields) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
