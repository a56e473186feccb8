// Package couchdb implements the change log on CouchDB.
//
// Every change is one document with ID "change:<zero padded timestamp>", so
// document order is log order. A second document per record key tracks the
// type of its latest change for key assignment.
package couchdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"github.com/iudanet/synceddb/internal/clock"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/storage"
)

const (
	docTypeChange = "change"
	docTypeKey    = "key"
	pageSize      = 500
)

type changeDoc struct {
	ID        string            `json:"_id"`
	Rev       string            `json:"_rev,omitempty"`
	DocType   string            `json:"docType"`
	Type      models.ChangeType `json:"type"`
	StoreName string            `json:"storeName"`
	Key       models.Key        `json:"key"`
	Record    models.Fields     `json:"record,omitempty"`
	Diff      json.RawMessage   `json:"diff,omitempty"`
	Version   int64             `json:"version"`
	Timestamp int64             `json:"timestamp"`
}

type keyDoc struct {
	ID        string            `json:"_id"`
	Rev       string            `json:"_rev,omitempty"`
	DocType   string            `json:"docType"`
	StoreName string            `json:"storeName"`
	Key       models.Key        `json:"key"`
	Latest    models.ChangeType `json:"latest"`
}

// Storage is a change log in one CouchDB database
type Storage struct {
	client *kivik.Client
	db     *kivik.DB
	clock  *clock.Clock
	dbName string
	opts   storage.Options
	mu     sync.Mutex
}

// New connects to CouchDB at url and opens (creating if needed) database dbName
func New(ctx context.Context, url, dbName string, opts storage.Options) (*Storage, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	s := &Storage{client: client, dbName: dbName, opts: opts}
	if err := s.open(ctx); err != nil {
		client.Close()
		return nil, err
	}

	last, err := s.lastTimestamp(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.clock = clock.New(last)

	return s, nil
}

func (s *Storage) open(ctx context.Context) error {
	exists, err := s.client.DBExists(ctx, s.dbName)
	if err != nil {
		return fmt.Errorf("failed to check database %s: %w", s.dbName, err)
	}
	if !exists {
		if err := s.client.CreateDB(ctx, s.dbName); err != nil {
			return fmt.Errorf("failed to create database %s: %w", s.dbName, err)
		}
	}

	s.db = s.client.DB(s.dbName)
	if err := s.db.Err(); err != nil {
		return fmt.Errorf("failed to open database %s: %w", s.dbName, err)
	}

	index := map[string]interface{}{
		"fields": []string{"docType", "storeName", "timestamp"},
	}
	if err := s.db.CreateIndex(ctx, "", "changes-by-store", index); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// SaveChange appends a change to the log
func (s *Storage) SaveChange(ctx context.Context, change *models.Change) (*models.Change, error) {
	if err := storage.CheckChange(change); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *change
	if err := storage.AssignKey(ctx, &stored, s.opts, s.keyTaken); err != nil {
		return nil, err
	}
	stored.Timestamp = s.clock.Tick()

	doc := changeDoc{
		ID:        changeDocID(stored.Timestamp),
		DocType:   docTypeChange,
		Type:      stored.Type,
		StoreName: stored.StoreName,
		Key:       stored.Key,
		Record:    stored.Record,
		Diff:      stored.Diff,
		Version:   stored.Version,
		Timestamp: stored.Timestamp,
	}
	if _, err := s.db.Put(ctx, doc.ID, doc); err != nil {
		return nil, fmt.Errorf("failed to save change: %w", err)
	}

	if err := s.putLatest(ctx, stored.StoreName, stored.Key, stored.Type); err != nil {
		return nil, err
	}

	return &stored, nil
}

// GetChanges returns the changes of a store after since in timestamp order
func (s *Storage) GetChanges(ctx context.Context, storeName string, since *int64) ([]*models.Change, error) {
	var after int64 = -1
	if since != nil {
		after = *since
	}

	changes := make([]*models.Change, 0)
	for {
		query := map[string]interface{}{
			"selector": map[string]interface{}{
				"docType":   docTypeChange,
				"storeName": storeName,
				"timestamp": map[string]interface{}{"$gt": after},
			},
			"sort": []map[string]string{
				{"docType": "asc"},
				{"storeName": "asc"},
				{"timestamp": "asc"},
			},
			"limit": pageSize,
		}

		page, err := s.findChanges(ctx, query)
		if err != nil {
			return nil, err
		}
		changes = append(changes, page...)

		if len(page) < pageSize {
			return changes, nil
		}
		after = page[len(page)-1].Timestamp
	}
}

func (s *Storage) findChanges(ctx context.Context, query map[string]interface{}) ([]*models.Change, error) {
	rows := s.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []*models.Change
	for rows.Next() {
		var doc changeDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode change: %w", err)
		}
		changes = append(changes, &models.Change{
			Type:      doc.Type,
			StoreName: doc.StoreName,
			Key:       doc.Key,
			Record:    doc.Record,
			Diff:      doc.Diff,
			Version:   doc.Version,
			Timestamp: doc.Timestamp,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return changes, nil
}

// ResetChanges recreates the database
func (s *Storage) ResetChanges(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.DestroyDB(ctx, s.dbName); err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to drop database %s: %w", s.dbName, err)
	}
	return s.open(ctx)
}

// Close closes the client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) keyTaken(ctx context.Context, store string, key models.Key) (bool, error) {
	doc, err := s.getLatest(ctx, store, key)
	if err != nil || doc == nil {
		return false, err
	}
	return doc.Latest != models.ChangeDelete, nil
}

func (s *Storage) getLatest(ctx context.Context, store string, key models.Key) (*keyDoc, error) {
	id, err := keyDocID(store, key)
	if err != nil {
		return nil, err
	}

	var doc keyDoc
	if err := s.db.Get(ctx, id).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read key %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Storage) putLatest(ctx context.Context, store string, key models.Key, t models.ChangeType) error {
	doc, err := s.getLatest(ctx, store, key)
	if err != nil {
		return err
	}
	if doc == nil {
		id, err := keyDocID(store, key)
		if err != nil {
			return err
		}
		doc = &keyDoc{ID: id, DocType: docTypeKey, StoreName: store, Key: key}
	}
	doc.Latest = t

	if _, err := s.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to save key %s: %w", doc.ID, err)
	}
	return nil
}

// lastTimestamp reads the newest change document
func (s *Storage) lastTimestamp(ctx context.Context) (int64, error) {
	rows := s.db.AllDocs(ctx, kivik.Params(map[string]interface{}{
		"include_docs": true,
		"descending":   true,
		"startkey":     "change:\ufff0",
		"endkey":       "change:",
		"limit":        1,
	}))
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read last change: %w", err)
	}
	defer rows.Close()

	var last int64
	if rows.Next() {
		var doc changeDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return 0, fmt.Errorf("failed to decode last change: %w", err)
		}
		last = doc.Timestamp
	}
	return last, rows.Err()
}

func changeDocID(ts int64) string {
	return fmt.Sprintf("change:%020d", ts)
}

func keyDocID(store string, key models.Key) (string, error) {
	k, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode key: %w", err)
	}
	return fmt.Sprintf("key:%s:%s", store, k), nil
}
