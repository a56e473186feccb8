package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/hub"
	"github.com/iudanet/synceddb/pkg/api"
)

// SyncHandler implements the default protocol handlers over the change log
type SyncHandler struct {
	logger *slog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		logger: logger,
	}
}

// Register installs the default handlers on h
func (h *SyncHandler) Register(hb *hub.Hub) {
	hb.Handle(api.TypeCreate, h.Create)
	hb.Handle(api.TypeUpdate, h.Update)
	hb.Handle(api.TypeDelete, h.Delete)
	hb.Handle(api.TypeReset, h.Reset)
	hb.Handle(api.TypeGetChanges, h.GetChanges)
}

// Create stores a new record at version 0. The reply carries newKey when the
// log stored the record under a different key.
func (h *SyncHandler) Create(ctx context.Context, req *hub.Request) error {
	msg, ok := req.Message.(*api.Create)
	if !ok {
		return fmt.Errorf("unexpected %T for create", req.Message)
	}
	if err := api.Validate(msg); err != nil {
		return h.reject(ctx, req, msg.StoreName, msg.Key, err)
	}

	record := msg.Record
	if record == nil {
		record = models.Fields{}
	}

	change, err := req.Changes.SaveChange(ctx, &models.Change{
		Type:      models.ChangeCreate,
		StoreName: msg.StoreName,
		Key:       msg.Key,
		Record:    record,
		Version:   0,
	})
	if err != nil {
		return h.saveFailed(ctx, req, msg.StoreName, msg.Key, err)
	}

	reply := &api.OK{
		StoreName:  msg.StoreName,
		Key:        msg.Key,
		Timestamp:  change.Timestamp,
		NewVersion: change.Version,
	}
	if change.Key != msg.Key {
		newKey := change.Key
		reply.NewKey = &newKey
	}

	return h.acknowledge(ctx, req, reply, change)
}

// Update stores a diff and bumps the version
func (h *SyncHandler) Update(ctx context.Context, req *hub.Request) error {
	msg, ok := req.Message.(*api.Update)
	if !ok {
		return fmt.Errorf("unexpected %T for update", req.Message)
	}
	if err := api.Validate(msg); err != nil {
		return h.reject(ctx, req, msg.StoreName, msg.Key, err)
	}

	change, err := req.Changes.SaveChange(ctx, &models.Change{
		Type:      models.ChangeUpdate,
		StoreName: msg.StoreName,
		Key:       msg.Key,
		Diff:      msg.Diff,
		Version:   msg.Version + 1,
	})
	if err != nil {
		return h.saveFailed(ctx, req, msg.StoreName, msg.Key, err)
	}

	return h.acknowledge(ctx, req, &api.OK{
		StoreName:  msg.StoreName,
		Key:        msg.Key,
		Timestamp:  change.Timestamp,
		NewVersion: change.Version,
	}, change)
}

// Delete records a deletion and bumps the version
func (h *SyncHandler) Delete(ctx context.Context, req *hub.Request) error {
	msg, ok := req.Message.(*api.Delete)
	if !ok {
		return fmt.Errorf("unexpected %T for delete", req.Message)
	}
	if err := api.Validate(msg); err != nil {
		return h.reject(ctx, req, msg.StoreName, msg.Key, err)
	}

	change, err := req.Changes.SaveChange(ctx, &models.Change{
		Type:      models.ChangeDelete,
		StoreName: msg.StoreName,
		Key:       msg.Key,
		Version:   msg.Version + 1,
	})
	if err != nil {
		return h.saveFailed(ctx, req, msg.StoreName, msg.Key, err)
	}

	return h.acknowledge(ctx, req, &api.OK{
		StoreName:  msg.StoreName,
		Key:        msg.Key,
		Timestamp:  change.Timestamp,
		NewVersion: change.Version,
	}, change)
}

// Reset drops the change log and echoes reset when done
func (h *SyncHandler) Reset(ctx context.Context, req *hub.Request) error {
	if err := req.Changes.ResetChanges(ctx); err != nil {
		return fmt.Errorf("failed to reset change log: %w", err)
	}

	h.logger.Info("Change log reset", "session", req.Session.ID)
	return req.Reply(ctx, &api.Reset{})
}

// GetChanges subscribes the peer to the store, announces the number of
// changes after since and then streams them in log order
func (h *SyncHandler) GetChanges(ctx context.Context, req *hub.Request) error {
	msg, ok := req.Message.(*api.GetChanges)
	if !ok {
		return fmt.Errorf("unexpected %T for get-changes", req.Message)
	}
	if err := api.Validate(msg); err != nil {
		h.logger.Warn("Invalid get-changes", "session", req.Session.ID, "error", err)
		return req.Reply(ctx, &api.SendingChanges{StoreName: msg.StoreName})
	}

	req.Session.Subscribe(msg.StoreName)

	changes, err := req.Changes.GetChanges(ctx, msg.StoreName, msg.Since)
	if err != nil {
		return fmt.Errorf("failed to get changes of %s: %w", msg.StoreName, err)
	}

	h.logger.Debug("Sending changes",
		"session", req.Session.ID,
		"store", msg.StoreName,
		"count", len(changes),
	)

	err = req.Reply(ctx, &api.SendingChanges{
		StoreName:         msg.StoreName,
		NrOfRecordsToSync: len(changes),
	})
	if err != nil {
		return err
	}

	for _, change := range changes {
		if err := req.Reply(ctx, api.FromChange(change)); err != nil {
			return err
		}
	}
	return nil
}

func (h *SyncHandler) acknowledge(ctx context.Context, req *hub.Request, ok *api.OK, change *models.Change) error {
	h.logger.Debug("Change accepted",
		"session", req.Session.ID,
		"type", change.Type,
		"store", change.StoreName,
		"key", change.Key,
		"timestamp", change.Timestamp,
	)

	if err := req.Reply(ctx, ok); err != nil {
		return err
	}
	return req.Broadcast(change.StoreName, api.FromChange(change))
}

// saveFailed отвечает reject, чтобы клиент не ждал ack бесконечно
func (h *SyncHandler) saveFailed(ctx context.Context, req *hub.Request, store string, key models.Key, err error) error {
	h.logger.Error("Failed to save change",
		"session", req.Session.ID,
		"store", store,
		"key", key,
		"error", err,
	)
	return h.reject(ctx, req, store, key, err)
}

func (h *SyncHandler) reject(ctx context.Context, req *hub.Request, store string, key models.Key, cause error) error {
	return req.Reply(ctx, &api.Reject{
		StoreName:   store,
		Key:         key,
		Description: cause.Error(),
	})
}
