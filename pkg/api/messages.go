// Package api defines the JSON wire protocol between sync clients and the
// sync server. Every message is a JSON object discriminated by its "type" member.
package api

import (
	"encoding/json"

	"github.com/iudanet/synceddb/internal/models"
)

// Type discriminates wire messages
type Type string

const (
	TypeCreate         Type = "create"
	TypeUpdate         Type = "update"
	TypeDelete         Type = "delete"
	TypeOK             Type = "ok"
	TypeReject         Type = "reject"
	TypeReset          Type = "reset"
	TypeGetChanges     Type = "get-changes"
	TypeSendingChanges Type = "sending-changes"
	TypeAuthenticate   Type = "authenticate"
	TypeAuthResponse   Type = "auth-response"
)

// Message is implemented by every wire message
type Message interface {
	MessageType() Type
}

// Create proposes a new record (client → server) or announces an accepted
// create (server → client, with Version and Timestamp set)
type Create struct {
	Record    models.Fields `json:"record"`
	StoreName string        `json:"storeName" validate:"required,storename"`
	Key       models.Key    `json:"key"`
	Version   int64         `json:"version"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// Update carries a merge-patch diff against the record at Version
type Update struct {
	StoreName string          `json:"storeName" validate:"required,storename"`
	Key       models.Key      `json:"key"`
	Diff      json.RawMessage `json:"diff"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Delete removes the record at Version
type Delete struct {
	StoreName string     `json:"storeName" validate:"required,storename"`
	Key       models.Key `json:"key"`
	Version   int64      `json:"version"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

// OK acknowledges an accepted create, update or delete.
// NewKey is set only when the server stored the record under a different key.
type OK struct {
	NewKey     *models.Key `json:"newKey,omitempty"`
	StoreName  string      `json:"storeName"`
	Key        models.Key  `json:"key"`
	Timestamp  int64       `json:"timestamp"`
	NewVersion int64       `json:"newVersion"`
}

// Reject refuses a create, update or delete
type Reject struct {
	StoreName   string     `json:"storeName,omitempty"`
	Key         models.Key `json:"key"`
	Description string     `json:"description"`
}

// Reset asks the server to drop its change log; the server echoes it when done
type Reset struct{}

// GetChanges requests every change to a store after Since (nil = from the beginning)
type GetChanges struct {
	Since     *int64 `json:"since"`
	StoreName string `json:"storeName" validate:"required,storename"`
}

// SendingChanges announces how many change messages follow for a store
type SendingChanges struct {
	StoreName         string `json:"storeName,omitempty"`
	NrOfRecordsToSync int    `json:"nrOfRecordsToSync"`
}

// Authenticate presents a bearer token for the connection
type Authenticate struct {
	Token string `json:"token" validate:"required"`
}

// AuthResponse is the reply to Authenticate
type AuthResponse struct {
	Error      string `json:"error,omitempty"`
	Privileges string `json:"privileges,omitempty"`
	OK         bool   `json:"ok"`
}

// Raw is any message the protocol does not define. Body holds the complete
// JSON object including "type".
type Raw struct {
	Type      Type            `json:"-"`
	StoreName string          `json:"-"`
	Body      json.RawMessage `json:"-"`
}

func (Create) MessageType() Type         { return TypeCreate }
func (Update) MessageType() Type         { return TypeUpdate }
func (Delete) MessageType() Type         { return TypeDelete }
func (OK) MessageType() Type             { return TypeOK }
func (Reject) MessageType() Type         { return TypeReject }
func (Reset) MessageType() Type          { return TypeReset }
func (GetChanges) MessageType() Type     { return TypeGetChanges }
func (SendingChanges) MessageType() Type { return TypeSendingChanges }
func (Authenticate) MessageType() Type   { return TypeAuthenticate }
func (AuthResponse) MessageType() Type   { return TypeAuthResponse }
func (r Raw) MessageType() Type          { return r.Type }

// Unmarshal decodes the raw body into v
func (r Raw) Unmarshal(v any) error {
	return json.Unmarshal(r.Body, v)
}

// FromChange builds the broadcast/replay message for a stored change
func FromChange(c *models.Change) Message {
	switch c.Type {
	case models.ChangeCreate:
		return &Create{
			StoreName: c.StoreName,
			Key:       c.Key,
			Record:    c.Record,
			Version:   c.Version,
			Timestamp: c.Timestamp,
		}
	case models.ChangeUpdate:
		return &Update{
			StoreName: c.StoreName,
			Key:       c.Key,
			Diff:      c.Diff,
			Version:   c.Version,
			Timestamp: c.Timestamp,
		}
	default:
		return &Delete{
			StoreName: c.StoreName,
			Key:       c.Key,
			Version:   c.Version,
			Timestamp: c.Timestamp,
		}
	}
}

// ErrorResponse is the JSON body of HTTP error replies
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}
