package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/validation"
)

var (
	// ErrMissingType is returned when an inbound object has no "type" member
	ErrMissingType = errors.New("message has no type")
	// ErrMissingKey is returned when a message that addresses a record has no key
	ErrMissingKey = errors.New("message has no key")
)

// Encode serializes a message as a JSON object with its "type" member set
func Encode(msg Message) ([]byte, error) {
	if raw, ok := msg.(*Raw); ok {
		return raw.Body, nil
	}
	if raw, ok := msg.(Raw); ok {
		return raw.Body, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}

	typeField, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message type: %w", err)
	}

	// Вставляем "type" первым полем объекта
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typeField) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typeField)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses one wire message. Types outside the protocol are returned as *Raw.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type      Type   `json:"type"`
		StoreName string `json:"storeName"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	var msg Message
	switch head.Type {
	case TypeCreate:
		msg = &Create{}
	case TypeUpdate:
		msg = &Update{}
	case TypeDelete:
		msg = &Delete{}
	case TypeOK:
		msg = &OK{}
	case TypeReject:
		msg = &Reject{}
	case TypeReset:
		return &Reset{}, nil
	case TypeGetChanges:
		msg = &GetChanges{}
	case TypeSendingChanges:
		msg = &SendingChanges{}
	case TypeAuthenticate:
		msg = &Authenticate{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	default:
		body := make(json.RawMessage, len(data))
		copy(body, data)
		return &Raw{Type: head.Type, StoreName: head.StoreName, Body: body}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", head.Type, err)
	}
	return msg, nil
}

// NewRaw builds an application message of the given type from payload.
// payload must encode to a JSON object; its own "type" member is overwritten.
func NewRaw(t Type, payload any) (*Raw, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	typeField, _ := json.Marshal(t)
	fields["type"] = typeField

	var storeName string
	if v, ok := fields["storeName"]; ok {
		_ = json.Unmarshal(v, &storeName)
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", t, err)
	}
	return &Raw{Type: t, StoreName: storeName, Body: body}, nil
}

// Validate checks an inbound message before it is applied
func Validate(msg Message) error {
	var err error
	switch m := msg.(type) {
	case *Create:
		err = validation.Struct(m)
		if err == nil && !m.Key.IsZero() {
			err = m.Key.Validate()
		}
	case *Update:
		err = validation.Struct(m)
		if err == nil {
			err = requireKey(m.Key)
		}
		if err == nil && (len(m.Diff) == 0 || bytes.Equal(bytes.TrimSpace(m.Diff), []byte("null"))) {
			err = errors.New("update has no diff")
		}
	case *Delete:
		err = validation.Struct(m)
		if err == nil {
			err = requireKey(m.Key)
		}
	case *GetChanges:
		err = validation.Struct(m)
	case *Authenticate:
		err = validation.Struct(m)
	case *OK:
		err = requireKey(m.Key)
	case *Reject:
		err = requireKey(m.Key)
	}
	if err != nil {
		return fmt.Errorf("invalid %s message: %w", msg.MessageType(), err)
	}
	return nil
}

func requireKey(k models.Key) error {
	if k.IsZero() {
		return ErrMissingKey
	}
	return k.Validate()
}
