package syncer

import "errors"

var (
	// ErrNoResolver is returned when a remote change conflicts with a dirty
	// record of a store that has no conflict resolver
	ErrNoResolver = errors.New("conflict on store without a conflict resolver")

	// ErrNoRejectHandler is returned when the server rejects a change and
	// neither the store nor the database has a reject handler
	ErrNoRejectHandler = errors.New("change rejected and no reject handler is set")

	// ErrMalformedReject is returned for a reject message without a key
	ErrMalformedReject = errors.New("reject message without key")

	// ErrNotConnected is returned by Send when there is no open connection
	ErrNotConnected = errors.New("not connected")

	// ErrAuthFailed is returned when the server refuses the handshake token
	ErrAuthFailed = errors.New("authentication failed")
)
