package syncer

import (
	"context"
	"fmt"

	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/pkg/api"
)

// TokenHandshake authenticates a new connection with a bearer token.
// Messages arriving before the auth response are dropped.
func TokenHandshake(token string) func(ctx context.Context, conn transport.Conn) error {
	return func(ctx context.Context, conn transport.Conn) error {
		if err := conn.Send(ctx, &api.Authenticate{Token: token}); err != nil {
			return fmt.Errorf("failed to send credentials: %w", err)
		}
		for {
			msg, err := conn.Receive(ctx)
			if err != nil {
				return fmt.Errorf("failed to read auth response: %w", err)
			}
			resp, ok := msg.(*api.AuthResponse)
			if !ok {
				continue
			}
			if !resp.OK {
				return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
			}
			return nil
		}
	}
}
