package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/hub"
	"github.com/iudanet/synceddb/pkg/api"
)

const sessionKey = "auth"

type contextKey string

const claimsKey contextKey = "claims"

// ContextWithClaims returns ctx carrying verified claims
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext извлекает claims, установленные middleware
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// state is kept in the session. authenticated is read by the timeout timer
// outside the hub goroutine.
type state struct {
	subject       string
	privileges    Privileges
	authenticated atomic.Bool
}

// Authenticator gates the handlers of a hub behind token authentication
type Authenticator struct {
	logger  *slog.Logger
	cfg     Config
	timeout time.Duration
}

// New creates an Authenticator. When timeout is positive, connections that
// do not authenticate within it are closed.
func New(cfg Config, timeout time.Duration, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		logger:  logger,
		cfg:     cfg,
		timeout: timeout,
	}
}

// Register installs the authenticate handler and wraps the handlers already
// registered on h. Call it after the default handlers are registered.
func (a *Authenticator) Register(h *hub.Hub) {
	h.Handle(api.TypeAuthenticate, a.Authenticate)

	for _, t := range []api.Type{api.TypeCreate, api.TypeUpdate, api.TypeDelete} {
		if next := h.Handler(t); next != nil {
			h.Handle(t, a.requireWrite(t, next))
		}
	}
	for _, t := range []api.Type{api.TypeGetChanges, api.TypeReset} {
		if next := h.Handler(t); next != nil {
			h.Handle(t, a.requireAuth(next))
		}
	}

	h.OnConnect(a.onConnect)
}

// SessionInit copies claims verified during the upgrade into the session
func (a *Authenticator) SessionInit(r *http.Request, s *hub.Session) {
	st := &state{}
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		st.subject = claims.Subject
		st.privileges = claims.Privileges
		st.authenticated.Store(true)
	}
	s.Set(sessionKey, st)
}

// Authenticate handles the authenticate message
func (a *Authenticator) Authenticate(ctx context.Context, req *hub.Request) error {
	msg, ok := req.Message.(*api.Authenticate)
	if !ok {
		return fmt.Errorf("unexpected %T for authenticate", req.Message)
	}

	st := sessionState(req.Session)
	claims, err := ValidateToken(a.cfg, msg.Token)
	if err != nil {
		a.logger.Warn("Authentication failed", "session", req.Session.ID, "error", err)
		return req.Reply(ctx, &api.AuthResponse{OK: false, Error: "invalid token"})
	}

	st.subject = claims.Subject
	st.privileges = claims.Privileges
	st.authenticated.Store(true)

	a.logger.Info("Client authenticated",
		"session", req.Session.ID,
		"subject", claims.Subject,
		"privileges", claims.Privileges,
	)

	return req.Reply(ctx, &api.AuthResponse{OK: true, Privileges: string(claims.Privileges)})
}

func (a *Authenticator) onConnect(ctx context.Context, s *hub.Session) error {
	st := sessionState(s)
	if a.timeout <= 0 || st.authenticated.Load() {
		return nil
	}

	time.AfterFunc(a.timeout, func() {
		if st.authenticated.Load() {
			return
		}
		a.logger.Warn("Client did not authenticate in time", "session", s.ID, "timeout", a.timeout)
		s.Close()
	})
	return nil
}

// requireWrite отклоняет изменения от соединений без прав на запись
func (a *Authenticator) requireWrite(t api.Type, next hub.HandlerFunc) hub.HandlerFunc {
	return func(ctx context.Context, req *hub.Request) error {
		st := sessionState(req.Session)
		if st.authenticated.Load() && st.privileges.CanWrite() {
			return next(ctx, req)
		}

		store, key := target(req.Message)
		a.logger.Warn("Write refused",
			"session", req.Session.ID,
			"subject", st.subject,
			"type", t,
			"store", store,
		)
		return req.Reply(ctx, &api.Reject{
			StoreName:   store,
			Key:         key,
			Description: fmt.Sprintf("You do not have privileges to %s records", t),
		})
	}
}

// requireAuth closes connections that read before authenticating
func (a *Authenticator) requireAuth(next hub.HandlerFunc) hub.HandlerFunc {
	return func(ctx context.Context, req *hub.Request) error {
		if sessionState(req.Session).authenticated.Load() {
			return next(ctx, req)
		}

		a.logger.Warn("Unauthenticated request", "session", req.Session.ID, "type", req.Message.MessageType())
		err := req.Reply(ctx, &api.AuthResponse{OK: false, Error: "not authenticated"})
		req.Session.Close()
		return err
	}
}

func sessionState(s *hub.Session) *state {
	if v, ok := s.Get(sessionKey); ok {
		if st, ok := v.(*state); ok {
			return st
		}
	}
	st := &state{}
	s.Set(sessionKey, st)
	return st
}

func target(msg api.Message) (string, models.Key) {
	switch m := msg.(type) {
	case *api.Create:
		return m.StoreName, m.Key
	case *api.Update:
		return m.StoreName, m.Key
	case *api.Delete:
		return m.StoreName, m.Key
	}
	return "", models.Key{}
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header
func BearerToken(header string) (string, bool) {
	// Ожидаем формат: "Bearer <token>"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
