package middleware

import (
	"log/slog"
	"net/http"

	"github.com/iudanet/synceddb/internal/server/auth"
)

// AuthMiddleware проверяет JWT из заголовка Authorization, если он передан.
// Запросы без заголовка пропускаются: клиент может аутентифицироваться
// сообщением authenticate уже после подключения.
func AuthMiddleware(logger *slog.Logger, cfg auth.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := auth.BearerToken(authHeader)
			if !ok {
				logger.Warn("Invalid Authorization header format", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: invalid token format", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(cfg, tokenString)
			if err != nil {
				logger.Warn("Invalid access token", "error", err)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			logger.Debug("Client authenticated", "subject", claims.Subject, "privileges", claims.Privileges)

			next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
		})
	}
}
