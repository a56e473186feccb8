// Package auth implements token authentication of sync connections.
//
// A client presents a JWT either in the Authorization header of the
// WebSocket upgrade or in an "authenticate" message. The token's privileges
// decide whether the connection may write records.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/synceddb/internal/validation"
)

// Privileges is what an authenticated connection may do
type Privileges string

const (
	// ReadOnly connections may only pull changes
	ReadOnly Privileges = "readonly"
	// ReadWrite connections may also create, update and delete records
	ReadWrite Privileges = "readwrite"
)

// Valid reports whether p is a known privilege level
func (p Privileges) Valid() bool {
	return p == ReadOnly || p == ReadWrite
}

// CanWrite reports whether p allows changing records
func (p Privileges) CanWrite() bool {
	return p == ReadWrite
}

// ErrInvalidToken is returned for tokens that fail verification
var ErrInvalidToken = errors.New("invalid token")

// Claims представляет JWT claims токена синхронизации
type Claims struct {
	Privileges Privileges `json:"privileges"`
	jwt.RegisteredClaims
}

// Config содержит конфигурацию для JWT
type Config struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

// IssueToken создает новый JWT для subject с указанными привилегиями
func IssueToken(cfg Config, subject string, privileges Privileges) (string, error) {
	if err := validation.ValidateSubject(subject); err != nil {
		return "", err
	}
	if !privileges.Valid() {
		return "", fmt.Errorf("unknown privileges %q", privileges)
	}

	now := time.Now()
	claims := Claims{
		Privileges: privileges,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    cfg.Issuer,
		},
	}
	if cfg.TokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(cfg.TokenTTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken проверяет подпись и срок действия токена
func ValidateToken(cfg Config, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Проверяем что используется правильный алгоритм подписи
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.Privileges.Valid() {
		return nil, fmt.Errorf("%w: unknown privileges %q", ErrInvalidToken, claims.Privileges)
	}

	return claims, nil
}
