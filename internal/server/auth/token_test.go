package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Secret:   []byte("test-secret-key"),
		Issuer:   "synceddb",
		TokenTTL: 15 * time.Minute,
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	cfg := testConfig()

	token, err := IssueToken(cfg, "alice", ReadOnly)
	require.NoError(t, err)

	claims, err := ValidateToken(cfg, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, ReadOnly, claims.Privileges)
	assert.Equal(t, "synceddb", claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(cfg.TokenTTL), claims.ExpiresAt.Time, time.Minute)
}

func TestIssueToken_NoExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.TokenTTL = 0

	token, err := IssueToken(cfg, "service-account", ReadWrite)
	require.NoError(t, err)

	claims, err := ValidateToken(cfg, token)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestIssueToken_Invalid(t *testing.T) {
	cfg := testConfig()

	_, err := IssueToken(cfg, "x", ReadOnly)
	assert.Error(t, err, "subject too short")

	_, err = IssueToken(cfg, "alice", Privileges("admin"))
	assert.Error(t, err)
}

func TestValidateToken_Rejects(t *testing.T) {
	cfg := testConfig()

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() Claims {
		now := time.Now()
		return Claims{
			Privileges: ReadWrite,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    cfg.Issuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"

	unknownPrivileges := valid()
	unknownPrivileges.Privileges = "admin"

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not.a.token"},
		{name: "wrong secret", token: sign(valid(), jwt.SigningMethodHS256, []byte("other-secret"))},
		{name: "expired", token: sign(expired, jwt.SigningMethodHS256, cfg.Secret)},
		{name: "other issuer", token: sign(otherIssuer, jwt.SigningMethodHS256, cfg.Secret)},
		{name: "unknown privileges", token: sign(unknownPrivileges, jwt.SigningMethodHS256, cfg.Secret)},
		{name: "none algorithm", token: sign(valid(), jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)},
		{name: "HS512", token: sign(valid(), jwt.SigningMethodHS512, cfg.Secret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(cfg, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestPrivileges(t *testing.T) {
	assert.True(t, ReadWrite.CanWrite())
	assert.False(t, ReadOnly.CanWrite())
	assert.False(t, Privileges("").Valid())
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)

	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}
