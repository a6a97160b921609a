package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyHashAndVerify(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 40)

	encoded, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=65536,t=1,p=4$"))

	ok, err := VerifyAPIKey(key, encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey(key+"x", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	// 相同密钥两次哈希的盐不同
	again, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again)
}

func TestVerifyAPIKeyRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"plain",
		"$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$!!$aGFzaA",
	}
	for _, encoded := range tests {
		_, err := VerifyAPIKey("key", encoded)
		assert.Error(t, err, encoded)
	}
}

func TestJWTManager(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	assert.Equal(t, time.Hour, m.Expiry())

	token, expiresAt, err := m.GenerateToken("kitchen-panel", "s1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "kitchen-panel", claims.Client)
	assert.Equal(t, "s1", claims.Session)
	assert.Equal(t, "jutta-brewer", claims.Issuer)

	_, err = NewJWTManager("other", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManagerExpired(t *testing.T) {
	m := NewJWTManager("secret", -time.Minute)
	token, _, err := m.GenerateToken("panel", "s1")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTManagerRejectsNoneAlgorithm(t *testing.T) {
	claims := &JWTClaims{Client: "panel"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTManager("secret", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
