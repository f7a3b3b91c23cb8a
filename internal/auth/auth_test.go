package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewGateRejectsEmptySecret(t *testing.T) {
	req := require.New(t)

	gate, err := NewGate("", time.Hour)

	req.ErrorIs(err, ErrEmptySecret)
	req.Nil(gate)
}

func TestGateIssueThenVerify(t *testing.T) {
	req := require.New(t)
	gate, err := NewGate("test-secret", 0)
	req.NoError(err)
	userID := uuid.NewString()

	token, err := gate.Issue(userID, "alice")
	req.NoError(err)

	claims, err := gate.Verify(token)
	req.NoError(err)
	req.Equal(userID, claims.UserID)
	req.Equal("alice", claims.Username)
	req.Equal("whisp", claims.Issuer)

	// Default lifetime is seven days
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	req.Equal(DefaultTokenTTL, lifetime)
}

func TestGateVerifyExpired(t *testing.T) {
	req := require.New(t)
	gate, err := NewGate("test-secret", DefaultTokenTTL)
	req.NoError(err)

	// Given a token issued eight days ago
	gate.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	token, err := gate.Issue(uuid.NewString(), "alice")
	req.NoError(err)

	// When it is verified now
	gate.now = time.Now
	_, err = gate.Verify(token)

	// Then it is reported as expired, not merely invalid
	req.ErrorIs(err, ErrExpired)
}

func TestGateVerifyInvalid(t *testing.T) {
	gate, err := NewGate("test-secret", time.Hour)
	require.NoError(t, err)
	other, err := NewGate("another-secret", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue(uuid.NewString(), "mallory")
	require.NoError(t, err)

	valid, err := gate.Issue(uuid.NewString(), "alice")
	require.NoError(t, err)
	i := len(valid) - 10
	flipped := byte('A')
	if valid[i] == 'A' {
		flipped = 'B'
	}
	tampered := valid[:i] + string(flipped) + valid[i+1:]

	noUsername := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noUsernameToken, err := noUsername.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: uuid.NewString(), Username: "alice"})
	noExpiryToken, err := noExpiry.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noneAlg := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID:   uuid.NewString(),
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noneToken, err := noneAlg.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"signed with another key", foreign},
		{"tampered signature", tampered},
		{"missing username", noUsernameToken},
		{"missing expiry", noExpiryToken},
		{"alg none", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gate.Verify(tt.token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer abc", "abc", true},
		{"  Bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		require.Equal(t, tt.ok, ok, "header %q", tt.header)
		require.Equal(t, tt.want, got, "header %q", tt.header)
	}
}

func TestDeviceSecretHashAndCompare(t *testing.T) {
	req := require.New(t)

	secret := NewDeviceSecret()
	req.Len(secret, 32)
	req.NotContains(secret, "-")
	req.NotEqual(secret, NewDeviceSecret())

	hash, err := HashSecret(secret)
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$argon2id$"))
	req.NotContains(hash, secret)

	match, err := CompareSecret(secret, hash)
	req.NoError(err)
	req.True(match)

	match, err = CompareSecret(NewDeviceSecret(), hash)
	req.NoError(err)
	req.False(match)
}

func TestCompareSecretMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$!!!$aGFzaA",
	} {
		match, err := CompareSecret("secret", encoded)
		require.Error(t, err, "hash %q", encoded)
		require.False(t, match)
	}
}
