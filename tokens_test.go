package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokens() *TokenService {
	return NewTokenService(TokenConfig{AccessSecret: "a-secret", RefreshSecret: "r-secret"})
}

func TestTokenService_RoundTrip(t *testing.T) {
	s := newTestTokens()

	access, err := s.IssueAccessToken("u1", "alice")
	require.NoError(t, err)
	claims, err := s.VerifyAccessToken(access)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, tokenTypeAccess, claims.Type)

	refresh, err := s.IssueRefreshToken("u1", "alice")
	require.NoError(t, err)
	claims, err = s.VerifyRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, tokenTypeRefresh, claims.Type)
}

func TestTokenService_KindsAreNotInterchangeable(t *testing.T) {
	s := newTestTokens()
	pair, err := s.IssueTokenPair("u1", "alice")
	require.NoError(t, err)

	_, err = s.VerifyAccessToken(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.VerifyRefreshToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_SameSecretStillChecksType(t *testing.T) {
	s := NewTokenService(TokenConfig{AccessSecret: "same", RefreshSecret: "same"})
	refresh, err := s.IssueRefreshToken("u1", "alice")
	require.NoError(t, err)
	_, err = s.VerifyAccessToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_Expiry(t *testing.T) {
	s := newTestTokens()
	now := time.Now()
	s.now = func() time.Time { return now }

	access, err := s.IssueAccessToken("u1", "alice")
	require.NoError(t, err)
	_, err = s.VerifyAccessToken(access)
	require.NoError(t, err)

	now = now.Add(DefaultAccessTTL + time.Minute)
	_, err = s.VerifyAccessToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	refresh, err := s.IssueRefreshToken("u1", "alice")
	require.NoError(t, err)
	now = now.Add(DefaultRefreshTTL + time.Hour)
	_, err = s.VerifyRefreshToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_NegativeTTLIssuesExpiredTokens(t *testing.T) {
	s := NewTokenService(TokenConfig{AccessSecret: "a", RefreshSecret: "r", AccessTTL: -time.Minute})
	access, err := s.IssueAccessToken("u1", "alice")
	require.NoError(t, err)
	_, err = s.VerifyAccessToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_RejectsForgeries(t *testing.T) {
	s := newTestTokens()
	other := NewTokenService(TokenConfig{AccessSecret: "other", RefreshSecret: "other-r"})
	foreign, err := other.IssueAccessToken("u1", "alice")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u1",
		Type:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1", Type: tokenTypeAccess}).
		SignedString([]byte("a-secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"malformed":    "malformed",
		"empty":        "",
		"wrong secret": foreign,
		"alg none":     unsigned,
		"no exp":       noExp,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.VerifyAccessToken(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenService_PairsDifferWithinOneSecond(t *testing.T) {
	s := newTestTokens()
	first, err := s.IssueTokenPair("u1", "alice")
	require.NoError(t, err)
	second, err := s.IssueTokenPair("u1", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
}
