package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/types"
)

func newService(t *testing.T) *TokenService {
	t.Helper()
	s, err := NewTokenService(Config{Secret: "test-secret"}, nil)
	require.NoError(t, err)
	return s
}

func TestNewTokenService_RequiresSecret(t *testing.T) {
	_, err := NewTokenService(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestTokenService_MintAndVerify(t *testing.T) {
	s := newService(t)

	token, err := s.MintScopedToken(context.Background(), "grant-1", "tool:search", []string{"read", "invoke"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := s.Verify(token, "tool:search")
	require.NoError(t, err)
	assert.Equal(t, "grant-1", claims.GrantID)
	assert.Equal(t, "grant-1", claims.Subject)
	assert.Equal(t, []string{"read", "invoke"}, claims.Scopes)
	assert.Equal(t, "stepflow", claims.Issuer)
	assert.Contains(t, claims.Audience, "tool:search")
}

func TestTokenService_EmptyGrantRejected(t *testing.T) {
	s := newService(t)

	_, err := s.MintScopedToken(context.Background(), "", "tool:search", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}

func TestTokenService_WrongAudienceRejected(t *testing.T) {
	s := newService(t)

	token, err := s.MintScopedToken(context.Background(), "grant-1", "tool:search", nil)
	require.NoError(t, err)

	_, err = s.Verify(token, "tool:delete")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}

func TestTokenService_WrongSecretRejected(t *testing.T) {
	s := newService(t)
	other, err := NewTokenService(Config{Secret: "other-secret"}, nil)
	require.NoError(t, err)

	token, err := s.MintScopedToken(context.Background(), "grant-1", "tool:search", nil)
	require.NoError(t, err)

	_, err = other.Verify(token, "tool:search")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}

func TestTokenService_WrongIssuerRejected(t *testing.T) {
	minter, err := NewTokenService(Config{Secret: "test-secret", Issuer: "someone-else"}, nil)
	require.NoError(t, err)
	verifier := newService(t)

	token, err := minter.MintScopedToken(context.Background(), "grant-1", "tool:search", nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token, "tool:search")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}

func TestTokenService_Expiry(t *testing.T) {
	s, err := NewTokenService(Config{Secret: "test-secret", TokenTTL: time.Minute}, nil)
	require.NoError(t, err)

	issued := time.Now()
	s.now = func() time.Time { return issued }

	token, err := s.MintScopedToken(context.Background(), "grant-1", "tool:search", nil)
	require.NoError(t, err)

	_, err = s.Verify(token, "tool:search")
	require.NoError(t, err, "token is valid within its TTL")

	s.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = s.Verify(token, "tool:search")
	require.Error(t, err, "token is rejected after its TTL")
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}

func TestTokenService_GarbageTokenRejected(t *testing.T) {
	s := newService(t)

	_, err := s.Verify("not.a.jwt", "tool:search")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}
