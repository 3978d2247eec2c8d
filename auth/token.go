// Package auth mints and verifies scoped delegation tokens consumed by
// tool executors. Tokens are short-lived JWTs bound to a grant id and a
// scope subset, so a workflow node can only call the tools its run was
// delegated.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/types"
)

// GrantClaims are the claims embedded in a scoped token.
type GrantClaims struct {
	jwt.RegisteredClaims
	GrantID string   `json:"grant_id"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Config holds signing settings for the token service.
type Config struct {
	Secret   string        `yaml:"secret" json:"secret"`
	Issuer   string        `yaml:"issuer" json:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// DefaultConfig returns signing defaults. Secret must still be provided.
func DefaultConfig() Config {
	return Config{
		Issuer:   "stepflow",
		TokenTTL: 5 * time.Minute,
	}
}

// TokenService signs and verifies grant-scoped tokens with HMAC-SHA256.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenService creates a token service. An empty secret is rejected.
func NewTokenService(config Config, logger *zap.Logger) (*TokenService, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("token signing secret is required")
	}
	if config.Issuer == "" {
		config.Issuer = "stepflow"
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		ttl:    config.TokenTTL,
		logger: logger.With(zap.String("component", "token_service")),
		now:    time.Now,
	}, nil
}

// MintScopedToken issues a short-lived token for a grant, audience, and
// scope subset. Failures are reported as authorization errors so callers
// can distinguish them from node defects.
func (s *TokenService) MintScopedToken(ctx context.Context, grantID, audience string, scopes []string) (string, error) {
	if grantID == "" {
		return "", types.NewError(types.ErrAuthorization, "grant id is required to mint a token")
	}

	now := s.now()
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   grantID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		GrantID: grantID,
		Scopes:  scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", types.NewError(types.ErrAuthorization, "failed to sign scoped token").WithCause(err)
	}

	s.logger.Debug("minted scoped token",
		zap.String("grant_id", grantID),
		zap.String("audience", audience),
		zap.Int("scopes", len(scopes)),
	)
	return signed, nil
}

// Verify parses and validates a token and returns its claims.
func (s *TokenService) Verify(tokenString, audience string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, types.NewError(types.ErrAuthorization, "token verification failed").WithCause(err)
	}
	if !token.Valid {
		return nil, types.NewError(types.ErrAuthorization, "token is not valid")
	}
	if claims.GrantID == "" {
		return nil, types.NewError(types.ErrAuthorization, "token carries no grant id")
	}
	return claims, nil
}
