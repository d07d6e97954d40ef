package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenClaims captures the JWT claims minted into access tokens.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Provider string `json:"idp,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenClaims captures the OIDC ID token payload.
type IDTokenClaims struct {
	Nonce string `json:"nonce,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and validates the server's own tokens.
type TokenService struct {
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
	audDefault    string
	store         Store
	jwks          *JWKSManager
	logger        *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store Store, jwks *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:        strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:     cfg.Tokens.AccessTTL,
		refreshTTL:    cfg.Tokens.RefreshTTL,
		rotateRefresh: cfg.Tokens.RotateRefresh,
		audDefault:    cfg.Tokens.AudienceDefault,
		store:         store,
		jwks:          jwks,
		logger:        logger,
	}
}

// Issuer returns the token issuer URL.
func (ts *TokenService) Issuer() string { return ts.issuer }

// MintForGrant exchanges a consumed authorization grant for tokens. The
// grant's scope set was narrowed at authorize time; openid in that set adds
// a signed ID token carrying the resolved claims.
func (ts *TokenService) MintForGrant(ctx context.Context, grant AuthorizationGrant, client Client) (TokenResponse, error) {
	audience := client.ResolveAudience("", ts.audDefault)

	accessToken, err := ts.jwks.Sign(ts.buildAccessClaims(grant.UserID, client.ID, audience, grant.Scope, ""))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	resp := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       grant.Scope,
	}

	if scopeContains(grant.Scope, "openid") {
		idToken, err := ts.mintIDToken(ctx, grant, client)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.IDToken = idToken
	}

	if client.AllowsGrant(GrantRefreshToken) && ts.refreshTTL > 0 {
		rt := RefreshToken{
			ID:        uuid.NewString(),
			FamilyID:  grant.FamilyID,
			ClientID:  client.ID,
			UserID:    grant.UserID,
			SessionID: grant.SessionID,
			Scope:     grant.Scope,
			Audience:  audience,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(ts.refreshTTL),
		}
		if err := ts.store.CreateRefreshToken(ctx, rt); err != nil {
			return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
		}
		resp.RefreshToken = rt.ID
	}

	return resp, nil
}

// MintForRefreshToken validates and rotates a refresh token. Presenting an
// already-rotated or revoked token is treated as theft: the whole family is
// revoked and the request fails with ErrTokenReplayed.
func (ts *TokenService) MintForRefreshToken(ctx context.Context, token string, client Client) (TokenResponse, error) {
	rt, err := ts.store.GetRefreshToken(ctx, token)
	if err != nil {
		return TokenResponse{}, ErrTokenNotFound
	}
	if rt.ClientID != client.ID {
		return TokenResponse{}, ErrTokenNotFound
	}
	if rt.Revoked {
		n, revokeErr := ts.store.RevokeTokenFamily(ctx, rt.FamilyID)
		if revokeErr != nil {
			ts.logger.Error("revoke token family", "family_id", rt.FamilyID, "error", revokeErr)
		}
		ts.logger.Warn("refresh token replay detected, family revoked",
			"client_id", client.ID, "family_id", rt.FamilyID, "revoked", n)
		return TokenResponse{}, ErrTokenReplayed
	}
	if time.Now().After(rt.ExpiresAt) {
		return TokenResponse{}, ErrTokenNotFound
	}

	accessToken, err := ts.jwks.Sign(ts.buildAccessClaims(rt.UserID, client.ID, rt.Audience, rt.Scope, ""))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	resp := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       rt.Scope,
	}

	if ts.rotateRefresh {
		if err := ts.store.RevokeRefreshToken(ctx, rt.ID); err != nil {
			return TokenResponse{}, fmt.Errorf("rotate refresh token: %w", err)
		}
		next := RefreshToken{
			ID:          uuid.NewString(),
			FamilyID:    rt.FamilyID,
			ClientID:    rt.ClientID,
			UserID:      rt.UserID,
			SessionID:   rt.SessionID,
			Scope:       rt.Scope,
			Audience:    rt.Audience,
			RotatedFrom: rt.ID,
			IssuedAt:    time.Now(),
			ExpiresAt:   time.Now().Add(ts.refreshTTL),
		}
		if err := ts.store.CreateRefreshToken(ctx, next); err != nil {
			return TokenResponse{}, fmt.Errorf("save rotated refresh token: %w", err)
		}
		resp.RefreshToken = next.ID
	} else {
		resp.RefreshToken = rt.ID
	}

	return resp, nil
}

// MintForClientCredentials handles machine tokens for confidential clients.
func (ts *TokenService) MintForClientCredentials(_ context.Context, client Client, scope, audience string) (TokenResponse, error) {
	if client.Public {
		return TokenResponse{}, fmt.Errorf("public clients cannot use client_credentials")
	}
	if !client.AllowsGrant(GrantClientCredentials) {
		return TokenResponse{}, fmt.Errorf("client_credentials grant not allowed for client")
	}
	granted := client.GrantScopes(scope)

	aud := client.ResolveAudience(audience, ts.audDefault)
	token, err := ts.jwks.Sign(ts.buildAccessClaims(client.ID, client.ID, aud, granted, ""))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       granted,
	}, nil
}

// ValidateAccessToken parses and validates a minted JWT.
func (ts *TokenService) ValidateAccessToken(_ context.Context, token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Issuer != ts.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}

// Introspect returns RFC 7662 metadata for a token.
func (ts *TokenService) Introspect(ctx context.Context, token string) map[string]any {
	if rt, err := ts.store.GetRefreshToken(ctx, token); err == nil {
		active := !rt.Revoked && time.Now().Before(rt.ExpiresAt)
		if !active {
			return map[string]any{"active": false}
		}
		return map[string]any{
			"active":     true,
			"token_type": "refresh_token",
			"scope":      rt.Scope,
			"client_id":  rt.ClientID,
			"sub":        rt.UserID,
			"exp":        rt.ExpiresAt.Unix(),
			"iat":        rt.IssuedAt.Unix(),
		}
	}

	claims, err := ts.ValidateAccessToken(ctx, token)
	if err != nil {
		return map[string]any{"active": false}
	}
	aud := ""
	if len(claims.Audience) > 0 {
		aud = claims.Audience[0]
	}
	active := map[string]any{
		"active":     true,
		"token_type": "access_token",
		"scope":      claims.Scope,
		"client_id":  claims.ClientID,
		"sub":        claims.Subject,
		"aud":        aud,
		"iss":        claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		active["exp"] = claims.ExpiresAt.Time.Unix()
	}
	if claims.IssuedAt != nil {
		active["iat"] = claims.IssuedAt.Time.Unix()
	}
	return active
}

// Revoke marks a refresh token revoked. Unknown tokens are ignored per
// RFC 7009; clients learn nothing from revoking garbage.
func (ts *TokenService) Revoke(ctx context.Context, client Client, token string) {
	rt, err := ts.store.GetRefreshToken(ctx, token)
	if err != nil || rt.ClientID != client.ID {
		return
	}
	if err := ts.store.RevokeRefreshToken(ctx, rt.ID); err != nil {
		ts.logger.Error("revoke refresh token", "error", err)
	}
}

func (ts *TokenService) mintIDToken(ctx context.Context, grant AuthorizationGrant, client Client) (string, error) {
	user, err := ts.store.GetUser(ctx, grant.UserID)
	if err != nil {
		return "", fmt.Errorf("resolve user for id token: %w", err)
	}

	claims := IDTokenClaims{
		Nonce: grant.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{client.ID},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ts.accessTTL)),
		},
	}
	if scopeContains(grant.Scope, "email") {
		claims.Email = user.Email
	}
	if scopeContains(grant.Scope, "profile") {
		claims.Name = user.Username
	}
	return ts.jwks.Sign(claims)
}

func (ts *TokenService) buildAccessClaims(sub, clientID, audience, scope, provider string) AccessTokenClaims {
	now := time.Now()
	return AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
}

// verifyPKCE checks the S256 code verifier against the challenge bound to
// the grant, in constant time.
func verifyPKCE(grant AuthorizationGrant, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(grant.CodeChallenge)) != 1 {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}

func scopeContains(scope, want string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == want {
			return true
		}
	}
	return false
}
