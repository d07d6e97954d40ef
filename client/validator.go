// Package client validates access tokens issued by a marketid server. It is
// intended for resource servers that receive bearer tokens and need to check
// them without calling back on every request.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator. Issuer and JWKSURL are
// required; IntrospectionURL enables the remote fallback for opaque tokens.
type ValidatorConfig struct {
	Issuer            string
	JWKSURL           string
	ExpectedAudiences []string
	CacheTTL          time.Duration
	HTTPClient        *http.Client
	IntrospectionURL  string
	ClientID          string
	ClientSecret      string
}

// Claims is the validated view of an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	ExpiresAt time.Time
}

// HasScope reports whether the token carries the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, sc := range c.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenInactive = errors.New("token inactive")
)

// Validator verifies marketid-signed JWT access tokens against the server's
// published JWKS, caching the key set between fetches.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	fetched time.Time
}

// NewValidator constructs a validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Validator{cfg: cfg, client: httpClient}, nil
}

type accessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Validate parses and verifies a JWT access token.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	keyfunc := func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		key, err := v.key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if len(v.cfg.ExpectedAudiences) > 0 && !audienceMatches(claims.Audience, v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	out := &Claims{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		Audiences: claims.Audience,
		Scopes:    strings.Fields(claims.Scope),
		ClientID:  claims.ClientID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Introspect asks the server about a token it cannot verify locally, such as
// a refresh token. Requires IntrospectionURL and client credentials.
func (v *Validator) Introspect(ctx context.Context, token string) (*Claims, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection url not configured")
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspect: status %d", resp.StatusCode)
	}

	var meta struct {
		Active   bool   `json:"active"`
		Scope    string `json:"scope"`
		ClientID string `json:"client_id"`
		Sub      string `json:"sub"`
		Iss      string `json:"iss"`
		Aud      string `json:"aud"`
		Exp      int64  `json:"exp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("introspect: decode: %w", err)
	}
	if !meta.Active {
		return nil, ErrTokenInactive
	}

	out := &Claims{
		Subject:  meta.Sub,
		Issuer:   meta.Iss,
		Scopes:   strings.Fields(meta.Scope),
		ClientID: meta.ClientID,
	}
	if meta.Aud != "" {
		out.Audiences = []string{meta.Aud}
	}
	if meta.Exp > 0 {
		out.ExpiresAt = time.Unix(meta.Exp, 0)
	}
	return out, nil
}

// key returns the verification key for kid, refetching the JWKS when the
// cache is stale or the kid is unknown (key rotation).
func (v *Validator) key(ctx context.Context, kid string) (any, error) {
	v.mu.RLock()
	fresh := time.Since(v.fetched) < v.cfg.CacheTTL
	key, found := lookupKey(v.keys, kid)
	v.mu.RUnlock()

	if found {
		return key, nil
	}
	if fresh {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, found = lookupKey(v.keys, kid)
	if !found {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func (v *Validator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.keys = set
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}

func lookupKey(set jose.JSONWebKeySet, kid string) (any, bool) {
	for _, k := range set.Keys {
		if k.KeyID == kid {
			return k.Key, true
		}
	}
	return nil, false
}

func audienceMatches(got []string, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}
