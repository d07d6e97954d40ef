package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider is the minimal behaviour required from an upstream
// provider: build the redirect URL and turn a callback code into a verified
// identity.
type IdentityProvider interface {
	Name() string
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, expectedNonce string) (ProviderUser, error)
}

// OIDCProvider federates to an upstream OpenID Connect provider discovered
// from its issuer (Google, Microsoft Entra, or any extra issuer).
type OIDCProvider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", name)
	}

	issuer := upstream.Issuer
	if upstream.TenantID != "" {
		if resolved, ok := resolveEntraTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	oauthCfg := &oauth2.Config{
		ClientID:     upstream.ClientID,
		ClientSecret: upstream.ClientSecret,
		RedirectURL:  redirect,
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	return &OIDCProvider{
		name:        name,
		oauthConfig: oauthCfg,
		verifier:    op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		logger:      logger,
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

// AuthCodeURL constructs the authorization request for the upstream.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange, verifies the signed ID token
// (signature, issuer, audience, expiry) plus the nonce, and returns a
// normalized user.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce string) (ProviderUser, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ProviderUser{}, fmt.Errorf("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("verify id_token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return ProviderUser{}, fmt.Errorf("parse claims: %w", err)
	}

	if expectedNonce != "" {
		if nonce, ok := claims["nonce"].(string); !ok || nonce != expectedNonce {
			return ProviderUser{}, fmt.Errorf("nonce mismatch")
		}
	}

	user := ProviderUser{
		Subject: idToken.Subject,
		Claims:  claims,
	}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		user.EmailVerified = verified
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		user.Name = preferred
	}

	return user, nil
}

// BuildProviders prepares all configured upstream providers. In dev mode a
// provider that fails to initialize is skipped with a warning; in production
// it is fatal.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[string]IdentityProvider, error) {
	providers := make(map[string]IdentityProvider)

	callback := func(name string) string {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/callback/" + name
	}

	addOIDC := func(name string, upstream UpstreamProvider) error {
		if upstream.Issuer == "" || upstream.ClientID == "" {
			return nil
		}
		prov, err := NewOIDCProvider(ctx, name, upstream, callback(name), logger)
		if err != nil {
			if cfg.Server.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				return nil
			}
			return err
		}
		providers[name] = prov
		return nil
	}

	google := cfg.Server.Providers.Google
	if google.Issuer == "" {
		google.Issuer = "https://accounts.google.com"
	}
	if err := addOIDC("google", google); err != nil {
		return nil, err
	}
	if err := addOIDC("entra", cfg.Server.Providers.Entra); err != nil {
		return nil, err
	}
	for name, upstream := range cfg.Server.Providers.Extra {
		if err := addOIDC(name, upstream); err != nil {
			return nil, err
		}
	}

	if gh := cfg.Server.Providers.GitHub; gh.ClientID != "" {
		providers["github"] = NewGitHubProvider(gh, callback("github"), logger)
	}

	if def := cfg.Server.Providers.Default; def != "" {
		if _, ok := providers[def]; !ok {
			if cfg.Server.DevMode {
				logger.Warn("default provider unavailable", "provider", def)
			} else {
				return nil, fmt.Errorf("default provider %s not configured", def)
			}
		}
	}

	return providers, nil
}

// resolveEntraTenantIssuer substitutes the tenant into a Microsoft issuer
// URL that uses the /common segment or a {tenant} placeholder.
func resolveEntraTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
