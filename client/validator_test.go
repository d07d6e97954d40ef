package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"marketid/server"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Server.PublicURL = "http://id.test"
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Storage.Driver = "memory"
	cfg.Federation.CookieSecret = "test-cookie-secret"
	cfg.OAuth2Clients = []server.ClientConfig{{
		ClientID:     "worker",
		ClientSecret: "worker-secret",
		GrantTypes:   []string{server.GrantClientCredentials},
		Scopes:       []string{"billing"},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := server.NewApp(context.Background(), cfg, server.NewMemoryStore(), logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func mintToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"worker"},
		"client_secret": {"worker-secret"},
		"scope":         {"billing"},
	}
	resp, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status: %d", resp.StatusCode)
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return tokens.AccessToken
}

func TestValidateAgainstLiveJWKS(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, srv)

	v, err := NewValidator(ValidatorConfig{
		Issuer:            "http://id.test",
		JWKSURL:           srv.URL + "/.well-known/jwks.json",
		ExpectedAudiences: []string{"worker"},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	claims, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.ClientID != "worker" {
		t.Fatalf("unexpected client_id: %q", claims.ClientID)
	}
	if !claims.HasScope("billing") {
		t.Fatalf("expected billing scope, got %v", claims.Scopes)
	}
	if claims.HasScope("admin") {
		t.Fatalf("unexpected admin scope")
	}

	if _, err := v.Validate(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, srv)

	v, err := NewValidator(ValidatorConfig{
		Issuer:            "http://id.test",
		JWKSURL:           srv.URL + "/.well-known/jwks.json",
		ExpectedAudiences: []string{"api://some-other-service"},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestIntrospectFallback(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, srv)

	v, err := NewValidator(ValidatorConfig{
		Issuer:           "http://id.test",
		JWKSURL:          srv.URL + "/.well-known/jwks.json",
		IntrospectionURL: srv.URL + "/introspect",
		ClientID:         "worker",
		ClientSecret:     "worker-secret",
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	claims, err := v.Introspect(context.Background(), token)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !claims.HasScope("billing") {
		t.Fatalf("expected billing scope, got %v", claims.Scopes)
	}

	if _, err := v.Introspect(context.Background(), "garbage"); !errors.Is(err, ErrTokenInactive) {
		t.Fatalf("expected ErrTokenInactive, got %v", err)
	}
}
