package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

type fakeIdentityProvider struct {
	name string
	user ProviderUser
	err  error
}

func (p *fakeIdentityProvider) Name() string { return p.name }

func (p *fakeIdentityProvider) AuthCodeURL(state, nonce string) string {
	return "https://idp.test/auth?state=" + url.QueryEscape(state) + "&nonce=" + url.QueryEscape(nonce)
}

func (p *fakeIdentityProvider) Exchange(_ context.Context, code, _ string) (ProviderUser, error) {
	if p.err != nil {
		return ProviderUser{}, p.err
	}
	if code == "" {
		return ProviderUser{}, errors.New("missing code")
	}
	return p.user, nil
}

func newTestFederator(t *testing.T, provider *fakeIdentityProvider, autoProvision bool) (*Federator, *MemoryStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Federation.AutoProvision = autoProvision
	cfg.Federation.CookieSecret = "test-cookie-secret"

	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := NewCredentialStore(store, LockoutPolicy{MaxAttempts: 5, Window: time.Minute, Cooldown: time.Minute}, logger)
	fed := NewFederator(cfg, store, users, map[string]IdentityProvider{provider.name: provider}, logger)
	return fed, store
}

func testAuthorizeRequest() AuthorizeRequest {
	return AuthorizeRequest{
		Client:      Client{ID: "webapp", RedirectURIs: []string{"https://app.example.com/callback"}},
		RedirectURI: "https://app.example.com/callback",
		Scope:       "openid profile",
		State:       "client-state",
	}
}

// startFederation drives Start and returns the correlation cookie plus the
// state handed to the provider.
func startFederation(t *testing.T, fed *Federator) (*http.Cookie, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	if err := fed.Start(rec, req, "fake", testAuthorizeRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("provider redirect missing state")
	}

	for _, c := range rec.Result().Cookies() {
		if c.Name == "marketid_fed" {
			return c, state
		}
	}
	t.Fatalf("correlation cookie not set")
	return nil, ""
}

func callbackRequest(cookie *http.Cookie, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/callback/fake?"+query, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestFederationRoundTrip(t *testing.T) {
	provider := &fakeIdentityProvider{
		name: "fake",
		user: ProviderUser{Subject: "f-1", Email: "dora@example.com", EmailVerified: true},
	}
	fed, _ := newTestFederator(t, provider, true)
	cookie, state := startFederation(t, fed)

	rec := httptest.NewRecorder()
	req := callbackRequest(cookie, "state="+url.QueryEscape(state)+"&code=abc")
	attempt, user, err := fed.HandleCallback(context.Background(), rec, req, "fake")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if attempt.ClientState != "client-state" {
		t.Fatalf("attempt lost client state: %q", attempt.ClientState)
	}
	if user.Email != "dora@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	// The correlation cookie must be destroyed by the callback.
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "marketid_fed" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("correlation cookie not cleared")
	}

	// Replaying the exact same callback must fail: the attempt is spent.
	rec2 := httptest.NewRecorder()
	req2 := callbackRequest(cookie, "state="+url.QueryEscape(state)+"&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec2, req2, "fake"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch on replay, got %v", err)
	}
}

func TestCallbackWithoutCookie(t *testing.T) {
	provider := &fakeIdentityProvider{name: "fake"}
	fed, _ := newTestFederator(t, provider, true)
	_, state := startFederation(t, fed)

	rec := httptest.NewRecorder()
	req := callbackRequest(nil, "state="+url.QueryEscape(state)+"&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec, req, "fake"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch without cookie, got %v", err)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	provider := &fakeIdentityProvider{name: "fake"}
	fed, _ := newTestFederator(t, provider, true)
	cookie, _ := startFederation(t, fed)

	rec := httptest.NewRecorder()
	req := callbackRequest(cookie, "state=forged&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec, req, "fake"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch for forged state, got %v", err)
	}
}

func TestCallbackTamperedCookie(t *testing.T) {
	provider := &fakeIdentityProvider{name: "fake"}
	fed, _ := newTestFederator(t, provider, true)
	cookie, state := startFederation(t, fed)

	tampered := *cookie
	tampered.Value = cookie.Value + "x"
	rec := httptest.NewRecorder()
	req := callbackRequest(&tampered, "state="+url.QueryEscape(state)+"&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec, req, "fake"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch for tampered cookie, got %v", err)
	}
}

func TestCallbackProviderErrorConsumesAttempt(t *testing.T) {
	provider := &fakeIdentityProvider{name: "fake"}
	fed, _ := newTestFederator(t, provider, true)
	cookie, state := startFederation(t, fed)

	rec := httptest.NewRecorder()
	req := callbackRequest(cookie, "state="+url.QueryEscape(state)+"&error=access_denied")
	attempt, _, err := fed.HandleCallback(context.Background(), rec, req, "fake")
	if !errors.Is(err, ErrProviderError) {
		t.Fatalf("expected ErrProviderError, got %v", err)
	}
	if attempt.ID == "" {
		t.Fatalf("expected the consumed attempt back for error mapping")
	}

	// The attempt is spent; retrying with a code now fails too.
	rec2 := httptest.NewRecorder()
	req2 := callbackRequest(cookie, "state="+url.QueryEscape(state)+"&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec2, req2, "fake"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch after error callback, got %v", err)
	}
}

func TestCallbackLinkingRequired(t *testing.T) {
	provider := &fakeIdentityProvider{
		name: "fake",
		user: ProviderUser{Subject: "f-2", Email: "new@example.com"},
	}
	fed, _ := newTestFederator(t, provider, false)
	cookie, state := startFederation(t, fed)

	rec := httptest.NewRecorder()
	req := callbackRequest(cookie, "state="+url.QueryEscape(state)+"&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec, req, "fake"); !errors.Is(err, ErrLinkingRequired) {
		t.Fatalf("expected ErrLinkingRequired, got %v", err)
	}
}

func TestCallbackUnknownProvider(t *testing.T) {
	provider := &fakeIdentityProvider{name: "fake"}
	fed, _ := newTestFederator(t, provider, true)
	cookie, state := startFederation(t, fed)

	rec := httptest.NewRecorder()
	req := callbackRequest(cookie, "state="+url.QueryEscape(state)+"&code=abc")
	if _, _, err := fed.HandleCallback(context.Background(), rec, req, "ghost"); !errors.Is(err, ErrProviderError) {
		t.Fatalf("expected ErrProviderError for unconfigured provider, got %v", err)
	}
}

func TestStartRejectsUnknownProvider(t *testing.T) {
	provider := &fakeIdentityProvider{name: "fake"}
	fed, _ := newTestFederator(t, provider, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	if err := fed.Start(rec, req, "ghost", testAuthorizeRequest()); err == nil {
		t.Fatalf("expected Start to fail for unknown provider")
	}
}
