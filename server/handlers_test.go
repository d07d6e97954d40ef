package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://id.test"
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Server.DevMode = true
	cfg.Storage.Driver = "memory"
	cfg.Federation.CookieSecret = "test-cookie-secret"
	cfg.OAuth2Clients = []ClientConfig{
		{
			ClientID:     "webapp",
			ClientSecret: "webapp-secret",
			RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
			GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
			Scopes:       []string{"openid", "profile", "email", "billing"},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, NewMemoryStore(), logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// registerUser signs up through the HTTP surface and returns the session
// cookie the browser would hold.
func registerUser(t *testing.T, srv *httptest.Server, username string) *http.Cookie {
	t.Helper()
	form := url.Values{
		"username": {username},
		"password": {"correct-horse-battery"},
		"email":    {username + "@example.com"},
	}
	resp, err := noRedirectClient().PostForm(srv.URL+"/register", form)
	if err != nil {
		t.Fatalf("POST /register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("register status: %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "marketid_session" {
			return c
		}
	}
	t.Fatalf("no session cookie after register")
	return nil
}

func authorizeCode(t *testing.T, srv *httptest.Server, session *http.Cookie, scope string) string {
	t.Helper()
	authURL := srv.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		"scope":         {scope},
		"state":         {"xyz"},
	}.Encode()

	req, _ := http.NewRequest(http.MethodGet, authURL, nil)
	req.AddCookie(session)
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("authorize status %d: %s", resp.StatusCode, body)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := loc.Query().Get("state"); got != "xyz" {
		t.Fatalf("state not echoed, got %q", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", loc)
	}
	return code
}

func exchangeCode(t *testing.T, srv *httptest.Server, code string) (TokenResponse, int) {
	t.Helper()
	form := url.Values{
		"grant_type":    {GrantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		"client_id":     {"webapp"},
		"client_secret": {"webapp-secret"},
	}
	resp, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	defer resp.Body.Close()

	var tokens TokenResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
			t.Fatalf("decode token response: %v", err)
		}
	}
	return tokens, resp.StatusCode
}

func TestAuthorizationCodeFlow(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")
	code := authorizeCode(t, srv, session, "openid profile email")

	tokens, status := exchangeCode(t, srv, code)
	if status != http.StatusOK {
		t.Fatalf("token status: %d", status)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", tokens)
	}

	// Userinfo with the minted access token.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /userinfo: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("userinfo status: %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if info["email"] != "alice@example.com" {
		t.Fatalf("unexpected userinfo: %v", info)
	}
	if info["name"] != "alice" {
		t.Fatalf("unexpected userinfo name: %v", info)
	}
}

func TestAuthorizeAcceptsFormPOST(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")

	form := url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		"scope":         {"openid"},
		"state":         {"xyz"},
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(session)
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("POST /authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("POST authorize status: %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("code") == "" {
		t.Fatalf("no code in POST authorize redirect: %s", loc)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Fatalf("state not echoed on POST authorize")
	}

	// Without a session, the POSTed parameters survive into return_to.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("POST /authorize unauthenticated: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("unauthenticated POST authorize status: %d", resp.StatusCode)
	}
	loginLoc := resp.Header.Get("Location")
	if !strings.HasPrefix(loginLoc, "/login?return_to=") {
		t.Fatalf("expected login redirect, got %q", loginLoc)
	}
	returnTo, err := url.QueryUnescape(strings.TrimPrefix(loginLoc, "/login?return_to="))
	if err != nil {
		t.Fatalf("unescape return_to: %v", err)
	}
	if !strings.Contains(returnTo, "client_id=webapp") || !strings.Contains(returnTo, "state=xyz") {
		t.Fatalf("return_to lost POSTed parameters: %q", returnTo)
	}
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")
	code := authorizeCode(t, srv, session, "openid")

	if _, status := exchangeCode(t, srv, code); status != http.StatusOK {
		t.Fatalf("first exchange status: %d", status)
	}
	if _, status := exchangeCode(t, srv, code); status != http.StatusBadRequest {
		t.Fatalf("replayed code must fail with 400, got %d", status)
	}
}

func TestAuthorizeNarrowsScope(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")
	code := authorizeCode(t, srv, session, "openid profile admin")

	tokens, status := exchangeCode(t, srv, code)
	if status != http.StatusOK {
		t.Fatalf("token status: %d", status)
	}
	if tokens.Scope != "openid profile" {
		t.Fatalf("expected narrowed scope %q, got %q", "openid profile", tokens.Scope)
	}
}

func TestAuthorizeRejectsBadRequests(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	cases := []struct {
		name  string
		query url.Values
	}{
		{"unknown client", url.Values{
			"response_type": {"code"},
			"client_id":     {"ghost"},
			"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		}},
		{"unregistered redirect", url.Values{
			"response_type": {"code"},
			"client_id":     {"webapp"},
			"redirect_uri":  {"http://evil.example.com/callback"},
		}},
		{"missing client_id", url.Values{
			"response_type": {"code"},
			"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		}},
	}
	for _, tc := range cases {
		resp, err := noRedirectClient().Get(srv.URL + "/authorize?" + tc.query.Encode())
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
	}
}

func TestAuthorizeRedirectsToLoginWithoutSession(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	query := url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		"scope":         {"openid"},
	}
	resp, err := noRedirectClient().Get(srv.URL + "/authorize?" + query.Encode())
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to login, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/login?return_to=") {
		t.Fatalf("unexpected login redirect: %q", loc)
	}
}

func TestTokenRejectsBadClientCredentials(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	form := url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"webapp"},
		"client_secret": {"wrong"},
	}
	resp, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", resp.StatusCode)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	form := url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"webapp"},
		"client_secret": {"webapp-secret"},
		"scope":         {"billing admin"},
	}
	resp, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status: %d", resp.StatusCode)
	}
	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tokens.Scope != "billing" {
		t.Fatalf("expected narrowed scope %q, got %q", "billing", tokens.Scope)
	}
	if tokens.RefreshToken != "" {
		t.Fatalf("client_credentials must not return a refresh token")
	}
}

func TestRefreshGrantRotatesOverHTTP(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")
	code := authorizeCode(t, srv, session, "openid")
	first, status := exchangeCode(t, srv, code)
	if status != http.StatusOK {
		t.Fatalf("exchange status: %d", status)
	}

	refresh := func(token string) (TokenResponse, int) {
		form := url.Values{
			"grant_type":    {GrantRefreshToken},
			"refresh_token": {token},
			"client_id":     {"webapp"},
			"client_secret": {"webapp-secret"},
		}
		resp, err := http.PostForm(srv.URL+"/token", form)
		if err != nil {
			t.Fatalf("POST /token refresh: %v", err)
		}
		defer resp.Body.Close()
		var tokens TokenResponse
		if resp.StatusCode == http.StatusOK {
			json.NewDecoder(resp.Body).Decode(&tokens)
		}
		return tokens, resp.StatusCode
	}

	second, status := refresh(first.RefreshToken)
	if status != http.StatusOK {
		t.Fatalf("refresh status: %d", status)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	// The stale token is now poison: it fails and kills the family.
	if _, status := refresh(first.RefreshToken); status != http.StatusBadRequest {
		t.Fatalf("stale refresh must fail with 400, got %d", status)
	}
	if _, status := refresh(second.RefreshToken); status != http.StatusBadRequest {
		t.Fatalf("revoked family member must fail with 400, got %d", status)
	}
}

func TestLocalLoginFlow(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	registerUser(t, srv, "alice")

	form := url.Values{
		"username":  {"alice"},
		"password":  {"correct-horse-battery"},
		"return_to": {"/authorize?client_id=webapp"},
	}
	resp, err := noRedirectClient().PostForm(srv.URL+"/login", form)
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/authorize?client_id=webapp" {
		t.Fatalf("unexpected return redirect: %q", loc)
	}

	// Wrong password answers with a generic failure.
	form.Set("password", "totally-wrong")
	resp, err = noRedirectClient().PostForm(srv.URL+"/login", form)
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Absolute return_to values never leave the origin.
	form.Set("password", "correct-horse-battery")
	form.Set("return_to", "https://evil.example.com/")
	resp, err = noRedirectClient().PostForm(srv.URL+"/login", form)
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("external return_to must collapse to /, got %q", loc)
	}
}

func TestLoginFailureRendersPage(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	registerUser(t, srv, "alice")

	form := url.Values{
		"username": {"alice"},
		"password": {"totally-wrong"},
	}
	resp, err := noRedirectClient().PostForm(srv.URL+"/login", form)
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login failure status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("login failure must render HTML, got Content-Type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Invalid username or password") {
		t.Fatalf("login failure page missing message: %s", body)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("GET discovery: %v", err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc["issuer"] != "http://id.test" {
		t.Fatalf("unexpected issuer: %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != "http://id.test/authorize" {
		t.Fatalf("unexpected authorization_endpoint: %v", doc["authorization_endpoint"])
	}
	if doc["jwks_uri"] != "http://id.test/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks_uri: %v", doc["jwks_uri"])
	}
}

func TestJWKSEndpoint(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("GET jwks: %v", err)
	}
	defer resp.Body.Close()

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) == 0 {
		t.Fatalf("expected at least one published key")
	}
	for _, key := range jwks.Keys {
		if _, hasPrivate := key["d"]; hasPrivate {
			t.Fatalf("jwks endpoint leaked private key material")
		}
	}
}

func TestIntrospectEndpoint(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")
	code := authorizeCode(t, srv, session, "openid")
	tokens, status := exchangeCode(t, srv, code)
	if status != http.StatusOK {
		t.Fatalf("exchange status: %d", status)
	}

	form := url.Values{
		"token":         {tokens.AccessToken},
		"client_id":     {"webapp"},
		"client_secret": {"webapp-secret"},
	}
	resp, err := http.PostForm(srv.URL+"/introspect", form)
	if err != nil {
		t.Fatalf("POST /introspect: %v", err)
	}
	defer resp.Body.Close()
	var meta map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta["active"] != true {
		t.Fatalf("expected active token, got %v", meta)
	}

	// Unauthenticated introspection is refused.
	resp, err = http.PostForm(srv.URL+"/introspect", url.Values{"token": {tokens.AccessToken}})
	if err != nil {
		t.Fatalf("POST /introspect unauthenticated: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")
	code := authorizeCode(t, srv, session, "openid")
	tokens, status := exchangeCode(t, srv, code)
	if status != http.StatusOK {
		t.Fatalf("exchange status: %d", status)
	}

	form := url.Values{
		"token":         {tokens.RefreshToken},
		"client_id":     {"webapp"},
		"client_secret": {"webapp-secret"},
	}
	resp, err := http.PostForm(srv.URL+"/revoke", form)
	if err != nil {
		t.Fatalf("POST /revoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status: %d", resp.StatusCode)
	}

	// Revoking garbage succeeds silently.
	form.Set("token", "garbage")
	resp, err = http.PostForm(srv.URL+"/revoke", form)
	if err != nil {
		t.Fatalf("POST /revoke garbage: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("garbage revoke status: %d", resp.StatusCode)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	session := registerUser(t, srv, "alice")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/logout", nil)
	req.AddCookie(session)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status: %d", resp.StatusCode)
	}

	// The session is gone: authorize falls back to login.
	query := url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"http://127.0.0.1:3000/callback"},
		"scope":         {"openid"},
	}
	authReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/authorize?"+query.Encode(), nil)
	authReq.AddCookie(session)
	resp, err = noRedirectClient().Do(authReq)
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/login") {
		t.Fatalf("expected login redirect after logout, got %q", loc)
	}
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["status"] != "ok" || status["store"] != "reachable" {
		t.Fatalf("unexpected health payload: %v", status)
	}
}

func TestBillingPlaceholder(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/billing")
	if err != nil {
		t.Fatalf("GET /api/billing: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready for implementation" {
		t.Fatalf("unexpected billing payload: %v", body)
	}
}
