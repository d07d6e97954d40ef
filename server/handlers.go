package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     Store
	Sessions  *SessionManager
	Tokens    *TokenService
	JWKS      *JWKSManager
	Clients   *ClientRegistry
	Users     *CredentialStore
	Federator *Federator
	Cleanup   *CleanupWorker
}

// OpenStore builds the configured persistence backend.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return NewMemoryStore(), nil
	default:
		return OpenSQLiteStore(ctx, cfg.Storage.Path)
	}
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, store Store, logger *slog.Logger) (*App, error) {
	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, cfg.Tokens.KeyRotateEvery, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(ctx, store, cfg.OAuth2Clients, logger)
	if err != nil {
		return nil, err
	}

	users := NewCredentialStore(store, LockoutPolicy{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Window:      cfg.Lockout.Window,
		Cooldown:    cfg.Lockout.Cooldown,
	}, logger)

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  NewSessionManager(cfg, store, logger),
		Tokens:    NewTokenService(cfg, store, jwks, logger),
		JWKS:      jwks,
		Clients:   clients,
		Users:     users,
		Federator: NewFederator(cfg, store, users, providers, logger),
		Cleanup:   NewCleanupWorker(store, cfg.Cleanup.Interval, logger),
	}, nil
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}

	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		// Redirect errors back only when the redirect_uri itself checked
		// out; otherwise answer directly per OAuth2.
		if req.Client.ID != "" && req.RedirectURI != "" && req.Client.ValidRedirect(req.RedirectURI) {
			oauthError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
		} else {
			http.Error(w, fmt.Sprintf("invalid_request: %s", err.Error()), http.StatusBadRequest)
		}
		return
	}

	if session := a.Sessions.Fetch(r); session != nil {
		if err := a.completeAuthorize(w, r, req, session); err != nil {
			a.Logger.Error("authorize issue code", "error", err)
			oauthError(w, req.RedirectURI, req.State, "server_error", "failed to issue code")
		}
		return
	}

	// Unauthenticated: either hand off to an external provider or show the
	// local login form.
	providerName := req.Provider
	if providerName == "" {
		providerName = a.Config.Server.Providers.Default
	}
	if providerName != "" {
		if _, ok := a.Federator.Provider(providerName); ok {
			req.Provider = providerName
			if err := a.Federator.Start(w, r, providerName, req); err != nil {
				a.Logger.Error("federation start failed", "provider", providerName, "error", err)
				oauthError(w, req.RedirectURI, req.State, "server_error", "provider not available")
			}
			return
		}
		a.Logger.Warn("unknown provider requested", "provider", providerName)
		oauthError(w, req.RedirectURI, req.State, "invalid_request", "unknown identity provider")
		return
	}

	// Rebuild the authorize URL from the merged parameters so a POST
	// request survives the login round trip as a GET.
	returnTo := "/authorize?" + r.Form.Encode()
	http.Redirect(w, r, "/login?return_to="+url.QueryEscape(returnTo), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "idp")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}

	attempt, user, err := a.Federator.HandleCallback(r.Context(), w, r, providerName)
	if err != nil {
		a.failCallback(w, attempt, err)
		return
	}

	session, err := a.Sessions.Create(w, r, user, providerName)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		oauthError(w, attempt.RedirectURI, attempt.ClientState, "server_error", "session failure")
		return
	}

	client, err := a.Clients.Get(r.Context(), attempt.ClientID)
	if err != nil {
		oauthError(w, attempt.RedirectURI, attempt.ClientState, "server_error", "client vanished")
		return
	}

	req := AuthorizeRequest{
		Client:              client,
		RedirectURI:         attempt.RedirectURI,
		Scope:               attempt.Scope,
		State:               attempt.ClientState,
		CodeChallenge:       attempt.CodeChallenge,
		CodeChallengeMethod: attempt.CodeChallengeMethod,
		Provider:            providerName,
	}
	if err := a.completeAuthorize(w, r, req, session); err != nil {
		a.Logger.Error("callback issue code", "error", err)
		oauthError(w, req.RedirectURI, req.State, "server_error", "failed to issue code")
	}
}

// failCallback maps federation failures onto the relying party's redirect
// when the attempt is known, and onto a plain 400 otherwise. A state
// mismatch means the attempt is unknown, so there is never a redirect for
// it.
func (a *App) failCallback(w http.ResponseWriter, attempt FederationAttempt, err error) {
	switch {
	case errors.Is(err, ErrStateMismatch):
		a.Logger.Warn("federation failed", "error", err)
		http.Error(w, "login failed: state mismatch", http.StatusBadRequest)
	case errors.Is(err, ErrLinkingRequired):
		oauthError(w, attempt.RedirectURI, attempt.ClientState, "access_denied", "account linking required")
	case errors.Is(err, ErrProviderError):
		a.Logger.Warn("federation failed", "error", err)
		oauthError(w, attempt.RedirectURI, attempt.ClientState, "access_denied", "external sign-in failed")
	default:
		a.Logger.Error("federation failed", "error", err)
		if attempt.RedirectURI != "" {
			oauthError(w, attempt.RedirectURI, attempt.ClientState, "server_error", "login failed")
		} else {
			http.Error(w, "login failed", http.StatusInternalServerError)
		}
	}
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Basic")
		oauthDirectError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case GrantAuthorizationCode:
		a.handleTokenAuthorizationCode(w, r, client)
	case GrantRefreshToken:
		a.handleTokenRefresh(w, r, client)
	case GrantClientCredentials:
		a.handleTokenClientCredentials(w, r, client)
	default:
		oauthDirectError(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client Client) {
	if !client.AllowsGrant(GrantAuthorizationCode) {
		oauthDirectError(w, http.StatusBadRequest, "unauthorized_client", "authorization_code grant not allowed")
		return
	}

	code := r.FormValue("code")
	grant, err := a.Store.ConsumeGrant(r.Context(), code)
	if err != nil {
		if errors.Is(err, ErrCodeAlreadyUsed) {
			// Replay is a security event: burn everything minted from this
			// grant, not just this request.
			if n, revokeErr := a.Store.RevokeTokenFamily(r.Context(), grant.FamilyID); revokeErr == nil {
				a.Logger.Warn("authorization code replayed, family revoked",
					"client_id", grant.ClientID, "family_id", grant.FamilyID, "revoked", n)
			} else {
				a.Logger.Error("revoke token family", "error", revokeErr)
			}
		}
		oauthDirectError(w, http.StatusBadRequest, "invalid_grant", "code invalid, expired, or already used")
		return
	}

	if grant.ClientID != client.ID {
		oauthDirectError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if grant.RedirectURI != r.FormValue("redirect_uri") {
		oauthDirectError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if grant.CodeChallenge != "" {
		if err := verifyPKCE(grant, r.FormValue("code_verifier")); err != nil {
			oauthDirectError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
	}

	tokens, err := a.Tokens.MintForGrant(r.Context(), grant, client)
	if err != nil {
		a.Logger.Error("mint for grant", "error", err)
		oauthDirectError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	writeJSON(w, tokens)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client Client) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		oauthDirectError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	tokens, err := a.Tokens.MintForRefreshToken(r.Context(), refreshToken, client)
	if err != nil {
		a.Logger.Warn("refresh failed", "client_id", client.ID, "error", err)
		oauthDirectError(w, http.StatusBadRequest, "invalid_grant", "refresh token rejected")
		return
	}
	writeJSON(w, tokens)
}

func (a *App) handleTokenClientCredentials(w http.ResponseWriter, r *http.Request, client Client) {
	tokens, err := a.Tokens.MintForClientCredentials(r.Context(), client, r.FormValue("scope"), r.FormValue("audience"))
	if err != nil {
		a.Logger.Warn("client credentials", "client_id", client.ID, "error", err)
		oauthDirectError(w, http.StatusBadRequest, "invalid_client", err.Error())
		return
	}
	writeJSON(w, tokens)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := a.Tokens.ValidateAccessToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{"sub": claims.Subject}
	if user, err := a.Store.GetUser(r.Context(), claims.Subject); err == nil {
		if scopeContains(claims.Scope, "email") && user.Email != "" {
			resp["email"] = user.Email
		}
		if scopeContains(claims.Scope, "profile") {
			resp["name"] = user.Username
		}
	}
	writeJSON(w, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if _, err := a.authenticateClient(r); err != nil {
		http.Error(w, "invalid_client", http.StatusUnauthorized)
		return
	}
	token := r.FormValue("token")
	if token == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	writeJSON(w, a.Tokens.Introspect(r.Context(), token))
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		http.Error(w, "invalid_client", http.StatusUnauthorized)
		return
	}
	token := r.FormValue("token")
	if token == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	a.Tokens.Revoke(r.Context(), client, token)
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	renderLoginPage(w, http.StatusOK, r.URL.Query().Get("return_to"), "")
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	returnTo := r.FormValue("return_to")

	user, err := a.Users.Authenticate(r.Context(), r.FormValue("username"), r.FormValue("password"))
	if err != nil {
		switch {
		case errors.Is(err, ErrLockedOut):
			renderLoginPage(w, http.StatusLocked, returnTo, "Account temporarily locked. Try again later.")
		case errors.Is(err, ErrInvalidCredentials):
			renderLoginPage(w, http.StatusUnauthorized, returnTo, "Invalid username or password.")
		default:
			a.Logger.Error("local login", "error", err)
			http.Error(w, "login failed", http.StatusInternalServerError)
		}
		return
	}

	if _, err := a.Sessions.Create(w, r, user, ""); err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, safeReturnTo(returnTo), http.StatusFound)
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	user, err := a.Users.Register(r.Context(), r.FormValue("username"), r.FormValue("password"), r.FormValue("email"))
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateUsername):
			http.Error(w, "username already taken", http.StatusConflict)
		case errors.Is(err, ErrWeakPassword):
			http.Error(w, "password does not meet policy", http.StatusBadRequest)
		default:
			a.Logger.Error("register", "error", err)
			http.Error(w, "registration failed", http.StatusInternalServerError)
		}
		return
	}

	if _, err := a.Sessions.Create(w, r, user, ""); err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, safeReturnTo(r.FormValue("return_to")), http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports store reachability. Values that look like connection
// strings stay masked.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]any{
		"status": "ok",
		"store":  "reachable",
		"driver": a.Config.Storage.Driver,
		"path":   MaskSecret(a.Config.Storage.Path),
	}

	if err := a.Store.Ping(ctx); err != nil {
		a.Logger.Error("store ping", "error", err)
		status["status"] = "degraded"
		status["store"] = "unreachable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, status)
}

// handleBilling is the placeholder billing API carried over from the
// marketplace scaffold. Semantics are intentionally absent.
func (a *App) handleBilling(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ready for implementation"})
}

func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, error) {
	// r.Form merges query and body parameters, so GET and form POST
	// authorize requests parse identically. ParseForm ran in the handler.
	q := r.Form
	clientID := q.Get("client_id")
	if clientID == "" {
		return AuthorizeRequest{}, errors.New("client_id required")
	}

	client, err := a.Clients.Get(r.Context(), clientID)
	if err != nil {
		return AuthorizeRequest{RedirectURI: q.Get("redirect_uri"), State: q.Get("state")}, errors.New("unknown client")
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.ValidRedirect(redirectURI) {
		return AuthorizeRequest{Client: client, State: q.Get("state")}, errors.New("invalid redirect_uri")
	}

	base := AuthorizeRequest{Client: client, RedirectURI: redirectURI, State: q.Get("state")}

	if q.Get("response_type") != "code" {
		return base, errors.New("unsupported response_type")
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return base, errors.New("authorization_code grant not allowed for client")
	}

	requested := q.Get("scope")
	if requested == "" {
		requested = "openid"
	}
	// Over-requested scopes narrow silently to the client's allowed set.
	scope := client.GrantScopes(requested)
	if !scopeContains(scope, "openid") {
		return base, errors.New("scope must include openid")
	}

	codeChallenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if codeChallenge != "" && method != "S256" {
		return base, errors.New("only S256 code_challenge_method supported")
	}
	if client.Public && codeChallenge == "" {
		return base, errors.New("pkce required for public clients")
	}

	return AuthorizeRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Provider:            q.Get("idp"),
	}, nil
}

func (a *App) completeAuthorize(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, session *Session) error {
	now := time.Now()
	grant := AuthorizationGrant{
		Code:                uuid.NewString(),
		ClientID:            req.Client.ID,
		UserID:              session.UserID,
		SessionID:           session.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		FamilyID:            uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.Config.Tokens.CodeTTL),
	}
	if err := a.Store.CreateGrant(r.Context(), grant); err != nil {
		return err
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return err
	}
	values := redirect.Query()
	values.Set("code", grant.Code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
	return nil
}

func (a *App) authenticateClient(r *http.Request) (Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(r.Context(), clientID, clientSecret)
}

// AuthorizeRequest encapsulates parsed parameters for /authorize.
type AuthorizeRequest struct {
	Client              Client
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Provider            string
}

var loginTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<label>Username <input name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
</body></html>`))

func renderLoginPage(w http.ResponseWriter, status int, returnTo, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = loginTemplate.Execute(w, struct {
		ReturnTo string
		Error    string
	}{ReturnTo: returnTo, Error: errMsg})
}

// safeReturnTo only ever sends the browser back into this origin.
func safeReturnTo(returnTo string) string {
	if strings.HasPrefix(returnTo, "/") && !strings.HasPrefix(returnTo, "//") {
		return returnTo
	}
	return "/"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// oauthError answers with an OAuth error redirect when the redirect URI is
// safe, or a direct JSON error otherwise.
func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		oauthDirectError(w, http.StatusBadRequest, code, desc)
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func oauthDirectError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
