package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const federationCookieName = "marketid_fed"

// Federator drives the external sign-in round trip: it creates the
// correlation state, redirects to the upstream provider, and validates the
// callback before resolving a local account.
//
// Every attempt reaches a terminal outcome: success, a typed failure, or
// expiry of the attempt record via its TTL and the cleanup sweep. The
// correlation cookie is destroyed on every callback regardless of outcome.
type Federator struct {
	store         Store
	users         *CredentialStore
	providers     map[string]IdentityProvider
	cookieSecret  []byte
	ttl           time.Duration
	autoProvision bool
	secure        bool
	logger        *slog.Logger
}

// NewFederator constructs the federator. In dev mode a missing cookie secret
// is replaced with a random per-process value.
func NewFederator(cfg Config, store Store, users *CredentialStore, providers map[string]IdentityProvider, logger *slog.Logger) *Federator {
	secret := []byte(cfg.Federation.CookieSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("generate federation cookie secret: %v", err))
		}
	}
	return &Federator{
		store:         store,
		users:         users,
		providers:     providers,
		cookieSecret:  secret,
		ttl:           cfg.Federation.TTL,
		autoProvision: cfg.Federation.AutoProvision,
		secure:        !cfg.Server.DevMode,
		logger:        logger,
	}
}

// Provider returns the named upstream provider.
func (f *Federator) Provider(name string) (IdentityProvider, bool) {
	p, ok := f.providers[name]
	return p, ok
}

// Providers lists configured provider names.
func (f *Federator) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	return names
}

// Start records a federation attempt, sets the signed correlation cookie,
// and redirects the browser to the provider's authorize endpoint.
func (f *Federator) Start(w http.ResponseWriter, r *http.Request, providerName string, req AuthorizeRequest) error {
	provider, ok := f.providers[providerName]
	if !ok {
		return fmt.Errorf("provider %s not configured", providerName)
	}

	now := time.Now()
	attempt := FederationAttempt{
		ID:                  uuid.NewString(),
		Provider:            providerName,
		Nonce:               uuid.NewString(),
		ClientID:            req.Client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.ttl),
	}
	if err := f.store.CreateFederationAttempt(r.Context(), attempt); err != nil {
		return fmt.Errorf("save federation attempt: %w", err)
	}

	signed, err := f.signCorrelation(attempt.ID, attempt.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sign correlation cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     federationCookieName,
		Value:    signed,
		Path:     "/callback",
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(f.ttl.Seconds()),
	})

	f.logger.Info("federation started", "provider", providerName, "client_id", req.Client.ID)
	http.Redirect(w, r, provider.AuthCodeURL(attempt.ID, attempt.Nonce), http.StatusFound)
	return nil
}

// HandleCallback validates the provider redirect and resolves the local
// user. The correlation cookie is purged whatever the outcome. Errors are
// the typed federation failures: ErrStateMismatch, ErrProviderError,
// ErrLinkingRequired.
func (f *Federator) HandleCallback(ctx context.Context, w http.ResponseWriter, r *http.Request, providerName string) (FederationAttempt, User, error) {
	defer f.clearCookie(w)

	provider, ok := f.providers[providerName]
	if !ok {
		return FederationAttempt{}, User{}, fmt.Errorf("%w: provider %s not configured", ErrProviderError, providerName)
	}

	cookie, err := r.Cookie(federationCookieName)
	if err != nil {
		return FederationAttempt{}, User{}, ErrStateMismatch
	}
	attemptID, err := f.verifyCorrelation(cookie.Value)
	if err != nil {
		return FederationAttempt{}, User{}, ErrStateMismatch
	}

	state := r.FormValue("state")
	if state == "" || state != attemptID {
		return FederationAttempt{}, User{}, ErrStateMismatch
	}

	// Consume before anything else so replays of the same state all fail,
	// including the error branch below.
	attempt, err := f.store.ConsumeFederationAttempt(ctx, state)
	if err != nil {
		return FederationAttempt{}, User{}, ErrStateMismatch
	}
	if attempt.Provider != providerName {
		return FederationAttempt{}, User{}, ErrStateMismatch
	}

	if errParam := r.FormValue("error"); errParam != "" {
		f.logger.Warn("provider returned error", "provider", providerName, "error", errParam)
		return attempt, User{}, fmt.Errorf("%w: %s", ErrProviderError, errParam)
	}
	code := r.FormValue("code")
	if code == "" {
		return attempt, User{}, fmt.Errorf("%w: missing code", ErrProviderError)
	}

	providerUser, err := provider.Exchange(ctx, code, attempt.Nonce)
	if err != nil {
		f.logger.Error("upstream exchange failed", "provider", providerName, "error", err)
		return attempt, User{}, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	user, err := f.users.ResolveExternal(ctx, providerName, providerUser, f.autoProvision)
	if err != nil {
		return attempt, User{}, err
	}

	f.logger.Info("federation complete", "provider", providerName, "user_id", user.ID)
	return attempt, user, nil
}

func (f *Federator) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     federationCookieName,
		Value:    "",
		Path:     "/callback",
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// The correlation cookie is a tamper-evident capability naming one attempt;
// it is signed rather than trusted as an opaque browser value.
func (f *Federator) signCorrelation(attemptID string, expires time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   attemptID,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.cookieSecret)
}

func (f *Federator) verifyCorrelation(value string) (string, error) {
	tok, err := jwt.ParseWithClaims(value, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return f.cookieSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid correlation token")
	}
	return claims.Subject, nil
}
