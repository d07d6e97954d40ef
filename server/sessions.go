package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const sessionCookieName = "marketid_session"

// SessionManager handles cookie-backed authenticated sessions.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the live session associated with the request cookie, or nil.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, err := sm.store.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		if err := sm.store.DeleteSession(r.Context(), sess.ID); err != nil {
			sm.logger.Warn("delete expired session", "error", err)
		}
		return nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	if err := sm.store.UpdateSession(r.Context(), sess); err != nil {
		sm.logger.Warn("extend session", "error", err)
	}
	return &sess
}

// Create establishes a new session for the user and sets the cookie.
// Provider is empty for local logins.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, user User, provider string) (*Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Provider:  provider,
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}
	if err := sm.store.CreateSession(r.Context(), sess); err != nil {
		return nil, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess, nil
}

// Clear deletes the session record and removes the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := sm.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			sm.logger.Warn("delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
