package server

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all state in mutex-guarded maps. It backs tests and the
// storage.driver=memory configuration; durability guarantees obviously do
// not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	clients  map[string]Client
	users    map[string]User
	links    map[string]ExternalLogin
	attempts map[string]FederationAttempt
	grants   map[string]AuthorizationGrant
	refresh  map[string]RefreshToken
	sessions map[string]Session
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:  make(map[string]Client),
		users:    make(map[string]User),
		links:    make(map[string]ExternalLogin),
		attempts: make(map[string]FederationAttempt),
		grants:   make(map[string]AuthorizationGrant),
		refresh:  make(map[string]RefreshToken),
		sessions: make(map[string]Session),
	}
}

func linkKey(provider, subject string) string {
	return provider + ":" + subject
}

func (s *MemoryStore) CreateClient(_ context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return ErrDuplicateClient
	}
	s.clients[c.ID] = c
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, id string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListClients(_ context.Context) ([]Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return ErrDuplicateUsername
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryStore) CreateExternalLogin(_ context.Context, link ExternalLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(link.Provider, link.Subject)
	if existing, ok := s.links[key]; ok {
		if existing.UserID != link.UserID {
			return ErrAlreadyLinked
		}
		return nil
	}
	s.links[key] = link
	return nil
}

func (s *MemoryStore) GetExternalLogin(_ context.Context, provider, subject string) (ExternalLogin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey(provider, subject)]
	if !ok {
		return ExternalLogin{}, ErrUserNotFound
	}
	return link, nil
}

func (s *MemoryStore) CreateFederationAttempt(_ context.Context, a FederationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
	return nil
}

func (s *MemoryStore) ConsumeFederationAttempt(_ context.Context, state string) (FederationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[state]
	if !ok || a.Consumed || time.Now().After(a.ExpiresAt) {
		return FederationAttempt{}, ErrStateMismatch
	}
	a.Consumed = true
	s.attempts[state] = a
	return a, nil
}

func (s *MemoryStore) CreateGrant(_ context.Context, g AuthorizationGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.Code] = g
	return nil
}

func (s *MemoryStore) ConsumeGrant(_ context.Context, code string) (AuthorizationGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[code]
	if !ok {
		return AuthorizationGrant{}, ErrGrantNotFound
	}
	if g.Consumed {
		return g, ErrCodeAlreadyUsed
	}
	if time.Now().After(g.ExpiresAt) {
		return AuthorizationGrant{}, ErrGrantNotFound
	}
	g.Consumed = true
	s.grants[code] = g
	return g, nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, rt RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[rt.ID] = rt
	return nil
}

func (s *MemoryStore) GetRefreshToken(_ context.Context, id string) (RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refresh[id]
	if !ok {
		return RefreshToken{}, ErrTokenNotFound
	}
	return rt, nil
}

func (s *MemoryStore) RevokeRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refresh[id]
	if !ok {
		return ErrTokenNotFound
	}
	rt.Revoked = true
	s.refresh[id] = rt
	return nil
}

func (s *MemoryStore) RevokeTokenFamily(_ context.Context, familyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rt := range s.refresh {
		if rt.FamilyID == familyID && !rt.Revoked {
			rt.Revoked = true
			s.refresh[id] = rt
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (CleanupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats CleanupStats
	for code, g := range s.grants {
		if now.After(g.ExpiresAt) {
			delete(s.grants, code)
			stats.Grants++
		}
	}
	for id, rt := range s.refresh {
		if now.After(rt.ExpiresAt) {
			delete(s.refresh, id)
			stats.RefreshTokens++
		}
	}
	for id, a := range s.attempts {
		if a.Consumed || now.After(a.ExpiresAt) {
			delete(s.attempts, id)
			stats.FederationAttempts++
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			stats.Sessions++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
