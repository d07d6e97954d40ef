package server

import (
	"context"
	"time"
)

// CleanupStats reports how many expired rows one sweep removed.
type CleanupStats struct {
	Grants             int64
	RefreshTokens      int64
	FederationAttempts int64
	Sessions           int64
}

// Total sums all removed rows.
func (s CleanupStats) Total() int64 {
	return s.Grants + s.RefreshTokens + s.FederationAttempts + s.Sessions
}

// Store is the persistence boundary for identity and operational data.
// Writes are synchronously durable before returning. Consume methods are
// single-use and atomic: the first caller wins, concurrent repeats fail.
type Store interface {
	// Clients.
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)

	// Users and external logins.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	CreateExternalLogin(ctx context.Context, link ExternalLogin) error
	GetExternalLogin(ctx context.Context, provider, subject string) (ExternalLogin, error)

	// Federation attempts. Consume returns ErrStateMismatch for unknown,
	// expired, or already-consumed state values.
	CreateFederationAttempt(ctx context.Context, a FederationAttempt) error
	ConsumeFederationAttempt(ctx context.Context, state string) (FederationAttempt, error)

	// Authorization grants. ConsumeGrant returns ErrGrantNotFound for
	// unknown or expired codes and ErrCodeAlreadyUsed (with the stored
	// grant, so the caller can revoke its family) for replays.
	CreateGrant(ctx context.Context, g AuthorizationGrant) error
	ConsumeGrant(ctx context.Context, code string) (AuthorizationGrant, error)

	// Refresh tokens.
	CreateRefreshToken(ctx context.Context, rt RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeTokenFamily(ctx context.Context, familyID string) (int64, error)

	// Sessions.
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error

	// DeleteExpired removes rows whose expiry precedes now. Idempotent and
	// safe to run concurrently with request paths.
	DeleteExpired(ctx context.Context, now time.Time) (CleanupStats, error)

	Ping(ctx context.Context) error
	Close() error
}
