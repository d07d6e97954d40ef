package server

import "errors"

// Typed failure outcomes. Handlers translate these into OAuth error
// redirects or HTTP statuses; nothing below this layer writes responses.
var (
	// Client registry.
	ErrDuplicateClient = errors.New("client_id already registered")
	ErrClientNotFound  = errors.New("client not found")
	ErrInvalidClient   = errors.New("invalid_client")

	// Credential store.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLockedOut          = errors.New("account locked out")
	ErrDuplicateUsername  = errors.New("username already registered")
	ErrWeakPassword       = errors.New("password does not meet policy")
	ErrAlreadyLinked      = errors.New("external login linked to another user")
	ErrUserNotFound       = errors.New("user not found")
	ErrLinkingRequired    = errors.New("external identity requires explicit account linking")

	// Federation.
	ErrStateMismatch = errors.New("federation state mismatch")
	ErrProviderError = errors.New("upstream provider reported an error")

	// Token issuance.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
	ErrGrantNotFound   = errors.New("authorization code invalid or expired")
	ErrTokenReplayed   = errors.New("refresh token replayed")
	ErrTokenNotFound   = errors.New("refresh token invalid")

	// Session layer.
	ErrSessionNotFound = errors.New("session not found")
)
