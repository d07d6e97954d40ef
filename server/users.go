package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// LockoutPolicy bounds consecutive failed login attempts. After MaxAttempts
// failures inside Window, authentication fails with ErrLockedOut until
// Cooldown has elapsed since the last failure.
type LockoutPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Cooldown    time.Duration
}

// CredentialStore manages local username/password accounts and their links
// to external identities.
type CredentialStore struct {
	store   Store
	policy  LockoutPolicy
	logger  *slog.Logger
	mu      sync.Mutex
	history map[string][]time.Time
}

// NewCredentialStore constructs the credential store.
func NewCredentialStore(store Store, policy LockoutPolicy, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		store:   store,
		policy:  policy,
		logger:  logger,
		history: make(map[string][]time.Time),
	}
}

// Register creates a local account. The username is unique case-insensitively
// and the email is normalized to lower case.
func (cs *CredentialStore) Register(ctx context.Context, username, password, email string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrInvalidCredentials
	}
	if err := checkPasswordPolicy(username, password); err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := cs.store.CreateUser(ctx, user); err != nil {
		return User{}, err
	}
	cs.logger.Info("user registered", "username", username)
	return user, nil
}

// Authenticate verifies a username/password pair. It never reveals which of
// the two was wrong, and enforces the lockout policy regardless of password
// correctness.
func (cs *CredentialStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	if cs.lockedOut(key, time.Now()) {
		return User{}, ErrLockedOut
	}

	user, err := cs.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a hash comparison so the timing profile matches a
			// wrong-password failure.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			cs.recordFailure(key, time.Now())
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if user.PasswordHash == nil {
		// External-only account; local login is not available for it.
		cs.recordFailure(key, time.Now())
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		cs.recordFailure(key, time.Now())
		return User{}, ErrInvalidCredentials
	}

	cs.clearFailures(key)
	return user, nil
}

// LinkExternal binds a (provider, subject) pair to the user. Linking a pair
// already owned by a different user fails with ErrAlreadyLinked.
func (cs *CredentialStore) LinkExternal(ctx context.Context, userID, provider, subject string) error {
	link := ExternalLogin{
		Provider:  provider,
		Subject:   subject,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := cs.store.CreateExternalLogin(ctx, link); err != nil {
		return err
	}
	cs.logger.Info("external login linked", "provider", provider, "user_id", userID)
	return nil
}

// ResolveExternal maps a provider-asserted identity to a local user. Unknown
// subjects are auto-provisioned when allowed, otherwise the caller gets
// ErrLinkingRequired and must drive an explicit linking flow. An email the
// provider has not verified is dropped: the account is provisioned without
// one rather than trusting an attacker-claimable address.
func (cs *CredentialStore) ResolveExternal(ctx context.Context, provider string, pu ProviderUser, autoProvision bool) (User, error) {
	link, err := cs.store.GetExternalLogin(ctx, provider, pu.Subject)
	if err == nil {
		return cs.store.GetUser(ctx, link.UserID)
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}
	if !autoProvision {
		return User{}, ErrLinkingRequired
	}

	email := ""
	if pu.EmailVerified {
		email = strings.ToLower(pu.Email)
	}
	user := User{
		ID:        uuid.NewString(),
		Username:  externalUsername(provider, pu),
		Email:     email,
		CreatedAt: time.Now(),
	}
	if err := cs.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			// Fall back to a collision-proof name rather than failing the
			// login outright.
			user.Username = provider + ":" + pu.Subject
			if err := cs.store.CreateUser(ctx, user); err != nil {
				return User{}, err
			}
		} else {
			return User{}, err
		}
	}
	if err := cs.LinkExternal(ctx, user.ID, provider, pu.Subject); err != nil {
		return User{}, err
	}
	cs.logger.Info("user auto-provisioned from external identity", "provider", provider, "user_id", user.ID)
	return user, nil
}

// AdminUnlock clears the lockout state for a username.
func (cs *CredentialStore) AdminUnlock(username string) {
	cs.clearFailures(strings.ToLower(strings.TrimSpace(username)))
}

func (cs *CredentialStore) lockedOut(key string, now time.Time) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	failures := cs.pruneLocked(key, now)
	if len(failures) < cs.policy.MaxAttempts {
		return false
	}
	last := failures[len(failures)-1]
	return now.Sub(last) < cs.policy.Cooldown
}

func (cs *CredentialStore) recordFailure(key string, now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	failures := cs.pruneLocked(key, now)
	failures = append(failures, now)
	cs.history[key] = failures
	if len(failures) == cs.policy.MaxAttempts {
		cs.logger.Warn("account locked out", "username", key, "failures", len(failures))
	}
}

func (cs *CredentialStore) clearFailures(key string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.history, key)
}

// pruneLocked drops failures older than the sliding window. Caller holds mu.
func (cs *CredentialStore) pruneLocked(key string, now time.Time) []time.Time {
	failures := cs.history[key]
	cutoff := now.Add(-cs.policy.Window)
	kept := failures[:0]
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cs.history[key] = kept
	return kept
}

func checkPasswordPolicy(username, password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	if strings.EqualFold(password, username) {
		return ErrWeakPassword
	}
	return nil
}

func externalUsername(provider string, pu ProviderUser) string {
	if pu.EmailVerified && pu.Email != "" {
		return strings.ToLower(pu.Email)
	}
	return provider + ":" + pu.Subject
}

// dummyHash keeps failed-lookup timing in line with real comparisons.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("marketid-dummy-password"), bcrypt.DefaultCost)
