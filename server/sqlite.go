package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	secret_hash TEXT NOT NULL DEFAULT '',
	redirect_uris TEXT NOT NULL,
	grant_types TEXT NOT NULL,
	scopes TEXT NOT NULL,
	audiences TEXT NOT NULL,
	public INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL COLLATE NOCASE UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	password_hash BLOB,
	roles TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS external_logins (
	provider TEXT NOT NULL,
	subject TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id),
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider, subject)
);
CREATE TABLE IF NOT EXISTS federation_attempts (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	nonce TEXT NOT NULL,
	client_id TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	scope TEXT NOT NULL,
	client_state TEXT NOT NULL DEFAULT '',
	code_challenge TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS auth_grants (
	code TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	redirect_uri TEXT NOT NULL,
	scope TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT '',
	code_challenge TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	family_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS refresh_tokens (
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL,
	audience TEXT NOT NULL DEFAULT '',
	rotated_from TEXT NOT NULL DEFAULT '',
	issued_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	revoked INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_family ON refresh_tokens(family_id);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	auth_time TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// SQLiteStore persists identity and operational data through database/sql
// with the pure-Go sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateClient(ctx context.Context, c Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, secret_hash, redirect_uris, grant_types, scopes, audiences, public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SecretHash, encodeList(c.RedirectURIs), encodeList(c.GrantTypes),
		encodeList(c.Scopes), encodeList(c.Audiences), boolToInt(c.Public), c.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicateClient
	}
	return err
}

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, secret_hash, redirect_uris, grant_types, scopes, audiences, public, created_at
		FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

func (s *SQLiteStore) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, secret_hash, redirect_uris, grant_types, scopes, audiences, public, created_at
		FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (Client, error) {
	var c Client
	var redirects, grants, scopes, audiences string
	var public int
	err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &redirects, &grants, &scopes, &audiences, &public, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrClientNotFound
	}
	if err != nil {
		return Client{}, err
	}
	c.RedirectURIs = decodeList(redirects)
	c.GrantTypes = decodeList(grants)
	c.Scopes = decodeList(scopes)
	c.Audiences = decodeList(audiences)
	c.Public = public != 0
	return c, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, roles, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, encodeList(u.Roles), u.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicateUsername
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, roles, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, roles, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var roles string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &roles, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Roles = decodeList(roles)
	return u, nil
}

func (s *SQLiteStore) CreateExternalLogin(ctx context.Context, link ExternalLogin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_logins (provider, subject, user_id, created_at)
		VALUES (?, ?, ?, ?)`,
		link.Provider, link.Subject, link.UserID, link.CreatedAt.UTC())
	if isUniqueViolation(err) {
		existing, lookupErr := s.GetExternalLogin(ctx, link.Provider, link.Subject)
		if lookupErr == nil && existing.UserID == link.UserID {
			return nil
		}
		return ErrAlreadyLinked
	}
	return err
}

func (s *SQLiteStore) GetExternalLogin(ctx context.Context, provider, subject string) (ExternalLogin, error) {
	var link ExternalLogin
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, subject, user_id, created_at FROM external_logins
		WHERE provider = ? AND subject = ?`, provider, subject).
		Scan(&link.Provider, &link.Subject, &link.UserID, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExternalLogin{}, ErrUserNotFound
	}
	return link, err
}

func (s *SQLiteStore) CreateFederationAttempt(ctx context.Context, a FederationAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federation_attempts
			(id, provider, nonce, client_id, redirect_uri, scope, client_state,
			 code_challenge, code_challenge_method, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		a.ID, a.Provider, a.Nonce, a.ClientID, a.RedirectURI, a.Scope, a.ClientState,
		a.CodeChallenge, a.CodeChallengeMethod, a.CreatedAt.UTC(), a.ExpiresAt.UTC())
	return err
}

// ConsumeFederationAttempt marks the attempt used via a single check-and-set
// so concurrent callback replays all fail except the first.
func (s *SQLiteStore) ConsumeFederationAttempt(ctx context.Context, state string) (FederationAttempt, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE federation_attempts SET consumed = 1
		WHERE id = ? AND consumed = 0 AND expires_at > ?`, state, time.Now().UTC())
	if err != nil {
		return FederationAttempt{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return FederationAttempt{}, err
	}
	if n == 0 {
		return FederationAttempt{}, ErrStateMismatch
	}

	var a FederationAttempt
	var consumed int
	err = s.db.QueryRowContext(ctx, `
		SELECT id, provider, nonce, client_id, redirect_uri, scope, client_state,
		       code_challenge, code_challenge_method, created_at, expires_at, consumed
		FROM federation_attempts WHERE id = ?`, state).
		Scan(&a.ID, &a.Provider, &a.Nonce, &a.ClientID, &a.RedirectURI, &a.Scope, &a.ClientState,
			&a.CodeChallenge, &a.CodeChallengeMethod, &a.CreatedAt, &a.ExpiresAt, &consumed)
	if err != nil {
		return FederationAttempt{}, err
	}
	a.Consumed = consumed != 0
	return a, nil
}

func (s *SQLiteStore) CreateGrant(ctx context.Context, g AuthorizationGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_grants
			(code, client_id, user_id, session_id, redirect_uri, scope, nonce,
			 code_challenge, code_challenge_method, family_id, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		g.Code, g.ClientID, g.UserID, g.SessionID, g.RedirectURI, g.Scope, g.Nonce,
		g.CodeChallenge, g.CodeChallengeMethod, g.FamilyID, g.CreatedAt.UTC(), g.ExpiresAt.UTC())
	return err
}

// ConsumeGrant is the linearization point for code exchange: one UPDATE with
// a consumed=0 predicate decides the winner under concurrency.
func (s *SQLiteStore) ConsumeGrant(ctx context.Context, code string) (AuthorizationGrant, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_grants SET consumed = 1
		WHERE code = ? AND consumed = 0 AND expires_at > ?`, code, time.Now().UTC())
	if err != nil {
		return AuthorizationGrant{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuthorizationGrant{}, err
	}

	g, scanErr := s.getGrant(ctx, code)
	if scanErr != nil {
		return AuthorizationGrant{}, ErrGrantNotFound
	}
	if n == 0 {
		if g.Consumed {
			return g, ErrCodeAlreadyUsed
		}
		return AuthorizationGrant{}, ErrGrantNotFound
	}
	return g, nil
}

func (s *SQLiteStore) getGrant(ctx context.Context, code string) (AuthorizationGrant, error) {
	var g AuthorizationGrant
	var consumed int
	err := s.db.QueryRowContext(ctx, `
		SELECT code, client_id, user_id, session_id, redirect_uri, scope, nonce,
		       code_challenge, code_challenge_method, family_id, created_at, expires_at, consumed
		FROM auth_grants WHERE code = ?`, code).
		Scan(&g.Code, &g.ClientID, &g.UserID, &g.SessionID, &g.RedirectURI, &g.Scope, &g.Nonce,
			&g.CodeChallenge, &g.CodeChallengeMethod, &g.FamilyID, &g.CreatedAt, &g.ExpiresAt, &consumed)
	if err != nil {
		return AuthorizationGrant{}, err
	}
	g.Consumed = consumed != 0
	return g, nil
}

func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, rt RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens
			(id, family_id, client_id, user_id, session_id, scope, audience,
			 rotated_from, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.FamilyID, rt.ClientID, rt.UserID, rt.SessionID, rt.Scope, rt.Audience,
		rt.RotatedFrom, rt.IssuedAt.UTC(), rt.ExpiresAt.UTC(), boolToInt(rt.Revoked))
	return err
}

func (s *SQLiteStore) GetRefreshToken(ctx context.Context, id string) (RefreshToken, error) {
	var rt RefreshToken
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, client_id, user_id, session_id, scope, audience,
		       rotated_from, issued_at, expires_at, revoked
		FROM refresh_tokens WHERE id = ?`, id).
		Scan(&rt.ID, &rt.FamilyID, &rt.ClientID, &rt.UserID, &rt.SessionID, &rt.Scope, &rt.Audience,
			&rt.RotatedFrom, &rt.IssuedAt, &rt.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrTokenNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	rt.Revoked = revoked != 0
	return rt, nil
}

func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *SQLiteStore) RevokeTokenFamily(ctx context.Context, familyID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1 WHERE family_id = ? AND revoked = 0`, familyID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, provider, auth_time, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Provider, sess.AuthTime.UTC(), sess.ExpiresAt.UTC())
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, auth_time, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Provider, &sess.AuthTime, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET user_id = ?, provider = ?, auth_time = ?, expires_at = ?
		WHERE id = ?`,
		sess.UserID, sess.Provider, sess.AuthTime.UTC(), sess.ExpiresAt.UTC(), sess.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// DeleteExpired removes rows past their expiry. Each DELETE carries the same
// expiry predicate, so overlapping sweeps are harmless.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (CleanupStats, error) {
	var stats CleanupStats
	ts := now.UTC()

	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_grants WHERE expires_at <= ?`, ts)
	if err != nil {
		return stats, fmt.Errorf("sweep grants: %w", err)
	}
	stats.Grants, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, ts)
	if err != nil {
		return stats, fmt.Errorf("sweep refresh tokens: %w", err)
	}
	stats.RefreshTokens, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM federation_attempts WHERE consumed = 1 OR expires_at <= ?`, ts)
	if err != nil {
		return stats, fmt.Errorf("sweep federation attempts: %w", err)
	}
	stats.FederationAttempts, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, ts)
	if err != nil {
		return stats, fmt.Errorf("sweep sessions: %w", err)
	}
	stats.Sessions, _ = res.RowsAffected()

	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
