package server

import "time"

// Grant types a client may be allowed to use.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Client records registered OAuth client metadata. SecretHash is empty for
// public clients, which must use PKCE instead of a secret.
type Client struct {
	ID           string
	Name         string
	SecretHash   string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
	Audiences    []string
	Public       bool
	CreatedAt    time.Time
}

// Scope describes a named permission a client may request. Identity scopes
// map to claims in the ID token; resource scopes gate API audiences.
type Scope struct {
	ID          string
	DisplayName string
	Identity    bool
}

// User is a local account. PasswordHash is nil for accounts provisioned
// purely through external federation.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
	Roles        []string
	CreatedAt    time.Time
}

// ExternalLogin links a (provider, subject) pair to a local user. The pair
// is unique across all users.
type ExternalLogin struct {
	Provider  string
	Subject   string
	UserID    string
	CreatedAt time.Time
}

// AuthorizationGrant is the single-use record behind an authorization code.
// Rows survive consumption until the cleanup sweep so replays stay
// detectable.
type AuthorizationGrant struct {
	Code                string
	ClientID            string
	UserID              string
	SessionID           string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	FamilyID            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// RefreshToken is a stored refresh token. Tokens minted from the same grant
// share a FamilyID; rotation links successors through RotatedFrom.
type RefreshToken struct {
	ID          string
	FamilyID    string
	ClientID    string
	UserID      string
	SessionID   string
	Scope       string
	Audience    string
	RotatedFrom string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// FederationAttempt tracks one in-flight external sign-in. The ID doubles as
// the OAuth state value sent upstream; the record is single-use and expires
// on a short TTL.
type FederationAttempt struct {
	ID                  string
	Provider            string
	Nonce               string
	ClientID            string
	RedirectURI         string
	Scope               string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string
	UserID    string
	Provider  string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// ProviderUser consolidates identity data asserted by an upstream provider.
type ProviderUser struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Claims        map[string]any
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}
