package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ClientRegistry is the durable catalog of registered OAuth clients.
type ClientRegistry struct {
	store  Store
	logger *slog.Logger
}

// NewClientRegistry wraps the store and seeds it with configured clients.
// Re-seeding an already-registered client is not an error so restarts stay
// idempotent.
func NewClientRegistry(ctx context.Context, store Store, cfgs []ClientConfig, logger *slog.Logger) (*ClientRegistry, error) {
	reg := &ClientRegistry{store: store, logger: logger}
	for _, cfg := range cfgs {
		client, err := clientFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(ctx, client); err != nil {
			if errors.Is(err, ErrDuplicateClient) {
				continue
			}
			return nil, fmt.Errorf("seed client %s: %w", cfg.ClientID, err)
		}
	}
	return reg, nil
}

func clientFromConfig(cfg ClientConfig) (Client, error) {
	if cfg.ClientID == "" {
		return Client{}, errors.New("client_id required")
	}
	if len(cfg.RedirectURIs) == 0 && !onlyClientCredentials(cfg.GrantTypes) {
		return Client{}, fmt.Errorf("client %s: at least one redirect_uri required", cfg.ClientID)
	}
	grants := cfg.GrantTypes
	if len(grants) == 0 {
		grants = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	client := Client{
		ID:           cfg.ClientID,
		Name:         cfg.Name,
		RedirectURIs: cfg.RedirectURIs,
		GrantTypes:   grants,
		Scopes:       cfg.Scopes,
		Audiences:    cfg.Audiences,
		Public:       cfg.ClientSecret == "",
		CreatedAt:    time.Now(),
	}
	if cfg.ClientSecret != "" {
		client.SecretHash = hashClientSecret(cfg.ClientSecret)
	}
	return client, nil
}

func onlyClientCredentials(grants []string) bool {
	if len(grants) == 0 {
		return false
	}
	for _, g := range grants {
		if g != GrantClientCredentials {
			return false
		}
	}
	return true
}

// Register stores a new client. The write is durable before Register
// returns; a duplicate identifier fails with ErrDuplicateClient.
func (cr *ClientRegistry) Register(ctx context.Context, client Client) error {
	if client.ID == "" {
		return errors.New("client_id required")
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	if err := cr.store.CreateClient(ctx, client); err != nil {
		return err
	}
	cr.logger.Info("client registered", "client_id", client.ID, "public", client.Public)
	return nil
}

// Get retrieves a client definition, ErrClientNotFound when absent.
func (cr *ClientRegistry) Get(ctx context.Context, id string) (Client, error) {
	return cr.store.GetClient(ctx, id)
}

// Authenticate validates client credentials. Public clients carry no secret
// and rely on PKCE at the token endpoint.
func (cr *ClientRegistry) Authenticate(ctx context.Context, id, secret string) (Client, error) {
	client, err := cr.store.GetClient(ctx, id)
	if err != nil {
		return Client{}, ErrInvalidClient
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || !secretMatches(client.SecretHash, secret) {
		return Client{}, ErrInvalidClient
	}
	return client, nil
}

func hashClientSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatches(storedHash, presented string) bool {
	sum := sha256.Sum256([]byte(presented))
	presentedHash := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}

// ValidRedirect requires the presented URI to byte-match a registered one.
// No prefix, substring, or wildcard matching.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// isSafeRedirectURI screens out dangerous schemes and malformed URIs before
// any exact-match comparison.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere.
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// user:pass@host and path@domain confusion.
	if strings.Contains(rest, "@") {
		return false
	}

	// Fragment tricks in the host part.
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}

// GrantScopes intersects the requested scope set with the client's allowed
// scopes. Over-requested scopes are silently dropped, never granted; the
// result never expands beyond what the client is allowed.
func (c *Client) GrantScopes(requested string) string {
	if requested == "" {
		return ""
	}
	var granted []string
	for _, sc := range strings.Fields(requested) {
		if containsString(c.Scopes, sc) && !containsString(granted, sc) {
			granted = append(granted, sc)
		}
	}
	return strings.Join(granted, " ")
}

// ResolveAudience picks the token audience with fallback to the client's
// first configured audience, then the server default.
func (c *Client) ResolveAudience(requested, defaultAud string) string {
	if requested != "" {
		return requested
	}
	if len(c.Audiences) > 0 {
		return c.Audiences[0]
	}
	if defaultAud != "" {
		return defaultAud
	}
	return c.ID
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
