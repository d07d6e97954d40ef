package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults.
const (
	DefaultAccessTTL       = 10 * time.Minute
	DefaultRefreshTTL      = 24 * time.Hour
	DefaultSessionTTL      = 12 * time.Hour
	DefaultCodeTTL         = 5 * time.Minute
	DefaultFederationTTL   = 10 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultLockoutAttempts = 5
	DefaultLockoutWindow   = 15 * time.Minute
	DefaultLockoutCooldown = 15 * time.Minute
)

// Config captures the full application configuration loaded from YAML with
// environment overrides.
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Storage       StorageConfig    `yaml:"storage"`
	Tokens        TokenConfig      `yaml:"tokens"`
	Sessions      SessionConfig    `yaml:"sessions"`
	Federation    FederationConfig `yaml:"federation"`
	Lockout       LockoutConfig    `yaml:"lockout"`
	Cleanup       CleanupConfig    `yaml:"cleanup"`
	OAuth2Clients []ClientConfig   `yaml:"oauth2_clients"`
	Scopes        []ScopeConfig    `yaml:"scopes"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string         `yaml:"public_url"`
	DevListenAddr   string         `yaml:"dev_listen_addr"`
	HTTPListenAddr  string         `yaml:"http_listen_addr"`
	HTTPSListenAddr string         `yaml:"https_listen_addr"`
	DevMode         bool           `yaml:"dev_mode"`
	CookieDomain    string         `yaml:"cookie_domain"`
	SecretsPath     string         `yaml:"secrets_path"`
	ServerID        string         `yaml:"server_id"`
	TLS             TLSConfig      `yaml:"tls"`
	Providers       ProviderConfig `yaml:"providers"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite or memory
	Path   string `yaml:"path"`
}

// TokenConfig tunes token lifetimes and rotation.
type TokenConfig struct {
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	RotateRefresh   bool          `yaml:"rotate_refresh"`
	AudienceDefault string        `yaml:"audience_default"`
	KeyRotateEvery  time.Duration `yaml:"key_rotate_every"`
}

// SessionConfig tunes the authenticated session cookie.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// FederationConfig governs external sign-in.
type FederationConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	AutoProvision bool          `yaml:"auto_provision"`
	CookieSecret  string        `yaml:"cookie_secret"`
}

// LockoutConfig bounds failed local logins.
type LockoutConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// CleanupConfig controls the expired-row sweep.
type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ClientConfig describes an OAuth client seeded at startup.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	Name         string   `yaml:"name"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
	Audiences    []string `yaml:"audiences"`
}

// ScopeConfig declares a scope in the catalog.
type ScopeConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Identity    bool   `yaml:"identity"`
}

// ProviderConfig groups upstream identity providers.
type ProviderConfig struct {
	Default string                      `yaml:"default"`
	Google  UpstreamProvider            `yaml:"google"`
	Entra   UpstreamProvider            `yaml:"entra"`
	GitHub  UpstreamProvider            `yaml:"github"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
// GitHub has no OIDC issuer; leave Issuer empty for it.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			ServerID:        "marketid",
			TLS: TLSConfig{
				Domains: []string{"localhost"},
			},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "marketid.db",
		},
		Tokens: TokenConfig{
			AccessTTL:     DefaultAccessTTL,
			RefreshTTL:    DefaultRefreshTTL,
			CodeTTL:       DefaultCodeTTL,
			RotateRefresh: true,
		},
		Sessions: SessionConfig{TTL: DefaultSessionTTL},
		Federation: FederationConfig{
			TTL:           DefaultFederationTTL,
			AutoProvision: true,
		},
		Lockout: LockoutConfig{
			MaxAttempts: DefaultLockoutAttempts,
			Window:      DefaultLockoutWindow,
			Cooldown:    DefaultLockoutCooldown,
		},
		Cleanup: CleanupConfig{Interval: DefaultCleanupInterval},
		Scopes: []ScopeConfig{
			{ID: "openid", DisplayName: "OpenID", Identity: true},
			{ID: "profile", DisplayName: "Profile", Identity: true},
			{ID: "email", DisplayName: "Email", Identity: true},
			{ID: "billing", DisplayName: "Billing API", Identity: false},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MARKETID_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"MARKETID_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"MARKETID_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"MARKETID_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"MARKETID_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MARKETID_SECRETS_PATH":         func(v string) { cfg.Server.SecretsPath = v },
		"MARKETID_STORAGE_DRIVER":       func(v string) { cfg.Storage.Driver = v },
		"MARKETID_STORAGE_PATH":         func(v string) { cfg.Storage.Path = v },
		"MARKETID_FED_COOKIE_SECRET":    func(v string) { cfg.Federation.CookieSecret = v },
		"MARKETID_GOOGLE_CLIENT_ID":     func(v string) { cfg.Server.Providers.Google.ClientID = v },
		"MARKETID_GOOGLE_CLIENT_SECRET": func(v string) { cfg.Server.Providers.Google.ClientSecret = v },
		"MARKETID_ENTRA_CLIENT_ID":      func(v string) { cfg.Server.Providers.Entra.ClientID = v },
		"MARKETID_ENTRA_CLIENT_SECRET":  func(v string) { cfg.Server.Providers.Entra.ClientSecret = v },
		"MARKETID_ENTRA_TENANT_ID":      func(v string) { cfg.Server.Providers.Entra.TenantID = v },
		"MARKETID_GITHUB_CLIENT_ID":     func(v string) { cfg.Server.Providers.GitHub.ClientID = v },
		"MARKETID_GITHUB_CLIENT_SECRET": func(v string) { cfg.Server.Providers.GitHub.ClientSecret = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'memory', got: %s", c.Storage.Driver)
	}

	for i, client := range c.OAuth2Clients {
		if client.ClientID == "" {
			return fmt.Errorf("oauth2_clients[%d]: client_id is required", i)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("oauth2_clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s",
					i, client.ClientID, j, uri)
			}
		}
		for _, g := range client.GrantTypes {
			switch g {
			case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
			default:
				return fmt.Errorf("oauth2_clients[%d] (%s): unsupported grant type %q", i, client.ClientID, g)
			}
		}
	}

	if c.Server.Providers.Default != "" {
		p := c.Provider(c.Server.Providers.Default)
		if p == nil {
			return fmt.Errorf("server.providers.default %q is not configured", c.Server.Providers.Default)
		}
		if p.ClientID == "" {
			return fmt.Errorf("server.providers.%s.client_id is required", c.Server.Providers.Default)
		}
	}

	if !c.Server.DevMode && c.Federation.CookieSecret == "" {
		return errors.New("federation.cookie_secret is required in production mode")
	}

	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("lockout.max_attempts must be positive")
	}
	if c.Cleanup.Interval <= 0 {
		return errors.New("cleanup.interval must be positive")
	}

	return nil
}

// Provider retrieves an upstream provider definition by name.
func (c Config) Provider(name string) *UpstreamProvider {
	switch name {
	case "google":
		return &c.Server.Providers.Google
	case "entra":
		return &c.Server.Providers.Entra
	case "github":
		return &c.Server.Providers.GitHub
	default:
		if p, ok := c.Server.Providers.Extra[name]; ok {
			return &p
		}
		return nil
	}
}

// ScopeCatalog materializes the configured scope definitions.
func (c Config) ScopeCatalog() []Scope {
	out := make([]Scope, 0, len(c.Scopes))
	for _, sc := range c.Scopes {
		out = append(out, Scope{ID: sc.ID, DisplayName: sc.DisplayName, Identity: sc.Identity})
	}
	return out
}

// MaskSecret redacts all but a short prefix of a secret-like value so it can
// appear in diagnostics.
func MaskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return v[:4] + strings.Repeat("*", len(v)-4)
}
