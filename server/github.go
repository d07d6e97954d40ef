package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

// GitHub REST endpoints used to resolve the authenticated user. GitHub's
// OAuth flow issues no ID token, so identity comes from the API instead.
const (
	githubUserEndpoint   = "https://api.github.com/user"
	githubEmailsEndpoint = "https://api.github.com/user/emails"
)

// GitHubProvider federates to GitHub's plain OAuth2 flow. State is enforced
// by the federator; nonce does not apply since there is no ID token.
type GitHubProvider struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewGitHubProvider builds the provider from upstream credentials.
func NewGitHubProvider(upstream UpstreamProvider, redirect string, logger *slog.Logger) *GitHubProvider {
	return &GitHubProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     oauthgithub.Endpoint,
			Scopes:       []string{"user:email", "read:user"},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (p *GitHubProvider) Name() string { return "github" }

// AuthCodeURL constructs the authorization request. The nonce is ignored;
// GitHub does not echo one back.
func (p *GitHubProvider) AuthCodeURL(state, _ string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange swaps the code for an access token and resolves the user through
// the REST API, preferring the verified primary email.
func (p *GitHubProvider) Exchange(ctx context.Context, code, _ string) (ProviderUser, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("exchange code: %w", err)
	}

	var ghUser struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := p.getJSON(ctx, githubUserEndpoint, tok.AccessToken, &ghUser); err != nil {
		return ProviderUser{}, fmt.Errorf("fetch user: %w", err)
	}
	if ghUser.ID == 0 {
		return ProviderUser{}, fmt.Errorf("github user response missing id")
	}

	user := ProviderUser{
		Subject: strconv.FormatInt(ghUser.ID, 10),
		Email:   ghUser.Email,
		Name:    ghUser.Name,
	}
	if user.Name == "" {
		user.Name = ghUser.Login
	}

	// The /user email field is often empty; the emails endpoint carries the
	// verified primary address.
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := p.getJSON(ctx, githubEmailsEndpoint, tok.AccessToken, &emails); err != nil {
		p.logger.Warn("github email lookup failed", "error", err)
	} else {
		for _, e := range emails {
			if e.Primary && e.Verified {
				user.Email = e.Email
				user.EmailVerified = true
				break
			}
		}
	}

	return user, nil
}

func (p *GitHubProvider) getJSON(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("github api returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
