package authprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

// GitHubProvider validates GitHub's opaque access tokens against the
// user endpoint and derives scopes from the x-oauth-scopes response
// header, since GitHub tokens carry no introspectable claims of their own.
type GitHubProvider struct {
	cfg        Config
	httpClient *http.Client
}

func NewGitHubProvider(cfg Config, httpClient *http.Client) *GitHubProvider {
	return &GitHubProvider{cfg: cfg, httpClient: httpClientOrDefault(httpClient)}
}

func (p *GitHubProvider) Name() string { return "github" }

func (p *GitHubProvider) ValidateToken(ctx context.Context, accessToken string) (ValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return ValidationResult{}, gwerrors.Auth(gwerrors.CodeInvalidClientToken, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ValidationResult{}, gwerrors.Transport(gwerrors.CodeNetwork, "github validate request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ValidationResult{Valid: false}, nil
	}

	scopes := strings.FieldsFunc(resp.Header.Get("x-oauth-scopes"), func(r rune) bool {
		return r == ',' || r == ' '
	})
	return ValidationResult{Valid: true, Scopes: scopes}, nil
}

func (p *GitHubProvider) RefreshToken(ctx context.Context, refreshToken string) (tokenstore.OAuthToken, error) {
	return exchangeRefresh(ctx, p.httpClient, p.cfg, refreshToken)
}

func (p *GitHubProvider) GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return UserInfo{}, gwerrors.Transport(gwerrors.CodeNetwork, "github userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("authprovider: github userinfo returned %d", resp.StatusCode)
	}

	var body struct {
		ID    int    `json:"id"`
		Email string `json:"email"`
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return UserInfo{}, fmt.Errorf("authprovider: decode github userinfo: %w", err)
	}

	subject := body.Login
	if subject == "" {
		subject = fmt.Sprintf("%d", body.ID)
	}
	return UserInfo{Subject: subject, Email: body.Email}, nil
}
