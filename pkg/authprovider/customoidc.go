package authprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

// CustomOIDCProvider handles any OIDC-ish provider configured by the
// operator: when JWKSURL is set, tokens are verified as JWTs against that
// key set; otherwise the token is treated as opaque and accepted as-is
// (the server it is ultimately forwarded to is the one that can reject it).
type CustomOIDCProvider struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	jwks      *jose.JSONWebKeySet
	jwksFetch time.Time
}

func NewCustomOIDCProvider(cfg Config, httpClient *http.Client) *CustomOIDCProvider {
	return &CustomOIDCProvider{cfg: cfg, httpClient: httpClientOrDefault(httpClient)}
}

func (p *CustomOIDCProvider) Name() string { return "custom_oidc" }

func (p *CustomOIDCProvider) ValidateToken(ctx context.Context, accessToken string) (ValidationResult, error) {
	if p.cfg.JWKSURL == "" {
		return ValidationResult{Valid: true}, nil
	}

	parsed, err := jwt.ParseSigned(accessToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return ValidationResult{Valid: false}, nil
	}

	set, err := p.jwksSet(ctx)
	if err != nil {
		return ValidationResult{}, err
	}

	var claims jwt.Claims
	var ok bool
	for _, key := range set.Keys {
		if err := parsed.Claims(key, &claims); err == nil {
			ok = true
			break
		}
	}
	if !ok {
		return ValidationResult{Valid: false}, nil
	}

	expected := jwt.Expected{Time: time.Now()}
	if p.cfg.Issuer != "" {
		expected.Issuer = p.cfg.Issuer
	}
	if err := claims.Validate(expected); err != nil {
		return ValidationResult{Valid: false}, nil
	}
	return ValidationResult{Valid: true}, nil
}

func (p *CustomOIDCProvider) jwksSet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jwks != nil && time.Since(p.jwksFetch) < time.Hour {
		return p.jwks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.Transport(gwerrors.CodeNetwork, "fetching custom oidc jwks", err)
	}
	defer resp.Body.Close()

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("authprovider: decode custom oidc jwks: %w", err)
	}
	p.jwks = &set
	p.jwksFetch = time.Now()
	return p.jwks, nil
}

func (p *CustomOIDCProvider) RefreshToken(ctx context.Context, refreshToken string) (tokenstore.OAuthToken, error) {
	return exchangeRefresh(ctx, p.httpClient, p.cfg, refreshToken)
}

func (p *CustomOIDCProvider) GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	if p.cfg.UserInfoURL == "" {
		return UserInfo{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return UserInfo{}, gwerrors.Transport(gwerrors.CodeNetwork, "custom oidc userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("authprovider: custom oidc userinfo returned %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return UserInfo{}, fmt.Errorf("authprovider: decode custom oidc userinfo: %w", err)
	}

	subject, _ := body["sub"].(string)
	email, _ := body["email"].(string)
	return UserInfo{Subject: subject, Email: email}, nil
}
