package authprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleProvider validates Google-issued id_tokens by JWT/JWKS verification
// against Google's published key set, matching issuer/audience, and falls
// back to the userinfo endpoint for opaque access tokens (the
// authorization-code flow's resulting access_token, as opposed to its
// id_token).
type GoogleProvider struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	jwks      *jose.JSONWebKeySet
	jwksFetch time.Time
}

func NewGoogleProvider(cfg Config, httpClient *http.Client) *GoogleProvider {
	return &GoogleProvider{cfg: cfg, httpClient: httpClientOrDefault(httpClient)}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) ValidateToken(ctx context.Context, accessToken string) (ValidationResult, error) {
	if looksLikeJWT(accessToken) {
		return p.validateJWT(ctx, accessToken)
	}
	return p.validateOpaque(ctx, accessToken)
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func (p *GoogleProvider) jwksSet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jwks != nil && time.Since(p.jwksFetch) < time.Hour {
		return p.jwks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleJWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.Transport(gwerrors.CodeNetwork, "fetching google jwks", err)
	}
	defer resp.Body.Close()

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("authprovider: decode google jwks: %w", err)
	}
	p.jwks = &set
	p.jwksFetch = time.Now()
	return p.jwks, nil
}

func (p *GoogleProvider) validateJWT(ctx context.Context, idToken string) (ValidationResult, error) {
	parsed, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return ValidationResult{}, gwerrors.Auth(gwerrors.CodeInvalidClientToken, "parsing id_token")
	}

	set, err := p.jwksSet(ctx)
	if err != nil {
		return ValidationResult{}, err
	}

	var claims jwt.Claims
	var verifyErr error
	for _, key := range set.Keys {
		if err := parsed.Claims(key, &claims); err == nil {
			verifyErr = nil
			break
		} else {
			verifyErr = err
		}
	}
	if verifyErr != nil {
		return ValidationResult{Valid: false}, nil
	}

	expected := jwt.Expected{AnyAudience: jwt.Audience{p.cfg.ClientID}, Time: time.Now()}
	if err := claims.Validate(expected); err != nil {
		return ValidationResult{Valid: false}, nil
	}

	if !matchesIssuer(string(claims.Issuer), googleIssuers) {
		return ValidationResult{Valid: false}, nil
	}

	return ValidationResult{Valid: true}, nil
}

func matchesIssuer(issuer string, allowed []string) bool {
	for _, a := range allowed {
		if issuer == a {
			return true
		}
	}
	return false
}

func (p *GoogleProvider) validateOpaque(ctx context.Context, accessToken string) (ValidationResult, error) {
	info, err := p.GetUserInfo(ctx, accessToken)
	if err != nil {
		return ValidationResult{Valid: false}, nil
	}
	return ValidationResult{Valid: info.Subject != ""}, nil
}

func (p *GoogleProvider) RefreshToken(ctx context.Context, refreshToken string) (tokenstore.OAuthToken, error) {
	return exchangeRefresh(ctx, p.httpClient, p.cfg, refreshToken)
}

func (p *GoogleProvider) GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserInfoURL, nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return UserInfo{}, gwerrors.Transport(gwerrors.CodeNetwork, "google userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("authprovider: google userinfo returned %d", resp.StatusCode)
	}

	var body struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return UserInfo{}, fmt.Errorf("authprovider: decode google userinfo: %w", err)
	}
	return UserInfo{Subject: body.Sub, Email: body.Email}, nil
}
