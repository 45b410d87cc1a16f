// Package authprovider implements the OAuth provider adapters (C8): one
// ValidateToken/RefreshToken/GetUserInfo implementation per provider kind
// (GitHub opaque tokens, Google OIDC, generic Custom OIDC), sharing the
// token-exchange plumbing the gateway's request-proxying paths drive
// through golang.org/x/oauth2.
package authprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

// ValidationResult reports whether a token is currently valid, and the
// scopes it carries when the provider can determine them.
type ValidationResult struct {
	Valid  bool
	Scopes []string
}

// UserInfo is the minimal identity the gateway cares about.
type UserInfo struct {
	Subject string
	Email   string
}

// Provider is the capability set every adapter implements.
type Provider interface {
	Name() string
	ValidateToken(ctx context.Context, accessToken string) (ValidationResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (tokenstore.OAuthToken, error)
	GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error)
}

const defaultExpiresInSeconds = 3600

// Config describes one provider's endpoints and credentials, shared by all
// adapters below.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	JWKSURL      string
	Issuer       string
}

func httpClientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// exchangeRefresh performs the shared form-POST refresh-token exchange;
// responses may come back as JSON or as application/x-www-form-urlencoded,
// so both are attempted.
func exchangeRefresh(ctx context.Context, httpClient *http.Client, cfg Config, refreshToken string) (tokenstore.OAuthToken, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.OAuthToken{}, gwerrors.Auth(gwerrors.CodeRefreshFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClientOrDefault(httpClient).Do(req)
	if err != nil {
		return tokenstore.OAuthToken{}, gwerrors.Transport(gwerrors.CodeNetwork, "token refresh request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenstore.OAuthToken{}, gwerrors.Auth(gwerrors.CodeRefreshFailed, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	fields, err := decodeTokenResponse(resp)
	if err != nil {
		return tokenstore.OAuthToken{}, gwerrors.Auth(gwerrors.CodeRefreshFailed, err.Error())
	}

	expiresIn := defaultExpiresInSeconds
	if v, ok := fields["expires_in"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			expiresIn = n
		}
	}

	token := tokenstore.OAuthToken{
		AccessToken:     fields["access_token"],
		RefreshToken:    fields["refresh_token"],
		ExpiresAtUnixMs: time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
	}
	if scope, ok := fields["scope"]; ok && scope != "" {
		token.Scope = strings.Fields(scope)
	}
	return token, nil
}

// decodeTokenResponse accepts either a JSON or form-urlencoded token
// endpoint response body, returning a flat string map either way.
func decodeTokenResponse(resp *http.Response) (map[string]string, error) {
	contentType := resp.Header.Get("Content-Type")

	if strings.Contains(contentType, "json") {
		var raw map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("authprovider: decode json token response: %w", err)
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			switch t := v.(type) {
			case string:
				out[k] = t
			case float64:
				out[k] = strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
		return out, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("authprovider: read token response: %w", err)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("authprovider: parse form token response: %w", err)
	}
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}

// OAuth2Config builds the golang.org/x/oauth2 client config the flow
// controller uses to construct the authorize URL / perform the
// authorization-code exchange.
func OAuth2Config(cfg Config, authURL, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: cfg.TokenURL},
		Scopes:       scopes,
	}
}
