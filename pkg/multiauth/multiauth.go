// Package multiauth implements the per-server auth strategy dispatch (C9):
// it decides, for each inbound request, what headers to attach to the
// backend call — or that the caller must be redirected into an OAuth
// delegation flow before the request can proceed at all.
package multiauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/nullrunner/mcp-gateway/pkg/authprovider"
	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/log"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

type Strategy string

const (
	StrategyMasterOAuth   Strategy = "master_oauth"
	StrategyBypassAuth    Strategy = "bypass_auth"
	StrategyDelegateOAuth Strategy = "delegate_oauth"
	StrategyProxyOAuth    Strategy = "proxy_oauth"
)

// ProxyOAuthFallback controls what PrepareHeaders does for proxy_oauth when
// no usable token can be produced and the master token must be considered.
type ProxyOAuthFallback string

const (
	ProxyFallbackPassthrough ProxyOAuthFallback = "passthrough"
	ProxyFallbackFail        ProxyOAuthFallback = "fail"
)

const refreshSkewMs = 30_000

// ClientInfo is the delegation's OAuth client identity.
type ClientInfo struct {
	ClientID string
	State    string
}

// Delegation is returned instead of headers when the caller must complete
// an OAuth flow before the request can be served. It is a normal value,
// never an error — routers propagate it as structured output.
type Delegation struct {
	AuthEndpoint      string
	TokenEndpoint     string
	ClientInfo        ClientInfo
	RequiredScopes    []string
	RedirectAfterAuth bool
}

// ServerAuth describes one server's auth configuration.
type ServerAuth struct {
	Strategy       Strategy
	JWKSURL        string
	Audience       string
	ClientID       string
	AuthEndpoint   string
	TokenEndpoint  string
	RequiredScopes []string
	Provider       authprovider.Provider
	Fallback       ProxyOAuthFallback
}

// PendingDelegation records that a delegate_oauth dispatch is awaiting its
// callback, keyed by (clientToken, serverID).
type PendingDelegation struct {
	State    string
	ServerID string
}

// Manager dispatches PrepareHeaders per server.
type Manager struct {
	mu      sync.Mutex
	store   *tokenstore.Store
	pending map[string]PendingDelegation
}

func New(store *tokenstore.Store) *Manager {
	return &Manager{store: store, pending: make(map[string]PendingDelegation)}
}

// Result is either Headers (non-nil) or a Delegation (non-nil) — never both.
type Result struct {
	Headers    map[string]string
	Delegation *Delegation
}

func pendingKey(clientToken, serverID string) string { return clientToken + "::" + serverID }

// StoreDelegatedToken implements oauthflow.TokenStorer: it persists an
// exchanged delegate_oauth/proxy_oauth token under the same
// tokenstoreKey(clientBinding, serverID) PrepareHeaders looks up, so the
// next request from that client is served without re-delegating, and
// clears the pending-delegation marker recorded when the flow started.
func (m *Manager) StoreDelegatedToken(clientBinding, serverID, accessToken, refreshToken string, expiresAtUnixMs int64) error {
	key := tokenstoreKey(clientBinding, serverID)
	if err := m.store.Put(key, tokenstore.OAuthToken{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		ExpiresAtUnixMs: expiresAtUnixMs,
	}); err != nil {
		return fmt.Errorf("multiauth: store delegated token: %w", err)
	}
	m.mu.Lock()
	delete(m.pending, pendingKey(clientBinding, serverID))
	m.mu.Unlock()
	return nil
}

// PrepareHeaders dispatches by auth.Strategy and returns either the headers
// to attach to the proxied request, or a Delegation the caller must act on.
func (m *Manager) PrepareHeaders(ctx context.Context, serverID, clientToken string, auth ServerAuth) (Result, error) {
	switch auth.Strategy {
	case StrategyBypassAuth:
		return Result{Headers: map[string]string{}}, nil

	case StrategyMasterOAuth:
		if err := m.validateClientToken(ctx, clientToken, auth); err != nil {
			return Result{}, err
		}
		return Result{Headers: map[string]string{"Authorization": "Bearer " + clientToken}}, nil

	case StrategyDelegateOAuth:
		state := tokenstoreKey(clientToken, serverID)
		m.mu.Lock()
		m.pending[pendingKey(clientToken, serverID)] = PendingDelegation{State: state, ServerID: serverID}
		m.mu.Unlock()
		return Result{Delegation: &Delegation{
			AuthEndpoint:      auth.AuthEndpoint,
			TokenEndpoint:     auth.TokenEndpoint,
			ClientInfo:        ClientInfo{ClientID: auth.ClientID, State: state},
			RequiredScopes:    auth.RequiredScopes,
			RedirectAfterAuth: true,
		}}, nil

	case StrategyProxyOAuth:
		return m.prepareProxyOAuth(ctx, serverID, clientToken, auth)

	default:
		return Result{}, gwerrors.Validation(gwerrors.CodeInvalidClientToken, fmt.Sprintf("unknown auth strategy %q", auth.Strategy))
	}
}

func tokenstoreKey(clientToken, serverID string) string {
	first16 := clientToken
	if len(first16) > 16 {
		first16 = first16[:16]
	}
	return serverID + "::" + first16
}

func (m *Manager) prepareProxyOAuth(ctx context.Context, serverID, clientToken string, auth ServerAuth) (Result, error) {
	key := tokenstoreKey(clientToken, serverID)
	nowMs := time.Now().UnixMilli()

	tok, ok, err := m.store.Get(key)
	if err != nil {
		return Result{}, fmt.Errorf("multiauth: token lookup: %w", err)
	}

	if ok && tok.FreshEnough(nowMs, refreshSkewMs) {
		return Result{Headers: map[string]string{"Authorization": "Bearer " + tok.AccessToken}}, nil
	}

	if ok && tok.RefreshToken != "" && auth.Provider != nil {
		refreshed, err := auth.Provider.RefreshToken(ctx, tok.RefreshToken)
		if err == nil {
			_ = m.store.Put(key, refreshed)
			return Result{Headers: map[string]string{"Authorization": "Bearer " + refreshed.AccessToken}}, nil
		}
		log.Warnf("multiauth: refresh failed for %s: %v", serverID, err)
	}

	if auth.Fallback == ProxyFallbackFail {
		return Result{}, gwerrors.Auth(gwerrors.CodeRefreshFailed, "proxy_oauth: no usable token and fallback disabled")
	}

	log.Warnf("multiauth: proxy_oauth degraded for %s, passing through master token", serverID)
	return Result{Headers: map[string]string{"Authorization": "Bearer " + clientToken}}, nil
}

// validateClientToken implements §4.9's client-token validation rule: with
// JWKS configured, verify signature/iss/aud (delegated to the server's
// configured Provider, which holds the actual key set); without it, accept
// opaque tokens, but enforce exp>now for anything that does parse as a JWT.
func (m *Manager) validateClientToken(ctx context.Context, clientToken string, auth ServerAuth) error {
	if auth.JWKSURL == "" {
		if strings.Count(clientToken, ".") == 2 {
			if claims, err := parseUnverifiedClaims(clientToken); err == nil {
				if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
					return gwerrors.Auth(gwerrors.CodeInvalidClientToken, "token expired")
				}
			}
		}
		return nil
	}

	if auth.Provider == nil {
		return gwerrors.Auth(gwerrors.CodeInvalidClientToken, "jwks configured but no provider available to verify")
	}

	result, err := auth.Provider.ValidateToken(ctx, clientToken)
	if err != nil {
		return err
	}
	if !result.Valid {
		return gwerrors.Auth(gwerrors.CodeInvalidClientToken, "client token failed verification")
	}
	return nil
}

func parseUnverifiedClaims(token string) (jwt.Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.HS256})
	if err != nil {
		return jwt.Claims{}, err
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return jwt.Claims{}, err
	}
	return claims, nil
}
