// Package oauthflow implements the authorization-code+PKCE flow controller
// (C10): Authorize constructs the redirect to the provider, Callback
// consumes the single-use state and exchanges the code. No server-to-server
// token exchange operation is provided. State storage and
// single-use consumption follow the shape of the teacher's
// pkg/oauth.StateManager, generalized to a full FlowData record and
// crypto/rand-backed state entropy.
package oauthflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/crypto"
	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

const (
	flowTTL        = 10 * time.Minute
	stateCookie    = "mcpgw_oauth_state"
	stateEntropy   = 18 // bytes; 144 bits, over the spec's >=128-bit floor
)

// FlowData is the server-side record kept for the lifetime of one
// authorize/callback round trip, keyed by state.
type FlowData struct {
	Provider      string
	ServerID      string
	ReturnTo      string
	CodeVerifier  string
	Nonce         string
	CreatedAtUnix int64
	ClientBinding string
}

func (f FlowData) expired(now time.Time) bool {
	return now.Unix()-f.CreatedAtUnix > int64(flowTTL.Seconds())
}

// ProviderEndpoints is what Authorize/Callback need to know about the
// chosen provider to build the redirect and perform the exchange.
type ProviderEndpoints struct {
	AuthEndpoint  string
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	Scopes        []string
}

// AllowInsecureEndpoints permits http:// authorization/token endpoints —
// only ever set by a dev-mode flag, never in production.
var AllowInsecureEndpoints = false

// TokenStorer persists the exchanged token under the caller's delegated
// binding; implemented by multiauth.Manager over tokenstore.Store in the
// assembled gateway.
type TokenStorer interface {
	StoreDelegatedToken(clientBinding, serverID string, accessToken, refreshToken string, expiresAtUnixMs int64) error
}

// Controller implements the flow's operations. pending is the in-memory,
// single-use FlowData map keyed by state.
type Controller struct {
	mu          sync.Mutex
	pending     map[string]FlowData
	redirectURI string // base redirect_uri built from the configured host, not the incoming request
	httpClient  *http.Client
	now         func() time.Time
}

func New(redirectURI string, httpClient *http.Client) *Controller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Controller{
		pending:     make(map[string]FlowData),
		redirectURI: redirectURI,
		httpClient:  httpClient,
		now:         time.Now,
	}
}

// AuthorizeRequest is what the inbound /authorize handler parses from the
// request.
type AuthorizeRequest struct {
	Provider   string
	ServerID   string
	ReturnTo   string
	Endpoints  ProviderEndpoints
	ClientBind string
}

// AuthorizeResult carries the redirect URL and the state cookie to set.
type AuthorizeResult struct {
	RedirectURL string
	Cookie      *http.Cookie
}

// Authorize validates return_to, generates state+PKCE, stores FlowData,
// and builds the provider authorize URL.
func (c *Controller) Authorize(req AuthorizeRequest) (AuthorizeResult, error) {
	if err := validateReturnTo(req.ReturnTo); err != nil {
		return AuthorizeResult{}, err
	}
	if u, err := url.Parse(req.ReturnTo); err == nil && u.IsAbs() {
		base, berr := url.Parse(c.redirectURI)
		if berr != nil || base.Scheme != u.Scheme || base.Host != u.Host {
			return AuthorizeResult{}, gwerrors.Validation(gwerrors.CodeInvalidURI, "return_to must be a relative path or an absolute same-origin URL")
		}
	}
	if err := validateEndpointScheme(req.Endpoints.AuthEndpoint); err != nil {
		return AuthorizeResult{}, err
	}
	if err := validateEndpointScheme(req.Endpoints.TokenEndpoint); err != nil {
		return AuthorizeResult{}, err
	}

	state, err := generateState()
	if err != nil {
		return AuthorizeResult{}, fmt.Errorf("oauthflow: generate state: %w", err)
	}
	verifier := oauth2Verifier()
	challenge := pkceS256Challenge(verifier)

	data := FlowData{
		Provider:      req.Provider,
		ServerID:      req.ServerID,
		ReturnTo:      req.ReturnTo,
		CodeVerifier:  verifier,
		CreatedAtUnix: c.now().Unix(),
		ClientBinding: req.ClientBind,
	}

	c.mu.Lock()
	c.pending[state] = data
	c.mu.Unlock()

	authorizeURL, err := buildAuthorizeURL(req.Endpoints, c.redirectURI, state, challenge)
	if err != nil {
		return AuthorizeResult{}, err
	}

	return AuthorizeResult{
		RedirectURL: authorizeURL,
		Cookie: &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
			Path:     "/",
			MaxAge:   int(flowTTL.Seconds()),
		},
	}, nil
}

func buildAuthorizeURL(ep ProviderEndpoints, redirectURI, state, challenge string) (string, error) {
	u, err := url.Parse(ep.AuthEndpoint)
	if err != nil {
		return "", gwerrors.Validation(gwerrors.CodeInvalidState, "invalid authorization_endpoint")
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", ep.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(ep.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CallbackRequest is what the inbound /callback handler parses.
type CallbackRequest struct {
	Code         string
	State        string
	CookieState  string
	ErrorParam   string
	Endpoints    ProviderEndpoints
	RequestedProvider string // must match FlowData.Provider
	RequestedServerID string // must match FlowData.ServerID
}

// CallbackResult tells the caller where to send the browser and which
// cookie to clear.
type CallbackResult struct {
	RedirectTo  string
	ClearCookie *http.Cookie
}

// Callback validates and single-use-consumes state, exchanges the code,
// and stores the resulting token via store.
func (c *Controller) Callback(ctx context.Context, req CallbackRequest, store TokenStorer) (CallbackResult, error) {
	clearCookie := &http.Cookie{Name: stateCookie, Value: "", MaxAge: -1, Path: "/", HttpOnly: true, Secure: true, SameSite: http.SameSiteLaxMode}

	if req.ErrorParam != "" {
		return CallbackResult{}, gwerrors.Auth(gwerrors.CodeOAuthDelegation, "provider returned error: "+req.ErrorParam)
	}

	if req.State == "" || req.CookieState == "" || req.State != req.CookieState {
		return CallbackResult{}, gwerrors.Validation(gwerrors.CodeInvalidState, "state mismatch between cookie and query")
	}

	data, err := c.consume(req.State)
	if err != nil {
		return CallbackResult{ClearCookie: clearCookie}, err
	}

	if data.Provider != req.RequestedProvider || data.ServerID != req.RequestedServerID {
		return CallbackResult{ClearCookie: clearCookie}, gwerrors.Auth(gwerrors.CodeInvalidState, "flow does not match requested provider/server")
	}

	token, err := c.exchangeCode(ctx, req.Endpoints, req.Code, data.CodeVerifier)
	if err != nil {
		return CallbackResult{ClearCookie: clearCookie}, err
	}

	if err := store.StoreDelegatedToken(data.ClientBinding, data.ServerID, token.accessToken, token.refreshToken, token.expiresAtUnixMs); err != nil {
		return CallbackResult{ClearCookie: clearCookie}, fmt.Errorf("oauthflow: store delegated token: %w", err)
	}

	redirectTo := data.ReturnTo
	if redirectTo == "" {
		redirectTo = "/"
	}
	return CallbackResult{RedirectTo: redirectTo, ClearCookie: clearCookie}, nil
}

// consume validates state exists and is unexpired, then deletes it —
// single-use. A replayed state always returns an error.
func (c *Controller) consume(state string) (FlowData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.pending[state]
	if !ok {
		return FlowData{}, gwerrors.Validation(gwerrors.CodeInvalidState, "unknown or already-consumed state")
	}
	delete(c.pending, state)

	if data.expired(c.now()) {
		return FlowData{}, gwerrors.Validation(gwerrors.CodeInvalidState, "state expired")
	}
	return data, nil
}

type exchangedToken struct {
	accessToken     string
	refreshToken    string
	expiresAtUnixMs int64
}

func (c *Controller) exchangeCode(ctx context.Context, ep ProviderEndpoints, code, verifier string) (exchangedToken, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectURI},
		"client_id":     {ep.ClientID},
		"code_verifier": {verifier},
	}
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return exchangedToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchangedToken{}, gwerrors.Transport(gwerrors.CodeNetwork, "code exchange request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return exchangedToken{}, gwerrors.Auth(gwerrors.CodeRefreshFailed, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	fields, err := decodeForm(resp)
	if err != nil {
		return exchangedToken{}, err
	}

	expiresIn := 3600
	if v, ok := fields["expires_in"]; ok {
		fmt.Sscanf(v, "%d", &expiresIn)
	}

	return exchangedToken{
		accessToken:     fields["access_token"],
		refreshToken:    fields["refresh_token"],
		expiresAtUnixMs: c.now().Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
	}, nil
}

func validateReturnTo(returnTo string) error {
	if returnTo == "" {
		return nil
	}
	if strings.HasPrefix(returnTo, "/") && !strings.HasPrefix(returnTo, "//") {
		return nil
	}
	u, err := url.Parse(returnTo)
	if err == nil && u.IsAbs() && u.Host != "" {
		// Absolute URLs pass this shape check; Authorize then rejects any
		// whose scheme and host differ from the configured redirect URI's.
		return nil
	}
	return gwerrors.Validation(gwerrors.CodeInvalidURI, "return_to must be a relative path or an absolute same-origin URL")
}

func validateEndpointScheme(endpoint string) error {
	if endpoint == "" {
		return nil
	}
	if strings.HasPrefix(endpoint, "https://") {
		return nil
	}
	if AllowInsecureEndpoints && strings.HasPrefix(endpoint, "http://") {
		return nil
	}
	return gwerrors.Validation(gwerrors.CodeInvalidURI, "oauth endpoints must use https:// outside dev mode")
}

func generateState() (string, error) {
	b, err := crypto.RandomBytes(stateEntropy)
	if err != nil {
		return "", err
	}
	return crypto.Base64URLEncode(b), nil
}

func oauth2Verifier() string {
	b, _ := crypto.RandomBytes(32)
	return crypto.Base64URLEncode(b)
}

func pkceS256Challenge(verifier string) string {
	sum := crypto.Sha256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum)
}

func decodeForm(resp *http.Response) (map[string]string, error) {
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") {
		var raw map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("oauthflow: decode json token response: %w", err)
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprintf("%v", v)
			}
		}
		return out, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: read token response: %w", err)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: parse form token response: %w", err)
	}
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}
