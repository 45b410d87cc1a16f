package container

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/log"
	"github.com/nullrunner/mcp-gateway/pkg/oauthflow"
	"github.com/nullrunner/mcp-gateway/pkg/router"
)

// HTTPHandler mounts the gateway's inbound surface on a plain
// net/http.ServeMux, following the teacher's pkg/gateway/transport.go
// idiom of one mux per process with no web framework: the MCP-style
// tools/resources endpoints, a capability and health probe pair, and the
// OAuth authorize/callback redirect dance.
func (c *Container) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/capabilities", c.handleCapabilities)
	mux.HandleFunc("/mcp/tools/list", c.handleToolsList)
	mux.HandleFunc("/mcp/tools/call", c.handleToolsCall)
	mux.HandleFunc("/mcp/resources/list", c.handleResourcesList)
	mux.HandleFunc("/mcp/resources/read", c.handleResourcesRead)
	mux.HandleFunc("/oauth/authorize", c.handleOAuthAuthorize)
	mux.HandleFunc("/oauth/callback", c.handleOAuthCallback)

	return requestIDMiddleware(mux)
}

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware assigns every inbound request a correlation ID (the
// caller's own X-Request-Id if it sent one, otherwise a fresh uuid), echoed
// back on the response and logged alongside the request. The ID is not
// forwarded to backend calls.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		log.Debugf("container: %s %s [%s]", r.Method, r.URL.Path, id)
		next.ServeHTTP(w, r)
	})
}

func (c *Container) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (c *Container) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	rtr := c.Router()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     rtr.ListTools(),
		"resources": rtr.ListResources(),
	})
}

// bearerToken extracts the client token this request carries, forwarded
// unverified as clientToken to Router.Call/Read — unlike the teacher's
// single shared-secret authenticationMiddleware, the gateway has no one
// fixed token to compare against: each server's multiauth.ServerAuth
// decides independently whether the token is required, valid, or ignored.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

type toolCallBody struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (c *Container) handleToolsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": c.Router().ListTools()})
}

func (c *Container) handleToolsCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body toolCallBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(gwerrors.CodeSchema, "invalid request body"))
		return
	}

	req := router.CallToolRequest{Name: body.Name, Arguments: body.Arguments}
	result := c.Router().Call(r.Context(), req, bearerToken(r))
	writeJSON(w, http.StatusOK, result)
}

type resourceReadBody struct {
	URI string `json:"uri"`
}

func (c *Container) handleResourcesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": c.Router().ListResources()})
}

func (c *Container) handleResourcesRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body resourceReadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(gwerrors.CodeSchema, "invalid request body"))
		return
	}

	req := router.ReadResourceRequest{URI: body.URI}
	result := c.Router().Read(r.Context(), req, bearerToken(r))
	writeJSON(w, http.StatusOK, result)
}

// handleOAuthAuthorize starts a delegated-auth round trip for server_id,
// redirecting the browser to the provider's authorization endpoint.
func (c *Container) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serverID := q.Get("server_id")
	if serverID == "" {
		http.Error(w, "server_id is required", http.StatusBadRequest)
		return
	}

	auth, ok := c.ServerAuth(serverID)
	if !ok {
		http.Error(w, "unknown server_id", http.StatusNotFound)
		return
	}

	scopes := auth.RequiredScopes
	if raw := q.Get("scopes"); raw != "" {
		scopes = strings.Split(raw, ",")
	}

	result, err := c.Flow().Authorize(oauthflow.AuthorizeRequest{
		Provider:   q.Get("provider"),
		ServerID:   serverID,
		ReturnTo:   q.Get("return_to"),
		ClientBind: bearerToken(r),
		Endpoints: oauthflow.ProviderEndpoints{
			AuthEndpoint:  auth.AuthEndpoint,
			TokenEndpoint: auth.TokenEndpoint,
			ClientID:      auth.ClientID,
			Scopes:        scopes,
		},
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	if result.Cookie != nil {
		http.SetCookie(w, result.Cookie)
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// handleOAuthCallback completes the round trip: validates state, exchanges
// the code, stores the token via MultiAuth (which implements
// oauthflow.TokenStorer through StoreDelegatedToken), and sends the browser
// back to ReturnTo.
func (c *Container) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cookieState := ""
	if cookie, err := r.Cookie("mcpgw_oauth_state"); err == nil {
		cookieState = cookie.Value
	}

	serverID := q.Get("server_id")
	auth, _ := c.ServerAuth(serverID)

	result, err := c.Flow().Callback(r.Context(), oauthflow.CallbackRequest{
		Code:              q.Get("code"),
		State:             q.Get("state"),
		CookieState:       cookieState,
		ErrorParam:        q.Get("error"),
		RequestedProvider: q.Get("provider"),
		RequestedServerID: serverID,
		Endpoints: oauthflow.ProviderEndpoints{
			AuthEndpoint:  auth.AuthEndpoint,
			TokenEndpoint: auth.TokenEndpoint,
			ClientID:      auth.ClientID,
			ClientSecret:  "", // resolved server-side by the provider adapter, never accepted from the request
		},
	}, c.MultiAuth())

	if result.ClearCookie != nil {
		http.SetCookie(w, result.ClearCookie)
	}
	if err != nil {
		log.Warnf("container: oauth callback failed: %v", err)
		writeAuthError(w, err)
		return
	}

	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var gerr *gwerrors.Error
	if ge, ok := err.(*gwerrors.Error); ok {
		gerr = ge
	}
	code := gwerrors.CodeInvalidState
	if gerr != nil {
		code = gerr.Code
	}
	writeJSON(w, status, errorBody(code, err.Error()))
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": code, "message": message}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
