package container

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullrunner/mcp-gateway/pkg/config"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

func newTestStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	t.Setenv("TOKEN_ENC_KEY", "test-secret-key-material-not-32b")
	s, err := tokenstore.New(false, "TOKEN_ENC_KEY")
	require.NoError(t, err)
	return s
}

func baseConfig(backendURL string) config.MasterConfig {
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{
		ID:           "svc1",
		Type:         config.ServerTypeLocal,
		AuthStrategy: config.AuthBypassAuth,
		Endpoint:     backendURL,
		Weight:       1,
	}}
	return cfg
}

func newTestContainer(t *testing.T, backendURL string) *Container {
	t.Helper()
	cc, err := New(context.Background(), baseConfig(backendURL), Options{Store: newTestStore(t)})
	require.NoError(t, err)
	return cc
}

func TestNewBuildsRouterFromDiscovery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{{"name": "search"}},
		})
	}))
	defer backend.Close()

	cc := newTestContainer(t, backend.URL)

	tools := cc.Router().ListTools()
	require.Len(t, tools, 1)
	tool, ok := tools[0].(*mcp.Tool)
	require.True(t, ok)
	assert.Equal(t, "search", tool.Name)
}

func TestCommitWithoutPendingIsANoop(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "search"}}})
	}))
	defer backend.Close()

	cc := newTestContainer(t, backend.URL)
	before := cc.Router()

	// No Prepare call precedes this Commit, so pending is nil and the
	// current subgraph must be left untouched.
	cc.Commit(baseConfig(backend.URL))

	assert.Same(t, before, cc.Router())
}

func TestPrepareThenCommitSwapsSubgraph(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "search"}}})
	}))
	defer backend.Close()

	cc := newTestContainer(t, backend.URL)
	before := cc.Router()

	next := baseConfig(backend.URL)
	next.Servers = append(next.Servers, config.ServerConfig{
		ID: "svc2", Type: config.ServerTypeLocal, AuthStrategy: config.AuthBypassAuth,
		Endpoint: backend.URL, Weight: 1,
	})

	require.NoError(t, cc.Prepare(next, cc.Config()))
	cc.Commit(next)

	assert.NotSame(t, before, cc.Router())
	_, ok := cc.ServerAuth("svc2")
	assert.True(t, ok)
}

func TestReloadSwapsUnderLock(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "search"}}})
	}))
	defer backend.Close()

	cc := newTestContainer(t, backend.URL)
	before := cc.Router()

	require.NoError(t, cc.Reload(context.Background(), baseConfig(backend.URL)))
	assert.NotSame(t, before, cc.Router())
}

func TestHTTPHandlerHealthAndCapabilities(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "search"}}})
	}))
	defer backend.Close()

	cc := newTestContainer(t, backend.URL)
	srv := httptest.NewServer(cc.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp2, err := http.Get(srv.URL + "/capabilities")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Len(t, body["tools"], 1)
}

func TestHTTPHandlerToolsCallRoundTrips(t *testing.T) {
	backend := httptest.NewServeMux()
	backend.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "search"}}})
	})
	backend.HandleFunc("/mcp/tools/call", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"isError": false, "content": []map[string]any{{"type": "text", "text": "ok"}}})
	})
	backendSrv := httptest.NewServer(backend)
	defer backendSrv.Close()

	cc := newTestContainer(t, backendSrv.URL)
	srv := httptest.NewServer(cc.HTTPHandler())
	defer srv.Close()

	reqBody, _ := json.Marshal(map[string]any{"name": "svc1.search", "arguments": map[string]any{}})
	resp, err := http.Post(srv.URL+"/mcp/tools/call", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleOAuthAuthorizeRequiresServerID(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{}})
	}))
	defer backend.Close()

	cc := newTestContainer(t, backend.URL)
	srv := httptest.NewServer(cc.HTTPHandler())
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(srv.URL + "/oauth/authorize")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
