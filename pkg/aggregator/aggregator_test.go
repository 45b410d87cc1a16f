package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noAuth(serverID string) (map[string]string, error) { return nil, nil }

func TestDiscoverTopLevelShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools":     []map[string]any{{"name": "search", "description": "search things"}},
			"resources": []map[string]any{{"uri": "file:///a", "name": "a"}},
		})
	}))
	defer srv.Close()

	agg := New(nil, 4)
	err := agg.Discover(context.Background(), map[string]string{"svc1": srv.URL}, noAuth)
	require.NoError(t, err)

	mapping, ok := agg.ResolveTool("svc1.search")
	require.True(t, ok)
	assert.Equal(t, "search", mapping.OriginalName)
	assert.Equal(t, "svc1", mapping.ServerID)

	resMapping, ok := agg.ResolveResource("svc1.file:///a")
	require.True(t, ok)
	assert.Equal(t, "file:///a", resMapping.OriginalURI)
}

func TestDiscoverNestedCapabilitiesShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"capabilities": map[string]any{
				"tools": []map[string]any{{"name": "fetch"}},
			},
		})
	}))
	defer srv.Close()

	agg := New(nil, 4)
	err := agg.Discover(context.Background(), map[string]string{"svc1": srv.URL}, noAuth)
	require.NoError(t, err)

	_, ok := agg.ResolveTool("svc1.fetch")
	assert.True(t, ok)
}

func TestDiscoverFallsBackToListCalls(t *testing.T) {
	srv := httptest.NewServeMux()
	srv.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv.HandleFunc("/mcp/tools/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "grep"}}})
	})
	srv.HandleFunc("/mcp/resources/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"resources": []map[string]any{}})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	agg := New(nil, 4)
	err := agg.Discover(context.Background(), map[string]string{"svc1": ts.URL}, noAuth)
	require.NoError(t, err)

	_, ok := agg.ResolveTool("svc1.grep")
	assert.True(t, ok)
}

func TestDiscoverPartialFailureDoesNotAbortOthers(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "ok"}}})
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	agg := New(nil, 4)
	err := agg.Discover(context.Background(), map[string]string{
		"good": good.URL,
		"bad":  bad.URL,
	}, noAuth)
	require.NoError(t, err)

	_, ok := agg.ResolveTool("good.ok")
	assert.True(t, ok)
	assert.Len(t, agg.AllTools(), 1)
}

func TestDiscoverIsAtomicPerServer(t *testing.T) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "one"}, {"name": "two"}}})
		} else {
			json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{{"name": "three"}}})
		}
	}))
	defer srv.Close()

	agg := New(nil, 4)
	require.NoError(t, agg.Discover(context.Background(), map[string]string{"svc1": srv.URL}, noAuth))
	require.NoError(t, agg.Discover(context.Background(), map[string]string{"svc1": srv.URL}, noAuth))

	_, ok := agg.ResolveTool("svc1.one")
	assert.False(t, ok)
	_, ok = agg.ResolveTool("svc1.three")
	assert.True(t, ok)
}
