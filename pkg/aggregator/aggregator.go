// Package aggregator implements capability discovery and namespaced
// routing (C7): fans discovery out across backend servers concurrently,
// normalizes whatever shape each server's capabilities response takes, and
// maintains the aggregated "{serverID}.{name}" → (serverID, original name)
// mapping the router resolves against.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/nullrunner/mcp-gateway/pkg/log"
)

// AuthResolver returns the HTTP headers to attach to discovery/proxy
// requests made to serverID (typically Authorization: Bearer <token>).
type AuthResolver func(serverID string) (map[string]string, error)

// ToolMapping is the reverse-lookup record for one aggregated tool name.
type ToolMapping struct {
	ServerID     string
	OriginalName string
	Tool         *mcp.Tool
}

// ResourceMapping is the reverse-lookup record for one aggregated resource URI.
type ResourceMapping struct {
	ServerID     string
	OriginalURI  string
	Resource     *mcp.Resource
}

type serverCapabilities struct {
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
}

// Aggregator holds the current union of all servers' discovered
// capabilities plus the reverse maps the router uses to resolve an
// aggregated name back to its owning server.
type Aggregator struct {
	mu     sync.RWMutex
	byServer map[string]serverCapabilities
	tools    map[string]ToolMapping
	resources map[string]ResourceMapping

	httpClient *http.Client
	maxFanout  int
}

func New(httpClient *http.Client, maxFanout int) *Aggregator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if maxFanout <= 0 {
		maxFanout = 16
	}
	return &Aggregator{
		byServer:  make(map[string]serverCapabilities),
		tools:     make(map[string]ToolMapping),
		resources: make(map[string]ResourceMapping),
		httpClient: httpClient,
		maxFanout: maxFanout,
	}
}

func aggregatedToolName(serverID, name string) string     { return serverID + "." + name }
func aggregatedResourceURI(serverID, uri string) string    { return serverID + "." + uri }

// Discover fans discovery out across servers (endpoint per serverID),
// concurrently and independently: a server that fails to respond is
// logged and skipped, never aborting the overall pass. Each server's
// entries replace its prior entries atomically, once the fan-out
// completes — earlier servers' removal-then-insert never races a later
// server's read of the shared maps.
func (a *Aggregator) Discover(ctx context.Context, servers map[string]string, authResolver AuthResolver) error {
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(a.maxFanout)

	results := make(chan struct {
		serverID string
		caps     serverCapabilities
	}, len(servers))

	for serverID, endpoint := range servers {
		serverID, endpoint := serverID, endpoint
		grp.Go(func() error {
			headers, err := authResolver(serverID)
			if err != nil {
				log.Warnf("aggregator: auth resolve failed for %s: %v", serverID, err)
				return nil
			}

			caps, err := a.discoverOne(gctx, endpoint, headers)
			if err != nil {
				log.Warnf("aggregator: discovery failed for %s: %v", serverID, err)
				return nil
			}
			results <- struct {
				serverID string
				caps     serverCapabilities
			}{serverID, caps}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return err
	}
	close(results)

	a.mu.Lock()
	defer a.mu.Unlock()
	for r := range results {
		a.replaceServerLocked(r.serverID, r.caps)
	}
	return nil
}

// replaceServerLocked removes every prior mapping entry owned by serverID
// before inserting its newly discovered entries, per the idempotent/atomic
// invariant in §4.7.
func (a *Aggregator) replaceServerLocked(serverID string, caps serverCapabilities) {
	for name, m := range a.tools {
		if m.ServerID == serverID {
			delete(a.tools, name)
		}
	}
	for uri, m := range a.resources {
		if m.ServerID == serverID {
			delete(a.resources, uri)
		}
	}

	a.byServer[serverID] = caps

	for _, tool := range caps.tools {
		agg := aggregatedToolName(serverID, tool.Name)
		a.tools[agg] = ToolMapping{ServerID: serverID, OriginalName: tool.Name, Tool: tool}
	}
	for _, res := range caps.resources {
		agg := aggregatedResourceURI(serverID, res.URI)
		a.resources[agg] = ResourceMapping{ServerID: serverID, OriginalURI: res.URI, Resource: res}
	}
}

func (a *Aggregator) discoverOne(ctx context.Context, endpoint string, headers map[string]string) (serverCapabilities, error) {
	if caps, err := a.fetchCapabilitiesEndpoint(ctx, endpoint, headers); err == nil {
		return caps, nil
	}
	return a.fetchViaListCalls(ctx, endpoint, headers)
}

func (a *Aggregator) doJSON(ctx context.Context, method, url string, headers map[string]string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aggregator: %s %s: status %d", method, url, resp.StatusCode)
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("aggregator: decode %s: %w", url, err)
	}
	return decoded, nil
}

// fetchCapabilitiesEndpoint performs step 1: GET {endpoint}/capabilities,
// accepting tools/resources/prompts either top-level or nested under
// "capabilities". jsonpath handles both shapes without type-asserting each
// possible layout by hand.
func (a *Aggregator) fetchCapabilitiesEndpoint(ctx context.Context, endpoint string, headers map[string]string) (serverCapabilities, error) {
	decoded, err := a.doJSON(ctx, http.MethodGet, endpoint+"/capabilities", headers, nil)
	if err != nil {
		return serverCapabilities{}, err
	}

	var caps serverCapabilities
	caps.tools = extractTools(decoded)
	caps.resources = extractResources(decoded)
	caps.prompts = extractPrompts(decoded)
	return caps, nil
}

// fetchViaListCalls performs step 2: the /mcp/tools/list and
// /mcp/resources/list fallback, run in parallel.
func (a *Aggregator) fetchViaListCalls(ctx context.Context, endpoint string, headers map[string]string) (serverCapabilities, error) {
	var caps serverCapabilities
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		decoded, err := a.doJSON(gctx, http.MethodPost, endpoint+"/mcp/tools/list", headers, map[string]any{})
		if err != nil {
			return nil
		}
		caps.tools = extractTools(decoded)
		return nil
	})
	grp.Go(func() error {
		decoded, err := a.doJSON(gctx, http.MethodPost, endpoint+"/mcp/resources/list", headers, map[string]any{})
		if err != nil {
			return nil
		}
		caps.resources = extractResources(decoded)
		return nil
	})

	_ = grp.Wait()
	if len(caps.tools) == 0 && len(caps.resources) == 0 {
		return caps, fmt.Errorf("aggregator: %s: no capabilities via list fallback", endpoint)
	}
	return caps, nil
}

func jsonpathFirst(decoded any, paths ...string) any {
	for _, p := range paths {
		v, err := jsonpath.Get(p, decoded)
		if err == nil && v != nil {
			return v
		}
	}
	return nil
}

func extractTools(decoded any) []*mcp.Tool {
	raw := jsonpathFirst(decoded, "$.tools", "$.capabilities.tools")
	items, _ := raw.([]any)
	out := make([]*mcp.Tool, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tool := &mcp.Tool{Name: stringField(m, "name"), Description: stringField(m, "description")}
		if schema, ok := m["inputSchema"]; ok {
			tool.InputSchema = toSchema(schema)
		}
		out = append(out, tool)
	}
	return out
}

func extractResources(decoded any) []*mcp.Resource {
	raw := jsonpathFirst(decoded, "$.resources", "$.capabilities.resources")
	items, _ := raw.([]any)
	out := make([]*mcp.Resource, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, &mcp.Resource{
			URI:         stringField(m, "uri"),
			Name:        stringField(m, "name"),
			Description: stringField(m, "description"),
			MIMEType:    stringField(m, "mimeType"),
		})
	}
	return out
}

func extractPrompts(decoded any) []*mcp.Prompt {
	raw := jsonpathFirst(decoded, "$.prompts", "$.capabilities.prompts")
	items, _ := raw.([]any)
	out := make([]*mcp.Prompt, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, &mcp.Prompt{Name: stringField(m, "name"), Description: stringField(m, "description")})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toSchema(raw any) *jsonschema.Schema {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil
	}
	return &schema
}

// ResolveTool looks up an aggregated tool name.
func (a *Aggregator) ResolveTool(name string) (ToolMapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.tools[name]
	return m, ok
}

// ResolveResource looks up an aggregated resource URI.
func (a *Aggregator) ResolveResource(uri string) (ResourceMapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.resources[uri]
	return m, ok
}

// AllTools returns the current union of tools across servers, or just the
// given subset when servers is non-empty.
func (a *Aggregator) AllTools(servers ...string) []*mcp.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	want := toSet(servers)
	var out []*mcp.Tool
	for serverID, caps := range a.byServer {
		if len(want) > 0 && !want[serverID] {
			continue
		}
		out = append(out, caps.tools...)
	}
	return out
}

// AllResources returns the current union of resources across servers, or
// just the given subset when servers is non-empty.
func (a *Aggregator) AllResources(servers ...string) []*mcp.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	want := toSet(servers)
	var out []*mcp.Resource
	for serverID, caps := range a.byServer {
		if len(want) > 0 && !want[serverID] {
			continue
		}
		out = append(out, caps.resources...)
	}
	return out
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
