// Package router implements the request router (C11): it resolves an
// aggregated tool/resource name back to its owning server and instance,
// prepares auth headers (or surfaces a pending OAuth delegation), and
// forwards the call through the circuit breaker and retry engine, updating
// only health scores on the way out — breaker state is mutated solely by
// breaker.Execute, never here.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/aggregator"
	"github.com/nullrunner/mcp-gateway/pkg/breaker"
	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/log"
	"github.com/nullrunner/mcp-gateway/pkg/multiauth"
	"github.com/nullrunner/mcp-gateway/pkg/retry"
	"github.com/nullrunner/mcp-gateway/pkg/routeregistry"
)

// CallToolRequest is the router's view of an inbound tool call.
type CallToolRequest struct {
	Name      string
	Arguments map[string]any
}

// ReadResourceRequest is the router's view of an inbound resource read.
type ReadResourceRequest struct {
	URI string
}

// Content is one entry of a CallToolResult/ReadResourceResult's content
// array — either structured backend output or a structured failure.
type Content struct {
	Type         string                `json:"type"`
	Text         string                `json:"text,omitempty"`
	Error        string                `json:"error,omitempty"`
	RetryAfterMs int64                 `json:"retryAfterMs,omitempty"`
	Delegation   *multiauth.Delegation `json:"delegation,omitempty"`
}

// CallToolResult is returned by Call; IsError distinguishes a structured
// failure from a successful backend response, per the spec's "never throw,
// always return structured content" contract.
type CallToolResult struct {
	IsError bool      `json:"isError"`
	Content []Content `json:"content"`
}

// ReadResourceResult is returned by Read.
type ReadResourceResult struct {
	IsError bool      `json:"isError"`
	Content []Content `json:"content"`
}

// AuthConfig resolves per-server auth strategy configuration for MultiAuth.
type AuthConfig func(serverID string) multiauth.ServerAuth

// Telemetry is the ambient retry-attempt counter C13 wires in; nil by
// default so Router has no telemetry dependency when unused.
type Telemetry interface {
	RetryAttempt(ctx context.Context, serverID string, attempt int)
}

// Router ties the aggregator, route registry, breaker, retry engine, and
// multi-auth manager together into the Call/Read/List operations.
type Router struct {
	Aggregator  *aggregator.Aggregator
	Registry    *routeregistry.Registry
	Breaker     *breaker.Breaker
	MultiAuth   *multiauth.Manager
	AuthConfig  AuthConfig
	HTTPClient  *http.Client
	RetryPolicy retry.Policy
	Telemetry   Telemetry

	// Failover enables trying the next eligible instance after retries
	// against the first chosen one are exhausted (or its circuit refuses
	// the call), per §4.11's optional multi-instance failover enhancement.
	Failover bool
}

func errorResult(code, message string) CallToolResult {
	return CallToolResult{IsError: true, Content: []Content{{Type: "error", Error: message, Text: code}}}
}

func delegationResult(d *multiauth.Delegation) CallToolResult {
	return CallToolResult{IsError: false, Content: []Content{{Type: "oauth_delegation", Delegation: d}}}
}

// resolveName maps an aggregated name to (serverID, originalName), falling
// back to splitting on the first '.' when the aggregator has no mapping
// (e.g. a server not yet rediscovered after reload).
func resolveName(agg *aggregator.Aggregator, name string) (serverID, original string, ok bool) {
	if mapping, found := agg.ResolveTool(name); found {
		return mapping.ServerID, mapping.OriginalName, true
	}
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

func resolveResourceURI(agg *aggregator.Aggregator, uri string) (serverID, original string, ok bool) {
	if mapping, found := agg.ResolveResource(uri); found {
		return mapping.ServerID, mapping.OriginalURI, true
	}
	idx := strings.Index(uri, ".")
	if idx <= 0 || idx == len(uri)-1 {
		return "", "", false
	}
	return uri[:idx], uri[idx+1:], true
}

// Call resolves, authorizes, and forwards a tool invocation.
func (r *Router) Call(ctx context.Context, req CallToolRequest, clientToken string) CallToolResult {
	serverID, original, ok := resolveName(r.Aggregator, req.Name)
	if !ok {
		return errorResult(gwerrors.CodeNoRoute, "no route")
	}

	return r.forward(ctx, serverID, clientToken, "/mcp/tools/call", map[string]any{
		"name":      original,
		"arguments": req.Arguments,
	})
}

// Read resolves, authorizes, and forwards a resource read.
func (r *Router) Read(ctx context.Context, req ReadResourceRequest, clientToken string) ReadResourceResult {
	serverID, original, ok := resolveResourceURI(r.Aggregator, req.URI)
	if !ok {
		return ReadResourceResult{IsError: true, Content: []Content{{Type: "error", Text: gwerrors.CodeNoRoute, Error: "no route"}}}
	}

	result := r.forward(ctx, serverID, clientToken, "/mcp/resources/read", map[string]any{"uri": original})
	return ReadResourceResult(result)
}

func (r *Router) forward(ctx context.Context, serverID, clientToken, path string, body map[string]any) CallToolResult {
	auth := r.AuthConfig(serverID)

	prepared, err := r.MultiAuth.PrepareHeaders(ctx, serverID, clientToken, auth)
	if err != nil {
		return errorResult(gwerrors.CodeInvalidClientToken, err.Error())
	}
	if prepared.Delegation != nil {
		return delegationResult(prepared.Delegation)
	}

	instance, ok := r.Registry.Pick(serverID)
	if !ok {
		return errorResult(gwerrors.CodeNoHealthyInstance, "no healthy instance")
	}

	result, err := r.callInstance(ctx, serverID, instance, path, body, prepared.Headers)
	if err == nil {
		return result
	}

	circuitOpen := errors.Is(err, breaker.ErrCircuitOpen)
	if r.Failover && (circuitOpen || gwerrors.Retriable(err, r.RetryPolicy.RetryOn...)) {
		r.Registry.Refresh()
		if nextInstance, ok := r.Registry.Pick(serverID); ok && nextInstance.ID != instance.ID {
			if result2, err2 := r.callInstance(ctx, serverID, nextInstance, path, body, prepared.Headers); err2 == nil {
				return result2
			}
		}
	}

	if circuitOpen {
		remaining := r.Breaker.RecoveryRemaining(breakerKey(serverID, instance.ID))
		return CallToolResult{IsError: true, Content: []Content{{
			Type:         "error",
			Error:        "circuit_open",
			RetryAfterMs: remaining.Milliseconds(),
		}}}
	}
	return errorResult(gwerrors.CodeNetwork, redactError(err))
}

func breakerKey(serverID, instanceID string) string { return serverID + "::" + instanceID }

func (r *Router) callInstance(ctx context.Context, serverID string, instance routeregistry.Instance, path string, body map[string]any, headers map[string]string) (CallToolResult, error) {
	key := breakerKey(serverID, instance.ID)

	raw, err := r.Breaker.Execute(key, func() (any, error) {
		started := time.Now()
		resp, rerr := retry.Do(ctx, r.RetryPolicy, func(ctx context.Context, attempt int) (any, error) {
			if r.Telemetry != nil {
				r.Telemetry.RetryAttempt(ctx, serverID, attempt)
			}
			return r.doHTTP(ctx, instance.URL+path, body, headers)
		})
		latencyMs := float64(time.Since(started).Milliseconds())

		if rerr != nil {
			r.Registry.MarkFailure(serverID, instance.ID)
			return nil, rerr
		}
		r.Registry.MarkSuccess(serverID, instance.ID, latencyMs)
		return resp, nil
	})
	if err != nil {
		return CallToolResult{}, err
	}

	return decodeResult(raw)
}

func decodeResult(raw any) (CallToolResult, error) {
	b, ok := raw.([]byte)
	if !ok {
		return CallToolResult{}, fmt.Errorf("router: unexpected response type")
	}
	var result CallToolResult
	if err := json.Unmarshal(b, &result); err != nil {
		return CallToolResult{IsError: false, Content: []Content{{Type: "text", Text: string(b)}}}, nil
	}
	return result, nil
}

func (r *Router) doHTTP(ctx context.Context, url string, body map[string]any, headers map[string]string) (any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.Validation(gwerrors.CodeSchema, "marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Transport(gwerrors.CodeNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, gwerrors.Transport(gwerrors.CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.Transport(gwerrors.CodeNetwork, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := r.parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retry.WithRetryAfter(gwerrors.Transport(gwerrors.CodeHTTP429, "rate limited", nil), delay)
	case resp.StatusCode >= 500:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			delay := r.parseRetryAfter(ra)
			return nil, retry.WithRetryAfter(gwerrors.Transport(gwerrors.CodeHTTP5xx, fmt.Sprintf("backend returned %d", resp.StatusCode), nil), delay)
		}
		return nil, gwerrors.Transport(gwerrors.CodeHTTP5xx, fmt.Sprintf("backend returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 300:
		return nil, gwerrors.Validation(gwerrors.CodeSchema, fmt.Sprintf("backend returned %d", resp.StatusCode))
	}
	return respBody, nil
}

// parseRetryAfter parses a Retry-After header in either of its two HTTP
// forms — an integer number of seconds, or an HTTP-date — and clamps the
// result to the configured retry policy's MaxMs so a misbehaving backend
// can't stall a caller past the policy's own ceiling.
func (r *Router) parseRetryAfter(header string) time.Duration {
	delay := time.Second
	switch {
	case header == "":
	case isDigits(header):
		if seconds, err := time.ParseDuration(header + "s"); err == nil {
			delay = seconds
		}
	default:
		if when, err := http.ParseTime(header); err == nil {
			if until := time.Until(when); until > 0 {
				delay = until
			} else {
				delay = 0
			}
		}
	}

	if max := time.Duration(r.RetryPolicy.MaxMs) * time.Millisecond; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// redactError strips Authorization/Cookie-bearing fragments from an error
// before it is ever surfaced to a caller or logged, using the same
// redaction rules pkg/log applies to ambient logs.
func redactError(err error) string {
	return log.Redact(err.Error())
}

// ListTools returns the current aggregated tool set.
func (r *Router) ListTools() []any {
	tools := r.Aggregator.AllTools()
	out := make([]any, len(tools))
	for i, t := range tools {
		out[i] = t
	}
	return out
}

// ListResources returns the current aggregated resource set.
func (r *Router) ListResources() []any {
	resources := r.Aggregator.AllResources()
	out := make([]any, len(resources))
	for i, res := range resources {
		out[i] = res
	}
	return out
}

// Subscribe is a placeholder operation surface for resource-change
// subscriptions; forwarding subscriptions to backends is out of scope
// (see the spec's non-goals around push notifications), so this only
// checks that uri resolves to a known server: it returns nil when it does
// and a no_route error otherwise, and forwards nothing.
func (r *Router) Subscribe(ctx context.Context, uri string) error {
	if _, _, ok := resolveResourceURI(r.Aggregator, uri); !ok {
		return gwerrors.Routing(gwerrors.CodeNoRoute, "no route")
	}
	return nil
}
