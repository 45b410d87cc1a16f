// Package container implements the dependency container (C13): it owns the
// config snapshot, the aggregator, route registry, breaker, router,
// multi-auth manager, and token store, wiring them in the spec's dependency
// order (crypto ← token store ← {breaker, retry, loadbalancer} ← route
// registry ← aggregator ← provider adapters ← multi-auth ← {flow
// controller, router} ← config manager ← container) and atomically
// swapping the whole subgraph under a write lock on hot-reload.
package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/aggregator"
	"github.com/nullrunner/mcp-gateway/pkg/authprovider"
	"github.com/nullrunner/mcp-gateway/pkg/breaker"
	"github.com/nullrunner/mcp-gateway/pkg/config"
	"github.com/nullrunner/mcp-gateway/pkg/loadbalancer"
	"github.com/nullrunner/mcp-gateway/pkg/log"
	"github.com/nullrunner/mcp-gateway/pkg/multiauth"
	"github.com/nullrunner/mcp-gateway/pkg/oauthflow"
	"github.com/nullrunner/mcp-gateway/pkg/retry"
	"github.com/nullrunner/mcp-gateway/pkg/router"
	"github.com/nullrunner/mcp-gateway/pkg/routeregistry"
	"github.com/nullrunner/mcp-gateway/pkg/telemetry"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

// subgraph is everything the config-dependent wiring produces: every
// server added, removed, or reconfigured in a reload gets a brand new
// subgraph, built while the previous one keeps serving in-flight requests.
type subgraph struct {
	cfg         config.MasterConfig
	aggregator  *aggregator.Aggregator
	registry    *routeregistry.Registry
	breaker     *breaker.Breaker
	router      *router.Router
	multiAuth   *multiauth.Manager
	flow        *oauthflow.Controller
	authConfigs map[string]multiauth.ServerAuth
}

// Container is the top-level object a process constructs once at startup.
// Store and Telemetry are shared across every reload (persisted identity
// independent of config); everything else lives inside the swapped
// subgraph.
type Container struct {
	mu       sync.RWMutex
	current  *subgraph
	pending  *subgraph
	store    *tokenstore.Store
	recorder *telemetry.Recorder

	httpClient *http.Client
}

// Options configures New.
type Options struct {
	Store      *tokenstore.Store
	Recorder   *telemetry.Recorder
	HTTPClient *http.Client
}

// New builds a Container from its very first loaded configuration.
func New(ctx context.Context, cfg config.MasterConfig, opts Options) (*Container, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("container: a token store is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Recorder == nil {
		opts.Recorder = telemetry.NewRecorder()
	}

	c := &Container{store: opts.Store, recorder: opts.Recorder, httpClient: opts.HTTPClient}

	sg, err := c.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.current = sg
	return c, nil
}

// build constructs a brand new subgraph for cfg: a fresh breaker, registry,
// picker, aggregator, multi-auth manager, and router, then runs discovery
// against every configured server.
func (c *Container) build(ctx context.Context, cfg config.MasterConfig) (*subgraph, error) {
	picker := loadbalancer.New(toLBStrategy(cfg.Routing.LB))

	br := breaker.New(breaker.Policy{
		FailureThreshold: cfg.Routing.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.Routing.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.Routing.CircuitBreaker.RecoveryMs) * time.Millisecond,
	})
	br.OnTransition = func(key string, from, to breaker.State) {
		c.recorder.CircuitTransition(context.Background(), key, from.String(), to.String())
	}

	registry := routeregistry.New(br, picker)
	for _, s := range cfg.Servers {
		registry.UpdateServers(s.ID, synthesizeInstances(s))
	}

	agg := aggregator.New(c.httpClient, cfg.Routing.MaxFanout)

	authConfigs := make(map[string]multiauth.ServerAuth, len(cfg.Servers))
	providers := make(map[string]authprovider.Provider, len(cfg.Servers))
	for _, s := range cfg.Servers {
		sa, provider := toServerAuth(ctx, s, cfg.MasterOAuth, cfg.Delegation.RedirectURI)
		authConfigs[s.ID] = sa
		if provider != nil {
			providers[s.ID] = provider
		}
	}

	multiAuthMgr := multiauth.New(c.store)
	flow := oauthflow.New(cfg.Delegation.RedirectURI, c.httpClient)

	endpoints := make(map[string]string, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if s.Endpoint != "" {
			endpoints[s.ID] = s.Endpoint
		}
	}

	// Discovery runs unauthenticated as this server, not on behalf of any
	// particular client: delegate_oauth servers (which need a real client
	// token to even start a flow) are discovered with no auth headers
	// rather than spuriously registering a pending delegation for an
	// empty client token.
	authResolver := func(serverID string) (map[string]string, error) {
		sa, ok := authConfigs[serverID]
		if !ok || sa.Strategy == multiauth.StrategyDelegateOAuth {
			return nil, nil
		}
		result, err := multiAuthMgr.PrepareHeaders(ctx, serverID, "", sa)
		if err != nil {
			return nil, err
		}
		return result.Headers, nil
	}

	if err := agg.Discover(ctx, endpoints, authResolver); err != nil {
		log.Warnf("container: discovery completed with errors: %v", err)
	}
	for serverID := range endpoints {
		c.recorder.DiscoveryFanout(ctx, serverID, 1)
	}

	rtr := &router.Router{
		Aggregator: agg,
		Registry:   registry,
		Breaker:    br,
		MultiAuth:  multiAuthMgr,
		AuthConfig: func(serverID string) multiauth.ServerAuth { return authConfigs[serverID] },
		HTTPClient: c.httpClient,
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Routing.Retry.MaxRetries + 1,
			BaseMs:      cfg.Routing.Retry.BaseMs,
			Factor:      cfg.Routing.Retry.Factor,
			MaxMs:       cfg.Routing.Retry.MaxMs,
			Jitter:      cfg.Routing.Retry.Jitter,
			TimeoutMs:   cfg.Routing.Retry.TimeoutMs,
			RetryOn:     cfg.Routing.Retry.RetryOn,
		},
		Telemetry: telemetryAdapter{c.recorder},
		Failover:  cfg.Routing.Failover,
	}

	return &subgraph{
		cfg:         cfg,
		aggregator:  agg,
		registry:    registry,
		breaker:     br,
		router:      rtr,
		multiAuth:   multiAuthMgr,
		flow:        flow,
		authConfigs: authConfigs,
	}, nil
}

type telemetryAdapter struct{ r *telemetry.Recorder }

func (t telemetryAdapter) RetryAttempt(ctx context.Context, serverID string, attempt int) {
	t.r.RetryAttempt(ctx, serverID, attempt)
}

func toLBStrategy(s config.LBStrategy) loadbalancer.Strategy {
	switch s {
	case config.LBWeighted:
		return loadbalancer.StrategyWeighted
	case config.LBHealth:
		return loadbalancer.StrategyHealth
	default:
		return loadbalancer.StrategyRoundRobin
	}
}

func toMultiAuthStrategy(s config.AuthStrategy) multiauth.Strategy {
	switch s {
	case config.AuthDelegateOAuth:
		return multiauth.StrategyDelegateOAuth
	case config.AuthProxyOAuth:
		return multiauth.StrategyProxyOAuth
	case config.AuthMasterOAuth:
		return multiauth.StrategyMasterOAuth
	default:
		return multiauth.StrategyBypassAuth
	}
}

// synthesizeInstances builds a server's instance list: always a single
// default instance synthesized from Endpoint (per §3's invariant), with
// the server ID as instance ID; multiple instances per server are not
// read from config.
func synthesizeInstances(s config.ServerConfig) []routeregistry.Instance {
	weight := s.Weight
	if weight <= 0 {
		weight = 1
	}
	return []routeregistry.Instance{{
		ID:          s.ID,
		URL:         s.Endpoint,
		Weight:      weight,
		HealthScore: 100,
	}}
}

// toServerAuth converts a server's config-layer auth description into the
// runtime multiauth.ServerAuth, constructing a provider adapter when the
// server's AuthConfig names a concrete OAuth provider kind. A Custom-OIDC
// server configured with no static client_id is registered on the fly via
// RFC 7591 Dynamic Client Registration (discovered per RFC 9728/RFC 8414
// against the server's own endpoint); a server that cannot be discovered
// this way is left unregistrable rather than failing the whole reload.
func toServerAuth(ctx context.Context, s config.ServerConfig, master config.MasterOAuthConfig, redirectURI string) (multiauth.ServerAuth, authprovider.Provider) {
	sa := multiauth.ServerAuth{Strategy: toMultiAuthStrategy(s.AuthStrategy)}

	if s.AuthStrategy == config.AuthMasterOAuth {
		sa.AuthEndpoint = master.AuthorizationEndpoint
		sa.TokenEndpoint = master.TokenEndpoint
		sa.JWKSURL = master.JWKSURL
		return sa, nil
	}

	if s.AuthConfig == nil {
		return sa, nil
	}

	authConfig := *s.AuthConfig
	if authConfig.JWKSURL != "" && authConfig.ClientID == "" && s.Endpoint != "" {
		reg, err := authprovider.DiscoverAndRegister(ctx, s.ID, s.Endpoint, redirectURI, authConfig.RequiredScopes)
		if err != nil {
			log.Warnf("container: %s: dynamic client registration unavailable, leaving unregistrable: %v", s.ID, err)
		} else {
			authConfig.ClientID = reg.ClientID
			if authConfig.AuthEndpoint == "" {
				authConfig.AuthEndpoint = reg.AuthEndpoint
			}
			if authConfig.TokenEndpoint == "" {
				authConfig.TokenEndpoint = reg.TokenEndpoint
			}
			authConfig.RequiredScopes = reg.Scopes
		}
	}

	sa.JWKSURL = authConfig.JWKSURL
	sa.Audience = authConfig.Audience
	sa.ClientID = authConfig.ClientID
	sa.AuthEndpoint = authConfig.AuthEndpoint
	sa.TokenEndpoint = authConfig.TokenEndpoint
	sa.RequiredScopes = authConfig.RequiredScopes
	if authConfig.Fallback == "fail" {
		sa.Fallback = multiauth.ProxyFallbackFail
	} else {
		sa.Fallback = multiauth.ProxyFallbackPassthrough
	}

	providerCfg := authprovider.Config{
		ClientID:     authConfig.ClientID,
		ClientSecret: authConfig.ClientSecret,
		TokenURL:     authConfig.TokenEndpoint,
		UserInfoURL:  authConfig.UserInfoURL,
		JWKSURL:      authConfig.JWKSURL,
	}
	var provider authprovider.Provider
	switch {
	case authConfig.UserInfoURL != "" && authConfig.JWKSURL == "":
		provider = authprovider.NewGitHubProvider(providerCfg, nil)
	case authConfig.JWKSURL != "" && authConfig.Audience == "accounts.google.com":
		provider = authprovider.NewGoogleProvider(providerCfg, nil)
	case authConfig.JWKSURL != "":
		provider = authprovider.NewCustomOIDCProvider(providerCfg, nil)
	}
	sa.Provider = provider
	return sa, provider
}

// Reload builds a fresh subgraph from the already-loaded cfg and atomically
// swaps it in, per §5's "swap under a single write lock, in-flight
// requests continue against the previous instances" rule.
func (c *Container) Reload(ctx context.Context, cfg config.MasterConfig) error {
	sg, err := c.build(ctx, cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = sg
	c.mu.Unlock()
	return nil
}

// Prepare implements config.Subscriber: it builds the candidate subgraph
// ahead of time (discovery included) so a failure here vetoes the config
// apply before anything observable changes, per §4.12's two-phase contract.
func (c *Container) Prepare(next, _ config.MasterConfig) error {
	sg, err := c.build(context.Background(), next)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = sg
	c.mu.Unlock()
	return nil
}

// Commit implements config.Subscriber: it swaps in the subgraph Prepare
// already built, under the same write lock Reload uses.
func (c *Container) Commit(_ config.MasterConfig) {
	c.mu.Lock()
	if c.pending != nil {
		c.current = c.pending
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Container) snapshot() *subgraph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Router returns the current subgraph's router.
func (c *Container) Router() *router.Router { return c.snapshot().router }

// Flow returns the current subgraph's OAuth flow controller.
func (c *Container) Flow() *oauthflow.Controller { return c.snapshot().flow }

// MultiAuth returns the current subgraph's multi-auth manager (the
// oauthflow.TokenStorer the HTTP callback handler persists exchanged
// tokens through).
func (c *Container) MultiAuth() *multiauth.Manager { return c.snapshot().multiAuth }

// ServerAuth resolves one server's current auth configuration, e.g. to
// build an /oauth/authorize redirect for a delegate_oauth server.
func (c *Container) ServerAuth(serverID string) (multiauth.ServerAuth, bool) {
	sg := c.snapshot()
	sa, ok := sg.authConfigs[serverID]
	return sa, ok
}

// Config returns the currently active configuration snapshot.
func (c *Container) Config() config.MasterConfig { return c.snapshot().cfg }

// Store returns the shared token store.
func (c *Container) Store() *tokenstore.Store { return c.store }
