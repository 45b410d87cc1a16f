package authprovider

import (
	"context"
	"fmt"

	oauth "github.com/docker/mcp-gateway-oauth-helpers"

	"github.com/nullrunner/mcp-gateway/pkg/log"
)

// DynamicRegistration is the outcome of an RFC 7591 Dynamic Client
// Registration performed against a provider discovered per RFC 9728/RFC
// 8414 from a bare resource URL.
type DynamicRegistration struct {
	ClientID      string
	AuthEndpoint  string
	TokenEndpoint string
	Scopes        []string
}

// DiscoverAndRegister runs OAuth discovery against resourceURL and registers
// a fresh client, for a Custom-OIDC server whose AuthConfig carries no
// static client_id. Grounded on the teacher's
// pkg/oauth/dcr.Manager.PerformDiscoveryAndRegistration, narrowed to "used
// only when a provider needs it" rather than the teacher's always-DCR
// design, and with resourceURL taken directly from the server's configured
// endpoint instead of the teacher's catalog lookup.
func DiscoverAndRegister(ctx context.Context, serverName, resourceURL, redirectURI string, requestedScopes []string) (DynamicRegistration, error) {
	ctx = oauth.WithLogger(ctx, dcrLogger{})

	discovery, err := oauth.DiscoverOAuthRequirements(ctx, resourceURL)
	if err != nil {
		return DynamicRegistration{}, fmt.Errorf("authprovider: discover oauth requirements for %s: %w", serverName, err)
	}

	if merged := mergeScopes(discovery.Scopes, requestedScopes); len(merged) > len(discovery.Scopes) {
		discovery.Scopes = merged
	}

	creds, err := oauth.PerformDCR(ctx, discovery, serverName, redirectURI)
	if err != nil {
		return DynamicRegistration{}, fmt.Errorf("authprovider: dynamic client registration for %s: %w", serverName, err)
	}

	return DynamicRegistration{
		ClientID:      creds.ClientID,
		AuthEndpoint:  creds.AuthorizationEndpoint,
		TokenEndpoint: creds.TokenEndpoint,
		Scopes:        discovery.Scopes,
	}, nil
}

func mergeScopes(required, extra []string) []string {
	merged := make([]string, len(required))
	copy(merged, required)
	for _, s := range extra {
		found := false
		for _, have := range merged {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, s)
		}
	}
	return merged
}

type dcrLogger struct{}

func (dcrLogger) Infof(format string, args ...any)  { log.Logf(format, args...) }
func (dcrLogger) Warnf(format string, args ...any)  { log.Warnf("! "+format, args...) }
func (dcrLogger) Debugf(format string, args ...any) { log.Debugf(format, args...) }
