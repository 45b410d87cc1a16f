package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchemaRejectsWrongType(t *testing.T) {
	decoded := map[string]any{
		"hosting": map[string]any{"port": "not-a-number"},
	}
	err := validateSchema(decoded)
	require.Error(t, err)
}

func TestValidateSchemaRejectsUnknownLBEnum(t *testing.T) {
	decoded := map[string]any{
		"routing": map[string]any{"lb": "least_connections"},
	}
	err := validateSchema(decoded)
	require.Error(t, err)
}

func TestValidateCrossFieldRequiresAuthConfig(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{
		ID:           "search",
		Type:         ServerTypeDocker,
		AuthStrategy: AuthDelegateOAuth,
	}}
	err := validateCrossField(cfg)
	require.Error(t, err)
}

func TestValidateCrossFieldAllowsBypassAuthWithoutConfig(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{
		ID:           "search",
		Type:         ServerTypeDocker,
		AuthStrategy: AuthBypassAuth,
	}}
	assert.NoError(t, validateCrossField(cfg))
}

func TestValidateCrossFieldAllowsLocalWithoutConfig(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{
		ID:           "search",
		Type:         ServerTypeLocal,
		AuthStrategy: AuthDelegateOAuth,
	}}
	assert.NoError(t, validateCrossField(cfg))
}

func TestValidateEndToEnd(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{
		ID:           "search",
		Type:         ServerTypeLocal,
		AuthStrategy: AuthBypassAuth,
		Endpoint:     "http://127.0.0.1:4001",
	}}
	decoded := map[string]any{
		"servers": []any{
			map[string]any{"id": "search", "type": "local", "auth_strategy": "bypass_auth"},
		},
	}
	require.NoError(t, Validate(context.Background(), decoded, cfg))
}
