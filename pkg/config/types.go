// Package config implements the layered configuration lifecycle (C12):
// defaults → files → env vars → CLI overrides, schema + cross-field
// validation, secret placeholder resolution, and a two-phase hot-reload
// apply that never leaves subscribers running against a half-applied
// snapshot.
package config

import "time"

// ServerType enumerates how a backend's source is described.
type ServerType string

const (
	ServerTypeGit    ServerType = "git"
	ServerTypeNPM    ServerType = "npm"
	ServerTypePyPI   ServerType = "pypi"
	ServerTypeDocker ServerType = "docker"
	ServerTypeLocal  ServerType = "local"
)

// AuthStrategy mirrors multiauth.Strategy at the config layer so this
// package has no import-time dependency on pkg/multiauth.
type AuthStrategy string

const (
	AuthMasterOAuth   AuthStrategy = "master_oauth"
	AuthDelegateOAuth AuthStrategy = "delegate_oauth"
	AuthBypassAuth    AuthStrategy = "bypass_auth"
	AuthProxyOAuth    AuthStrategy = "proxy_oauth"
)

// LBStrategy mirrors loadbalancer.Strategy at the config layer.
type LBStrategy string

const (
	LBRoundRobin LBStrategy = "round_robin"
	LBWeighted   LBStrategy = "weighted"
	LBHealth     LBStrategy = "health"
)

// AuthConfig carries a server's OAuth wiring when AuthStrategy requires it.
type AuthConfig struct {
	JWKSURL        string   `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
	Audience       string   `yaml:"audience,omitempty" json:"audience,omitempty"`
	ClientID       string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret   string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	AuthEndpoint   string   `yaml:"authorization_endpoint,omitempty" json:"authorization_endpoint,omitempty"`
	TokenEndpoint  string   `yaml:"token_endpoint,omitempty" json:"token_endpoint,omitempty"`
	UserInfoURL    string   `yaml:"userinfo_endpoint,omitempty" json:"userinfo_endpoint,omitempty"`
	RequiredScopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Fallback       string   `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// ServerConfig is one backend's full configuration.
type ServerConfig struct {
	ID           string       `yaml:"id" json:"id" validate:"required"`
	Type         ServerType   `yaml:"type" json:"type" validate:"required,oneof=git npm pypi docker local"`
	Source       string       `yaml:"source" json:"source"`
	AuthStrategy AuthStrategy `yaml:"auth_strategy" json:"auth_strategy" validate:"required,oneof=master_oauth delegate_oauth bypass_auth proxy_oauth"`
	AuthConfig   *AuthConfig  `yaml:"auth_config,omitempty" json:"auth_config,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Port         int               `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,gt=0"`
	Endpoint     string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Weight       int               `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// CircuitBreakerConfig mirrors breaker.Policy at the config layer.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	RecoveryMs       int `yaml:"recovery_ms" json:"recovery_ms"`
}

// RetryConfig mirrors retry.Policy at the config layer.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
	BaseMs     int64    `yaml:"base_ms" json:"base_ms"`
	MaxMs      int64    `yaml:"max_ms" json:"max_ms"`
	Factor     float64  `yaml:"factor" json:"factor"`
	Jitter     bool     `yaml:"jitter" json:"jitter"`
	TimeoutMs  int64    `yaml:"timeout_ms" json:"timeout_ms"`
	RetryOn    []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
}

// RoutingConfig configures C3/C4/C5's policies for every server.
type RoutingConfig struct {
	LB             LBStrategy           `yaml:"lb" json:"lb" validate:"omitempty,oneof=round_robin weighted health"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Failover       bool                 `yaml:"failover" json:"failover"`
	MaxFanout      int                  `yaml:"max_fanout" json:"max_fanout"`
}

// HostingConfig configures the transport layer's listen address. Changing
// it requires a process restart (§4.12's hot-reload classification).
type HostingConfig struct {
	Port     int    `yaml:"port" json:"port" validate:"omitempty,gt=0"`
	Platform string `yaml:"platform" json:"platform"`
}

// LoggingConfig configures pkg/log's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
}

// SecurityConfig configures secret resolution and signature verification.
type SecurityConfig struct {
	ConfigKeyEnv     string `yaml:"config_key_env" json:"config_key_env"`
	VerifySignatures bool   `yaml:"verify_signatures" json:"verify_signatures"`
}

// DelegationConfig configures the default OAuth delegation redirect target.
type DelegationConfig struct {
	RedirectURI string `yaml:"redirect_uri" json:"redirect_uri"`
}

// MasterOAuthConfig is the shared OAuth endpoint used by servers on the
// master_oauth strategy.
type MasterOAuthConfig struct {
	AuthorizationEndpoint string `yaml:"authorization_endpoint" json:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint" json:"token_endpoint"`
	JWKSURL               string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
}

// MasterConfig is the complete, validated configuration snapshot.
type MasterConfig struct {
	MasterOAuth MasterOAuthConfig `yaml:"master_oauth" json:"master_oauth"`
	Servers     []ServerConfig    `yaml:"servers" json:"servers" validate:"dive"`
	Delegation  DelegationConfig  `yaml:"delegation" json:"delegation"`
	Hosting     HostingConfig     `yaml:"hosting" json:"hosting"`
	Routing     RoutingConfig     `yaml:"routing" json:"routing"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Security    SecurityConfig    `yaml:"security" json:"security"`

	// Environment is the resolved deployment environment
	// (development/test/staging/production), derived from MASTER_ENV/NODE_ENV.
	Environment string `yaml:"-" json:"-"`

	loadedAt time.Time
}

// LoadedAt reports when this snapshot was produced.
func (c MasterConfig) LoadedAt() time.Time { return c.loadedAt }

// Default returns the built-in baseline snapshot, the lowest-precedence
// layer of the load cascade.
func Default() MasterConfig {
	return MasterConfig{
		Hosting: HostingConfig{Port: 8080, Platform: "filesystem"},
		Routing: RoutingConfig{
			LB: LBRoundRobin,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				RecoveryMs:       30_000,
			},
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseMs:     100,
				MaxMs:      2000,
				Factor:     2.0,
				Jitter:     true,
				TimeoutMs:  5000,
			},
			Failover:  true,
			MaxFanout: 16,
		},
		Logging:  LoggingConfig{Level: "info"},
		Security: SecurityConfig{ConfigKeyEnv: "TOKEN_ENC_KEY"},
	}
}

// Find returns the ServerConfig with the given ID.
func (c MasterConfig) Find(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// ServerIDs returns every configured server ID.
func (c MasterConfig) ServerIDs() []string {
	ids := make([]string, len(c.Servers))
	for i, s := range c.Servers {
		ids[i] = s.ID
	}
	return ids
}
