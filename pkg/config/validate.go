package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

// schemaDoc is the JSON-Schema subset (type/required/enum/items/format/
// nested properties) this gateway's config must satisfy. Compiled once at
// package init since the schema itself never changes at runtime.
const schemaDoc = `{
  "type": "object",
  "properties": {
    "hosting": {
      "type": "object",
      "properties": {
        "port": {"type": "integer"},
        "platform": {"type": "string"}
      }
    },
    "routing": {
      "type": "object",
      "properties": {
        "lb": {"type": "string", "enum": ["round_robin", "weighted", "health"]}
      }
    },
    "servers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "auth_strategy"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string", "enum": ["git", "npm", "pypi", "docker", "local"]},
          "auth_strategy": {"type": "string", "enum": ["master_oauth", "delegate_oauth", "bypass_auth", "proxy_oauth"]},
          "endpoint": {"type": "string", "format": "url"},
          "port": {"type": "integer"}
        }
      }
    }
  }
}`

var compiledSchema *jsonschema.Resolved

func init() {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(schemaDoc), &schema); err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid: %v", err))
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema failed to resolve: %v", err))
	}
	compiledSchema = resolved
}

// validateSchema checks the decoded document against the embedded
// JSON-Schema subset, independent of the typed cross-field rules below.
func validateSchema(decoded any) error {
	if err := compiledSchema.Validate(decoded); err != nil {
		return gwerrors.Validation(gwerrors.CodeSchema, fmt.Sprintf("config failed schema validation: %v", err))
	}
	return nil
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateServerConfig, ServerConfig{})
	return v
}

// validateServerConfig enforces §3's cross-field invariant: if
// AuthStrategy isn't bypass_auth and the server isn't local, AuthConfig
// must be present (unless the strategy is master_oauth, which may rely on
// the shared MasterOAuth config instead).
func validateServerConfig(sl validator.StructLevel) {
	s := sl.Current().Interface().(ServerConfig)
	if s.AuthStrategy == AuthBypassAuth || s.Type == ServerTypeLocal || s.AuthStrategy == AuthMasterOAuth {
		return
	}
	if s.AuthConfig == nil {
		sl.ReportError(s.AuthConfig, "AuthConfig", "AuthConfig", "required_for_auth_strategy", "")
	}
}

// validateCrossField runs the typed struct-tag and cross-field rules over
// the fully decoded MasterConfig, after schema validation has already
// rejected structurally malformed documents.
func validateCrossField(cfg MasterConfig) error {
	if err := structValidator.Struct(cfg); err != nil {
		return gwerrors.Validation(gwerrors.CodeSchema, fmt.Sprintf("config failed validation: %v", err))
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if seen[s.ID] {
			return gwerrors.Validation(gwerrors.CodeSchema, fmt.Sprintf("duplicate server id %q", s.ID))
		}
		seen[s.ID] = true
	}
	return nil
}

// Validate runs both the schema and cross-field validation passes. decoded
// is the generic document (pre-struct-decode); cfg is the typed result.
func Validate(ctx context.Context, decoded any, cfg MasterConfig) error {
	if err := validateSchema(decoded); err != nil {
		return err
	}
	return validateCrossField(cfg)
}
