package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

// Source describes where the candidate document came from, lowest
// precedence first, for error messages and audit logging.
type Source struct {
	Dir     string
	EnvName string
	Args    []string
	Environ []string
}

// detectEnvironment resolves MASTER_ENV then NODE_ENV into one of the four
// recognized deployment environments, defaulting to development.
func detectEnvironment(environ []string) string {
	lookup := func(name string) (string, bool) {
		prefix := name + "="
		for _, kv := range environ {
			if strings.HasPrefix(kv, prefix) {
				return strings.TrimPrefix(kv, prefix), true
			}
		}
		return "", false
	}

	raw, ok := lookup("MASTER_ENV")
	if !ok {
		raw, ok = lookup("NODE_ENV")
	}
	if !ok {
		return "development"
	}
	switch strings.ToLower(raw) {
	case "development", "test", "staging", "production":
		return strings.ToLower(raw)
	default:
		return "development"
	}
}

// Load runs the full cascade described in §4.12: built-in defaults →
// config/default.{json,yaml} → config/{env}.{json,yaml} → env vars → CLI
// overrides, then resolves secret placeholders and validates the result.
func Load(ctx context.Context, src Source) (MasterConfig, error) {
	env := detectEnvironment(src.Environ)

	doc, err := toYAMLDoc(Default())
	if err != nil {
		return MasterConfig{}, err
	}

	for _, name := range []string{"default", env} {
		merged, err := mergeFile(doc, src.Dir, name)
		if err != nil {
			return MasterConfig{}, err
		}
		doc = merged
	}

	doc, err = applyEnvOverrides(doc, src.Environ)
	if err != nil {
		return MasterConfig{}, err
	}

	doc, err = applyCLIOverrides(doc, src.Args)
	if err != nil {
		return MasterConfig{}, err
	}

	decoded, err := decodeGeneric(doc)
	if err != nil {
		return MasterConfig{}, err
	}

	production := env == "production"
	decryptKey, err := configDecryptKey(decoded, src.Environ)
	if err != nil {
		return MasterConfig{}, err
	}

	resolved, err := resolveSecretsDeep(decoded, production, decryptKey)
	if err != nil {
		return MasterConfig{}, err
	}

	cfg, err := decodeTyped(resolved)
	if err != nil {
		return MasterConfig{}, err
	}
	cfg.Environment = env
	cfg.loadedAt = time.Now()

	if err := Validate(ctx, resolved, cfg); err != nil {
		return MasterConfig{}, err
	}
	if err := validateServerSources(ctx, cfg, nil, cfg.Security.VerifySignatures); err != nil {
		return MasterConfig{}, err
	}

	return cfg, nil
}

// toYAMLDoc marshals a MasterConfig back into a YAML document string so it
// can be merged against file/env/CLI layers through the same yqlib
// primitive used for overrides.
func toYAMLDoc(cfg MasterConfig) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", gwerrors.Config(gwerrors.CodeSchema, "failed to marshal default config", err)
	}
	return string(b), nil
}

// mergeFile reads config/<name>.{yaml,yml,json} from dir (if present) and
// deep-merges it on top of doc. A missing file is not an error — only
// config/default and config/{env} are consulted, and neither is required.
func mergeFile(doc, dir, name string) (string, error) {
	if dir == "" {
		return doc, nil
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(dir, name+ext)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var layer map[string]any
		if ext == ".json" {
			if err := json.Unmarshal(b, &layer); err != nil {
				return "", gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("failed to parse %s", path), err)
			}
		} else {
			if err := yaml.Unmarshal(b, &layer); err != nil {
				return "", gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("failed to parse %s", path), err)
			}
		}
		return deepMergeYAML(doc, layer)
	}
	return doc, nil
}

// deepMergeYAML merges layer on top of doc: objects merge key-by-key,
// recursively; anything else (including arrays) replaces the prior value,
// per §4.12's "arrays replace by default" rule.
func deepMergeYAML(doc string, layer map[string]any) (string, error) {
	var base map[string]any
	if err := yaml.Unmarshal([]byte(doc), &base); err != nil {
		return "", gwerrors.Config(gwerrors.CodeSchema, "failed to parse merge base", err)
	}
	merged := deepMerge(base, layer)
	b, err := yaml.Marshal(merged)
	if err != nil {
		return "", gwerrors.Config(gwerrors.CodeSchema, "failed to re-marshal merged config", err)
	}
	return string(b), nil
}

func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := asStringMap(existing)
			overlayMap, overlayIsMap := asStringMap(v)
			if existingIsMap && overlayIsMap {
				out[k] = deepMerge(existingMap, overlayMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// envPathMapping maps a MASTER_-prefixed env var name to its dotted config
// path ("MASTER_HOSTING_PORT" -> "hosting.port"). PORT is a special alias
// for hosting.port per §4.12.
func envPathMapping(name string) (string, bool) {
	if name == "PORT" {
		return "hosting.port", true
	}
	const prefix = "MASTER_"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	if rest == "" {
		return "", false
	}
	segments := strings.Split(rest, "_")
	for i, s := range segments {
		segments[i] = strings.ToLower(s)
	}
	return strings.Join(segments, "."), true
}

// applyEnvOverrides applies every MASTER_*/PORT env var onto doc via
// setYAMLPath, coercing each raw string into an int/bool/comma-list/string
// JSON literal before the yq assignment.
func applyEnvOverrides(doc string, environ []string) (string, error) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		path, ok := envPathMapping(name)
		if !ok {
			continue
		}
		literal := coerceScalar(value)
		merged, err := setYAMLPath(doc, dottedToYqPath(path), literal)
		if err != nil {
			return "", gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("env override %s", name), err)
		}
		doc = merged
	}
	return doc, nil
}

// applyCLIOverrides applies --dotted.path=value arguments onto doc.
func applyCLIOverrides(doc string, args []string) (string, error) {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		trimmed := strings.TrimPrefix(arg, "--")
		path, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		literal := coerceScalar(value)
		merged, err := setYAMLPath(doc, dottedToYqPath(path), literal)
		if err != nil {
			return "", gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("CLI override --%s", path), err)
		}
		doc = merged
	}
	return doc, nil
}

// coerceScalar turns a raw env/CLI string into a YAML-literal suitable for
// a yq assignment expression: ints and bools pass through bare, comma-lists
// become a flow sequence, everything else is quoted as a YAML string.
func coerceScalar(raw string) string {
	if raw == "" {
		return `""`
	}
	if _, err := strconv.Atoi(raw); err == nil {
		return raw
	}
	if raw == "true" || raw == "false" {
		return raw
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		quoted := make([]string, len(parts))
		for i, p := range parts {
			quoted[i] = strconv.Quote(strings.TrimSpace(p))
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	}
	return strconv.Quote(raw)
}

// decodeGeneric parses the merged YAML document into a generic
// map[string]any/[]any/scalar tree for schema validation and secret
// resolution, ahead of the typed decode.
func decodeGeneric(doc string) (any, error) {
	var generic any
	if err := yaml.Unmarshal([]byte(doc), &generic); err != nil {
		return nil, gwerrors.Config(gwerrors.CodeSchema, "failed to parse merged config", err)
	}
	return normalizeYAMLKeys(generic), nil
}

// normalizeYAMLKeys recursively converts map[any]any (yaml.v3's default for
// untyped maps) into map[string]any so downstream JSON-shaped validation
// and secret-walking code has one map type to handle.
func normalizeYAMLKeys(node any) any {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			v[k] = normalizeYAMLKeys(val)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLKeys(val)
		}
		return out
	case []any:
		for i, val := range v {
			v[i] = normalizeYAMLKeys(val)
		}
		return v
	default:
		return node
	}
}

// decodeTyped re-marshals the resolved generic document to JSON and decodes
// it into MasterConfig, reusing the struct's json tags (which mirror its
// yaml tags) for the typed pass.
func decodeTyped(resolved any) (MasterConfig, error) {
	b, err := json.Marshal(resolved)
	if err != nil {
		return MasterConfig{}, gwerrors.Config(gwerrors.CodeSchema, "failed to marshal resolved config", err)
	}
	var cfg MasterConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return MasterConfig{}, gwerrors.Config(gwerrors.CodeSchema, "failed to decode resolved config", err)
	}
	return cfg, nil
}

// configDecryptKey reads security.config_key_env out of the generic
// document (before secret resolution, since the key name itself is never a
// placeholder) and looks up that env var among environ.
func configDecryptKey(decoded any, environ []string) ([]byte, error) {
	root, ok := decoded.(map[string]any)
	if !ok {
		return nil, nil
	}
	security, ok := root["security"].(map[string]any)
	if !ok {
		return nil, nil
	}
	name, ok := security["config_key_env"].(string)
	if !ok || name == "" {
		return nil, nil
	}
	prefix := name + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			return []byte(strings.TrimPrefix(kv, prefix)), nil
		}
	}
	return nil, nil
}
