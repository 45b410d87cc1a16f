package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nullrunner/mcp-gateway/pkg/crypto"
	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/log"
)

const (
	envPlaceholderPrefix = "env:"
	encPlaceholderPrefix = "enc:gcm:"
)

// resolveSecretString resolves a single config string value: "env:NAME"
// substitutes the named environment variable, "enc:gcm:<envelope>"
// decrypts the envelope with the process-wide config key. Anything else
// passes through unchanged. A missing env var fails the load in
// production; in development it warns and substitutes an empty string.
func resolveSecretString(value string, production bool, decryptKey []byte) (string, error) {
	switch {
	case strings.HasPrefix(value, envPlaceholderPrefix):
		name := strings.TrimPrefix(value, envPlaceholderPrefix)
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
		if production {
			return "", gwerrors.Config(gwerrors.CodeSecretMissing, fmt.Sprintf("env var %q required by config is not set", name), nil)
		}
		log.Warnf("config: env var %q not set, substituting empty string (development mode)", name)
		return "", nil

	case strings.HasPrefix(value, encPlaceholderPrefix):
		envelope := strings.TrimPrefix(value, encPlaceholderPrefix)
		if len(decryptKey) == 0 {
			return "", gwerrors.Config(gwerrors.CodeKeyMissing, "enc:gcm: placeholder present but no config decryption key configured", nil)
		}
		plaintext, err := crypto.Decrypt(envelope, decryptKey)
		if err != nil {
			return "", gwerrors.Config(gwerrors.CodeCorruptCiphertext, "failed to decrypt config secret", err)
		}
		return string(plaintext), nil

	default:
		return value, nil
	}
}

// resolveSecretsDeep walks a decoded YAML/JSON document (map[string]any /
// []any / scalars) resolving every string leaf through resolveSecretString.
func resolveSecretsDeep(node any, production bool, decryptKey []byte) (any, error) {
	switch v := node.(type) {
	case string:
		return resolveSecretString(v, production, decryptKey)
	case map[string]any:
		for k, val := range v {
			resolved, err := resolveSecretsDeep(val, production, decryptKey)
			if err != nil {
				return nil, err
			}
			v[k] = resolved
		}
		return v, nil
	case []any:
		for i, val := range v {
			resolved, err := resolveSecretsDeep(val, production, decryptKey)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	default:
		return node, nil
	}
}
