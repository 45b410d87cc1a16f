package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/crypto"
	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/log"
)

// Adapter is the optional persistent backend, bound by name "TOKENS". Keys
// and values are opaque byte strings — the Store handles encryption, the
// Adapter just durably stores ciphertext.
type Adapter interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// Range calls f for every stored (key, value) pair. Iteration stops
	// early if f returns false.
	Range(f func(key string, value []byte) bool) error
}

const defaultKeyEnv = "TOKEN_ENC_KEY"

// Store is the encrypted token map. The in-memory backend is always
// present and authoritative for reads during a process's lifetime; when an
// Adapter is configured, every mutation is mirrored to it so tokens survive
// restarts.
type Store struct {
	mu      sync.RWMutex
	mem     map[string][]byte
	adapter Adapter
	key     []byte
}

// Option configures New.
type Option func(*Store)

// WithAdapter attaches the optional persistent backend and preloads the
// in-memory map from it.
func WithAdapter(a Adapter) Option {
	return func(s *Store) { s.adapter = a }
}

// New constructs a Store. production selects the key-resolution rule: in
// production, a missing env var is a fatal config error; outside
// production, an ephemeral random key is generated with a single logged
// warning (tokens will not survive restart even if an Adapter is attached).
// keyEnv defaults to "TOKEN_ENC_KEY" when empty, per security.config_key_env.
func New(production bool, keyEnv string, opts ...Option) (*Store, error) {
	if keyEnv == "" {
		keyEnv = defaultKeyEnv
	}

	key, err := resolveKey(production, keyEnv)
	if err != nil {
		return nil, err
	}

	s := &Store{mem: make(map[string][]byte), key: key}
	for _, opt := range opts {
		opt(s)
	}

	if s.adapter != nil {
		if err := s.preload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func resolveKey(production bool, keyEnv string) ([]byte, error) {
	raw := os.Getenv(keyEnv)
	if raw != "" {
		return crypto.DeriveKey([]byte(raw)), nil
	}

	if production {
		return nil, gwerrors.Config(gwerrors.CodeKeyMissing,
			fmt.Sprintf("production mode requires %s to be set", keyEnv), nil)
	}

	ephemeral, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, gwerrors.Config(gwerrors.CodeKeyMissing, "generating ephemeral dev key", err)
	}
	log.Warnf("tokenstore: %s not set; using ephemeral key, tokens will not survive restart", keyEnv)
	return ephemeral, nil
}

// preload copies every entry from the adapter into the in-memory map as
// stored, without decrypting it. Entries that later fail to decrypt are
// removed by Get or by the next Cleanup sweep.
func (s *Store) preload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adapter.Range(func(key string, value []byte) bool {
		s.mem[key] = value
		return true
	})
}

// Put encrypts token and stores it under key, in memory and — when
// configured — in the persistent adapter.
func (s *Store) Put(key string, token OAuthToken) error {
	plaintext, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal token: %w", err)
	}

	envelope, err := crypto.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("tokenstore: encrypt: %w", err)
	}

	s.mu.Lock()
	s.mem[key] = []byte(envelope)
	s.mu.Unlock()

	if s.adapter != nil {
		if err := s.adapter.Put(key, []byte(envelope)); err != nil {
			return fmt.Errorf("tokenstore: adapter put: %w", err)
		}
	}
	return nil
}

// Get decrypts and returns the token stored under key. A record that fails
// to decrypt is treated as absent and removed, mirroring Cleanup's rule.
func (s *Store) Get(key string) (OAuthToken, bool, error) {
	s.mu.RLock()
	envelope, ok := s.mem[key]
	s.mu.RUnlock()
	if !ok {
		return OAuthToken{}, false, nil
	}

	token, err := s.decrypt(envelope)
	if err != nil {
		_ = s.Delete(key)
		return OAuthToken{}, false, nil
	}
	return token, true, nil
}

func (s *Store) decrypt(envelope []byte) (OAuthToken, error) {
	plaintext, err := crypto.Decrypt(string(envelope), s.key)
	if err != nil {
		return OAuthToken{}, err
	}
	var token OAuthToken
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return OAuthToken{}, fmt.Errorf("tokenstore: unmarshal: %w", err)
	}
	return token, nil
}

// Delete removes key from memory and, when configured, the adapter.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if s.adapter != nil {
		if err := s.adapter.Delete(key); err != nil {
			return fmt.Errorf("tokenstore: adapter delete: %w", err)
		}
	}
	return nil
}

// Range calls f for every currently stored key with its decrypted token.
// Entries that fail to decrypt are skipped (Cleanup removes them).
func (s *Store) Range(f func(key string, token OAuthToken) bool) {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.mem))
	for k, v := range s.mem {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, envelope := range snapshot {
		token, err := s.decrypt(envelope)
		if err != nil {
			continue
		}
		if !f(k, token) {
			return
		}
	}
}

// Cleanup removes every entry whose token has expired (ExpiresAtUnixMs <=
// now) or that fails to decrypt at all.
func (s *Store) Cleanup(now time.Time) (removed int) {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.mem))
	for k, v := range s.mem {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	nowMs := now.UnixMilli()
	for k, envelope := range snapshot {
		token, err := s.decrypt(envelope)
		if err != nil || token.Expired(nowMs) {
			_ = s.Delete(k)
			removed++
		}
	}
	return removed
}
