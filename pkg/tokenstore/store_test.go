package tokenstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAdapter struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemAdapter() *memAdapter { return &memAdapter{m: make(map[string][]byte)} }

func (a *memAdapter) Put(key string, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[key] = value
	return nil
}

func (a *memAdapter) Get(key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.m[key]
	return v, ok, nil
}

func (a *memAdapter) Delete(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, key)
	return nil
}

func (a *memAdapter) Range(f func(key string, value []byte) bool) error {
	a.mu.Lock()
	snapshot := make(map[string][]byte, len(a.m))
	for k, v := range a.m {
		snapshot[k] = v
	}
	a.mu.Unlock()
	for k, v := range snapshot {
		if !f(k, v) {
			break
		}
	}
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("TOKEN_ENC_KEY", "test-secret-key-material-not-32b")
	s, err := New(false, "TOKEN_ENC_KEY")
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tok := OAuthToken{AccessToken: "abc", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}

	require.NoError(t, s.Put("svc::client1", tok))

	got, ok, err := s.Get("svc::client1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tok, got)
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	tok := OAuthToken{AccessToken: "abc", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}
	require.NoError(t, s.Put("k", tok))
	require.NoError(t, s.Delete("k"))

	_, ok, _ := s.Get("k")
	assert.False(t, ok)
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	expired := OAuthToken{AccessToken: "old", ExpiresAtUnixMs: now.Add(-time.Minute).UnixMilli()}
	fresh := OAuthToken{AccessToken: "new", ExpiresAtUnixMs: now.Add(time.Hour).UnixMilli()}

	require.NoError(t, s.Put("expired", expired))
	require.NoError(t, s.Put("fresh", fresh))

	removed := s.Cleanup(now)
	assert.Equal(t, 1, removed)

	_, ok, _ := s.Get("expired")
	assert.False(t, ok)
	_, ok, _ = s.Get("fresh")
	assert.True(t, ok)
}

func TestFreshEnoughRespectsRefreshSkew(t *testing.T) {
	now := time.Now().UnixMilli()
	tok := OAuthToken{ExpiresAtUnixMs: now + 20_000}
	assert.False(t, tok.FreshEnough(now, 30_000))

	tok2 := OAuthToken{ExpiresAtUnixMs: now + 60_000}
	assert.True(t, tok2.FreshEnough(now, 30_000))
}

func TestRangeVisitsAllEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("a", OAuthToken{AccessToken: "a", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}))
	require.NoError(t, s.Put("b", OAuthToken{AccessToken: "b", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}))

	seen := map[string]bool{}
	s.Range(func(key string, token OAuthToken) bool {
		seen[key] = true
		return true
	})
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestProductionWithoutKeyFailsFast(t *testing.T) {
	t.Setenv("TOKEN_ENC_KEY", "")
	_, err := New(true, "TOKEN_ENC_KEY")
	assert.Error(t, err)
}

func TestDevWithoutKeyGeneratesEphemeral(t *testing.T) {
	t.Setenv("TOKEN_ENC_KEY", "")
	s, err := New(false, "TOKEN_ENC_KEY")
	require.NoError(t, err)
	require.NoError(t, s.Put("k", OAuthToken{AccessToken: "a", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}))
}

func TestAdapterMirrorsPutAndDelete(t *testing.T) {
	t.Setenv("TOKEN_ENC_KEY", "test-secret-key-material-not-32b")
	adapter := newMemAdapter()
	s, err := New(false, "TOKEN_ENC_KEY", WithAdapter(adapter))
	require.NoError(t, err)

	tok := OAuthToken{AccessToken: "abc", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}
	require.NoError(t, s.Put("k", tok))
	_, ok, _ := adapter.Get("k")
	assert.True(t, ok)

	require.NoError(t, s.Delete("k"))
	_, ok, _ = adapter.Get("k")
	assert.False(t, ok)
}

func TestPreloadFromAdapterOnConstruction(t *testing.T) {
	t.Setenv("TOKEN_ENC_KEY", "test-secret-key-material-not-32b")
	adapter := newMemAdapter()
	s1, err := New(false, "TOKEN_ENC_KEY", WithAdapter(adapter))
	require.NoError(t, err)
	require.NoError(t, s1.Put("k", OAuthToken{AccessToken: "a", ExpiresAtUnixMs: time.Now().Add(time.Hour).UnixMilli()}))

	s2, err := New(false, "TOKEN_ENC_KEY", WithAdapter(adapter))
	require.NoError(t, err)
	got, ok, err := s2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.AccessToken)
}
