package tokenstore

import (
	"encoding/base64"
	"fmt"

	"github.com/docker/docker-credential-helpers/credentials"
)

// CredHelperAdapter backs the token store with an OS-native credential
// helper (keychain/wincred/pass), the same credentials.Helper interface the
// teacher's OAuth token store used directly. Binary envelopes are
// base64-encoded into the helper's string-only Secret field.
type CredHelperAdapter struct {
	helper  credentials.Helper
	urlBase string // distinguishes this process's tokens within a shared keyring
}

// NewCredHelperAdapter wraps helper. urlBase is prefixed onto every stored
// credential's ServerURL so multiple gateways sharing one OS keyring don't
// collide.
func NewCredHelperAdapter(helper credentials.Helper, urlBase string) *CredHelperAdapter {
	return &CredHelperAdapter{helper: helper, urlBase: urlBase}
}

func (a *CredHelperAdapter) serverURL(key string) string {
	return fmt.Sprintf("%s/%s", a.urlBase, key)
}

func (a *CredHelperAdapter) Put(key string, value []byte) error {
	cred := &credentials.Credentials{
		ServerURL: a.serverURL(key),
		Username:  "tokenstore",
		Secret:    base64.StdEncoding.EncodeToString(value),
	}
	if err := a.helper.Add(cred); err != nil {
		return fmt.Errorf("tokenstore: credhelper add: %w", err)
	}
	return nil
}

func (a *CredHelperAdapter) Get(key string) ([]byte, bool, error) {
	_, secret, err := a.helper.Get(a.serverURL(key))
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("tokenstore: credhelper get: %w", err)
	}
	value, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, false, fmt.Errorf("tokenstore: credhelper decode: %w", err)
	}
	return value, true, nil
}

func (a *CredHelperAdapter) Delete(key string) error {
	if err := a.helper.Delete(a.serverURL(key)); err != nil && !credentials.IsErrCredentialsNotFound(err) {
		return fmt.Errorf("tokenstore: credhelper delete: %w", err)
	}
	return nil
}

// Range lists every credential the helper knows about and yields those
// whose ServerURL carries this adapter's urlBase prefix.
func (a *CredHelperAdapter) Range(f func(key string, value []byte) bool) error {
	listing, err := a.helper.List()
	if err != nil {
		return fmt.Errorf("tokenstore: credhelper list: %w", err)
	}

	prefix := a.urlBase + "/"
	for serverURL := range listing {
		if len(serverURL) <= len(prefix) || serverURL[:len(prefix)] != prefix {
			continue
		}
		key := serverURL[len(prefix):]
		value, ok, err := a.Get(key)
		if err != nil || !ok {
			continue
		}
		if !f(key, value) {
			return nil
		}
	}
	return nil
}
