// Package tokenstore implements the encrypted OAuth token map (C2): a
// Put/Get/Delete/Range contract over an always-available in-memory backend,
// with an optional named Adapter ("TOKENS") backing it persistently.
package tokenstore

// OAuthToken is the value type the store encrypts at rest.
type OAuthToken struct {
	AccessToken     string   `json:"access_token"`
	RefreshToken    string   `json:"refresh_token,omitempty"`
	ExpiresAtUnixMs int64    `json:"expires_at_unix_ms"`
	Scope           []string `json:"scope,omitempty"`
}

// FreshEnough reports whether the token is usable without a refresh, given
// refreshSkewMs (spec default 30000): ExpiresAtUnixMs > now + refreshSkewMs.
func (t OAuthToken) FreshEnough(nowUnixMs, refreshSkewMs int64) bool {
	return t.ExpiresAtUnixMs > nowUnixMs+refreshSkewMs
}

// Expired reports whether the token should be swept: ExpiresAtUnixMs <= now.
func (t OAuthToken) Expired(nowUnixMs int64) bool {
	return t.ExpiresAtUnixMs <= nowUnixMs
}
