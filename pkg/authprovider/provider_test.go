package authprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeRefreshParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"newtok","expires_in":120,"scope":"a b"}`))
	}))
	defer srv.Close()

	cfg := Config{ClientID: "cid", TokenURL: srv.URL}
	tok, err := exchangeRefresh(context.Background(), srv.Client(), cfg, "rt")
	require.NoError(t, err)
	assert.Equal(t, "newtok", tok.AccessToken)
	assert.Equal(t, []string{"a", "b"}, tok.Scope)
}

func TestExchangeRefreshParsesFormResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		w.Write([]byte(url.Values{"access_token": {"formtok"}, "expires_in": {"60"}}.Encode()))
	}))
	defer srv.Close()

	cfg := Config{ClientID: "cid", TokenURL: srv.URL}
	tok, err := exchangeRefresh(context.Background(), srv.Client(), cfg, "rt")
	require.NoError(t, err)
	assert.Equal(t, "formtok", tok.AccessToken)
}

func TestExchangeRefreshFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := Config{ClientID: "cid", TokenURL: srv.URL}
	_, err := exchangeRefresh(context.Background(), srv.Client(), cfg, "rt")
	assert.Error(t, err)
}

func TestCustomOIDCWithoutJWKSTreatsTokenAsOpaque(t *testing.T) {
	p := NewCustomOIDCProvider(Config{}, http.DefaultClient)
	result, err := p.ValidateToken(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestCustomOIDCUserInfoWithoutURLReturnsEmpty(t *testing.T) {
	p := NewCustomOIDCProvider(Config{}, http.DefaultClient)
	info, err := p.GetUserInfo(context.Background(), "tok")
	require.NoError(t, err)
	assert.Empty(t, info.Subject)
}

func TestLooksLikeJWT(t *testing.T) {
	assert.True(t, looksLikeJWT("a.b.c"))
	assert.False(t, looksLikeJWT("opaque-token-123"))
}

func TestMatchesIssuer(t *testing.T) {
	assert.True(t, matchesIssuer("accounts.google.com", googleIssuers))
	assert.True(t, matchesIssuer("https://accounts.google.com", googleIssuers))
	assert.False(t, matchesIssuer("evil.com", googleIssuers))
}
