package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestParseAuthChallenge(t *testing.T) {
	params := parseAuthChallenge(`Bearer realm="mcp", scope="read write", resource_metadata="https://rs.example/.well-known/oauth-protected-resource", error="insufficient_scope"`)
	assert.Equal(t, "mcp", params["realm"])
	assert.Equal(t, "read write", params["scope"])
	assert.Equal(t, "https://rs.example/.well-known/oauth-protected-resource", params["resource_metadata"])
	assert.Equal(t, "insufficient_scope", params["error"])

	assert.Empty(t, parseAuthChallenge(""))
}

func TestWellKnownCandidates(t *testing.T) {
	candidates := wellKnownCandidates("https://mcp.example.com/api/v1", "oauth-protected-resource")
	assert.Equal(t, []string{
		"https://mcp.example.com/.well-known/oauth-protected-resource/api/v1",
		"https://mcp.example.com/.well-known/oauth-protected-resource",
	}, candidates)

	candidates = wellKnownCandidates("https://mcp.example.com", "oauth-authorization-server")
	assert.Equal(t, []string{
		"https://mcp.example.com/.well-known/oauth-authorization-server",
	}, candidates)
}

func TestTokenStoreKeys(t *testing.T) {
	store := NewTokenStore()
	store.PutToken("https://a.example", &oauth2.Token{AccessToken: "tok-a"})
	store.PutClientInfo("https://a.example", &ClientCredentials{ClientID: "client-a"})

	assert.Equal(t, "tok-a", store.Token("https://a.example").AccessToken)
	assert.Equal(t, "tok-a", store.Token("https://a.example/").AccessToken) // trailing slash normalized
	assert.Nil(t, store.Token("https://b.example"))
	assert.Equal(t, "client-a", store.ClientInfo("https://a.example").ClientID)

	store.Clear("https://a.example")
	assert.Nil(t, store.Token("https://a.example"))
	assert.Nil(t, store.ClientInfo("https://a.example"))
}

// oauthTestEnv wires an authorization server with discovery, dynamic
// registration, and a token endpoint behind one httptest server.
func oauthTestEnv(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var issued string
	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"resource":              server.URL,
			"authorization_servers": []string{server.URL},
			"scopes_supported":      []string{"mcp:tools"},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 server.URL,
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
			"registration_endpoint":  server.URL + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"client_id": "dyn-client-1"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		issued = "access-" + r.Form.Get("code")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": issued,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &issued
}

func TestOAuthFlow(t *testing.T) {
	server, issued := oauthTestEnv(t)

	store := NewTokenStore()
	handler := NewOAuthHandler(OAuthConfig{
		RedirectURL: "http://localhost:8976/callback",
	}, store)

	err := handler.Authorize(context.Background(), server.URL, `Bearer resource_metadata="`+server.URL+`/.well-known/oauth-protected-resource"`, http.StatusUnauthorized)
	require.Error(t, err)

	var authErr *AuthorizationRequiredError
	require.True(t, errors.As(err, &authErr))

	authURL, parseErr := url.Parse(authErr.Pending.AuthorizationURL)
	require.NoError(t, parseErr)
	query := authURL.Query()
	assert.Equal(t, "dyn-client-1", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.NotEmpty(t, query.Get("code_challenge"))
	assert.Equal(t, "mcp:tools", query.Get("scope"))
	state := query.Get("state")
	require.NotEmpty(t, state)

	// Wrong state is rejected before any exchange.
	require.Error(t, authErr.Pending.Complete(context.Background(), "the-code", "bogus"))

	require.NoError(t, authErr.Pending.Complete(context.Background(), "the-code", state))
	assert.Equal(t, "access-the-code", *issued)
	assert.Equal(t, "access-the-code", handler.CachedToken(server.URL))

	// Client registration is cached alongside the token.
	assert.Equal(t, "dyn-client-1", store.ClientInfo(server.URL).ClientID)

	// A flow completes exactly once.
	err = authErr.Pending.Complete(context.Background(), "the-code", state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestOAuthPreRegisteredCredentials(t *testing.T) {
	server, _ := oauthTestEnv(t)

	handler := NewOAuthHandler(OAuthConfig{
		PreRegistered: &ClientCredentials{ClientID: "static-client"},
		RedirectURL:   "http://localhost:8976/callback",
		Scopes:        []string{"custom:scope"},
	}, nil)

	err := handler.Authorize(context.Background(), server.URL, "", http.StatusUnauthorized)
	var authErr *AuthorizationRequiredError
	require.True(t, errors.As(err, &authErr))

	authURL, parseErr := url.Parse(authErr.Pending.AuthorizationURL)
	require.NoError(t, parseErr)
	assert.Equal(t, "static-client", authURL.Query().Get("client_id"))
	assert.Equal(t, "custom:scope", authURL.Query().Get("scope"))
}

func TestOAuthHardForbidden(t *testing.T) {
	handler := NewOAuthHandler(OAuthConfig{}, nil)
	err := handler.Authorize(context.Background(), "https://mcp.example.com",
		`Bearer error="access_denied", error_description="nope"`, http.StatusForbidden)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied access")
	var authErr *AuthorizationRequiredError
	assert.False(t, errors.As(err, &authErr))
}
