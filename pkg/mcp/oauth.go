package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// OAuthCallbackTimeout bounds how long a conversation waits for the user
// to come back from the authorization page.
const OAuthCallbackTimeout = 300 * time.Second

// ClientCredentials identifies this client at the authorization server.
// Exactly one source is used, in priority order: pre-registered
// credentials, a client-metadata URL (CIMD), then dynamic registration.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// OAuthConfig tunes the flow for one client instance.
type OAuthConfig struct {
	// PreRegistered short-circuits discovery of client credentials.
	PreRegistered *ClientCredentials

	// ClientMetadataURL points at a hosted client-metadata document
	// (CIMD); servers that support it return credentials without
	// registration.
	ClientMetadataURL string

	// RedirectURL receives the authorization callback.
	RedirectURL string

	// Scopes overrides scope negotiation entirely.
	Scopes []string
}

// AuthorizationRequiredError is returned by MCP operations when the user
// must visit an authorization URL. The conversation layer converts it
// into a yield; the caller later resumes via Pending.Complete.
type AuthorizationRequiredError struct {
	Pending *PendingAuthorization
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required: visit %s", e.Pending.AuthorizationURL)
}

// PendingAuthorization is a half-finished authorization-code flow.
type PendingAuthorization struct {
	AuthorizationURL string

	handler   *OAuthHandler
	serverURL string
	oauthCfg  *oauth2.Config
	verifier  string
	state     string
	done      bool
}

// Complete exchanges the callback code for a token and caches it. The
// state must echo the one embedded in AuthorizationURL; a flow completes
// at most once.
func (p *PendingAuthorization) Complete(ctx context.Context, code, state string) error {
	if state != p.state {
		return fmt.Errorf("authorization state mismatch")
	}

	p.handler.mu.Lock()
	defer p.handler.mu.Unlock()

	if p.done {
		return fmt.Errorf("authorization flow for %s already completed", p.serverURL)
	}

	token, err := p.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}

	p.done = true
	p.handler.store.PutToken(p.serverURL, token)

	slog.Info("MCP authorization completed", "server", p.serverURL)
	return nil
}

// Cancel abandons the flow. Like Complete it settles the flow at most once;
// cancelling an already-settled flow is a no-op.
func (p *PendingAuthorization) Cancel() {
	p.handler.mu.Lock()
	defer p.handler.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	slog.Info("MCP authorization cancelled", "server", p.serverURL)
}

// ServerURL returns the MCP server the flow was started for.
func (p *PendingAuthorization) ServerURL() string { return p.serverURL }

// protectedResourceMetadata is RFC 9728 metadata.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
}

// authServerMetadata is RFC 8414 metadata.
type authServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// OAuthHandler drives the OAuth 2.1 flow for MCP servers. One handler is
// shared by all sessions of a toolbox; a single lock serializes the
// discovery, registration, and exchange phases. The user-facing
// authorization step deliberately happens outside the lock so one user's
// pending browser visit cannot block other requests through the client.
type OAuthHandler struct {
	cfg    OAuthConfig
	store  *TokenStore
	client *http.Client

	mu sync.Mutex
}

func NewOAuthHandler(cfg OAuthConfig, store *TokenStore) *OAuthHandler {
	if store == nil {
		store = NewTokenStore()
	}
	return &OAuthHandler{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CachedToken returns the bearer token for a server, refreshing nothing.
func (h *OAuthHandler) CachedToken(serverURL string) string {
	token := h.store.Token(serverURL)
	if token == nil || !token.Valid() {
		return ""
	}
	return token.AccessToken
}

// Authorize runs the pre-browser phases of the flow and reports the
// authorization URL through an AuthorizationRequiredError. A 403 with
// insufficient_scope re-negotiates scope using the challenge.
func (h *OAuthHandler) Authorize(ctx context.Context, serverURL, challenge string, status int) error {
	challengeParams := parseAuthChallenge(challenge)

	if status == http.StatusForbidden && challengeParams["error"] != "insufficient_scope" {
		return fmt.Errorf("MCP server %s denied access: %s", serverURL, challengeParams["error_description"])
	}

	h.mu.Lock()

	resource, err := h.discoverProtectedResource(ctx, serverURL, challengeParams)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	authServer, err := h.fetchAuthServerMetadata(ctx, resource.AuthorizationServers)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	scopes := h.selectScopes(challengeParams, resource, authServer)

	creds, err := h.resolveClientCredentials(ctx, serverURL, authServer)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  h.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authServer.AuthorizationEndpoint,
			TokenURL: authServer.TokenEndpoint,
		},
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("resource", serverURL),
	)

	// The browser round trip happens with the lock released.
	h.mu.Unlock()

	return &AuthorizationRequiredError{Pending: &PendingAuthorization{
		AuthorizationURL: authURL,
		handler:          h,
		serverURL:        serverURL,
		oauthCfg:         oauthCfg,
		verifier:         verifier,
		state:            state,
	}}
}

// discoverProtectedResource resolves RFC 9728 metadata. The challenge may
// name the metadata URL directly; otherwise the SEP-985 well-known list
// is probed, ending with the path-less fallback.
func (h *OAuthHandler) discoverProtectedResource(ctx context.Context, serverURL string, challenge map[string]string) (*protectedResourceMetadata, error) {
	var candidates []string
	if metadataURL := challenge["resource_metadata"]; metadataURL != "" {
		candidates = append(candidates, metadataURL)
	}
	candidates = append(candidates, wellKnownCandidates(serverURL, "oauth-protected-resource")...)

	for _, candidate := range candidates {
		var metadata protectedResourceMetadata
		if err := h.getJSON(ctx, candidate, &metadata); err != nil {
			slog.Debug("protected resource metadata probe failed", "url", candidate, "error", err)
			continue
		}
		if len(metadata.AuthorizationServers) > 0 {
			return &metadata, nil
		}
	}

	// Last resort: assume the MCP server is its own authorization server.
	origin, err := urlOrigin(serverURL)
	if err != nil {
		return nil, err
	}
	return &protectedResourceMetadata{
		Resource:             serverURL,
		AuthorizationServers: []string{origin},
	}, nil
}

func (h *OAuthHandler) fetchAuthServerMetadata(ctx context.Context, servers []string) (*authServerMetadata, error) {
	for _, server := range servers {
		candidates := append(
			wellKnownCandidates(server, "oauth-authorization-server"),
			strings.TrimSuffix(server, "/")+"/.well-known/openid-configuration",
		)
		for _, candidate := range candidates {
			var metadata authServerMetadata
			if err := h.getJSON(ctx, candidate, &metadata); err != nil {
				continue
			}
			if metadata.AuthorizationEndpoint != "" && metadata.TokenEndpoint != "" {
				return &metadata, nil
			}
		}
	}
	return nil, fmt.Errorf("no usable authorization server metadata among %v", servers)
}

// selectScopes picks, in priority order: the configured override, the
// challenge's scope parameter, the resource's supported scopes, then the
// authorization server's.
func (h *OAuthHandler) selectScopes(challenge map[string]string, resource *protectedResourceMetadata, authServer *authServerMetadata) []string {
	if len(h.cfg.Scopes) > 0 {
		return h.cfg.Scopes
	}
	if scope := challenge["scope"]; scope != "" {
		return strings.Fields(scope)
	}
	if len(resource.ScopesSupported) > 0 {
		return resource.ScopesSupported
	}
	return authServer.ScopesSupported
}

func (h *OAuthHandler) resolveClientCredentials(ctx context.Context, serverURL string, authServer *authServerMetadata) (*ClientCredentials, error) {
	if cached := h.store.ClientInfo(serverURL); cached != nil {
		return cached, nil
	}
	if h.cfg.PreRegistered != nil {
		h.store.PutClientInfo(serverURL, h.cfg.PreRegistered)
		return h.cfg.PreRegistered, nil
	}
	if h.cfg.ClientMetadataURL != "" {
		var creds ClientCredentials
		if err := h.getJSON(ctx, h.cfg.ClientMetadataURL, &creds); err == nil && creds.ClientID != "" {
			h.store.PutClientInfo(serverURL, &creds)
			return &creds, nil
		}
		slog.Warn("client metadata URL did not yield credentials, falling back to dynamic registration",
			"url", h.cfg.ClientMetadataURL)
	}
	creds, err := h.registerClient(ctx, authServer)
	if err != nil {
		return nil, err
	}
	h.store.PutClientInfo(serverURL, creds)
	return creds, nil
}

// registerClient performs RFC 7591 dynamic client registration.
func (h *OAuthHandler) registerClient(ctx context.Context, authServer *authServerMetadata) (*ClientCredentials, error) {
	if authServer.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("authorization server %s does not support dynamic registration", authServer.Issuer)
	}

	registration := map[string]any{
		"client_name":                clientName,
		"redirect_uris":              []string{h.cfg.RedirectURL},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	}
	body, _ := json.Marshal(registration)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authServer.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dynamic registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("dynamic registration failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var creds ClientCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("cannot decode registration response: %w", err)
	}
	if creds.ClientID == "" {
		return nil, fmt.Errorf("registration response is missing client_id")
	}
	return &creds, nil
}

func (h *OAuthHandler) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wellKnownCandidates builds the SEP-985 probe list for a URL: the
// path-qualified well-known location first, then the origin-level one.
func wellKnownCandidates(rawURL, suffix string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	origin := parsed.Scheme + "://" + parsed.Host

	var candidates []string
	if path := strings.TrimSuffix(parsed.Path, "/"); path != "" && path != "/" {
		candidates = append(candidates, origin+"/.well-known/"+suffix+path)
	}
	candidates = append(candidates, origin+"/.well-known/"+suffix)
	return candidates
}

func urlOrigin(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", rawURL, err)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// parseAuthChallenge extracts the parameters of a WWW-Authenticate Bearer
// challenge (scope, error, resource_metadata, ...).
func parseAuthChallenge(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimSpace(header)
	if header == "" {
		return params
	}
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		header = rest
	}
	for _, part := range splitChallengeParams(header) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return params
}

// splitChallengeParams splits on commas outside quoted strings.
func splitChallengeParams(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
