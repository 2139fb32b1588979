package mcp

import (
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// TokenStore caches OAuth material per MCP server URL. Entries live under
// "{server_url}/tokens" and "{server_url}/client_info" so distinct
// servers behind one authorization server stay isolated.
type TokenStore struct {
	mu      sync.RWMutex
	entries map[string]any
}

func NewTokenStore() *TokenStore {
	return &TokenStore{entries: make(map[string]any)}
}

func tokenKey(serverURL string) string {
	return strings.TrimSuffix(serverURL, "/") + "/tokens"
}

func clientInfoKey(serverURL string) string {
	return strings.TrimSuffix(serverURL, "/") + "/client_info"
}

func (s *TokenStore) Token(serverURL string) *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, _ := s.entries[tokenKey(serverURL)].(*oauth2.Token)
	return token
}

func (s *TokenStore) PutToken(serverURL string, token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenKey(serverURL)] = token
}

func (s *TokenStore) ClientInfo(serverURL string) *ClientCredentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, _ := s.entries[clientInfoKey(serverURL)].(*ClientCredentials)
	return creds
}

func (s *TokenStore) PutClientInfo(serverURL string, creds *ClientCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[clientInfoKey(serverURL)] = creds
}

// Clear drops all material for one server.
func (s *TokenStore) Clear(serverURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tokenKey(serverURL))
	delete(s.entries, clientInfoKey(serverURL))
}
