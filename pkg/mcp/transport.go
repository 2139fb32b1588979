// Package mcp connects agents to Model Context Protocol servers.
//
// Transport support:
//   - stdio: subprocess servers via the mcp-go client
//   - sse, streamable-http: JSON-RPC over HTTP with retry/backoff,
//     optionally with mutual TLS
//
// Connections are lazy: nothing is dialed until tools are first listed.
// Servers that answer 401 trigger the OAuth 2.1 flow in oauth.go.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayflowcore/wayflow-go/pkg/httpclient"
)

const (
	// ProtocolVersion is the MCP protocol revision spoken by this client.
	ProtocolVersion = "2025-03-26"

	// DefaultSSEResponseTimeout bounds reading one SSE-framed response.
	DefaultSSEResponseTimeout = 5 * time.Minute

	clientName    = "wayflow"
	clientVersion = "0.1.0"
)

// TransportKind selects how the client reaches the server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// TLSConfig enables server verification overrides and mutual TLS.
type TLSConfig struct {
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
}

// TransportConfig describes the connection to one MCP server.
type TransportConfig struct {
	Kind TransportKind

	// URL for the HTTP transports.
	URL string

	// Command, Args, Env for the stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// TLS, when set, turns the HTTP transports into their mTLS variants.
	TLS *TLSConfig

	// Timeout for one HTTP round trip. Must be positive when set.
	Timeout time.Duration

	MaxRetries int
	SSETimeout time.Duration
}

func (c *TransportConfig) validate() error {
	switch c.Kind {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Kind)
		}
	default:
		return fmt.Errorf("unknown MCP transport %q", c.Kind)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("transport timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

func (c *TransportConfig) buildTLS() (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}
	cfg := &tls.Config{}
	if c.TLS.CACertFile != "" {
		pem, err := os.ReadFile(c.TLS.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.TLS.CACertFile)
		}
		cfg.RootCAs = pool
	}
	if c.TLS.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.ClientCertFile, c.TLS.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// jsonRPCRequest / jsonRPCResponse are the HTTP transport wire frames.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpSession is a long-lived JSON-RPC-over-HTTP MCP session. It tracks
// the mcp-session-id header handed out by streamable-http servers and
// reads SSE-framed responses when the server chooses that encoding.
type httpSession struct {
	cfg    TransportConfig
	client *httpclient.Client
	auth   *OAuthHandler

	nextID    atomic.Int64
	sessionMu sync.RWMutex
	sessionID string
}

func newHTTPSession(cfg TransportConfig, auth *OAuthHandler) (*httpSession, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSEResponseTimeout
	}

	base := &http.Client{Timeout: timeout}
	if tlsCfg, err := cfg.buildTLS(); err != nil {
		return nil, err
	} else if tlsCfg != nil {
		base.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	return &httpSession{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(base),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		),
		auth: auth,
	}, nil
}

// call sends one JSON-RPC request and decodes the response, running the
// OAuth flow when the server requires authorization.
func (s *httpSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := s.do(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP %s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

func (s *httpSession) do(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	request := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      s.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	send := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")

		s.sessionMu.RLock()
		sessionID := s.sessionID
		s.sessionMu.RUnlock()
		if sessionID != "" {
			req.Header.Set("mcp-session-id", sessionID)
		}
		if s.auth != nil {
			if token := s.auth.CachedToken(s.cfg.URL); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		return s.client.Do(req)
	}

	resp, err := send()
	if err != nil {
		return nil, fmt.Errorf("MCP request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()
		if s.auth == nil {
			return nil, fmt.Errorf("MCP server %s requires authorization", s.cfg.URL)
		}
		if err := s.auth.Authorize(ctx, s.cfg.URL, challenge, resp.StatusCode); err != nil {
			return nil, err
		}
		resp, err = send()
		if err != nil {
			return nil, fmt.Errorf("MCP request failed after authorization: %w", err)
		}
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("MCP HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSEResponse(resp)
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(responseBody, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &decoded, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an
// SSE stream. The pump runs on its own goroutine so a stalled stream
// cannot block the caller past the configured timeout.
func (s *httpSession) readSSEResponse(resp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var decoded jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &decoded); err == nil {
				return &decoded
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "url", s.cfg.URL, "error", err)
				}
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if decoded := flush(); decoded != nil {
					resultCh <- result{response: decoded}
					return
				}
				continue
			}
			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(rest))
			}
		}

		if decoded := flush(); decoded != nil {
			resultCh <- result{response: decoded}
			return
		}
		resultCh <- result{err: fmt.Errorf("SSE stream ended without a complete message")}
	}()

	select {
	case res := <-resultCh:
		return res.response, res.err
	case <-time.After(s.cfg.SSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", s.cfg.SSETimeout)
	}
}
