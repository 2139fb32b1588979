package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// fakeMCPServer answers initialize, tools/list, and tools/call over the
// streamable-http transport.
func fakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("mcp-session-id", "session-1")
		reply := func(result any) {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
		}

		switch req.Method {
		case "initialize":
			reply(map[string]any{"protocolVersion": ProtocolVersion})
		case "notifications/initialized":
			reply(map[string]any{})
		case "tools/list":
			reply(map[string]any{
				"tools": []any{map[string]any{
					"name":        "echo",
					"description": "echoes its input",
					"inputSchema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text":   map[string]any{"type": "string"},
							"repeat": map[string]any{"type": "integer"},
						},
						"required": []any{"text"},
					},
				}},
			})
		case "tools/call":
			params := req.Params.(map[string]any)
			require.Equal(t, "session-1", r.Header.Get("mcp-session-id"))
			args := params["arguments"].(map[string]any)
			reply(map[string]any{
				"content": []any{map[string]any{"type": "text", "text": args["text"]}},
				"isError": false,
			})
		default:
			json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &jsonRPCError{Code: -32601, Message: "method not found"},
			})
		}
	}))
}

func TestToolBoxHTTPDiscoveryAndCall(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()

	box, err := NewToolBox(ToolBoxConfig{
		Name: "test",
		Transport: TransportConfig{
			Kind: TransportStreamableHTTP,
			URL:  server.URL,
		},
	})
	require.NoError(t, err)

	discovered, err := box.GetTools(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered, 1)

	echo := discovered[0]
	assert.Equal(t, "echo", echo.Name())

	descriptors := echo.InputDescriptors()
	require.Len(t, descriptors, 2)
	// Descriptors come back sorted; "repeat" is optional so it carries a
	// nil default, "text" is required.
	assert.Equal(t, "repeat", descriptors[0].Name)
	assert.True(t, descriptors[0].HasDefault())
	assert.Equal(t, "text", descriptors[1].Name)
	assert.False(t, descriptors[1].HasDefault())

	out, err := echo.(*Tool).Run(context.Background(), map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestToolBoxFilter(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()

	box, err := NewToolBox(ToolBoxConfig{
		Name:   "test",
		Filter: []string{"other"},
		Transport: TransportConfig{
			Kind: TransportStreamableHTTP,
			URL:  server.URL,
		},
	})
	require.NoError(t, err)

	discovered, err := box.GetTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestTransportConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TransportConfig
		wantErr string
	}{
		{"stdio without command", TransportConfig{Kind: TransportStdio}, "requires a command"},
		{"sse without url", TransportConfig{Kind: TransportSSE}, "requires a url"},
		{"unknown kind", TransportConfig{Kind: "carrier-pigeon"}, "unknown MCP transport"},
		{"negative timeout", TransportConfig{Kind: TransportSSE, URL: "http://x", Timeout: -1}, "must be positive"},
		{"valid", TransportConfig{Kind: TransportStreamableHTTP, URL: "http://x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDescriptorsFromSchemaLoose(t *testing.T) {
	// A server with no schema advertises an any-typed surface.
	descriptors := descriptorsFromSchema("loose", nil)
	assert.Nil(t, descriptors)

	descriptors = descriptorsFromSchema("typed", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q": map[string]any{"type": "string", "description": "query"},
		},
		"required": []any{"q"},
	})
	require.Len(t, descriptors, 1)
	assert.Equal(t, property.KindString, descriptors[0].Kind)
	assert.Equal(t, "query", descriptors[0].Description)
}
