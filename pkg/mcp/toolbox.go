package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

// ToolBoxConfig configures an MCP toolbox.
type ToolBoxConfig struct {
	Name      string
	Transport TransportConfig

	// Filter limits which server tools are exposed.
	Filter []string

	// DeclaredDescriptors optionally pins the expected input descriptors
	// per tool name. Mismatches against the server's schema are logged,
	// the server's schema wins.
	DeclaredDescriptors map[string][]*property.Property

	// Confirmation overrides the confirmation flag of every tool.
	Confirmation tools.ConfirmationMode

	// OAuth enables the authorization flow for servers answering 401.
	OAuth *OAuthConfig

	// TokenStore shares cached tokens across toolboxes. Defaults to a
	// per-toolbox store.
	TokenStore *TokenStore
}

// ToolBox exposes the tools of one MCP server. The connection is
// established on first use and shared by every tool.
type ToolBox struct {
	cfg       ToolBoxConfig
	filterSet map[string]bool

	mu        sync.Mutex
	connected bool
	tools     []tools.Tool

	stdio *client.Client
	http  *httpSession
}

func NewToolBox(cfg ToolBoxConfig) (*ToolBox, error) {
	if err := cfg.Transport.validate(); err != nil {
		return nil, err
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &ToolBox{cfg: cfg, filterSet: filterSet}, nil
}

func (b *ToolBox) Name() string { return b.cfg.Name }

// GetTools lists the server's tools, connecting lazily on first call.
func (b *ToolBox) GetTools(ctx context.Context) ([]tools.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		if err := b.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}
	return tools.ApplyConfirmationMode(b.tools, b.cfg.Confirmation), nil
}

// Close tears down the connection; a later GetTools reconnects.
func (b *ToolBox) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.stdio != nil {
		err = b.stdio.Close()
		b.stdio = nil
	}
	b.http = nil
	b.connected = false
	b.tools = nil
	return err
}

func (b *ToolBox) connect(ctx context.Context) error {
	if b.cfg.Transport.Kind == TransportStdio {
		return b.connectStdio(ctx)
	}
	return b.connectHTTP(ctx)
}

func (b *ToolBox) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(b.cfg.Transport.Env))
	for k, v := range b.cfg.Transport.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(b.cfg.Transport.Command, env, b.cfg.Transport.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = ProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var discovered []tools.Tool
	for _, serverTool := range listResp.Tools {
		if b.filterSet != nil && !b.filterSet[serverTool.Name] {
			continue
		}
		required := make([]any, len(serverTool.InputSchema.Required))
		for i, r := range serverTool.InputSchema.Required {
			required[i] = r
		}
		schema := map[string]any{
			"type":       serverTool.InputSchema.Type,
			"properties": serverTool.InputSchema.Properties,
			"required":   required,
		}
		discovered = append(discovered, b.wrapTool(serverTool.Name, serverTool.Description, schema))
	}

	b.stdio = mcpClient
	b.tools = discovered
	b.connected = true

	slog.Info("connected to MCP server (stdio)",
		"name", b.cfg.Name,
		"command", b.cfg.Transport.Command,
		"tools", len(discovered),
	)
	return nil
}

func (b *ToolBox) connectHTTP(ctx context.Context) error {
	var auth *OAuthHandler
	if b.cfg.OAuth != nil {
		auth = NewOAuthHandler(*b.cfg.OAuth, b.cfg.TokenStore)
	}

	session, err := newHTTPSession(b.cfg.Transport, auth)
	if err != nil {
		return err
	}

	if _, err := session.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	}); err != nil {
		return err
	}
	// The notification is best-effort; some servers skip it.
	session.call(ctx, "notifications/initialized", nil) //nolint:errcheck

	result, err := session.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var listing struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return fmt.Errorf("cannot decode tools/list response: %w", err)
	}

	var discovered []tools.Tool
	for _, serverTool := range listing.Tools {
		if b.filterSet != nil && !b.filterSet[serverTool.Name] {
			continue
		}
		discovered = append(discovered, b.wrapTool(serverTool.Name, serverTool.Description, serverTool.InputSchema))
	}

	b.http = session
	b.tools = discovered
	b.connected = true

	slog.Info("connected to MCP server (HTTP)",
		"name", b.cfg.Name,
		"url", b.cfg.Transport.URL,
		"transport", b.cfg.Transport.Kind,
		"tools", len(discovered),
	)
	return nil
}

// wrapTool reconstructs input descriptors from the server's JSON schema
// and checks them against locally declared ones.
func (b *ToolBox) wrapTool(name, description string, schema map[string]any) *Tool {
	descriptors := descriptorsFromSchema(name, schema)

	if declared, ok := b.cfg.DeclaredDescriptors[name]; ok {
		logDescriptorMismatches(b.cfg.Name, name, declared, descriptors)
	}

	return &Tool{
		toolbox:     b,
		name:        name,
		description: description,
		inputs:      descriptors,
		outputs:     []*property.Property{property.Any(tools.ToolOutputName, "")},
	}
}

func descriptorsFromSchema(toolName string, schema map[string]any) []*property.Property {
	if schema == nil {
		return nil
	}
	obj, err := property.FromJSONSchema(toolName, schema)
	if err != nil || obj.Kind != property.KindObject {
		slog.Warn("cannot reconstruct input descriptors from MCP schema",
			"tool", toolName, "error", err)
		return nil
	}

	required := make(map[string]bool, len(obj.RequiredKeys))
	for _, key := range obj.RequiredKeys {
		required[key] = true
	}

	descriptors := make([]*property.Property, 0, len(obj.Properties))
	for fieldName, field := range obj.Properties {
		desc := field.WithName(fieldName)
		if !required[fieldName] && !desc.HasDefault() {
			desc = desc.WithDefault(nil)
		}
		descriptors = append(descriptors, desc)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

func logDescriptorMismatches(toolboxName, toolName string, declared, actual []*property.Property) {
	actualByName := make(map[string]*property.Property, len(actual))
	for _, d := range actual {
		actualByName[d.Name] = d
	}
	for _, want := range declared {
		got, ok := actualByName[want.Name]
		if !ok {
			slog.Warn("declared MCP tool input is missing from the server schema",
				"toolbox", toolboxName, "tool", toolName, "input", want.Name)
			continue
		}
		if !want.CompatibleWith(got) {
			slog.Warn("MCP tool input type differs from the declared descriptor",
				"toolbox", toolboxName, "tool", toolName, "input", want.Name,
				"declared", want.Kind, "server", got.Kind)
		}
	}
	declaredNames := make(map[string]bool, len(declared))
	for _, d := range declared {
		declaredNames[d.Name] = true
	}
	for _, got := range actual {
		if !declaredNames[got.Name] {
			slog.Warn("MCP server schema declares an input absent from the local descriptors",
				"toolbox", toolboxName, "tool", toolName, "input", got.Name)
		}
	}
}

// Tool is one MCP server tool exposed through the shared session.
type Tool struct {
	toolbox     *ToolBox
	name        string
	description string
	inputs      []*property.Property
	outputs     []*property.Property
}

func (t *Tool) Name() string                            { return t.name }
func (t *Tool) Description() string                     { return t.description }
func (t *Tool) InputDescriptors() []*property.Property  { return t.inputs }
func (t *Tool) OutputDescriptors() []*property.Property { return t.outputs }
func (t *Tool) RequiresConfirmation() bool              { return false }

// Run invokes the tool over the toolbox's session.
func (t *Tool) Run(ctx context.Context, args map[string]any) (any, error) {
	args, err := tools.ValidateArgs(t, args)
	if err != nil {
		return nil, err
	}

	t.toolbox.mu.Lock()
	stdio := t.toolbox.stdio
	session := t.toolbox.http
	t.toolbox.mu.Unlock()

	if stdio != nil {
		return t.callStdio(ctx, stdio, args)
	}
	if session != nil {
		return t.callHTTP(ctx, session, args)
	}
	return nil, fmt.Errorf("MCP toolbox %q is not connected", t.toolbox.cfg.Name)
}

func (t *Tool) callStdio(ctx context.Context, stdio *client.Client, args map[string]any) (any, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	result, err := stdio.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP tool %q failed: %w", t.name, err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, fmt.Errorf("MCP tool %q returned an error: %s", t.name, text.String())
	}
	return decodeToolOutput(text.String()), nil
}

func (t *Tool) callHTTP(ctx context.Context, session *httpSession, args map[string]any) (any, error) {
	result, err := session.call(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP tool %q failed: %w", t.name, err)
	}

	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("cannot decode tools/call response: %w", err)
	}

	var text strings.Builder
	for _, content := range decoded.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}
	if decoded.IsError {
		return nil, fmt.Errorf("MCP tool %q returned an error: %s", t.name, text.String())
	}
	return decodeToolOutput(text.String()), nil
}

// decodeToolOutput surfaces JSON payloads as structured values and leaves
// plain text alone.
func decodeToolOutput(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var value any
		if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
			return value
		}
	}
	return text
}
