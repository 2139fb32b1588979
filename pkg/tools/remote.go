package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/wayflowcore/wayflow-go/pkg/httpclient"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/templates"
)

// RemoteTool calls an HTTP endpoint. The URL and method are templates
// over the tool's arguments, so a single tool can address a family of
// endpoints ("https://api.example.com/users/{{user_id}}").
type RemoteTool struct {
	name                 string
	description          string
	urlTemplate          string
	methodTemplate       string
	headers              map[string]string
	sensitiveHeaders     map[string]string
	outputQuery          *gojq.Query
	inputs               []*property.Property
	outputs              []*property.Property
	requiresConfirmation bool
	client               *httpclient.Client
}

// RemoteToolConfig collects the knobs for building a RemoteTool.
type RemoteToolConfig struct {
	Name        string
	Description string

	// URL may reference {{variables}}; each becomes a string input.
	URL string
	// Method defaults to GET and may also be templated.
	Method string

	// Headers are sent on every request and appear when the tool config
	// is serialized. SensitiveHeaders are sent but never serialized; the
	// two sets must be disjoint.
	Headers          map[string]string
	SensitiveHeaders map[string]string

	// OutputJQQuery, when set, is applied to the decoded JSON response
	// and its first result becomes the tool output.
	OutputJQQuery string

	// InputDescriptors overrides the descriptors inferred from template
	// variables, e.g. to add a request body parameter.
	InputDescriptors []*property.Property

	RequiresConfirmation bool

	// Client defaults to the shared retrying client.
	Client *httpclient.Client
}

// BodyInputName is the reserved input carrying the JSON request body.
const BodyInputName = "body"

// NewRemoteTool builds a tool over an HTTP endpoint.
func NewRemoteTool(cfg RemoteToolConfig) (*RemoteTool, error) {
	if err := ValidateName(cfg.Name, false); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote tool %q: URL cannot be empty", cfg.Name)
	}
	for key := range cfg.SensitiveHeaders {
		if _, clash := cfg.Headers[key]; clash {
			return nil, fmt.Errorf("remote tool %q: header %q is both plain and sensitive", cfg.Name, key)
		}
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	inputs := cfg.InputDescriptors
	if inputs == nil {
		for _, variable := range templates.Variables(cfg.URL + " " + method) {
			inputs = append(inputs, property.String(variable, ""))
		}
	}

	var query *gojq.Query
	if cfg.OutputJQQuery != "" {
		parsed, err := gojq.Parse(cfg.OutputJQQuery)
		if err != nil {
			return nil, fmt.Errorf("remote tool %q: invalid jq query: %w", cfg.Name, err)
		}
		query = parsed
	}

	client := cfg.Client
	if client == nil {
		client = httpclient.New()
	}

	return &RemoteTool{
		name:                 cfg.Name,
		description:          cfg.Description,
		urlTemplate:          cfg.URL,
		methodTemplate:       method,
		headers:              cfg.Headers,
		sensitiveHeaders:     cfg.SensitiveHeaders,
		outputQuery:          query,
		inputs:               inputs,
		outputs:              []*property.Property{property.Any(ToolOutputName, "")},
		requiresConfirmation: cfg.RequiresConfirmation,
		client:               client,
	}, nil
}

func (t *RemoteTool) Name() string                            { return t.name }
func (t *RemoteTool) Description() string                     { return t.description }
func (t *RemoteTool) InputDescriptors() []*property.Property  { return t.inputs }
func (t *RemoteTool) OutputDescriptors() []*property.Property { return t.outputs }
func (t *RemoteTool) RequiresConfirmation() bool              { return t.requiresConfirmation }

// Run renders the URL and method, performs the request, and returns the
// decoded JSON response (optionally narrowed by the jq query).
func (t *RemoteTool) Run(ctx context.Context, args map[string]any) (any, error) {
	args, err := ValidateArgs(t, args)
	if err != nil {
		return nil, err
	}

	templateValues := make(map[string]any, len(args))
	for k, v := range args {
		if k != BodyInputName {
			templateValues[k] = v
		}
	}

	url, err := templates.Render(t.urlTemplate, templateValues)
	if err != nil {
		return nil, fmt.Errorf("remote tool %q: URL: %w", t.name, err)
	}
	method, err := templates.Render(t.methodTemplate, templateValues)
	if err != nil {
		return nil, fmt.Errorf("remote tool %q: method: %w", t.name, err)
	}
	method = strings.ToUpper(strings.TrimSpace(method))

	var body io.Reader
	if raw, ok := args[BodyInputName]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("remote tool %q: cannot encode body: %w", t.name, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("remote tool %q: %w", t.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}
	for key, value := range t.sensitiveHeaders {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote tool %q: request failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote tool %q: cannot read response: %w", t.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote tool %q: HTTP %d: %s", t.name, resp.StatusCode, truncate(string(payload), 512))
	}

	var decoded any
	if len(bytes.TrimSpace(payload)) == 0 {
		decoded = nil
	} else if err := json.Unmarshal(payload, &decoded); err != nil {
		// Non-JSON responses are passed through as text.
		decoded = string(payload)
	}

	if t.outputQuery == nil {
		return decoded, nil
	}
	return t.applyQuery(ctx, decoded)
}

func (t *RemoteTool) applyQuery(ctx context.Context, input any) (any, error) {
	iter := t.outputQuery.RunWithContext(ctx, input)
	value, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := value.(error); isErr {
		return nil, fmt.Errorf("remote tool %q: jq query failed: %w", t.name, err)
	}
	return value, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
