package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// DefaultMaxStreamChunks caps streaming tool output so a runaway generator
// cannot wedge a conversation. UnboundedStreamChunks disables the cap.
const (
	DefaultMaxStreamChunks = 300
	UnboundedStreamChunks  = -1
)

var (
	maxStreamChunksMu      sync.RWMutex
	defaultMaxStreamChunks = DefaultMaxStreamChunks
)

// SetDefaultMaxStreamChunks overrides the process-wide streaming cap for
// tools that do not set their own. Pass UnboundedStreamChunks to disable.
func SetDefaultMaxStreamChunks(n int) {
	maxStreamChunksMu.Lock()
	defer maxStreamChunksMu.Unlock()
	defaultMaxStreamChunks = n
}

func currentMaxStreamChunks() int {
	maxStreamChunksMu.RLock()
	defer maxStreamChunksMu.RUnlock()
	return defaultMaxStreamChunks
}

// RunFunc is the callable behind a non-streaming server tool.
type RunFunc func(ctx context.Context, args map[string]any) (any, error)

// StreamFunc is the callable behind a streaming server tool. The final
// yielded value is the tool output; earlier values are intermediate chunks.
type StreamFunc func(ctx context.Context, args map[string]any) iter.Seq2[any, error]

// ServerTool is a tool backed by a local callable.
type ServerTool struct {
	name                 string
	description          string
	inputs               []*property.Property
	outputs              []*property.Property
	requiresConfirmation bool
	strictName           bool
	maxStreamChunks      *int

	run    RunFunc
	stream StreamFunc
}

type ServerToolOption func(*ServerTool)

// WithConfirmation marks the tool as requiring caller confirmation.
func WithConfirmation() ServerToolOption {
	return func(t *ServerTool) { t.requiresConfirmation = true }
}

// WithOutputs declares named outputs instead of the default anonymous one.
func WithOutputs(outputs ...*property.Property) ServerToolOption {
	return func(t *ServerTool) { t.outputs = outputs }
}

// WithMaxStreamChunks caps this tool's stream independently of the
// process-wide default.
func WithMaxStreamChunks(n int) ServerToolOption {
	return func(t *ServerTool) { t.maxStreamChunks = &n }
}

// WithStrictName rejects names outside the provider-safe pattern instead
// of logging a warning.
func WithStrictName() ServerToolOption {
	return func(t *ServerTool) { t.strictName = true }
}

// NewServerTool builds a tool around a synchronous callable.
func NewServerTool(name, description string, inputs []*property.Property, run RunFunc, opts ...ServerToolOption) (*ServerTool, error) {
	return newServerTool(name, description, inputs, run, nil, opts)
}

// NewStreamingServerTool builds a tool around a streaming callable. The
// last yielded value becomes the tool output.
func NewStreamingServerTool(name, description string, inputs []*property.Property, stream StreamFunc, opts ...ServerToolOption) (*ServerTool, error) {
	return newServerTool(name, description, inputs, nil, stream, opts)
}

func newServerTool(name, description string, inputs []*property.Property, run RunFunc, stream StreamFunc, opts []ServerToolOption) (*ServerTool, error) {
	t := &ServerTool{
		name:        name,
		description: description,
		inputs:      inputs,
		run:         run,
		stream:      stream,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := ValidateName(name, t.strictName); err != nil {
		return nil, err
	}
	if t.outputs == nil {
		t.outputs = []*property.Property{property.Any(ToolOutputName, "")}
	}
	return t, nil
}

func (t *ServerTool) Name() string                            { return t.name }
func (t *ServerTool) Description() string                     { return t.description }
func (t *ServerTool) InputDescriptors() []*property.Property  { return t.inputs }
func (t *ServerTool) OutputDescriptors() []*property.Property { return t.outputs }
func (t *ServerTool) RequiresConfirmation() bool              { return t.requiresConfirmation }

// IsStreaming reports whether the tool produces intermediate chunks.
func (t *ServerTool) IsStreaming() bool { return t.stream != nil }

// Run executes the tool. Streaming tools are drained and the final chunk
// is returned as the output.
func (t *ServerTool) Run(ctx context.Context, args map[string]any) (any, error) {
	args, err := ValidateArgs(t, args)
	if err != nil {
		return nil, err
	}
	if t.run != nil {
		return t.run(ctx, args)
	}

	var output any
	for chunk, err := range t.runStream(ctx, args) {
		if err != nil {
			return nil, err
		}
		output = chunk
	}
	return output, nil
}

// RunStreaming executes the tool and yields every chunk, ending with the
// final output. Non-streaming tools yield exactly one value.
func (t *ServerTool) RunStreaming(ctx context.Context, args map[string]any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		args, err := ValidateArgs(t, args)
		if err != nil {
			yield(nil, err)
			return
		}
		if t.stream == nil {
			yield(t.run(ctx, args))
			return
		}
		for chunk, err := range t.runStream(ctx, args) {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

func (t *ServerTool) runStream(ctx context.Context, args map[string]any) iter.Seq2[any, error] {
	limit := currentMaxStreamChunks()
	if t.maxStreamChunks != nil {
		limit = *t.maxStreamChunks
	}
	return func(yield func(any, error) bool) {
		count := 0
		for chunk, err := range t.stream(ctx, args) {
			if err != nil {
				yield(nil, err)
				return
			}
			count++
			if limit != UnboundedStreamChunks && count > limit {
				yield(nil, fmt.Errorf("tool %q exceeded the streaming cap of %d chunks", t.name, limit))
				return
			}
			if !yield(chunk, nil) {
				return
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// NewStructTool builds a server tool whose arguments are decoded into a
// typed struct. The parameter schema is reflected from the struct's
// `json` and `jsonschema` tags, and defaults come from the zero value
// being acceptable only when the field is marked omitempty.
func NewStructTool[T any](name, description string, run func(ctx context.Context, args T) (any, error), opts ...ServerToolOption) (*ServerTool, error) {
	var zero T
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(zero)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %q: cannot serialize reflected schema: %w", name, err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		return nil, fmt.Errorf("tool %q: cannot decode reflected schema: %w", name, err)
	}

	inputs, err := descriptorsFromObjectSchema(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}

	wrapped := func(ctx context.Context, args map[string]any) (any, error) {
		var decoded T
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &decoded,
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(args); err != nil {
			return nil, fmt.Errorf("tool %q: cannot decode arguments: %w", name, err)
		}
		return run(ctx, decoded)
	}

	return NewServerTool(name, description, inputs, wrapped, opts...)
}

// descriptorsFromObjectSchema flattens a top-level object schema into one
// descriptor per property, marking non-required properties with a nil
// default so they stay optional.
func descriptorsFromObjectSchema(schema map[string]any) ([]*property.Property, error) {
	props, _ := schema["properties"].(map[string]any)
	required := make(map[string]bool)
	if names, ok := schema["required"].([]any); ok {
		for _, n := range names {
			if s, ok := n.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for fieldName := range props {
		names = append(names, fieldName)
	}
	sort.Strings(names)

	descriptors := make([]*property.Property, 0, len(props))
	for _, fieldName := range names {
		m, ok := props[fieldName].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("property %q has a non-object schema", fieldName)
		}
		desc, err := property.FromJSONSchema(fieldName, m)
		if err != nil {
			return nil, err
		}
		if !required[fieldName] && !desc.HasDefault() {
			desc = desc.WithDefault(nil)
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}
