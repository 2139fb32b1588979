// Package observability names the tracer, span and attribute conventions
// used across the runtime. Tracing is a no-op until the host process
// installs an OpenTelemetry tracer provider.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanLLMRequest    = "llm.request"
	SpanStepExecution = "step.execution"
	SpanToolExecution = "tool.execution"
)

// Attribute keys.
const (
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrStepName        = "step.name"
	AttrToolName        = "tool.name"
)

// GetTracer returns a tracer from the globally installed provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
