package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariables(t *testing.T) {
	assert.Equal(t, []string{"city", "day"},
		Variables("Weather in {{city}} on {{ day }}, again {{city}}."))
	assert.Empty(t, Variables("no placeholders here"))
}

func TestRender(t *testing.T) {
	out, err := Render("Hello {{name}}, welcome to {{ place }}!", map[string]any{
		"name": "Ada", "place": "the lab",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, welcome to the lab!", out)
}

func TestRenderReportsMissingInputs(t *testing.T) {
	_, err := Render("{{a}} and {{b}}", map[string]any{"b": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
}

func TestRenderNonStringValues(t *testing.T) {
	out, err := Render("retry {{count}} times", map[string]any{"count": 3})
	require.NoError(t, err)
	assert.Equal(t, "retry 3 times", out)
}

func TestRenderExtraValuesAreIgnored(t *testing.T) {
	out, err := Render("just {{this}}", map[string]any{"this": "one", "unused": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "just one", out)
}
