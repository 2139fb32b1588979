// Package templates renders {{variable}} prompt templates and infers their
// input variables. Rendering is backed by text/template with missing keys
// reported as errors, so a template never silently drops an input.
package templates

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

var variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Variables returns the distinct variable names referenced by the template,
// in order of first appearance.
func Variables(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, match := range variablePattern.FindAllStringSubmatch(tmpl, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// Render substitutes values into the template. Every referenced variable must
// be present in values.
func Render(tmpl string, values map[string]any) (string, error) {
	var missing []string
	for _, name := range Variables(tmpl) {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("template is missing inputs: %s", strings.Join(missing, ", "))
	}

	// Normalize {{ name }} to {{.name}} for text/template.
	normalized := variablePattern.ReplaceAllString(tmpl, "{{index . `$1`}}")

	t, err := template.New("prompt").Option("missingkey=error").Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, values); err != nil {
		return "", fmt.Errorf("template rendering failed: %w", err)
	}
	return sb.String(), nil
}
