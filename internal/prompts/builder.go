package prompts

import (
	"fmt"
	"strings"
)

// Builder composes a prompt from a registered base plus fragments and
// {{variable}} substitutions.
type Builder struct {
	fragments []string
	variables map[string]string
}

// NewBuilder starts a builder from the latest version of a registered prompt.
func NewBuilder(registry *Registry, id string) (*Builder, error) {
	base, err := registry.Latest(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get base prompt: %w", err)
	}
	return &Builder{
		fragments: []string{base.Content},
		variables: make(map[string]string),
	}, nil
}

// AddFragment appends a fragment to the prompt.
func (b *Builder) AddFragment(text string) *Builder {
	b.fragments = append(b.fragments, text)
	return b
}

// SetVariable sets a {{key}} substitution.
func (b *Builder) SetVariable(key, value string) *Builder {
	b.variables[key] = value
	return b
}

// Build joins the fragments and applies variable substitutions.
func (b *Builder) Build() string {
	result := strings.Join(b.fragments, "\n\n")
	for key, value := range b.variables {
		result = strings.ReplaceAll(result, fmt.Sprintf("{{%s}}", key), value)
	}
	return result
}
