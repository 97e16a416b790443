// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ConsumerTag returns a broker consumer tag unique to this process, e.g.
// "fetchworker-0190f6a2-...". It falls back to a v4 ID if v7 generation fails.
func (g Generator) ConsumerTag(prefix string) string {
	id, err := g.NewID()
	if err != nil {
		id = uuid.NewString()
	}
	return prefix + "-" + id
}
