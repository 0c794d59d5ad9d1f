// Package uuid issues session identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings so session IDs sort by
// creation in logs.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Sequence returns IDs from a fixed list and falls back to the wrapped
// generator once the list is exhausted. It is meant for deterministic tests.
type Sequence struct {
	ids  []string
	next int
	base Generator
}

// NewSequence builds a Sequence over ids.
func NewSequence(ids ...string) *Sequence {
	return &Sequence{ids: append([]string(nil), ids...)}
}

// NewID returns the next queued ID. Sequence is not safe for concurrent use.
func (s *Sequence) NewID() (string, error) {
	if s.next < len(s.ids) {
		id := s.ids[s.next]
		s.next++
		return id, nil
	}
	return s.base.NewID()
}
