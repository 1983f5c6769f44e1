package testutil

import (
	"fmt"
	"sync"
)

// Sequence generates predictable identifiers: prefix-1, prefix-2, ...
//
// Used as the intent source for drainers under test so fingerprints and
// idempotency keys are identical across runs, which golden traces rely on.
//
// Thread-safety: safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a sequence. An empty prefix becomes "test".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "test"
	}
	return &Sequence{prefix: prefix}
}

// Next returns the next identifier.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

// Generate implements op.IDGenerator.
func (s *Sequence) Generate() string {
	return s.Next()
}

// Reset restarts the sequence at 1.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
