package merge

import (
	"github.com/i474232898/avalanche-data-cache/internal/query"
)

// Policy combines validated parts, given in declared plan order, into one
// canonical value. A nil part is a missing optional part and contributes
// nothing. Policies must be deterministic and must not modify their inputs.
type Policy func(parts []any) any

// Merger holds the policy of each source family.
type Merger struct {
	policies map[query.Source]Policy
}

// New creates a Merger with no family-specific policies.
func New() *Merger {
	return &Merger{policies: make(map[query.Source]Policy)}
}

// Register sets the policy for source.
func (m *Merger) Register(source query.Source, p Policy) {
	m.policies[source] = p
}

// Merge combines parts using the policy of source, falling back to First.
func (m *Merger) Merge(source query.Source, parts []any) any {
	if p, ok := m.policies[source]; ok {
		return p(parts)
	}
	return First(parts)
}

// First returns the first present part.
func First(parts []any) any {
	for _, p := range parts {
		if p != nil {
			return p
		}
	}
	return nil
}
