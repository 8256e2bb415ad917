package detection

import (
	"strings"
	"sync"
	"sync/atomic"
)

// HashSet is the known-bad content hash set consulted on every inspection.
//
// Reads load an immutable snapshot through an atomic pointer and never block.
// Writers build a new map and swap it in; mu only serialises writers against
// each other so concurrent Add calls do not lose entries.
type HashSet struct {
	snapshot atomic.Pointer[map[string]string]
	mu       sync.Mutex
}

// NewHashSet creates a set from hash -> threat label entries
func NewHashSet(entries map[string]string) *HashSet {
	s := &HashSet{}
	s.Replace(entries)
	return s
}

// Lookup returns the threat label for a hash
func (s *HashSet) Lookup(hash string) (string, bool) {
	m := s.snapshot.Load()
	if m == nil {
		return "", false
	}
	label, ok := (*m)[normalizeHash(hash)]
	return label, ok
}

// Contains reports whether hash is known-bad
func (s *HashSet) Contains(hash string) bool {
	_, ok := s.Lookup(hash)
	return ok
}

// Len returns the size of the current snapshot
func (s *HashSet) Len() int {
	m := s.snapshot.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Replace swaps in a complete new snapshot (feed refresh)
func (s *HashSet) Replace(entries map[string]string) {
	next := make(map[string]string, len(entries))
	for hash, label := range entries {
		next[normalizeHash(hash)] = label
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Store(&next)
}

// Add copies the current snapshot and adds one entry
func (s *HashSet) Add(hash, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current map[string]string
	if m := s.snapshot.Load(); m != nil {
		current = *m
	}
	next := make(map[string]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[normalizeHash(hash)] = label
	s.snapshot.Store(&next)
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
