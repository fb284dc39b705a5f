// ABOUTME: Thread-safe string set for deduplicating artifact URLs.
// ABOUTME: Used by handlers to prevent duplicate processing of re-delivered replies.

package dedupe

import "sync"

// Set is a thread-safe string set used to track seen or in-flight URLs.
// Handlers keep one Set per concern (processed, in-flight); entries for a
// failed attempt are released with Forget so a later delivery can retry.
type Set struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// New creates an empty set.
func New() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Check returns true if the key has been marked.
func (s *Set) Check(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.seen[key]
	return ok
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and
// now marked. This prevents TOCTOU races between concurrent deliveries of the
// same URL.
func (s *Set) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}

// Mark records that a key has been seen.
func (s *Set) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = struct{}{}
}

// Forget removes a key, permitting a future retry delivery.
func (s *Set) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
}

// Len returns the number of tracked keys.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
