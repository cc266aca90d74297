package auth

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/solvewatch/solvewatch/internal/api"
)

// Store holds the current token pair, mirrored to a single JSON file so the
// session survives process restarts. It does no validation; it is storage.
type Store struct {
	path string

	mu   sync.Mutex
	pair *api.TokenPair
}

// NewStore loads any previously persisted pair from path. A missing or
// unreadable file simply means no session.
func NewStore(path string) *Store {
	s := &Store{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var pair api.TokenPair
	if json.Unmarshal(raw, &pair) != nil || pair.Access == "" {
		return s
	}
	s.pair = &pair
	return s
}

// Get returns the current pair, if any.
func (s *Store) Get() (api.TokenPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return api.TokenPair{}, false
	}
	return *s.pair, true
}

// Set replaces the stored pair and persists it. Last write wins.
func (s *Store) Set(pair api.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, append(b, '\n'), 0o600); err != nil {
		return err
	}
	s.pair = &pair
	return nil
}

// Clear forgets the pair and removes the persisted copy.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
