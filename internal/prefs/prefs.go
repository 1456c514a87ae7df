// Package prefs keeps per-chat preferences in memory.
package prefs

import "sync"

// Store maps a chat id to its chosen model. The zero value is not usable;
// call New.
type Store struct {
	mu     sync.RWMutex
	models map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{models: make(map[string]string)}
}

// Model returns the model chosen for chatID, or fallback if none.
func (s *Store) Model(chatID, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.models[chatID]; ok {
		return m
	}
	return fallback
}

// SetModel records the model for chatID. An empty model clears the choice.
func (s *Store) SetModel(chatID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model == "" {
		delete(s.models, chatID)
		return
	}
	s.models[chatID] = model
}

// Clear forgets every preference of chatID.
func (s *Store) Clear(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, chatID)
}
