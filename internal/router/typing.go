package router

import (
	"sort"
	"sync"
	"time"
)

// typingTTL matches the server-side presence TTL. Entries expire locally on
// this clock regardless of whether an explicit stop event ever arrives, so a
// dropped event can only leave the indicator stale for a bounded time.
const typingTTL = 5 * time.Second

// TypingSet tracks which remote users are typing in each conversation.
type TypingSet struct {
	mu      sync.Mutex
	entries map[string]map[string]*time.Timer // conversation → user → expiry
	stopped bool
}

// NewTypingSet creates an empty TypingSet.
func NewTypingSet() *TypingSet {
	return &TypingSet{entries: make(map[string]map[string]*time.Timer)}
}

// Set marks userID typing in conversationID, restarting its expiry timer.
func (s *TypingSet) Set(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	users, ok := s.entries[conversationID]
	if !ok {
		users = make(map[string]*time.Timer)
		s.entries[conversationID] = users
	}
	if t, ok := users[userID]; ok {
		t.Stop()
	}
	users[userID] = time.AfterFunc(typingTTL, func() {
		s.Clear(conversationID, userID)
	})
}

// Clear removes userID from conversationID.
func (s *TypingSet) Clear(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.entries[conversationID]
	if !ok {
		return
	}
	if t, ok := users[userID]; ok {
		t.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(s.entries, conversationID)
	}
}

// Typing returns the users currently typing in conversationID, sorted.
func (s *TypingSet) Typing(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.entries[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stop cancels every expiry timer. The set is unusable afterwards.
func (s *TypingSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, users := range s.entries {
		for _, t := range users {
			t.Stop()
		}
	}
	s.entries = make(map[string]map[string]*time.Timer)
}
