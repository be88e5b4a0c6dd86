package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RefreshRecord is a signed-in session: the refresh token, who it belongs to
// and the nonce that was bound to the sign-in that created it.
type RefreshRecord struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Provider  string    `json:"provider"`
	Nonce     string    `json:"nonce,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ErrNotFound indicates that a refresh token does not exist (or has already been used).
var ErrNotFound = errors.New("refresh token not found")

// RefreshStore persists refresh tokens so they can be validated and rotated.
type RefreshStore interface {
	Save(ctx context.Context, record RefreshRecord) error
	Get(ctx context.Context, token string) (RefreshRecord, error)
	Delete(ctx context.Context, token string) error
	Replace(ctx context.Context, previousToken string, next RefreshRecord) error
}

// MemoryRefreshStore keeps refresh tokens in-memory. Sessions are lost on restart.
type MemoryRefreshStore struct {
	mu     sync.RWMutex
	tokens map[string]RefreshRecord
}

// NewMemoryRefreshStore returns a new in-memory store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{
		tokens: map[string]RefreshRecord{},
	}
}

func (s *MemoryRefreshStore) Save(_ context.Context, record RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[record.Token] = record
	return nil
}

func (s *MemoryRefreshStore) Get(_ context.Context, token string) (RefreshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[token]
	if !ok {
		return RefreshRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryRefreshStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// Replace swaps previousToken for next under a single lock. The session
// nonce carries over when next does not set one.
func (s *MemoryRefreshStore) Replace(_ context.Context, previousToken string, next RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tokens[previousToken]; ok && next.Nonce == "" {
		next.Nonce = prev.Nonce
	}
	delete(s.tokens, previousToken)
	s.tokens[next.Token] = next
	return nil
}

// CleanupExpired removes expired tokens and returns the number of deleted items.
func (s *MemoryRefreshStore) CleanupExpired(_ context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for token, record := range s.tokens {
		if record.ExpiresAt.Before(now) {
			delete(s.tokens, token)
			count++
		}
	}
	return count
}
