package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAttemptNotFound means the state is unknown, already used or expired.
	ErrAttemptNotFound = errors.New("sign-in attempt not found")
	// ErrPendingNotFound means no unclaimed result is waiting for the device.
	ErrPendingNotFound = errors.New("pending sign-in result not found")
)

// Attempt is a sign-in that has been launched and is waiting for the
// provider's redirect.
type Attempt struct {
	State     string    `json:"state"`
	Provider  string    `json:"provider"`
	DeviceID  string    `json:"deviceId,omitempty"`
	RawNonce  string    `json:"rawNonce"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PendingResult is a completed sign-in that arrived while nobody was waiting
// for it. Exactly one of IDToken or Failure is set.
type PendingResult struct {
	DeviceID          string    `json:"deviceId"`
	Provider          string    `json:"provider"`
	IDToken           string    `json:"idToken,omitempty"`
	AccessToken       string    `json:"accessToken,omitempty"`
	AuthorizationCode string    `json:"authorizationCode,omitempty"`
	RawNonce          string    `json:"rawNonce,omitempty"`
	Subject           string    `json:"subject,omitempty"`
	Email             string    `json:"email,omitempty"`
	Name              string    `json:"name,omitempty"`
	Failure           string    `json:"failure,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// AttemptStore keeps in-flight attempts and unclaimed results. Both are
// single-use: Take removes what it returns.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, attempt Attempt) error
	TakeAttempt(ctx context.Context, state string) (Attempt, error)
	SavePending(ctx context.Context, result PendingResult) error
	TakePending(ctx context.Context, deviceID string) (PendingResult, error)
}

// MemoryAttemptStore is an AttemptStore for a single process.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]Attempt
	pending  map[string]PendingResult
	now      func() time.Time
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts: map[string]Attempt{},
		pending:  map[string]PendingResult{},
		now:      time.Now,
	}
}

func (s *MemoryAttemptStore) SaveAttempt(_ context.Context, attempt Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.State] = attempt
	return nil
}

func (s *MemoryAttemptStore) TakeAttempt(_ context.Context, state string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[state]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	delete(s.attempts, state)
	if !attempt.ExpiresAt.IsZero() && s.now().After(attempt.ExpiresAt) {
		return Attempt{}, ErrAttemptNotFound
	}
	return attempt, nil
}

// SavePending overwrites any earlier unclaimed result for the same device.
func (s *MemoryAttemptStore) SavePending(_ context.Context, result PendingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[result.DeviceID] = result
	return nil
}

func (s *MemoryAttemptStore) TakePending(_ context.Context, deviceID string) (PendingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.pending[deviceID]
	if !ok {
		return PendingResult{}, ErrPendingNotFound
	}
	delete(s.pending, deviceID)
	if !result.ExpiresAt.IsZero() && s.now().After(result.ExpiresAt) {
		return PendingResult{}, ErrPendingNotFound
	}
	return result, nil
}

// CleanupExpired drops expired attempts and pending results and returns how many were removed.
func (s *MemoryAttemptStore) CleanupExpired(_ context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for state, attempt := range s.attempts {
		if attempt.ExpiresAt.Before(now) {
			delete(s.attempts, state)
			count++
		}
	}
	for device, result := range s.pending {
		if result.ExpiresAt.Before(now) {
			delete(s.pending, device)
			count++
		}
	}
	return count
}
