package dedup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store for tests and single-process runs
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	Now     func() time.Time
}

// NewMemoryStore creates an empty in-memory claim store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// TryClaim creates the claim if no live entry exists for id
func (s *MemoryStore) TryClaim(_ context.Context, id string, lease time.Duration) (Claim, error) {
	if strings.TrimSpace(id) == "" {
		return Claim{}, models.ErrInvalidInput("claim id is required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if entry, ok := s.entries[id]; ok && now.Before(entry.expiresAt) {
		return Claim{ID: id, Outcome: AlreadyClaimed}, nil
	}

	token := uuid.NewString()
	s.entries[id] = memoryEntry{token: token, expiresAt: now.Add(lease)}
	return Claim{ID: id, Token: token, Outcome: Claimed}, nil
}

// Complete extends a won claim to retain
func (s *MemoryStore) Complete(ctx context.Context, claim Claim, retain time.Duration) error {
	if !claim.Won() {
		return nil
	}
	if retain <= 0 {
		return s.Release(ctx, claim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[claim.ID]; ok && entry.token == claim.Token {
		entry.expiresAt = s.Now().Add(retain)
		s.entries[claim.ID] = entry
	}
	return nil
}

// Release drops a won claim if the caller still holds it
func (s *MemoryStore) Release(_ context.Context, claim Claim) error {
	if !claim.Won() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[claim.ID]; ok && entry.token == claim.Token {
		delete(s.entries, claim.ID)
	}
	return nil
}

// Health always succeeds for the in-memory store
func (s *MemoryStore) Health(context.Context) error {
	return nil
}
