package tokens

import (
	"context"
	"sync"
	"time"
)

// Tokens holds one set of credentials for the upstream database session.
// The gateway stores exactly one set; it is shared by every registered
// client.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store defines the interface for token persistence. Tokens survive
// client churn; whether they survive a gateway restart depends on the
// implementation backing the store.
type Store interface {
	// Save stores the current token set, replacing any previous one.
	Save(ctx context.Context, t *Tokens) error
	// Load retrieves the stored token set, or nil when none is stored.
	Load(ctx context.Context) (*Tokens, error)
	// Clear removes the stored token set.
	Clear(ctx context.Context) error
}

// MemoryStore keeps tokens in process memory. Credentials are lost on
// restart, matching a browser session without durable storage.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens *Tokens
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, t *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.tokens = &copied
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil, nil
	}
	copied := *s.tokens
	return &copied, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	return nil
}
