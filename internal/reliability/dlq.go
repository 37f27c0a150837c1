package reliability

import (
	"context"
	"sync"
	"time"
)

// Dead letter reasons
const (
	ReasonNoHandler       = "no-handler"
	ReasonHandlerFailed   = "handler-failed"
	ReasonUndecodable     = "undecodable"
	ReasonMaxAttempts     = "max-attempts-exceeded"
)

// DeadLetter is a delivery that was removed from an inbox without being handled
type DeadLetter struct {
	ID         string
	Topic      string
	Sender     string
	Reason     string
	Error      string
	Attempts   int
	Body       []byte
	ReceivedAt time.Time
	FailedAt   time.Time
}

// DeadLetterStore keeps dead letters for inspection
type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Get(ctx context.Context, id string) (DeadLetter, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// InMemoryDeadLetterStore keeps the most recent dead letters in memory. When full the
// oldest entry is evicted.
type InMemoryDeadLetterStore struct {
	mu       sync.Mutex
	letters  []DeadLetter
	capacity int
}

// NewInMemoryDeadLetterStore creates a store holding up to capacity entries
func NewInMemoryDeadLetterStore(capacity int) *InMemoryDeadLetterStore {
	if capacity < 1 {
		capacity = 1000
	}
	return &InMemoryDeadLetterStore{capacity: capacity}
}

// Add implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Add(_ context.Context, letter DeadLetter) error {
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}
	letter.Body = append([]byte(nil), letter.Body...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.letters) >= s.capacity {
		s.letters = s.letters[1:]
	}
	s.letters = append(s.letters, letter)
	return nil
}

// List returns up to limit entries, oldest first. A limit <= 0 returns everything.
func (s *InMemoryDeadLetterStore) List(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.letters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, s.letters[:n])
	return out, nil
}

// Get implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Get(_ context.Context, id string) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.letters {
		if l.ID == id {
			return l, nil
		}
	}
	return DeadLetter{}, ErrDeadLetterNotFound
}

// Remove implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.letters {
		if l.ID == id {
			s.letters = append(s.letters[:i], s.letters[i+1:]...)
			return nil
		}
	}
	return ErrDeadLetterNotFound
}

// Count implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters), nil
}
