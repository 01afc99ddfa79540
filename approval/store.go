package approval

import (
	"context"
	"errors"
	"sync"
)

// ErrStale is returned by Store.CompareAndSwap when the book changed since it was
// loaded.
var ErrStale = errors.New("stale version book")

// Store persists version books with optimistic concurrency.
type Store interface {
	// Load returns the book of a phase. A phase without versions yields an empty
	// book with token 0.
	Load(ctx context.Context, phase string) (Book, error)

	// CompareAndSwap replaces the stored book if its token still equals expected.
	// The stored token becomes book.Token. Returns ErrStale on mismatch.
	CompareAndSwap(ctx context.Context, book Book, expected uint64) error
}

// Sink receives every committed version change.
type Sink interface {
	PersistVersion(ctx context.Context, v PhaseVersion) error
}

// MemoryStore keeps version books in memory.
type MemoryStore struct {
	mu    sync.Mutex
	books map[string]Book
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]Book),
	}
}

// Load returns a copy of the phase's book.
func (s *MemoryStore) Load(ctx context.Context, phase string) (Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[phase]
	if !ok {
		return Book{Phase: phase}, nil
	}
	return b.Clone(), nil
}

// CompareAndSwap stores book if the current token equals expected.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, book Book, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.books[book.Phase]
	if current.Token != expected {
		return ErrStale
	}
	s.books[book.Phase] = book.Clone()
	return nil
}

// ErrVersionNotFound is returned for operations on an unknown version number.
var ErrVersionNotFound = errors.New("version not found")
