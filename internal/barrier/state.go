// Package barrier implements the first/last barrier protocol over in-memory
// counters: a first message announces the expected count, item messages are
// counted as they arrive, and the last message waits for the counter to catch
// up before reporting completion. No persistence collaborator is involved;
// counter lifetime is tied to batch registration.
package barrier

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRegistered is returned for counter operations on a batch that was
// never registered or has been cleaned up.
var ErrNotRegistered = errors.New("batch not registered")

// CounterStore tracks per-batch progress counters. All operations are safe
// for concurrent use by competing handlers.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	expected  int
	processed int
	published bool
}

// NewCounterStore creates an empty store.
func NewCounterStore() *CounterStore {
	return &CounterStore{counters: make(map[string]*counter)}
}

// Register records the expected item count for a batch. Registering an
// already-registered batch is an error: it indicates two racing first
// messages for the same batch.
func (s *CounterStore) Register(batchID string, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[batchID]; ok {
		return fmt.Errorf("batch %s already registered", batchID)
	}
	s.counters[batchID] = &counter{expected: expected}
	return nil
}

// Increment adds one processed item and returns the new count.
func (s *CounterStore) Increment(batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[batchID]
	if !ok {
		return 0, fmt.Errorf("batch %s: %w", batchID, ErrNotRegistered)
	}
	c.processed++
	return c.processed, nil
}

// Progress reports the processed and expected counts.
func (s *CounterStore) Progress(batchID string) (processed, expected int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[batchID]
	if !ok {
		return 0, 0, fmt.Errorf("batch %s: %w", batchID, ErrNotRegistered)
	}
	return c.processed, c.expected, nil
}

// ClaimPublish marks the batch's item set as published and reports whether
// the caller won the claim. Competing handlers race to fan the item set out;
// exactly one may proceed.
func (s *CounterStore) ClaimPublish(batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[batchID]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", batchID, ErrNotRegistered)
	}
	if c.published {
		return false, nil
	}
	c.published = true
	return true, nil
}

// Delete drops a batch's counter. Deleting an absent batch is a no-op.
func (s *CounterStore) Delete(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, batchID)
}
