package ledger

import (
	"context"
	"sync"
)

// MemoryStore is the reference Store implementation: a mutex-guarded,
// sequence-ordered slice. It backs tests and the verifier's own test
// fixtures; production deployments use the Postgres store in
// internal/db/repositories.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry // ascending sequence order, possibly with gaps after Corrupt/Remove
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends the entry, rejecting duplicate sequence numbers.
func (s *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if existing.SequenceNumber == e.SequenceNumber {
			return ErrDuplicateSequence
		}
	}

	cp := cloneEntry(e)
	// Keep ascending order even if sequences arrive out of order.
	i := len(s.entries)
	for i > 0 && s.entries[i-1].SequenceNumber > cp.SequenceNumber {
		i--
	}
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = cp
	return nil
}

// Tip returns the highest-sequence entry.
func (s *MemoryStore) Tip(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, ErrEmptyChain
	}
	return cloneEntry(s.entries[len(s.entries)-1]), nil
}

// Range returns entries in [fromSeq, toSeq] in ascending order.
func (s *MemoryStore) Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.SequenceNumber >= fromSeq && e.SequenceNumber <= toSeq {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Tamper mutates the stored entry with the given sequence number in place.
// It exists so tests can simulate an attacker with direct store access; it
// is not part of the Store interface and must never gain a production
// caller.
func (s *MemoryStore) Tamper(seq int64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.SequenceNumber == seq {
			mutate(e)
			return true
		}
	}
	return false
}

// Remove deletes the entry with the given sequence number. Like Tamper, it
// simulates hostile store access for deletion-detection tests.
func (s *MemoryStore) Remove(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.SequenceNumber == seq {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// cloneEntry deep-copies an entry so store internals never alias caller
// memory. Metadata is copied one level deep; nested values are shared, which
// is safe because callers treat appended entries as immutable.
func cloneEntry(e *Entry) *Entry {
	cp := *e
	if e.ActorID != nil {
		actor := *e.ActorID
		cp.ActorID = &actor
	}
	if e.RelatedTargets != nil {
		cp.RelatedTargets = make([]Target, len(e.RelatedTargets))
		copy(cp.RelatedTargets, e.RelatedTargets)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
