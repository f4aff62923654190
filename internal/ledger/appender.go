// appender.go builds and persists new chain entries. Appends are the one
// mandatory mutual-exclusion point in the whole subsystem: two appenders
// reading the same tip would compute the same sequence number and prevHash
// and silently fork the chain. Serialization is a mutex in-process plus, for
// stores that implement TxAppender, a storage-level lock across processes.
// Collisions are prevented up front rather than resolved by optimistic
// retry, because a retry would have to recompute the hash of content that
// embeds wall-clock time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppendInput carries the caller-supplied content of a new entry. Everything
// else (id, sequence, timestamps, hashes) is assigned by the Appender.
type AppendInput struct {
	ActorID        *string
	Action         string
	Target         Target
	RelatedTargets []Target
	Metadata       map[string]any
}

// ErrInvalidInput is returned for appends missing required content.
var ErrInvalidInput = errors.New("ledger: invalid append input")

// Appender assigns sequence numbers, links entries to the tip, hashes,
// optionally signs, and persists. Safe for concurrent use.
type Appender struct {
	store  Store
	signer *Signer // nil disables signing

	mu  sync.Mutex
	now func() time.Time
	id  func() string
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithSigner enables detached signatures on every appended entry.
func WithSigner(s *Signer) AppenderOption {
	return func(a *Appender) { a.signer = s }
}

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) AppenderOption {
	return func(a *Appender) { a.now = now }
}

// NewAppender creates an Appender over the given store.
func NewAppender(store Store, opts ...AppenderOption) *Appender {
	a := &Appender{
		store: store,
		now:   time.Now,
		id:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append creates the next chain entry from in and persists it as a single
// atomic write: either the entry is durably stored and the tip advances, or
// nothing is written. The returned entry is fully populated, including its
// hash and (when signing is enabled) signature.
func (a *Appender) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	if in.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	if in.Target.Type == "" || in.Target.ID == "" {
		return nil, fmt.Errorf("%w: target type and id are required", ErrInvalidInput)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if tx, ok := a.store.(TxAppender); ok {
		return tx.AppendLocked(ctx, func(tip *Entry) (*Entry, error) {
			return a.build(tip, in)
		})
	}

	tip, err := a.store.Tip(ctx)
	if err != nil && !errors.Is(err, ErrEmptyChain) {
		return nil, fmt.Errorf("ledger: read tip: %w", err)
	}

	entry, err := a.build(tip, in)
	if err != nil {
		return nil, err
	}
	if err := a.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger: insert entry %d: %w", entry.SequenceNumber, err)
	}
	return entry, nil
}

// build constructs the entry that follows tip (nil tip means empty chain).
// Pure apart from the clock and id source: no store access.
func (a *Appender) build(tip *Entry, in AppendInput) (*Entry, error) {
	seq := int64(1)
	prevHash := GenesisHash
	if tip != nil {
		seq = tip.SequenceNumber + 1
		prevHash = tip.EntryHash
	}

	entry := &Entry{
		ID:             a.id(),
		SequenceNumber: seq,
		ActorID:        in.ActorID,
		Action:         in.Action,
		Target:         in.Target,
		RelatedTargets: in.RelatedTargets,
		Metadata:       in.Metadata,
		// Postgres timestamptz keeps microseconds only. Truncate before
		// hashing so the timestamp read back from the database re-encodes
		// to the exact bytes that were hashed.
		CreatedAt:      a.now().UTC().Truncate(time.Microsecond),
		PrevHash:       prevHash,
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if a.signer != nil {
		sig, err := a.signer.Sign(entry.EntryHash)
		if err != nil {
			return nil, fmt.Errorf("ledger: sign entry %d: %w", seq, err)
		}
		entry.Signature = sig
	}

	return entry, nil
}
