// store.go defines the append-only persistence boundary consumed by the
// Appender and Verifier. The interface deliberately exposes no update or
// delete operation: any retention policy must be a separately-audited
// administrative action outside this core, never a normal store call.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrEmptyChain is returned by Tip when no entry has ever been written.
	ErrEmptyChain = errors.New("ledger: chain is empty")

	// ErrDuplicateSequence is returned by Insert when an entry with the same
	// sequence number already exists. Under the single-writer discipline this
	// indicates a lost race with another writer process; the caller may retry
	// with a fresh tip read, never by reusing the already-computed hash.
	ErrDuplicateSequence = errors.New("ledger: sequence number already exists")

	// ErrNotFound is returned by lookups for an entry that does not exist.
	ErrNotFound = errors.New("ledger: entry not found")
)

// Store is the append-only persistence abstraction for chain entries.
type Store interface {
	// Insert durably appends the entry. It rejects an entry whose sequence
	// number already exists with ErrDuplicateSequence.
	Insert(ctx context.Context, e *Entry) error

	// Tip returns the entry with the highest sequence number, or
	// ErrEmptyChain when no entries exist.
	Tip(ctx context.Context) (*Entry, error)

	// Range returns entries with fromSeq <= SequenceNumber <= toSeq in
	// ascending sequence order. Missing sequence numbers inside the range are
	// simply absent from the result; detecting them is the Verifier's job.
	Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int64, error)
}

// TxAppender is implemented by stores that can serialize the tip
// read-modify-write inside their own transaction (the Postgres store takes a
// transaction-scoped advisory lock, giving SELECT ... FOR UPDATE semantics on
// the tip even when multiple writer processes share the database). When a
// store implements it, the Appender routes appends through AppendLocked
// instead of the Tip+Insert pair, closing the cross-process fork hazard that
// an in-process mutex alone cannot.
type TxAppender interface {
	// AppendLocked calls build with the current tip (nil when the chain is
	// empty) while holding the append lock, inserts the returned entry in the
	// same transaction, and commits.
	AppendLocked(ctx context.Context, build func(tip *Entry) (*Entry, error)) (*Entry, error)
}
