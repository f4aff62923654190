// verifier.go re-walks a range of the chain, recomputing hashes and
// comparing linkage. A failed check is not an error of the verifier — it is
// the verifier doing its job — so findings come back inside a normal Result
// with Valid=false, while infrastructure failures (store unreachable,
// cancelled context) come back as Go errors and never produce a Result.
package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Mode selects the verification strategy.
type Mode string

const (
	// ModeQuick checks only the most recent window of entries. It proves the
	// tail has not been tampered with; it says nothing about history older
	// than the window and relies on a prior full run for that.
	ModeQuick Mode = "quick"

	// ModeFull checks every entry from sequence 1 to the tip.
	ModeFull Mode = "full"
)

// Reason classifies a verification finding. Reasons are checked per entry in
// a fixed order — content, then linkage, then signature — and only the first
// failure is reported, so a multiply-damaged entry never produces an
// ambiguous multi-cause report.
type Reason string

const (
	// ReasonContentModified: the stored hash does not match the hash
	// recomputed from the stored content.
	ReasonContentModified Reason = "content_modified"

	// ReasonChainBreak: the stored prevHash does not match the previous
	// entry's hash, or the sequence numbering has a gap (a deleted entry
	// surfaces as both at once; linkage is the reported cause).
	ReasonChainBreak Reason = "chain_break"

	// ReasonInvalidSignature: the detached signature does not authenticate
	// the stored hash under the service verification key.
	ReasonInvalidSignature Reason = "invalid_signature"
)

// quickLimits are the recognized quick-mode window sizes. Unrecognized
// values are rejected rather than clamped so a caller can never believe it
// verified more history than it did.
var quickLimits = map[int64]bool{50: true, 100: true, 500: true, 1000: true}

// DefaultQuickLimit is used when quick mode is requested without a limit.
const DefaultQuickLimit int64 = 50

// defaultChunkSize bounds each range read during a scan. Chunking does not
// affect correctness: expectedPrevHash carries across chunk boundaries
// exactly as it does across individual entries.
const defaultChunkSize int64 = 500

var (
	// ErrInvalidLimit is returned for a quick limit outside quickLimits.
	ErrInvalidLimit = errors.New("ledger: quick limit must be one of 50, 100, 500, 1000")

	// ErrInvalidMode is returned for a mode other than quick or full.
	ErrInvalidMode = errors.New(`ledger: mode must be "quick" or "full"`)

	// ErrInterrupted is returned when a verification run is cancelled before
	// reaching its bound. A partial walk is never reported as Valid=true.
	ErrInterrupted = errors.New("ledger: verification interrupted")
)

// Options selects what to verify.
type Options struct {
	Mode  Mode  `json:"mode"`
	Limit int64 `json:"limit,omitempty"` // quick mode only; 0 = DefaultQuickLimit
}

// Finding pinpoints the first entry that failed verification.
type Finding struct {
	ID             string `json:"id"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Reason         Reason `json:"reason"`
	Expected       string `json:"expected,omitempty"`
	Actual         string `json:"actual,omitempty"`
}

// Result is the outcome of a verification run. Valid=true means every
// checked entry passed; CheckedEntries always reflects how many were
// actually examined, which distinguishes "the chain is short" from
// "verification was capped by the window".
type Result struct {
	Valid          bool     `json:"valid"`
	TotalEntries   int64    `json:"totalEntries"`
	CheckedEntries int64    `json:"checkedEntries"`
	Mode           Mode     `json:"mode"`
	WindowOnly     bool     `json:"windowOnly"`
	ScopeNote      string   `json:"scopeNote,omitempty"`
	BrokenAt       *Finding `json:"brokenAt,omitempty"`
}

// windowScopeNote is surfaced on every quick result so operators are never
// left to assume the whole history was re-verified.
const windowScopeNote = "quick verification covers only the most recent window; history before the window was not re-checked"

// Verifier walks ranges of the chain. Read-only: it may run concurrently
// with appends and with other verifications.
type Verifier struct {
	store     Store
	pub       ed25519.PublicKey // nil skips signature checks
	chunkSize int64
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerificationKey enables signature checking against pub.
func WithVerificationKey(pub ed25519.PublicKey) VerifierOption {
	return func(v *Verifier) { v.pub = pub }
}

// WithChunkSize overrides the range-read batch size (tests).
func WithChunkSize(n int64) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.chunkSize = n
		}
	}
}

// NewVerifier creates a Verifier over the given store.
func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{store: store, chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs a verification per opts.
//
// The tip sequence is snapshot once at the start; entries appended while the
// scan is running fall outside this run's bound and are simply not checked,
// which keeps concurrent appends from making results non-deterministic. On
// the first failing entry the walk stops and reports: a broken link
// invalidates confidence in everything after it within the checked range.
func (v *Verifier) Verify(ctx context.Context, opts Options) (*Result, error) {
	limit := opts.Limit
	switch opts.Mode {
	case ModeFull:
		limit = 0
	case ModeQuick:
		if limit == 0 {
			limit = DefaultQuickLimit
		}
		if !quickLimits[limit] {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, opts.Limit)
		}
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMode, opts.Mode)
	}

	total, err := v.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: count entries: %w", err)
	}

	result := &Result{
		Valid: true,
		Mode:  opts.Mode,
	}
	result.TotalEntries = total
	if opts.Mode == ModeQuick {
		result.WindowOnly = true
		result.ScopeNote = windowScopeNote
	}

	tip, err := v.store.Tip(ctx)
	if errors.Is(err, ErrEmptyChain) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read tip: %w", err)
	}

	bound := tip.SequenceNumber
	from := int64(1)
	expectedPrev := GenesisHash
	attachmentTrusted := false

	if opts.Mode == ModeQuick && bound > limit {
		from = bound - limit + 1
		// Cross-check the window's attachment point against the predecessor
		// entry when the store still has it; otherwise the first in-window
		// prevHash is taken on trust from the last full run.
		pred, err := v.store.Range(ctx, from-1, from-1)
		if err != nil {
			return nil, fmt.Errorf("ledger: read window predecessor: %w", err)
		}
		if len(pred) == 1 {
			expectedPrev = pred[0].EntryHash
		} else {
			attachmentTrusted = true
		}
	}

	expectedSeq := from
	for start := from; start <= bound; start += v.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w after %d entries: %v", ErrInterrupted, result.CheckedEntries, err)
		}

		end := start + v.chunkSize - 1
		if end > bound {
			end = bound
		}
		chunk, err := v.store.Range(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("ledger: read entries %d..%d: %w", start, end, err)
		}

		for _, e := range chunk {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w after %d entries: %v", ErrInterrupted, result.CheckedEntries, err)
			}
			result.CheckedEntries++

			if finding := v.checkEntry(e, expectedSeq, expectedPrev, attachmentTrusted && e.SequenceNumber == from); finding != nil {
				result.Valid = false
				result.BrokenAt = finding
				return result, nil
			}

			expectedSeq = e.SequenceNumber + 1
			expectedPrev = e.EntryHash
		}

		// Entries missing at the end of a chunk show up when the next chunk's
		// first entry (or the bound itself) skips expectedSeq; handled above
		// and by the post-loop check below.
	}

	// The walk ran out of entries before reaching the snapshot bound: the
	// tail was deleted out from under the scan.
	if result.Valid && expectedSeq <= bound {
		result.Valid = false
		result.BrokenAt = &Finding{
			SequenceNumber: expectedSeq,
			Reason:         ReasonChainBreak,
			Expected:       fmt.Sprintf("entry with sequence %d", expectedSeq),
			Actual:         "missing",
		}
	}

	return result, nil
}

// checkEntry applies the per-entry checks in the fixed order content →
// linkage → signature and returns the first failure, or nil.
func (v *Verifier) checkEntry(e *Entry, expectedSeq int64, expectedPrev string, trustAttachment bool) *Finding {
	recomputed, err := ComputeHash(e)
	if err != nil {
		// Unencodable stored content cannot match any hash.
		return &Finding{
			ID:             e.ID,
			SequenceNumber: e.SequenceNumber,
			Reason:         ReasonContentModified,
			Expected:       e.EntryHash,
			Actual:         "unencodable content: " + err.Error(),
		}
	}
	if recomputed != e.EntryHash {
		return &Finding{
			ID:             e.ID,
			SequenceNumber: e.SequenceNumber,
			Reason:         ReasonContentModified,
			Expected:       e.EntryHash,
			Actual:         recomputed,
		}
	}

	if e.SequenceNumber != expectedSeq {
		return &Finding{
			ID:             e.ID,
			SequenceNumber: e.SequenceNumber,
			Reason:         ReasonChainBreak,
			Expected:       fmt.Sprintf("sequence %d", expectedSeq),
			Actual:         fmt.Sprintf("sequence %d", e.SequenceNumber),
		}
	}
	if !trustAttachment && e.PrevHash != expectedPrev {
		return &Finding{
			ID:             e.ID,
			SequenceNumber: e.SequenceNumber,
			Reason:         ReasonChainBreak,
			Expected:       expectedPrev,
			Actual:         e.PrevHash,
		}
	}

	if v.pub != nil && e.Signature != "" {
		if !VerifySignature(v.pub, e.EntryHash, e.Signature) {
			return &Finding{
				ID:             e.ID,
				SequenceNumber: e.SequenceNumber,
				Reason:         ReasonInvalidSignature,
			}
		}
	}

	return nil
}
