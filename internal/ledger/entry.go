// Package ledger implements the tamper-evident activity chain at the core of
// the admin console's audit subsystem. Every privileged mutation is recorded
// as an immutable Entry; entries carry dense sequence numbers and are linked
// by hash pointers so that any retroactive edit, insertion, or deletion is
// detectable after the fact. The package provides the entry model with its
// canonical encoding, the single-writer Appender, the quick/full Verifier,
// and the append-only Store abstraction the other pieces build on.
//
// This is a tamper-evidence design, not tamper-prevention: there is a single
// trusted writer, no consensus, and no proof-of-work. An attacker who can
// rewrite the store can rewrite history — but not without breaking the chain
// in a way the Verifier will surface.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the prevHash of the first entry in the chain: an all-zero
// SHA-256 digest in hex. It is a constant rather than a stored row so an
// empty chain needs no bootstrapping.
var GenesisHash = strings.Repeat("0", 64)

// canonicalTimeLayout fixes CreatedAt to UTC with exactly nine fractional
// digits. RFC3339Nano trims trailing zeros, which would make the encoding of
// a timestamp depend on how many zeros its nanosecond field happens to end
// with — a canonicalization hazard, so a fixed-width layout is used instead.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Target identifies an object affected by a logged action.
type Target struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Entry is one immutable record in the activity chain.
//
// Invariants for a well-formed chain:
//  1. SequenceNumber increases by exactly 1 between consecutive entries,
//     starting at 1, with no gaps or duplicates.
//  2. PrevHash equals the EntryHash of the previous entry; the first entry
//     carries GenesisHash.
//  3. EntryHash equals ComputeHash over the entry's canonical content.
//  4. Entries are never updated or deleted after creation.
type Entry struct {
	ID             string         `json:"id"`
	SequenceNumber int64          `json:"sequenceNumber"`
	ActorID        *string        `json:"actorId"` // nil for system-initiated actions
	Action         string         `json:"action"`  // "resource.verb", e.g. "sessions.revoke"
	Target         Target         `json:"target"`
	RelatedTargets []Target       `json:"relatedTargets"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"createdAt"`
	PrevHash       string         `json:"prevHash"`
	EntryHash      string         `json:"entryHash"`
	Signature      string         `json:"signature,omitempty"` // detached Ed25519 over EntryHash, base64
}

// canonicalTarget mirrors Target with JSON field names declared in
// lexicographic order so encoding/json emits them sorted without any
// reflection tricks. Same approach as canonicalEntry below.
type canonicalTarget struct {
	DisplayName string `json:"displayName"`
	ID          string `json:"id"`
	Type        string `json:"type"`
}

// canonicalTargetOf copies a Target into its canonical shape. A direct struct
// conversion is not possible because the two types declare fields in
// different orders.
func canonicalTargetOf(t Target) canonicalTarget {
	return canonicalTarget{
		DisplayName: t.DisplayName,
		ID:          t.ID,
		Type:        t.Type,
	}
}

// canonicalEntry is the hashing input shape. Struct fields are declared in
// lexicographic key order, which together with encoding/json's sorted map
// keys yields a fully key-sorted document. EntryHash and Signature are
// deliberately absent: the hash covers content, not itself.
type canonicalEntry struct {
	Action         string            `json:"action"`
	ActorID        *string           `json:"actorId"`
	CreatedAt      string            `json:"createdAt"`
	Metadata       json.RawMessage   `json:"metadata"`
	PrevHash       string            `json:"prevHash"`
	RelatedTargets []canonicalTarget `json:"relatedTargets"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Target         canonicalTarget   `json:"target"`
}

// CanonicalEncode returns the deterministic byte representation of e's
// content used as hashing input. Two entries with the same logical content
// always encode to identical bytes, regardless of map insertion order,
// optional-field presence, or which process performs the encoding:
//
//   - object keys are sorted lexicographically at every level (struct fields
//     are declared sorted; encoding/json sorts map keys);
//   - nil ActorID and nil Metadata encode as explicit null, so absent and
//     null are indistinguishable;
//   - a nil RelatedTargets slice encodes as [];
//   - CreatedAt is encoded in UTC with fixed nine-digit fractional seconds;
//   - numbers inside Metadata use encoding/json's shortest-form rendering,
//     which is stable across runs and Go releases for identical values.
func CanonicalEncode(e *Entry) ([]byte, error) {
	meta, err := canonicalMetadata(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode metadata for entry %d: %w", e.SequenceNumber, err)
	}

	related := make([]canonicalTarget, 0, len(e.RelatedTargets))
	for _, t := range e.RelatedTargets {
		related = append(related, canonicalTargetOf(t))
	}

	doc := canonicalEntry{
		Action:         e.Action,
		ActorID:        e.ActorID,
		CreatedAt:      e.CreatedAt.UTC().Format(canonicalTimeLayout),
		Metadata:       meta,
		PrevHash:       e.PrevHash,
		RelatedTargets: related,
		SequenceNumber: e.SequenceNumber,
		Target:         canonicalTargetOf(e.Target),
	}

	return json.Marshal(doc)
}

// canonicalMetadata encodes the metadata map. encoding/json sorts map keys
// recursively, so nested maps come out canonical with no extra work. Nil
// maps become null; empty maps stay {} (an empty map is a present, empty
// value — distinct from "no metadata").
func canonicalMetadata(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(m)
}

// ComputeHash recomputes the entry hash from e's canonical content. For a
// well-formed entry the result equals e.EntryHash; a difference means the
// stored content was modified after the hash was assigned.
func ComputeHash(e *Entry) (string, error) {
	data, err := CanonicalEncode(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FieldChange records a single before/after field mutation inside an update
// entry's metadata.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}
