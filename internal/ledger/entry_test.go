package ledger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func sampleEntry() *Entry {
	return &Entry{
		ID:             "entry-1",
		SequenceNumber: 1,
		ActorID:        strPtr("user-42"),
		Action:         "sessions.revoke",
		Target:         Target{Type: "session", ID: "sess-9", DisplayName: "Chrome on macOS"},
		RelatedTargets: []Target{{Type: "user", ID: "user-7", DisplayName: "j.doe"}},
		Metadata:       map[string]any{"count": 1, "reason": "password rotation"},
		CreatedAt:      time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		PrevHash:       GenesisHash,
	}
}

func TestCanonicalEncode_Deterministic(t *testing.T) {
	e := sampleEntry()

	first, err := CanonicalEncode(e)
	if err != nil {
		t.Fatalf("CanonicalEncode: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := CanonicalEncode(e)
		if err != nil {
			t.Fatalf("CanonicalEncode (run %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs between runs:\n%s\n%s", first, again)
		}
	}
}

func TestCanonicalEncode_MapInsertionOrderIrrelevant(t *testing.T) {
	a := sampleEntry()
	a.Metadata = map[string]any{}
	a.Metadata["zulu"] = 1
	a.Metadata["alpha"] = 2
	a.Metadata["mike"] = map[string]any{"b": 1, "a": 2}

	b := sampleEntry()
	b.Metadata = map[string]any{}
	b.Metadata["mike"] = map[string]any{"a": 2, "b": 1}
	b.Metadata["alpha"] = 2
	b.Metadata["zulu"] = 1

	encA, err := CanonicalEncode(a)
	if err != nil {
		t.Fatalf("CanonicalEncode(a): %v", err)
	}
	encB, err := CanonicalEncode(b)
	if err != nil {
		t.Fatalf("CanonicalEncode(b): %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Errorf("insertion order changed encoding:\n%s\n%s", encA, encB)
	}
}

func TestCanonicalEncode_KeysSorted(t *testing.T) {
	enc, err := CanonicalEncode(sampleEntry())
	if err != nil {
		t.Fatalf("CanonicalEncode: %v", err)
	}

	keys := []string{`"action"`, `"actorId"`, `"createdAt"`, `"metadata"`, `"prevHash"`, `"relatedTargets"`, `"sequenceNumber"`, `"target"`}
	last := -1
	for _, k := range keys {
		idx := bytes.Index(enc, []byte(k))
		if idx < 0 {
			t.Fatalf("key %s missing from encoding %s", k, enc)
		}
		if idx < last {
			t.Errorf("key %s out of order in %s", k, enc)
		}
		last = idx
	}
}

func TestCanonicalEncode_NilOptionals(t *testing.T) {
	e := sampleEntry()
	e.ActorID = nil
	e.Metadata = nil
	e.RelatedTargets = nil

	enc, err := CanonicalEncode(e)
	if err != nil {
		t.Fatalf("CanonicalEncode: %v", err)
	}
	s := string(enc)
	if !strings.Contains(s, `"actorId":null`) {
		t.Errorf("nil actor should encode as null: %s", s)
	}
	if !strings.Contains(s, `"metadata":null`) {
		t.Errorf("nil metadata should encode as null: %s", s)
	}
	if !strings.Contains(s, `"relatedTargets":[]`) {
		t.Errorf("nil related targets should encode as []: %s", s)
	}
}

func TestCanonicalEncode_FixedTimestampPrecision(t *testing.T) {
	// A timestamp whose nanosecond field ends in zeros must not shrink.
	e := sampleEntry()
	e.CreatedAt = time.Date(2026, 3, 14, 9, 26, 53, 500000000, time.UTC)

	enc, err := CanonicalEncode(e)
	if err != nil {
		t.Fatalf("CanonicalEncode: %v", err)
	}
	if !strings.Contains(string(enc), `"createdAt":"2026-03-14T09:26:53.500000000Z"`) {
		t.Errorf("timestamp not fixed to nine fractional digits: %s", enc)
	}
}

func TestCanonicalEncode_TimezoneNormalized(t *testing.T) {
	utc := sampleEntry()

	local := sampleEntry()
	local.CreatedAt = utc.CreatedAt.In(time.FixedZone("CEST", 2*3600))

	encUTC, err := CanonicalEncode(utc)
	if err != nil {
		t.Fatalf("CanonicalEncode(utc): %v", err)
	}
	encLocal, err := CanonicalEncode(local)
	if err != nil {
		t.Fatalf("CanonicalEncode(local): %v", err)
	}
	if !bytes.Equal(encUTC, encLocal) {
		t.Errorf("zone representation changed encoding:\n%s\n%s", encUTC, encLocal)
	}
}

func TestCanonicalEncode_ExcludesHashAndSignature(t *testing.T) {
	plain := sampleEntry()

	stamped := sampleEntry()
	stamped.EntryHash = "deadbeef"
	stamped.Signature = "c2lnbmF0dXJl"

	encPlain, err := CanonicalEncode(plain)
	if err != nil {
		t.Fatalf("CanonicalEncode(plain): %v", err)
	}
	encStamped, err := CanonicalEncode(stamped)
	if err != nil {
		t.Fatalf("CanonicalEncode(stamped): %v", err)
	}
	if !bytes.Equal(encPlain, encStamped) {
		t.Errorf("hash/signature leaked into canonical encoding")
	}
}

func TestComputeHash_MatchesContent(t *testing.T) {
	e := sampleEntry()

	hash, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}

	again, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash (second run): %v", err)
	}
	if hash != again {
		t.Errorf("hash not stable: %s vs %s", hash, again)
	}

	e.Action = "sessions.revoke_all"
	changed, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash (changed): %v", err)
	}
	if changed == hash {
		t.Errorf("hash unchanged after content change")
	}
}

func TestEntryJSONRoundTrip(t *testing.T) {
	e := sampleEntry()
	e.EntryHash = "ab"
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.SequenceNumber != e.SequenceNumber || decoded.Action != e.Action {
		t.Errorf("round trip lost fields: %+v", decoded)
	}
	if decoded.Signature != "" {
		t.Errorf("empty signature should be omitted, got %q", decoded.Signature)
	}
}
