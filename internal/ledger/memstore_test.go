package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func memEntry(seq int64) *Entry {
	return &Entry{
		ID:             "e",
		SequenceNumber: seq,
		Action:         "tasks.create",
		Target:         Target{Type: "task", ID: "t1"},
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PrevHash:       GenesisHash,
		EntryHash:      "h",
	}
}

func TestMemoryStore_TipEmpty(t *testing.T) {
	_, err := NewMemoryStore().Tip(context.Background())
	if !errors.Is(err, ErrEmptyChain) {
		t.Errorf("err = %v, want ErrEmptyChain", err)
	}
}

func TestMemoryStore_InsertRejectsDuplicateSequence(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Insert(context.Background(), memEntry(1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(context.Background(), memEntry(1)); !errors.Is(err, ErrDuplicateSequence) {
		t.Errorf("err = %v, want ErrDuplicateSequence", err)
	}
}

func TestMemoryStore_RangeOrderedInclusive(t *testing.T) {
	s := NewMemoryStore()
	// Insert out of order; Range must still come back ascending.
	for _, seq := range []int64{3, 1, 5, 2, 4} {
		if err := s.Insert(context.Background(), memEntry(seq)); err != nil {
			t.Fatalf("insert %d: %v", seq, err)
		}
	}

	entries, err := s.Range(context.Background(), 2, 4)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	want := []int64{2, 3, 4}
	if len(entries) != len(want) {
		t.Fatalf("len = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.SequenceNumber != want[i] {
			t.Errorf("entries[%d] = %d, want %d", i, e.SequenceNumber, want[i])
		}
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	e := memEntry(1)
	e.Metadata = map[string]any{"k": "v"}
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tip, err := s.Tip(context.Background())
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	tip.Metadata["k"] = "mutated"
	tip.Action = "tasks.delete"

	again, err := s.Tip(context.Background())
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if again.Action != "tasks.create" || again.Metadata["k"] != "v" {
		t.Error("caller mutation leaked into store")
	}
}

func TestMemoryStore_Count(t *testing.T) {
	s := NewMemoryStore()
	for seq := int64(1); seq <= 7; seq++ {
		if err := s.Insert(context.Background(), memEntry(seq)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
}
