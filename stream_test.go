package redkit

import (
	"testing"
	"time"
)

func TestXAddAutoGeneratesMonotonicIDs(t *testing.T) {
	s := NewStore()

	id1, err := s.XAdd("events", "1-*", []string{"a", "1"})
	if err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
	if id1 != "1-0" {
		t.Fatalf("first id = %q, want 1-0", id1)
	}

	id2, err := s.XAdd("events", "1-*", []string{"a", "2"})
	if err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
	if id2 != "1-1" {
		t.Fatalf("second id = %q, want 1-1", id2)
	}
}

func TestXAddRejectsIDNotGreaterThanLast(t *testing.T) {
	s := NewStore()
	if _, err := s.XAdd("events", "5-5", []string{"a", "1"}); err != nil {
		t.Fatalf("seed XAdd failed: %v", err)
	}

	_, err := s.XAdd("events", "5-5", []string{"a", "2"})
	if err == nil {
		t.Fatal("expected error for non-increasing id")
	}
	if se, ok := err.(*StreamError); !ok || se.Text != errStreamIDNotGreater {
		t.Fatalf("error = %v, want errStreamIDNotGreater", err)
	}
}

func TestXAddRejectsZeroID(t *testing.T) {
	s := NewStore()
	_, err := s.XAdd("events", "0-0", []string{"a", "1"})
	if err == nil {
		t.Fatal("expected error for 0-0 id")
	}
	if se, ok := err.(*StreamError); !ok || se.Text != errStreamIDTooSmall {
		t.Fatalf("error = %v, want errStreamIDTooSmall", err)
	}
}

func TestXAddOnStringKeyFails(t *testing.T) {
	s := NewStore()
	s.Set("strkey", []byte("v"), time.Time{})

	_, err := s.XAdd("strkey", "*", []string{"a", "1"})
	if err == nil {
		t.Fatal("expected error adding to a string-typed key")
	}
}

func TestStreamIDOrdersNumericallyNotLexically(t *testing.T) {
	s := NewStore()
	if _, err := s.XAdd("events", "9-0", []string{"a", "1"}); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
	// "10" sorts before "9" lexicographically but must be accepted and
	// ordered after it numerically.
	id, err := s.XAdd("events", "10-0", []string{"a", "2"})
	if err != nil {
		t.Fatalf("XAdd of 10-0 after 9-0 should succeed, got: %v", err)
	}
	if id != "10-0" {
		t.Fatalf("id = %q, want 10-0", id)
	}
}

func TestXRangeInclusiveBounds(t *testing.T) {
	s := NewStore()
	s.XAdd("events", "1-1", []string{"a", "1"})
	s.XAdd("events", "2-1", []string{"a", "2"})
	s.XAdd("events", "3-1", []string{"a", "3"})

	result, err := s.XRange("events", "2-1", "3-1")
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(result.Array) != 2 {
		t.Fatalf("XRange returned %d entries, want 2", len(result.Array))
	}
	firstID := string(result.Array[0].Array[0].Bulk)
	if firstID != "2-1" {
		t.Fatalf("first entry id = %q, want 2-1", firstID)
	}
}

func TestXRangeFullSpan(t *testing.T) {
	s := NewStore()
	s.XAdd("events", "1-1", []string{"a", "1"})
	s.XAdd("events", "2-1", []string{"a", "2"})

	result, err := s.XRange("events", "-", "+")
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(result.Array) != 2 {
		t.Fatalf("XRange -,+ returned %d entries, want 2", len(result.Array))
	}
}

func TestXRangeOnMissingKeyIsEmpty(t *testing.T) {
	s := NewStore()
	result, err := s.XRange("nosuch", "-", "+")
	if err != nil {
		t.Fatalf("XRange on missing key failed: %v", err)
	}
	if len(result.Array) != 0 {
		t.Fatalf("XRange on missing key = %v, want empty", result.Array)
	}
}

func TestXRangeOnStringKeyErrors(t *testing.T) {
	s := NewStore()
	s.Set("strkey", []byte("v"), time.Time{})
	if _, err := s.XRange("strkey", "-", "+"); err == nil {
		t.Fatal("expected error ranging over a string-typed key")
	}
}

func TestXReadNonBlockingReturnsNewerEntries(t *testing.T) {
	s := NewStore()
	s.XAdd("events", "1-1", []string{"a", "1"})
	s.XAdd("events", "2-1", []string{"a", "2"})

	result, err := s.XRead([]string{"events"}, []string{"1-1"}, nil)
	if err != nil {
		t.Fatalf("XRead failed: %v", err)
	}
	if len(result.Array) != 1 {
		t.Fatalf("XRead result = %v, want 1 stream entry", result.Array)
	}
	entries := result.Array[0].Array[1].Array
	if len(entries) != 1 {
		t.Fatalf("entries after 1-1 = %d, want 1", len(entries))
	}
}

func TestXReadBlockingWakesOnAppend(t *testing.T) {
	s := NewStore()
	s.XAdd("events", "1-1", []string{"a", "1"})

	block := time.Duration(0) // indefinite
	done := make(chan RedisValue, 1)
	go func() {
		result, err := s.XRead([]string{"events"}, []string{"$"}, &block)
		if err != nil {
			t.Errorf("XRead failed: %v", err)
			return
		}
		done <- result
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.XAdd("events", "2-1", []string{"a", "2"}); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}

	select {
	case result := <-done:
		entries := result.Array[0].Array[1].Array
		if len(entries) != 1 {
			t.Fatalf("woke with %d entries, want 1", len(entries))
		}
		if string(entries[0].Array[0].Bulk) != "2-1" {
			t.Fatalf("woke entry id = %s, want 2-1", entries[0].Array[0].Bulk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking XRead did not wake after XAdd")
	}
}

func TestXReadOnStringKeyErrors(t *testing.T) {
	s := NewStore()
	s.Set("strkey", []byte("v"), time.Time{})
	if _, err := s.XRead([]string{"strkey"}, []string{"0"}, nil); err == nil {
		t.Fatal("expected error reading a string-typed key as a stream")
	}
}
