package backfill

import (
	"reflect"
	"testing"
)

func TestSplitRange(t *testing.T) {
	got, err := SplitRange(100, 105, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []BlockRange{
		{From: 100, To: 101},
		{From: 102, To: 103},
		{From: 104, To: 105},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeSingle(t *testing.T) {
	got, err := SplitRange(5, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []BlockRange{{From: 5, To: 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeInvalid(t *testing.T) {
	if _, err := SplitRange(10, 9, 1); err == nil {
		t.Fatalf("expected error for invalid range")
	}
	if _, err := SplitRange(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero chunk size")
	}
}

func TestSplitRangeColdStartWindow(t *testing.T) {
	got, err := SplitRange(740_800, 1_000_000, 20_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 13 {
		t.Fatalf("expected 13 chunks, got %d", len(got))
	}
	if got[0].From != 740_800 || got[0].To != 760_799 {
		t.Fatalf("unexpected first chunk: %+v", got[0])
	}
	if last := got[len(got)-1]; last.From != 980_800 || last.To != 1_000_000 {
		t.Fatalf("unexpected last chunk: %+v", last)
	}
}
