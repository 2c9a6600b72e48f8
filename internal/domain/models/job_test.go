package models

import (
	"reflect"
	"testing"
)

func TestUnitKeyRoundTrip(t *testing.T) {
	u := UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	parsed, err := ParseUnitKey(u.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != u {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, u)
	}
}

func TestParseUnitKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "a", "a:b", "a:b:", ":b:c", "a::c"} {
		if _, err := ParseUnitKey(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestNormalizeAccounts(t *testing.T) {
	got := NormalizeAccounts([]string{" 0xB ", "0xa", "0XA", "", "0xb"})
	want := []string{"0xa", "0xb"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDedupKeyOrderInsensitive(t *testing.T) {
	a := DedupKey(NormalizeAccounts([]string{"0xA", "0xB"}), NormalizeChains([]string{"Polygon", "Ethereum"}))
	b := DedupKey(NormalizeAccounts([]string{"0xb", "0xa"}), NormalizeChains([]string{"ethereum", "polygon"}))
	if a != b {
		t.Fatalf("equivalent requests must share a dedup key")
	}
}

func TestDedupKeySeparatesAccountsFromChains(t *testing.T) {
	// ["a","b"]+["c"] must not collide with ["a"]+["b","c"].
	a := DedupKey([]string{"a", "b"}, []string{"c"})
	b := DedupKey([]string{"a"}, []string{"b", "c"})
	if a == b {
		t.Fatalf("account/chain boundary not encoded in dedup key")
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusCompletedWithErrors, StatusTimedOut, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{StatusPending, StatusRunning, StatusConsolidating} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestFinalStatus(t *testing.T) {
	clean := &AggregationJob{Expected: 3, Succeeded: 3}
	if got := clean.FinalStatus(); got != StatusCompleted {
		t.Fatalf("all-success job: got %s", got)
	}
	withFailure := &AggregationJob{Expected: 3, Succeeded: 2, Failed: 1}
	if got := withFailure.FinalStatus(); got != StatusCompletedWithErrors {
		t.Fatalf("job with failure: got %s", got)
	}
	withTimeout := &AggregationJob{Expected: 3, Succeeded: 2, TimedOut: 1}
	if got := withTimeout.FinalStatus(); got != StatusCompletedWithErrors {
		t.Fatalf("job with timeout: got %s", got)
	}
}
