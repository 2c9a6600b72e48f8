package usecase

import (
	"reflect"
	"testing"
)

func TestScanProviders(t *testing.T) {
	r := NewProviderRegistry(expansionProviders())

	got := r.ScanProviders()
	if !reflect.DeepEqual(got, []string{"nftscan"}) {
		t.Fatalf("expected only providers with expansion rules, got %v", got)
	}
	rules := r.ExpansionRules("nftscan")
	if rules["uniswap-v3-positions"] != "uniswap-v3" {
		t.Fatalf("unexpected rules: %v", rules)
	}
	if r.ExpansionRules("uniswap-v3") != nil {
		t.Fatalf("provider without expansions must have no rules")
	}
}

func TestResolveUnitsDeterministicOrder(t *testing.T) {
	r := NewProviderRegistry(testProviders())

	first := r.ResolveUnits([]string{"ethereum", "polygon"}, []string{"0xabc", "0xdef"})
	second := r.ResolveUnits([]string{"ethereum", "polygon"}, []string{"0xabc", "0xdef"})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("unit enumeration must be deterministic")
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].String() >= first[i].String() {
			t.Fatalf("units out of order at %d: %v", i, first)
		}
	}
}
