package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	first := NewID("conn")
	second := NewID("conn")
	if !strings.HasPrefix(first, "conn_") {
		t.Fatalf("expected prefix, got %s", first)
	}
	if first == second {
		t.Fatal("expected unique ids")
	}
	if bare := NewID(""); strings.Contains(bare, "_") {
		t.Fatalf("unexpected separator in %s", bare)
	}
}
