package engine

import "testing"

func TestIDGenerator_Monotonic(t *testing.T) {
	g := newIDGenerator()
	first := g.Next()
	second := g.Next()
	if second <= first {
		t.Fatalf("expected increasing IDs, got %q then %q", first, second)
	}
}

func TestIDGenerator_SharesSaltAcrossCalls(t *testing.T) {
	g := newIDGenerator()
	first := g.Next()
	second := g.Next()
	if first[:8] != second[:8] {
		t.Errorf("expected the same salt prefix across calls, got %q and %q", first, second)
	}
}
