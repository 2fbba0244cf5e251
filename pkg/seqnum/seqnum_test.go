package seqnum

import "testing"

func TestGreaterThanUint8(t *testing.T) {
	cases := []struct {
		a, b uint8
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 0, false},
		{255, 0, false}, // 0 - 255 wraps forward: 255 is behind 0
		{0, 255, true},  // 0 is ahead of 255 (wrapped)
		{128, 0, false}, // exactly half: not considered greater (boundary excluded)
	}
	for _, c := range cases {
		if got := GreaterThan(c.a, c.b); got != c.want {
			t.Errorf("GreaterThan(%d,%d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestNextPrevRoundTrip(t *testing.T) {
	var a uint16 = 65535
	n := Next(a)
	if n != 0 {
		t.Fatalf("Next(65535) = %d, want 0", n)
	}
	if Prev(n) != a {
		t.Fatalf("Prev(Next(a)) != a")
	}
}

func TestFetchNext(t *testing.T) {
	var seq uint64 = 41
	got := FetchNext(&seq)
	if got != 41 || seq != 42 {
		t.Fatalf("FetchNext: got %d, seq now %d", got, seq)
	}
}

func TestTransitivityWithinWindow(t *testing.T) {
	// a > b > c, window well within 2^(w-1)-1
	var a, b, c uint32 = 100, 50, 10
	if !GreaterThan(a, b) || !GreaterThan(b, c) || !GreaterThan(a, c) {
		t.Fatalf("expected a > b > c and a > c")
	}
}

func TestWrapAcrossWidths(t *testing.T) {
	// uint64 wraparound
	var a, b uint64 = 0, ^uint64(0)
	if !GreaterThan(a, b) {
		t.Fatalf("0 should be greater than max uint64 (wrapped)")
	}
	if GreaterThan(b, a) {
		t.Fatalf("max uint64 should not be greater than 0 (wrapped)")
	}
}
