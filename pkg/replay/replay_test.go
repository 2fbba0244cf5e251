package replay

import "testing"

func TestFirstObservationNotAReplay(t *testing.T) {
	var w Window
	if w.AlreadyReceived(10) {
		t.Fatalf("first observation of 10 reported as replay")
	}
	if !w.AlreadyReceived(10) {
		t.Fatalf("second observation of 10 not reported as replay")
	}
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	var w Window
	w.AlreadyReceived(100)
	if w.AlreadyReceived(90) {
		t.Fatalf("90 (never seen, within window of 100) reported as replay")
	}
	if !w.AlreadyReceived(90) {
		t.Fatalf("90 should now be a replay")
	}
	// 100 is still flagged as already received.
	if !w.AlreadyReceived(100) {
		t.Fatalf("100 should be a replay")
	}
}

func TestTooOldAlwaysReportsReceived(t *testing.T) {
	var w Window
	w.AlreadyReceived(1000)
	// 1000 - 256 = 744, so 700 is older than highest-256 and must always
	// report as already received even though it was never actually seen.
	if !w.AlreadyReceived(700) {
		t.Fatalf("sequence older than highest-256 must report as received")
	}
}

func TestLargeJumpClearsWindow(t *testing.T) {
	var w Window
	w.AlreadyReceived(5)
	w.AlreadyReceived(10_000) // jump far beyond 256
	if w.AlreadyReceived(10_000 - 1) {
		t.Fatalf("sequence just below the new highest after a big jump should not be a replay yet")
	}
}

func TestNeverShrinks(t *testing.T) {
	var w Window
	w.AlreadyReceived(500)
	w.AlreadyReceived(200) // older, doesn't move highest back
	if w.Highest() != 500 {
		t.Fatalf("Highest() = %d, want 500 (window must never shrink)", w.Highest())
	}
}

func TestNoProtectionAlwaysFalse(t *testing.T) {
	var p NoProtection
	if p.AlreadyReceived(1) || p.AlreadyReceived(1) {
		t.Fatalf("NoProtection must never report a replay")
	}
}
