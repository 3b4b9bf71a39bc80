package bridge

import "testing"

func TestSessionTrackerIssuesUniqueIDs(t *testing.T) {
	tracker := NewSessionTracker()
	first := tracker.NewSession()
	second := tracker.NewSession()
	if first == "" || second == "" {
		t.Fatalf("expected non-empty session ids")
	}
	if first == second {
		t.Fatalf("expected distinct session ids, got %q twice", first)
	}
	if tracker.ActiveCount() != 2 {
		t.Fatalf("expected two active sessions, got %d", tracker.ActiveCount())
	}
}

func TestSessionTrackerEnd(t *testing.T) {
	tracker := NewSessionTracker()
	id := tracker.NewSession()
	tracker.End(id)
	if tracker.ActiveCount() != 0 {
		t.Fatalf("expected no active sessions, got %d", tracker.ActiveCount())
	}

	// Ending an unknown or already ended session stays quiet.
	tracker.End(id)
	tracker.End("never-existed")
}
