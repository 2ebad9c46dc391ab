package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.Observe("commit_to_first_audio", 500*time.Millisecond)
	w.Observe("commit_to_first_audio", 700*time.Millisecond)
	w.Observe("commit_to_first_audio", 900*time.Millisecond)
	w.Mark("barge_in")
	w.Mark("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "commit_to_first_audio" || s.Samples != 3 {
		t.Fatalf("stage stats = %+v", s)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1800 {
		t.Fatalf("TargetP95MS = %.2f, want 1800", s.TargetP95MS)
	}
	if len(snap.Markers) != 1 || snap.Markers[0].Name != "barge_in" || snap.Markers[0].Count != 2 {
		t.Fatalf("Markers = %+v, want barge_in x2", snap.Markers)
	}
}

func TestStageWindowRingEviction(t *testing.T) {
	w := NewStageWindow(4)
	for i := 1; i <= 6; i++ {
		w.Observe("asr", time.Duration(i*100)*time.Millisecond)
	}
	snap := w.Snapshot()
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want window size 4", s.Samples)
	}
	if s.LastMS != 600 {
		t.Fatalf("LastMS = %.2f, want 600", s.LastMS)
	}
}

func TestStageWindowIgnoresBadInput(t *testing.T) {
	w := NewStageWindow(4)
	w.Observe("", time.Second)
	w.Observe("x", -time.Second)
	w.Mark("  ")
	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Markers) != 0 {
		t.Fatalf("bad input recorded: %+v", snap)
	}
}
