package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestAttemptTracker_WindowAndThreshold(t *testing.T) {
	tr := newAttemptTracker(3, time.Minute, 10*time.Minute, 100)
	now := time.Unix(1_700_000_000, 0)

	tr.fail("k", now)
	tr.fail("k", now.Add(10*time.Second))
	if tr.suspicious("k", now.Add(20*time.Second)) {
		t.Fatal("two failures must not flag")
	}
	if _, crossed := tr.fail("k", now.Add(20*time.Second)); !crossed {
		t.Fatal("third failure should cross the threshold")
	}
	if !tr.suspicious("k", now.Add(30*time.Second)) {
		t.Fatal("expected suspicious")
	}
	// The first two failures leave the one-minute window.
	if tr.suspicious("k", now.Add(75*time.Second)) {
		t.Fatal("failures outside the window must not count")
	}
}

func TestAttemptTracker_Bounded(t *testing.T) {
	tr := newAttemptTracker(5, time.Minute, time.Hour, 3)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		tr.fail(fmt.Sprintf("k%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if n := tr.len(); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}
	if _, ok := tr.entries["k0"]; ok {
		t.Error("oldest key should have been evicted")
	}
}

func TestAttemptTracker_Sweep(t *testing.T) {
	tr := newAttemptTracker(5, 10*time.Minute, 5*time.Minute, 100)
	now := time.Unix(1_700_000_000, 0)
	tr.fail("old", now)
	tr.fail("new", now.Add(4*time.Minute))
	if removed := tr.sweep(now.Add(5 * time.Minute)); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := tr.entries["new"]; !ok {
		t.Error("recent key should survive the sweep")
	}
	failed, suspicious := tr.stats(now.Add(5 * time.Minute))
	if failed != 1 || suspicious != 0 {
		t.Errorf("stats = (%d, %d), want (1, 0)", failed, suspicious)
	}
}
