package orchestrator

import (
	"testing"
	"time"
)

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := newSlidingWindow(time.Minute, 3)
	w.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !w.Allow() {
			t.Fatalf("call %d refused inside limit", i+1)
		}
	}
	if w.Allow() {
		t.Fatal("fourth call admitted over limit")
	}
}

func TestSlidingWindowSlidesForward(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := newSlidingWindow(time.Minute, 2)
	w.now = func() time.Time { return clock }

	w.Allow()
	clock = clock.Add(30 * time.Second)
	w.Allow()
	if w.Allow() {
		t.Fatal("third call admitted inside window")
	}

	// The first stamp falls out of the trailing window; one slot opens.
	clock = clock.Add(31 * time.Second)
	if !w.Allow() {
		t.Fatal("call refused after window slid past the oldest stamp")
	}
	if w.Allow() {
		t.Fatal("window should be full again")
	}
}

func TestSlidingWindowZeroLimitDisables(t *testing.T) {
	w := newSlidingWindow(time.Minute, 0)
	for i := 0; i < 50; i++ {
		if !w.Allow() {
			t.Fatal("zero limit must never refuse")
		}
	}
}

func TestSlidingWindowReset(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := newSlidingWindow(time.Minute, 1)
	w.now = func() time.Time { return clock }

	w.Allow()
	if w.Allow() {
		t.Fatal("expected refusal before reset")
	}
	w.reset()
	if !w.Allow() {
		t.Fatal("expected admission after reset")
	}
}
