package timer

import (
	"testing"
	"time"
)

func TestPostRunsOnLoop(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	done := make(chan struct{})
	tm.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted callback never ran")
	}
}

func TestPostSyncBlocksUntilDone(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	var ran bool
	tm.PostSync(func() { ran = true })
	if !ran {
		t.Fatal("PostSync returned before callback executed")
	}
}

func TestScheduleFiresAfterDelay(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	start := time.Now()
	fired := make(chan time.Time, 1)
	tm.Schedule("wake", "target", 50*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 40*time.Millisecond {
			t.Fatalf("fired too early: %v", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled callback never fired")
	}
}

func TestScheduleReplacesExistingKey(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	var firstFired, secondFired bool
	tm.Schedule("probe", "svc", 30*time.Millisecond, func() { firstFired = true })
	tm.Schedule("probe", "svc", 30*time.Millisecond, func() { secondFired = true })

	time.Sleep(100 * time.Millisecond)
	tm.PostSync(func() {})

	if firstFired {
		t.Fatal("first scheduled callback should have been superseded")
	}
	if !secondFired {
		t.Fatal("second scheduled callback should have fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	fired := false
	tm.Schedule("probe", "svc", 30*time.Millisecond, func() { fired = true })
	tm.Cancel("probe", "svc")

	time.Sleep(80 * time.Millisecond)
	tm.PostSync(func() {})

	if fired {
		t.Fatal("canceled callback fired anyway")
	}
}

func TestCancelMissingIsNoop(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	tm.Cancel("nonexistent", "nothing")
}

func TestExistsReflectsScheduleAndCancel(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	if tm.Exists("probe", "svc") {
		t.Fatal("Exists true before Schedule")
	}
	tm.Schedule("probe", "svc", time.Second, func() {})
	if !tm.Exists("probe", "svc") {
		t.Fatal("Exists false after Schedule")
	}
	tm.Cancel("probe", "svc")
	if tm.Exists("probe", "svc") {
		t.Fatal("Exists true after Cancel")
	}
}

func TestPostAndZeroDelayScheduleFromCallbackBothRun(t *testing.T) {
	tm := New()
	tm.Run()
	defer tm.Stop()

	var order []string
	tm.PostSync(func() {
		tm.Schedule("a", "x", 0, func() { order = append(order, "scheduled") })
		tm.Post(func() { order = append(order, "posted") })
	})
	time.Sleep(50 * time.Millisecond)
	tm.PostSync(func() {})

	if len(order) != 2 {
		t.Fatalf("expected both callbacks to run, got %v", order)
	}
}
