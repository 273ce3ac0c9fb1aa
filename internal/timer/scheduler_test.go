package timer

import (
	"testing"
	"time"
)

func TestSchedulerFiresInOrder(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan string, 3)
	now := time.Now()

	s.Schedule("c", now.Add(30*time.Millisecond), func() { fired <- "c" })
	s.Schedule("a", now.Add(10*time.Millisecond), func() { fired <- "a" })
	s.Schedule("b", now.Add(20*time.Millisecond), func() { fired <- "b" })

	want := []string{"a", "b", "c"}
	for i, w := range want {
		select {
		case got := <-fired:
			if got != w {
				t.Errorf("fire %d = %q, want %q", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for task %q to fire", w)
		}
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	s.Schedule("only", time.Now().Add(30*time.Millisecond), func() { fired <- struct{}{} })

	if !s.Cancel("only") {
		t.Fatal("Cancel() = false, want true for a pending task")
	}
	if s.Cancel("only") {
		t.Error("Cancel() on an already-cancelled task should return false")
	}

	select {
	case <-fired:
		t.Fatal("cancelled task fired anyway")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduleReplacesExistingID(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan string, 2)
	s.Schedule("x", time.Now().Add(10*time.Millisecond), func() { fired <- "stale" })
	s.Schedule("x", time.Now().Add(200*time.Millisecond), func() { fired <- "fresh" })

	select {
	case got := <-fired:
		if got != "fresh" {
			t.Errorf("fired %q, want only the rescheduled task to fire", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the rescheduled task")
	}

	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after the sole task fired", s.Len())
	}
}
