package backlog

import (
	"context"
	"testing"
	"time"
)

type fakeSource struct {
	depths map[string]int
	max    map[string]int
}

func (f *fakeSource) FunctionDepths() map[string]int { return f.depths }
func (f *fakeSource) MaxBacklog(function string) int  { return f.max[function] }

type fakeNotifier struct {
	notifications []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

func TestWatcherTriggersAfterBreachDuration(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{depths: map[string]int{"reverse": 10}, max: map[string]int{"reverse": 5}}
	notifier := &fakeNotifier{}
	states := NewMemoryStateStore()
	w := NewWatcher(source, states, notifier, time.Second, 0)

	w.sampleOnce(ctx)
	st, _ := states.Get(ctx, "reverse")
	if st.Status != StatusPending {
		t.Fatalf("status after first breach sample = %v, want PENDING_ALARM", st.Status)
	}
	if len(notifier.notifications) != 0 {
		t.Fatal("should not notify before the breach duration elapses")
	}

	w.sampleOnce(ctx)
	st, _ = states.Get(ctx, "reverse")
	if st.Status != StatusAlarm {
		t.Fatalf("status after second breach sample = %v, want ALARMING (zero breach duration)", st.Status)
	}
	if len(notifier.notifications) != 1 || !notifier.notifications[0].Triggered {
		t.Fatalf("notifications = %v, want one triggered notification", notifier.notifications)
	}
}

func TestWatcherClearsAfterRecovery(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{depths: map[string]int{"reverse": 10}, max: map[string]int{"reverse": 5}}
	notifier := &fakeNotifier{}
	states := NewMemoryStateStore()
	w := NewWatcher(source, states, notifier, time.Second, 0)

	w.sampleOnce(ctx)
	w.sampleOnce(ctx)

	source.depths["reverse"] = 1
	w.sampleOnce(ctx)

	st, _ := states.Get(ctx, "reverse")
	if st.Status != StatusClear {
		t.Fatalf("status after recovery = %v, want CLEAR", st.Status)
	}
	if len(notifier.notifications) != 2 || notifier.notifications[1].Triggered {
		t.Fatalf("notifications = %v, want a trailing cleared notification", notifier.notifications)
	}
}

func TestWatcherIgnoresFunctionsWithNoThreshold(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{depths: map[string]int{"reverse": 1000}, max: map[string]int{}}
	notifier := &fakeNotifier{}
	states := NewMemoryStateStore()
	w := NewWatcher(source, states, notifier, time.Second, time.Minute)

	w.sampleOnce(ctx)

	st, _ := states.Get(ctx, "reverse")
	if st.Status != StatusClear {
		t.Errorf("a function with threshold <= 0 should never be evaluated, got %v", st.Status)
	}
}

func TestWatcherPendingDoesNotTriggerBeforeBreachDuration(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{depths: map[string]int{"reverse": 10}, max: map[string]int{"reverse": 5}}
	notifier := &fakeNotifier{}
	states := NewMemoryStateStore()
	w := NewWatcher(source, states, notifier, time.Second, time.Hour)

	w.sampleOnce(ctx)
	w.sampleOnce(ctx)
	w.sampleOnce(ctx)

	st, _ := states.Get(ctx, "reverse")
	if st.Status != StatusPending {
		t.Fatalf("status = %v, want PENDING_ALARM while within the breach duration", st.Status)
	}
	if len(notifier.notifications) != 0 {
		t.Error("should not notify while still within the breach duration")
	}
}
