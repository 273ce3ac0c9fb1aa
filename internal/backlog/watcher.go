package backlog

import (
	"context"
	"log"
	"time"
)

// Notification describes one alarm transition, handed to a Notifier for
// delivery (by email, in this repo).
type Notification struct {
	Function  string
	Triggered bool // false means "cleared"
	Depth     int
	Threshold int
	Since     time.Time
}

// Notifier delivers a Notification to an operator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Source supplies the live queue depth for every known function, and the
// configured max-backlog threshold for each. It is satisfied by the
// dispatcher's stats accessor, read without locking the registry itself
// (see SPEC_FULL.md §5): the watcher only ever reads a snapshot.
type Source interface {
	FunctionDepths() map[string]int
	MaxBacklog(function string) int
}

// Watcher periodically samples every function's backlog and runs it
// through the CLEAR -> PENDING_ALARM -> ALARMING machine.
type Watcher struct {
	source         Source
	states         StateStore
	notifier       Notifier
	sampleInterval time.Duration
	breachDuration time.Duration
	stopCh         chan struct{}
}

func NewWatcher(source Source, states StateStore, notifier Notifier, sampleInterval, breachDuration time.Duration) *Watcher {
	return &Watcher{
		source:         source,
		states:         states,
		notifier:       notifier,
		sampleInterval: sampleInterval,
		breachDuration: breachDuration,
		stopCh:         make(chan struct{}),
	}
}

// Run blocks, sampling on sampleInterval until ctx is done or Stop is
// called.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sampleOnce(ctx)
		}
	}
}

func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) sampleOnce(ctx context.Context) {
	depths := w.source.FunctionDepths()
	for function, depth := range depths {
		threshold := w.source.MaxBacklog(function)
		if threshold <= 0 {
			continue
		}
		if err := w.evaluate(ctx, function, depth, threshold); err != nil {
			log.Printf("backlog: evaluate %s: %v", function, err)
		}
	}
}

func (w *Watcher) evaluate(ctx context.Context, function string, depth, threshold int) error {
	state, err := w.states.Get(ctx, function)
	if err != nil {
		return err
	}

	breached := depth > threshold
	now := time.Now()

	if breached {
		return w.handleBreach(ctx, function, depth, threshold, state, now)
	}
	return w.handleNoBreach(ctx, function, state, now)
}

func (w *Watcher) handleBreach(ctx context.Context, function string, depth, threshold int, state State, now time.Time) error {
	switch state.Status {
	case StatusClear:
		return w.states.Set(ctx, function, State{
			Status:          StatusPending,
			BreachStartTime: now,
			LastChecked:     now,
			BreachDepth:     depth,
		})

	case StatusPending:
		if now.Sub(state.BreachStartTime) >= w.breachDuration {
			return w.trigger(ctx, function, depth, threshold, state, now)
		}
		state.LastChecked = now
		state.BreachDepth = depth
		return w.states.Set(ctx, function, state)

	case StatusAlarm:
		state.LastChecked = now
		state.BreachDepth = depth
		return w.states.Set(ctx, function, state)
	}
	return nil
}

func (w *Watcher) handleNoBreach(ctx context.Context, function string, state State, now time.Time) error {
	switch state.Status {
	case StatusClear:
		return nil
	case StatusPending:
		return w.states.Delete(ctx, function)
	case StatusAlarm:
		return w.clear(ctx, function, state, now)
	}
	return nil
}

func (w *Watcher) trigger(ctx context.Context, function string, depth, threshold int, state State, now time.Time) error {
	state.Status = StatusAlarm
	state.LastChecked = now
	state.BreachDepth = depth
	if err := w.states.Set(ctx, function, state); err != nil {
		return err
	}
	return w.notifier.Notify(ctx, Notification{
		Function:  function,
		Triggered: true,
		Depth:     depth,
		Threshold: threshold,
		Since:     state.BreachStartTime,
	})
}

func (w *Watcher) clear(ctx context.Context, function string, state State, now time.Time) error {
	if err := w.states.Delete(ctx, function); err != nil {
		return err
	}
	return w.notifier.Notify(ctx, Notification{
		Function:  function,
		Triggered: false,
		Depth:     state.BreachDepth,
		Since:     state.BreachStartTime,
	})
}
