package dispatch

import (
	"time"

	"github.com/smukkama/gearmand/internal/registry"
)

// scheduleDelayedWakeup (re)arms the timer for a function's earliest-due
// delayed job. It is safe to call repeatedly; Schedule replaces any
// existing task under the same ID, so each call just moves the deadline to
// match the new head of the delayed heap.
func (d *Dispatcher) scheduleDelayedWakeup(f *registry.Function) {
	j := f.PeekDelayed()
	if j == nil {
		d.sched.Cancel("delayed:" + f.Name)
		return
	}
	function := f.Name
	d.sched.Schedule("delayed:"+function, j.RunAt, func() {
		d.postInternal(internalEvent{kind: internalPromoteDelayed, function: function})
	})
}

// promoteDelayed moves every delayed job whose RunAt has passed into the
// function's runnable queue, wakes any sleeping workers for it, and
// rearms the timer for whatever remains in the delayed set.
func (d *Dispatcher) promoteDelayed(function string) {
	f, ok := d.reg.LookupFunction(function)
	if !ok {
		return
	}

	now := time.Now()
	promoted := false
	for {
		j := f.PeekDelayed()
		if j == nil || j.RunAt.After(now) {
			break
		}
		f.PopDelayed()
		j.Status = registry.StatusQueued
		f.Enqueue(j)
		promoted = true
	}

	if promoted {
		d.wakeSleepingWorkers(function)
	}
	d.scheduleDelayedWakeup(f)
}
