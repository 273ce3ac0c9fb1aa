package registry

import (
	"container/list"

	"github.com/smukkama/gearmand/internal/wire"
)

// Function is a named unit of work capability. It owns three FIFOs, one
// per priority, plus the set of workers currently registered as able to
// perform it.
type Function struct {
	Name string

	queues   [wire.PriorityCount]*list.List // each element is *Job
	delayed  *delayedHeap
	Workers  map[string]*Worker // connection ID -> Worker

	MaxQueueSize [wire.PriorityCount]int // 0 = unlimited

	TotalSubmitted int64
	TotalCompleted int64
	TotalFailed    int64
}

func newFunction(name string) *Function {
	f := &Function{
		Name:    name,
		Workers: make(map[string]*Worker),
		delayed: newDelayedHeap(),
	}
	for p := range f.queues {
		f.queues[p] = list.New()
	}
	return f
}

// Enqueue places a runnable (non-delayed) job at the tail of its priority
// queue.
func (f *Function) Enqueue(j *Job) {
	f.queues[j.Priority].PushBack(j)
	f.TotalSubmitted++
}

// EnqueueFront requeues a job at the head of its priority queue, used when
// a worker that was holding it disconnects before completing it.
func (f *Function) EnqueueFront(j *Job) {
	f.queues[j.Priority].PushFront(j)
}

// Dequeue pops the highest-priority runnable job, skipping over any job
// marked Ignore (abandoned by every tracking client and never persisted as
// background work — dropped silently instead of being handed to a worker).
func (f *Function) Dequeue() *Job {
	for p := 0; p < int(wire.PriorityCount); p++ {
		q := f.queues[p]
		for e := q.Front(); e != nil; {
			next := e.Next()
			j := e.Value.(*Job)
			q.Remove(e)
			if !j.Ignore {
				return j
			}
			e = next
		}
	}
	return nil
}

// QueueDepth returns the number of runnable jobs across all priorities,
// used by the admin "status" line and the backlog alarm watcher.
func (f *Function) QueueDepth() int {
	n := 0
	for _, q := range f.queues {
		n += q.Len()
	}
	return n
}

// QueueDepthByPriority mirrors QueueDepth broken out per priority, for the
// per-priority "maxqueue" cap check.
func (f *Function) QueueDepthByPriority(p wire.Priority) int {
	return f.queues[p].Len()
}

// PeekBest returns the highest-priority non-Ignore job without removing
// it, used by GrabJobFor to compare candidates across functions before
// committing to one.
func (f *Function) PeekBest() *Job {
	for p := 0; p < int(wire.PriorityCount); p++ {
		for e := f.queues[p].Front(); e != nil; e = e.Next() {
			j := e.Value.(*Job)
			if !j.Ignore {
				return j
			}
		}
	}
	return nil
}

// RemoveJob removes a specific job from its priority queue, used once
// GrabJobFor has committed to handing j to a worker.
func (f *Function) RemoveJob(j *Job) bool {
	q := f.queues[j.Priority]
	for e := q.Front(); e != nil; e = e.Next() {
		if e.Value.(*Job) == j {
			q.Remove(e)
			return true
		}
	}
	return false
}

// WorkerCount returns the number of workers registered for this function.
func (f *Function) WorkerCount() int {
	return len(f.Workers)
}

// RunningCount returns the number of workers currently executing a job for
// this function.
func (f *Function) RunningCount() int {
	n := 0
	for _, w := range f.Workers {
		if w.CurrentFunction == f.Name {
			n++
		}
	}
	return n
}

// AddDelayed inserts a scheduled/epoch job into the delayed set, ordered
// by RunAt.
func (f *Function) AddDelayed(j *Job) {
	f.delayed.push(j)
}

// PeekDelayed returns the earliest-due delayed job without removing it, or
// nil if none are waiting.
func (f *Function) PeekDelayed() *Job {
	return f.delayed.peek()
}

// PopDelayed removes and returns the earliest-due delayed job.
func (f *Function) PopDelayed() *Job {
	return f.delayed.pop()
}
