// Package timer provides a min-heap scheduler. The dispatcher uses it for
// firing delayed/scheduled jobs (SUBMIT_JOB_SCHED, SUBMIT_JOB_EPOCH) once
// their RunAt has passed and for per-worker CAN_DO_TIMEOUT deadlines;
// cmd/statsroller uses it for its self-rescheduling rollups. It is
// adapted from the teacher's container/heap timer, trimmed of its unused
// worker pool. The dispatcher's Fire closures post a typed event back onto
// its own channel rather than mutating shared state directly from this
// package's goroutine.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a scheduled unit of work.
type Task struct {
	ID       string
	ExpiryAt time.Time
	Fire     func()
	index    int
}

type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].ExpiryAt.Before(h[j].ExpiryAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	task := x.(*Task)
	task.index = n
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// Scheduler runs Fire callbacks at their ExpiryAt, each in its own
// goroutine so a slow callback never delays the next deadline.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*Task
	wakeup  chan struct{}
	stopCh  chan struct{}
	stopped bool
}

func NewScheduler() *Scheduler {
	s := &Scheduler{
		heap:   make(taskHeap, 0),
		tasks:  make(map[string]*Task),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduling loop. Pending tasks are dropped, not fired.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()
}

// Schedule adds or replaces a task by ID.
func (s *Scheduler) Schedule(id string, expiryAt time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.tasks, id)
	}

	task := &Task{ID: id, ExpiryAt: expiryAt, Fire: fire}
	heap.Push(&s.heap, task)
	s.tasks[id] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
}

// Cancel removes a scheduled task, returning whether it was present.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

// Len reports how many tasks are pending.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = 24 * time.Hour
		} else {
			wait = time.Until(s.heap[0].ExpiryAt)
			if wait <= 0 {
				task := heap.Pop(&s.heap).(*Task)
				delete(s.tasks, task.ID)
				s.mu.Unlock()
				go task.Fire()
				continue
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}
