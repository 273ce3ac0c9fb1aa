package registry

import "container/heap"

// delayedHeap is a container/heap min-heap of *Job ordered by RunAt, one
// per Function. It carries no lock: like the rest of the registry it is
// touched only by the dispatcher goroutine.
type delayedHeap struct {
	items jobHeap
}

func newDelayedHeap() *delayedHeap {
	h := &delayedHeap{}
	heap.Init(&h.items)
	return h
}

func (d *delayedHeap) push(j *Job) { heap.Push(&d.items, j) }

func (d *delayedHeap) peek() *Job {
	if len(d.items) == 0 {
		return nil
	}
	return d.items[0]
}

func (d *delayedHeap) pop() *Job {
	if len(d.items) == 0 {
		return nil
	}
	return heap.Pop(&d.items).(*Job)
}

type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].RunAt.Before(h[j].RunAt) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x interface{}) {
	j := x.(*Job)
	j.heapIndex = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*h = old[:n-1]
	return j
}
