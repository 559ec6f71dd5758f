package task

import "container/heap"

// Queue is a min-heap of futures ordered by expiry. It is not safe for
// concurrent use; each timer or dispatcher owns its queue from one goroutine.
type Queue struct {
	h futureHeap
}

// Len returns the number of queued futures.
func (q *Queue) Len() int { return len(q.h) }

// Add pushes f.
func (q *Queue) Add(f *Future) { heap.Push(&q.h, f) }

// Peek returns the earliest future without removing it.
func (q *Queue) Peek() *Future {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Next removes and returns the earliest future.
func (q *Queue) Next() *Future {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Future)
}

// PruneCancelled discards cancelled futures at the head and returns how many
// were removed.
func (q *Queue) PruneCancelled() int {
	n := 0
	for len(q.h) > 0 && q.h[0].IsCancelled() {
		heap.Pop(&q.h)
		n++
	}
	return n
}

// Clear drops every future, cancelling those still waiting so their waiters
// return, and reports how many were dropped.
func (q *Queue) Clear() int {
	n := len(q.h)
	for i, f := range q.h {
		f.Cancel()
		f.index = -1
		q.h[i] = nil
	}
	q.h = q.h[:0]
	return n
}

type futureHeap []*Future

func (h futureHeap) Len() int           { return len(h) }
func (h futureHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h futureHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *futureHeap) Push(x any) {
	f := x.(*Future)
	f.index = len(*h)
	*h = append(*h, f)
}

func (h *futureHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.index = -1
	*h = old[:n-1]
	return f
}
