package actuator

import "container/heap"

// commandQueue holds pending commands ordered by priority (desc), then seq (asc).
// Not safe for concurrent use; the channel mutex guards it.
type commandQueue struct {
	h     commandHeap
	seq   int64
	front int64
}

func (q *commandQueue) Len() int { return len(q.h) }

// push appends cmd behind everything of equal priority.
func (q *commandQueue) push(cmd *Command) {
	q.seq++
	cmd.seq = q.seq
	heap.Push(&q.h, cmd)
}

// pushFront inserts cmd ahead of everything pending with equal or lower
// priority. Higher-priority commands still go first.
func (q *commandQueue) pushFront(cmd *Command) {
	q.front--
	cmd.seq = q.front
	heap.Push(&q.h, cmd)
}

func (q *commandQueue) peek() *Command {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *commandQueue) pop() *Command {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Command)
}

// drain removes and returns every pending command in dispatch order.
func (q *commandQueue) drain() []*Command {
	out := make([]*Command, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*Command))
	}
	return out
}

type commandHeap []*Command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(*Command)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}
