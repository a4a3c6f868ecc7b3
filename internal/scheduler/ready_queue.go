package scheduler

import "container/heap"

// readyEntry is a heap slot. Lower priority value first, then arrival order.
type readyEntry struct {
	pid      string
	priority int
	seq      uint64
	index    int
}

// readyQueue is a min-heap of ready processes with O(log n) removal by pid.
type readyQueue struct {
	items []*readyEntry
	byPID map[string]*readyEntry
	seq   uint64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{byPID: make(map[string]*readyEntry)}
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority < q.items[j].priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*readyEntry)
	e.index = len(q.items)
	q.items = append(q.items, e)
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	e.index = -1
	return e
}

// add enqueues pid; re-adding an enqueued pid is a no-op.
func (q *readyQueue) add(pid string, priority int) {
	if _, ok := q.byPID[pid]; ok {
		return
	}
	q.seq++
	e := &readyEntry{pid: pid, priority: priority, seq: q.seq}
	q.byPID[pid] = e
	heap.Push(q, e)
}

func (q *readyQueue) remove(pid string) bool {
	e, ok := q.byPID[pid]
	if !ok {
		return false
	}
	heap.Remove(q, e.index)
	delete(q.byPID, pid)
	return true
}

// peek returns the most urgent entry without removing it.
func (q *readyQueue) peek() (*readyEntry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}
