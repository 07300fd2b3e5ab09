package scheduler

import "time"

// queueItem is one pending task waiting for a device.
type queueItem struct {
	taskID    string
	priority  int
	createdAt time.Time
	seq       uint64
}

// pendingQueue orders pending tasks by priority (higher first), then
// creation time, then admission order so equal tasks dispatch FIFO.
// It is manipulated only under the scheduler lock.
type pendingQueue []queueItem

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].createdAt.Equal(q[j].createdAt) {
		return q[i].createdAt.Before(q[j].createdAt)
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x interface{}) { *q = append(*q, x.(queueItem)) }

func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
