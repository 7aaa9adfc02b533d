// Package dispatch is the supervisory scheduler: it drains READY tasks
// from the registry into a priority queue, assigns them to agent pools
// under concurrency caps, launches runners, monitors heartbeats, and
// drives completion and retry.
package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// QueuedTask is one entry awaiting dispatch.
type QueuedTask struct {
	SpecName      string
	TaskID        string
	Title         string
	RequiredSkill string
	Priority      int
	CreatedAt     time.Time
	EnqueuedAt    time.Time

	seq   uint64
	index int
}

// Key identifies a task across specs.
func (t *QueuedTask) Key() string {
	return t.SpecName + "/" + t.TaskID
}

type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

// order: priority DESC, created_at ASC, then enqueue sequence ASC
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*QueuedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TaskQueue is a thread-safe priority queue with membership tracking so
// the poll loop never enqueues a task twice.
type TaskQueue struct {
	mu      sync.Mutex
	heap    taskHeap
	members map[string]*QueuedTask
	nextSeq uint64
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{members: make(map[string]*QueuedTask)}
}

// Enqueue adds a task; a task already queued is left untouched and
// false is returned.
func (q *TaskQueue) Enqueue(task *QueuedTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.members[task.Key()]; dup {
		return false
	}
	q.nextSeq++
	task.seq = q.nextSeq
	task.EnqueuedAt = time.Now()
	heap.Push(&q.heap, task)
	q.members[task.Key()] = task
	return true
}

// Peek returns the head without removing it, or nil.
func (q *TaskQueue) Peek() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Dequeue removes and returns the highest-priority oldest task, or nil.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	task := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.members, task.Key())
	return task
}

// Contains reports queue membership.
func (q *TaskQueue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[key]
	return ok
}

// Len returns the queue size.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// UpdatePriority re-keys a queued task in place; unknown keys return
// false.
func (q *TaskQueue) UpdatePriority(key string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.members[key]
	if !ok {
		return false
	}
	task.Priority = priority
	heap.Fix(&q.heap, task.index)
	return true
}

// Remove drops a queued task; unknown keys return false.
func (q *TaskQueue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.members[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, task.index)
	delete(q.members, key)
	return true
}
