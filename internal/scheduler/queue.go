// File: internal/scheduler/queue.go
package scheduler

import (
	"container/heap"

	"price-direction-ml/internal/domain/model"
)

// jobQueue is a priority heap of pending jobs. Lower Priority values pop
// first; equal priorities pop in arrival order. Jobs are held by value and
// leave the queue when popped or removed.
type jobQueue struct {
	items []queuedItem
	seq   uint64
}

type queuedItem struct {
	job model.TrainingJob
	seq uint64
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	if q.items[i].job.Priority != q.items[j].job.Priority {
		return q.items[i].job.Priority < q.items[j].job.Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *jobQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *jobQueue) Push(x any) { q.items = append(q.items, x.(queuedItem)) }

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}

// push enqueues a job with the next arrival sequence. A requeued job gets a
// fresh sequence and therefore yields to equal-priority peers already waiting.
func (q *jobQueue) push(job model.TrainingJob) {
	q.seq++
	heap.Push(q, queuedItem{job: job, seq: q.seq})
}

func (q *jobQueue) pop() (model.TrainingJob, bool) {
	if q.Len() == 0 {
		return model.TrainingJob{}, false
	}
	it := heap.Pop(q).(queuedItem)
	return it.job, true
}

func (q *jobQueue) removeByID(id string) (model.TrainingJob, bool) {
	for i := range q.items {
		if q.items[i].job.ID == id {
			it := heap.Remove(q, i).(queuedItem)
			return it.job, true
		}
	}
	return model.TrainingJob{}, false
}

// drain empties the queue, returning jobs in priority order.
func (q *jobQueue) drain() []model.TrainingJob {
	out := make([]model.TrainingJob, 0, q.Len())
	for q.Len() > 0 {
		job, _ := q.pop()
		out = append(out, job)
	}
	return out
}

// snapshot returns queued jobs in priority order without mutating the queue.
func (q *jobQueue) snapshot() []model.TrainingJob {
	cp := &jobQueue{items: append([]queuedItem(nil), q.items...), seq: q.seq}
	return cp.drain()
}
