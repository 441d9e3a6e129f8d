package scheduler

import (
	"container/heap"
	"sync"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// JobQueue is a heap of dispatched work keyed by submission sequence, so
// jobs leave in the order they arrived.
type JobQueue struct {
	jobs []*QueuedJob
	seq  uint64
	mu   sync.Mutex
}

// QueuedJob wraps a unit of work with ordering information
type QueuedJob struct {
	JobID  string
	Params models.Params
	Work   models.WorkFunc
	Index  int // For heap.Interface

	seq uint64
}

// NewJobQueue creates a new job queue
func NewJobQueue() *JobQueue {
	jq := &JobQueue{
		jobs: make([]*QueuedJob, 0),
	}
	heap.Init(jq)
	return jq
}

// Enqueue adds a job to the queue
func (jq *JobQueue) Enqueue(item *QueuedJob) {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	jq.seq++
	item.seq = jq.seq
	heap.Push(jq, item)
}

// PopJob removes and returns the next job, or nil when empty
func (jq *JobQueue) PopJob() *QueuedJob {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if len(jq.jobs) == 0 {
		return nil
	}
	return heap.Pop(jq).(*QueuedJob)
}

// Size returns the number of queued jobs
func (jq *JobQueue) Size() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return len(jq.jobs)
}

// Len implements heap.Interface; callers must hold mu
func (jq *JobQueue) Len() int {
	return len(jq.jobs)
}

// Less orders by submission sequence
func (jq *JobQueue) Less(i, j int) bool {
	return jq.jobs[i].seq < jq.jobs[j].seq
}

// Swap swaps two jobs
func (jq *JobQueue) Swap(i, j int) {
	jq.jobs[i], jq.jobs[j] = jq.jobs[j], jq.jobs[i]
	jq.jobs[i].Index = i
	jq.jobs[j].Index = j
}

// Push implements heap.Interface
func (jq *JobQueue) Push(x interface{}) {
	n := len(jq.jobs)
	item := x.(*QueuedJob)
	item.Index = n
	jq.jobs = append(jq.jobs, item)
}

// Pop implements heap.Interface
func (jq *JobQueue) Pop() interface{} {
	old := jq.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	jq.jobs = old[0 : n-1]
	return item
}
