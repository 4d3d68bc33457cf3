package transmux

import "container/heap"

type result struct {
	data []byte
	err  error
}

type job struct {
	ordinal uint64
	done    chan result
}

// jobQueue orders pending jobs by ordinal so a burst of requests is served
// in ascending order.
type jobQueue []*job

func (q jobQueue) Len() int            { return len(q) }
func (q jobQueue) Less(i, j int) bool  { return q[i].ordinal < q[j].ordinal }
func (q jobQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*job)) }
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

func (q *jobQueue) push(j *job) { heap.Push(q, j) }

func (q *jobQueue) pop() (*job, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*job), true
}
