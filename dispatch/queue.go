package dispatch

import (
	"container/heap"
	"sync"
)

// MatchResult is delivered to a waiting worker once a test is available,
// or once the queue is finalized (Item == nil signals no more work).
type MatchResult struct {
	Priority int
	Item     *WorkItem
}

// Queue is the two-sided priority matching queue (Component A): it pairs
// queued tests against queued workers in priority order. Ties among tests
// are broken by insertion order; ties among workers by runner id, then
// insertion order. Lower priority values are matched first — new work is
// queued at 0, requeued work at -1 so it is dispatched ahead of anything
// freshly discovered.
//
// All exported methods take Queue's own mutex; callers don't need to
// serialize access themselves. In dispatchd, Queue is called from many
// goroutines (HTTP handlers and timers) through a Coordinator, some of them
// without holding the Coordinator's mutex.
type Queue struct {
	mu         sync.Mutex
	tests      testHeap
	workers    workerHeap
	finalized  bool
	nextSeq    int64
}

// NewQueue returns an empty, non-finalized Queue.
func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.tests)
	heap.Init(&q.workers)
	return q
}

type pendingTest struct {
	priority int
	seq      int64
	item     WorkItem
}

type testHeap []*pendingTest

func (h testHeap) Len() int { return len(h) }
func (h testHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h testHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *testHeap) Push(x interface{}) { *h = append(*h, x.(*pendingTest)) }
func (h *testHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type pendingWorker struct {
	priority int
	seq      int64
	runnerID string
	reply    chan MatchResult
}

type workerHeap []*pendingWorker

func (h workerHeap) Len() int { return len(h) }
func (h workerHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].runnerID != h[j].runnerID {
		return h[i].runnerID < h[j].runnerID
	}
	return h[i].seq < h[j].seq
}
func (h workerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *workerHeap) Push(x interface{}) { *h = append(*h, x.(*pendingWorker)) }
func (h *workerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// AddTest queues a test to be given to a worker.
func (q *Queue) AddTest(priority int, item WorkItem) {
	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.tests, &pendingTest{priority: priority, seq: q.nextSeq, item: item})
	q.mu.Unlock()

	q.match()
}

// AddWorker queues a runner to receive the next available test. The
// returned channel receives exactly one MatchResult: a live WorkItem, or
// one with a nil Item if the queue is finalized before a test arrives.
func (q *Queue) AddWorker(priority int, runnerID string) <-chan MatchResult {
	reply := make(chan MatchResult, 1)

	q.mu.Lock()
	if q.finalized {
		q.mu.Unlock()
		reply <- MatchResult{}
		close(reply)
		return reply
	}
	q.nextSeq++
	heap.Push(&q.workers, &pendingWorker{priority: priority, seq: q.nextSeq, runnerID: runnerID, reply: reply})
	q.mu.Unlock()

	q.match()
	return reply
}

// match pairs at most one worker with one test, skipping (and re-queueing)
// any workers popped while no test was available. It is safe to call
// whenever the queue's contents may have changed.
func (q *Queue) match() {
	q.mu.Lock()

	var matchedWorker *pendingWorker
	var matchedTest *pendingTest
	var skipped []*pendingWorker

	for matchedWorker == nil {
		if q.workers.Len() == 0 {
			break
		}
		w := heap.Pop(&q.workers).(*pendingWorker)

		if matchedTest == nil && q.tests.Len() > 0 {
			matchedTest = heap.Pop(&q.tests).(*pendingTest)
		}

		if matchedTest == nil {
			skipped = append(skipped, w)
			continue
		}
		matchedWorker = w
	}

	for _, w := range skipped {
		heap.Push(&q.workers, w)
	}

	q.mu.Unlock()

	if matchedWorker != nil {
		item := matchedTest.item
		matchedWorker.reply <- MatchResult{Priority: matchedWorker.priority, Item: &item}
		close(matchedWorker.reply)
		// A match may have freed up capacity for another pending pair.
		q.match()
	}
}

// Empty reports whether there are any pending tests.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tests.Len() == 0
}

// HasWaitingWorkers reports whether any runners are currently queued
// awaiting a test.
func (q *Queue) HasWaitingWorkers() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers.Len() > 0
}

// Finalize immediately releases every waiting worker with an empty
// MatchResult, and causes every future AddWorker call to do the same.
func (q *Queue) Finalize() {
	q.mu.Lock()
	q.finalized = true
	pending := q.workers
	q.workers = nil
	heap.Init(&q.workers)
	q.mu.Unlock()

	for _, w := range pending {
		w.reply <- MatchResult{}
		close(w.reply)
	}
}
