package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueMatchesWorkerThenTest(t *testing.T) {
	q := NewQueue()

	ch := q.AddWorker(0, "runner-1")
	q.AddTest(0, WorkItem{ClassPath: "pkg Class", Methods: []string{"test_a", "run"}})

	select {
	case res := <-ch:
		require.NotNil(t, res.Item)
		assert.Equal(t, "pkg Class", res.Item.ClassPath)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for match")
	}
}

func TestQueueMatchesTestThenWorker(t *testing.T) {
	q := NewQueue()

	q.AddTest(0, WorkItem{ClassPath: "pkg Class", Methods: []string{"run"}})
	ch := q.AddWorker(0, "runner-1")

	select {
	case res := <-ch:
		require.NotNil(t, res.Item)
		assert.Equal(t, "pkg Class", res.Item.ClassPath)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for match")
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue()

	q.AddTest(0, WorkItem{ClassPath: "normal", Methods: []string{"run"}})
	q.AddTest(-1, WorkItem{ClassPath: "requeued", Methods: []string{"run"}})

	ch := q.AddWorker(0, "runner-1")
	res := <-ch
	require.NotNil(t, res.Item)
	assert.Equal(t, "requeued", res.Item.ClassPath, "requeued (priority -1) work dispatches before normal (priority 0) work")
}

func TestQueueSkippedWorkersAreRequeued(t *testing.T) {
	q := NewQueue()

	ch1 := q.AddWorker(0, "runner-1")
	ch2 := q.AddWorker(0, "runner-2")

	q.AddTest(0, WorkItem{ClassPath: "only-one", Methods: []string{"run"}})

	var matched int
	select {
	case res := <-ch1:
		if res.Item != nil {
			matched++
		}
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case res := <-ch2:
		if res.Item != nil {
			matched++
		}
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, matched, "exactly one worker should have matched the single test")
	assert.True(t, q.HasWaitingWorkers(), "the unmatched worker should still be queued")
}

func TestQueueFinalizeReleasesWaitingWorkers(t *testing.T) {
	q := NewQueue()
	ch := q.AddWorker(0, "runner-1")

	q.Finalize()

	select {
	case res := <-ch:
		assert.Nil(t, res.Item)
	case <-time.After(time.Second):
		t.Fatal("finalize should have released the waiting worker")
	}
}

func TestQueueFinalizeThenAddWorkerReturnsImmediately(t *testing.T) {
	q := NewQueue()
	q.Finalize()

	ch := q.AddWorker(0, "runner-1")
	select {
	case res := <-ch:
		assert.Nil(t, res.Item)
	case <-time.After(time.Second):
		t.Fatal("a worker added after finalize should be released immediately")
	}
}

func TestQueueEmpty(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.Empty())

	q.AddTest(0, WorkItem{ClassPath: "pkg Class", Methods: []string{"run"}})
	assert.False(t, q.Empty())
}
