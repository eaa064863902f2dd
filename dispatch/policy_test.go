package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/dispatch/config"
)

type recordingReporter struct {
	started   []Result
	completed []Result
}

func (r *recordingReporter) TestStart(result Result)    { r.started = append(r.started, result) }
func (r *recordingReporter) TestComplete(result Result) { r.completed = append(r.completed, result) }

func newTestCoordinator(t *testing.T, cfg config.PolicyConfig) (*Coordinator, *recordingReporter) {
	t.Helper()
	rep := &recordingReporter{}
	c := NewCoordinator(cfg, []Reporter{rep}, zap.NewNop().Sugar())
	shutdownCalls := 0
	c.SetShutdownHandler(func(outstanding bool) { shutdownCalls++ })
	return c, rep
}

func basePolicyConfig() config.PolicyConfig {
	return config.PolicyConfig{
		RunnerTimeoutSeconds:                      300,
		ShutdownDelayForConnectionCloseSeconds:    1,
		ShutdownDelayForOutstandingRunnersSeconds: 1,
	}
}

func TestHappyPathDispatchAndFinish(t *testing.T) {
	c, rep := newTestCoordinator(t, basePolicyConfig())

	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})

	item, ok := c.GetNextTest("runner-1")
	require.True(t, ok)
	assert.Equal(t, "pkg Class", item.ClassPath)
	assert.ElementsMatch(t, []string{"test_a", SentinelMethod}, item.Methods)
	assert.Equal(t, 1, c.CheckedOutCount())

	require.NoError(t, c.ReportResult("runner-1", Result{
		Method:  Method{Module: "pkg", Class: "Class", Name: "test_a"},
		Success: true,
	}))
	require.NoError(t, c.ReportResult("runner-1", Result{
		Method:  Method{Module: "pkg", Class: "Class", Name: SentinelMethod},
		Success: true,
	}))

	assert.Equal(t, 0, c.CheckedOutCount())
	assert.Len(t, rep.completed, 1)
	assert.True(t, c.IsShuttingDown(), "queue and ledger both empty should trigger shutdown")
}

func TestReportResultRejectsWrongRunner(t *testing.T) {
	c, _ := newTestCoordinator(t, basePolicyConfig())
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})
	_, ok := c.GetNextTest("runner-1")
	require.True(t, ok)

	err := c.ReportResult("runner-2", Result{Method: Method{Module: "pkg", Class: "Class", Name: "test_a"}, Success: true})
	assert.Error(t, err)
}

func TestReportResultRejectsUnknownClass(t *testing.T) {
	c, _ := newTestCoordinator(t, basePolicyConfig())
	err := c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Missing", Name: "test_a"}, Success: true})
	assert.Error(t, err)
}

func TestFailedMethodIsRequeuedOnce(t *testing.T) {
	c, rep := newTestCoordinator(t, basePolicyConfig())
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})

	item, ok := c.GetNextTest("runner-1")
	require.True(t, ok)

	require.NoError(t, c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Class", Name: "test_a"}, Success: false}))
	require.NoError(t, c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Class", Name: SentinelMethod}, Success: true}))

	assert.Empty(t, rep.completed, "a failed method with other runners available should be requeued, not reported yet")
	assert.False(t, c.QueueEmpty(), "the failed method should have been requeued")
	_ = item

	// Second runner picks up the requeued class and fails the same method again.
	item2, ok := c.GetNextTest("runner-2")
	require.True(t, ok)
	assert.Contains(t, item2.Methods, "test_a")

	require.NoError(t, c.ReportResult("runner-2", Result{Method: Method{Module: "pkg", Class: "Class", Name: "test_a"}, Success: false}))
	require.NoError(t, c.ReportResult("runner-2", Result{Method: Method{Module: "pkg", Class: "Class", Name: SentinelMethod}, Success: true}))

	assert.NotEmpty(t, rep.completed, "a method already in failed_rerun_methods should be reported on its second failure, not requeued again")
	assert.True(t, c.QueueEmpty())
}

func TestDisableRequeueingReportsImmediately(t *testing.T) {
	cfg := basePolicyConfig()
	cfg.DisableRequeueing = true
	c, rep := newTestCoordinator(t, cfg)
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})

	_, ok := c.GetNextTest("runner-1")
	require.True(t, ok)

	require.NoError(t, c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Class", Name: "test_a"}, Success: false}))
	require.NoError(t, c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Class", Name: SentinelMethod}, Success: true}))

	assert.NotEmpty(t, rep.completed)
	assert.True(t, c.QueueEmpty(), "disable_requeueing must never put the method back in the queue")
}

func TestFailureLimitTriggersEarlyShutdown(t *testing.T) {
	cfg := basePolicyConfig()
	cfg.FailureLimit = 1
	c, _ := newTestCoordinator(t, cfg)
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})

	_, ok := c.GetNextTest("runner-1")
	require.True(t, ok)

	require.NoError(t, c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Class", Name: "test_a"}, Success: false}))

	assert.True(t, c.IsShuttingDown())
}

func TestTimeoutRequeuesThenReportsSecondTime(t *testing.T) {
	c, rep := newTestCoordinator(t, basePolicyConfig())
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})

	_, ok := c.GetNextTest("runner-1")
	require.True(t, ok)

	// Force the checkout's deadline into the past and fire the timeout
	// handler directly instead of waiting on a real timer.
	c.mu.Lock()
	d, _ := c.ledger.Get("pkg Class")
	d.TimeoutTime = time.Now().Add(-time.Second)
	c.mu.Unlock()

	c.handleTimeoutFire("runner-1", "pkg Class")

	assert.Empty(t, rep.completed, "first timeout should requeue, not report")
	assert.False(t, c.QueueEmpty())

	item2, ok := c.GetNextTest("runner-2")
	require.True(t, ok)
	assert.Contains(t, item2.Methods, "test_a")

	c.mu.Lock()
	d2, _ := c.ledger.Get("pkg Class")
	d2.TimeoutTime = time.Now().Add(-time.Second)
	c.mu.Unlock()

	c.handleTimeoutFire("runner-2", "pkg Class")

	assert.NotEmpty(t, rep.completed, "a method already in timeout_rerun_methods must be reported on its second timeout, not requeued again")
}

func TestTimeoutIgnoredWhenDeadlineNotYetReached(t *testing.T) {
	c, _ := newTestCoordinator(t, basePolicyConfig())
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a"}}})
	_, ok := c.GetNextTest("runner-1")
	require.True(t, ok)

	// Deadline is still in the future: handleTimeoutFire should re-arm,
	// not check the class in.
	c.handleTimeoutFire("runner-1", "pkg Class")
	assert.Equal(t, 1, c.CheckedOutCount())
}

func TestSameRunnerDeferredWhenOtherRunnersExist(t *testing.T) {
	c, _ := newTestCoordinator(t, basePolicyConfig())

	c.RegisterRunner("runner-1")
	c.RegisterRunner("runner-2")

	runner1Done := make(chan struct{})
	runner2Result := make(chan *WorkItem, 1)

	// Both runners queue up as waiting workers before any test exists.
	go func() {
		c.GetNextTest("runner-1") // deferred away from this class; blocks afterward
		close(runner1Done)
	}()
	go func() {
		item, ok := c.GetNextTest("runner-2")
		require.True(t, ok)
		runner2Result <- item
	}()
	time.Sleep(50 * time.Millisecond)

	// A class whose last_runner is runner-1 should be deferred away from
	// runner-1 while other runners are registered, landing on runner-2.
	c.queue.AddTest(0, WorkItem{ClassPath: "pkg Class", Methods: []string{"test_a"}, LastRunner: "runner-1"})

	select {
	case item := <-runner2Result:
		assert.Equal(t, "pkg Class", item.ClassPath)
	case <-time.After(time.Second):
		t.Fatal("runner-2 should have received the class deferred away from runner-1")
	}

	c.queue.Finalize() // release runner-1's still-blocked re-queued wait
	select {
	case <-runner1Done:
	case <-time.After(time.Second):
		t.Fatal("runner-1's GetNextTest should unblock once the queue is finalized")
	}
}

func TestEarlyShutdownReportsOutstandingFailuresWithoutRequeue(t *testing.T) {
	c, rep := newTestCoordinator(t, basePolicyConfig())
	c.EnqueueDiscovered([]WorkItem{{ClassPath: "pkg Class", Methods: []string{"test_a", "test_b"}}})

	_, ok := c.GetNextTest("runner-1")
	require.True(t, ok)
	require.NoError(t, c.ReportResult("runner-1", Result{Method: Method{Module: "pkg", Class: "Class", Name: "test_a"}, Success: false}))

	c.EarlyShutdown()

	assert.True(t, c.IsShuttingDown())
	assert.NotEmpty(t, rep.completed, "early shutdown must report outstanding failures immediately")
	assert.True(t, c.QueueEmpty(), "early shutdown must never requeue")
}
