package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/dispatch/config"
	"github.com/teranos/dispatch/errors"
)

type checkInReason int

const (
	reasonFinished checkInReason = iota
	reasonTimedOut
	reasonEarlyShutdown
)

// Coordinator owns the Queue, the Ledger, and the dispatch/retry policy
// that sits between them (Components A, B and C). A single mutex
// serializes every state transition, the Go stand-in for the cooperative
// single-threaded event loop the policy was originally written against.
type Coordinator struct {
	mu sync.Mutex

	queue  *Queue
	ledger *Ledger
	cfg    config.PolicyConfig
	log    *zap.SugaredLogger

	reporters []Reporter

	lastActivity time.Time
	shuttingDown bool

	// onShutdown is invoked once, the first time the server transitions to
	// shutting down, with whether any runner has posted a result but not yet
	// asked for its next test. Wired by the HTTP layer (server.go) once it
	// starts listening.
	onShutdown func(outstandingRunners bool)
}

// NewCoordinator builds a Coordinator ready to accept discovered work.
func NewCoordinator(cfg config.PolicyConfig, reporters []Reporter, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		queue:        NewQueue(),
		ledger:       NewLedger(),
		cfg:          cfg,
		log:          log,
		reporters:    reporters,
		lastActivity: time.Now(),
	}
}

// SetShutdownHandler registers the callback invoked when shutdown begins.
// Must be called before any work is dispatched.
func (c *Coordinator) SetShutdownHandler(fn func(outstandingRunners bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onShutdown = fn
}

// EnqueueDiscovered adds newly discovered classes to the queue at normal
// priority, appending the sentinel method to every non-empty class.
func (c *Coordinator) EnqueueDiscovered(items []WorkItem) {
	for _, item := range items {
		if len(item.Methods) == 0 {
			continue
		}
		methods := make([]string, len(item.Methods), len(item.Methods)+1)
		copy(methods, item.Methods)
		methods = append(methods, SentinelMethod)
		c.queue.AddTest(0, WorkItem{ClassPath: item.ClassPath, Methods: methods})
	}
}

// Activity records that the server observed a runner interaction just now,
// resetting the server-wide inactivity deadline.
func (c *Coordinator) Activity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activityLocked()
}

func (c *Coordinator) activityLocked() {
	c.lastActivity = time.Now()
}

// LastActivity returns the last time any runner interaction was observed.
func (c *Coordinator) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsShuttingDown reports whether Shutdown/EarlyShutdown has been called.
func (c *Coordinator) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// QueueEmpty reports whether there is any undispatched work left.
func (c *Coordinator) QueueEmpty() bool {
	return c.queue.Empty()
}

// CheckedOutCount reports how many classes are currently checked out to a
// runner.
func (c *Coordinator) CheckedOutCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.CheckedOutCount()
}

// OutstandingCount reports how many runners have posted a result but not
// yet asked for their next test. The HTTP layer polls this right after
// flushing a response during shutdown to stop as soon as it reaches zero,
// rather than always waiting out the full grace period.
func (c *Coordinator) OutstandingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.OutstandingCount()
}

// RegisterRunner records runnerID as having asked for a test. GetNextTest
// calls it itself; it is exported so a runner can be registered ahead of
// its first GetNextTest call.
func (c *Coordinator) RegisterRunner(runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger.RegisterRunner(runnerID)
}

// ClearOutstanding records that runnerID has asked for its next test.
func (c *Coordinator) ClearOutstanding(runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger.ClearOutstanding(runnerID)
}

// MarkOutstanding records that runnerID posted a result but hasn't asked
// for its next test yet.
func (c *Coordinator) MarkOutstanding(runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger.MarkOutstanding(runnerID)
}

// GetNextTest blocks until a test is available for runnerID or the queue
// is finalized (ok=false). A class whose LastRunner is runnerID is not
// handed to runnerID while more than one runner is registered: it goes
// back to the queue and runnerID waits again at a lower priority. On
// success the class is checked out to runnerID before this returns.
func (c *Coordinator) GetNextTest(runnerID string) (*WorkItem, bool) {
	c.RegisterRunner(runnerID)

	priority := 0
	for {
		ch := c.queue.AddWorker(priority, runnerID)
		res := <-ch
		if res.Item == nil {
			return nil, false
		}

		c.mu.Lock()
		runnerCount := c.ledger.RunnerCount()
		c.mu.Unlock()

		if res.Item.LastRunner != runnerID || runnerCount <= 1 {
			c.mu.Lock()
			checkout := c.ledger.CheckOutClass(runnerID, *res.Item, time.Now(), c.cfg.RunnerTimeout())
			c.activityLocked()
			c.mu.Unlock()
			c.scheduleTimeout(runnerID, checkout.ClassPath, checkout.TimeoutTime)
			return res.Item, true
		}

		// This runner already failed this class and other runners exist;
		// give it back to the queue at normal priority and push this
		// runner to the back of the line.
		c.queue.AddTest(0, *res.Item)
		priority = res.Priority + 1
	}
}

// ReportResult records a single method's outcome against the class it
// belongs to, checking the class in once every outstanding method has
// reported.
func (c *Coordinator) ReportResult(runnerID string, result Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	classPath := fmt.Sprintf("%s %s", result.Method.Module, result.Method.Class)
	d, ok := c.ledger.Get(classPath)
	if !ok {
		return errors.Newf("class %s not checked out", classPath)
	}
	if d.Runner != runnerID {
		return errors.Newf("class %s checked out by runner %s, not %s", classPath, d.Runner, runnerID)
	}
	if _, outstanding := d.Methods[result.Method.Name]; !outstanding {
		if !canReturnUnexpectedResult(result.Method.FixtureType) {
			return errors.Newf("method %s not checked out by runner %s", result.Method.Name, runnerID)
		}
	}

	c.activityLocked()

	if result.Success {
		// The sentinel only marks the class as done; it is not a real
		// method and is never handed to reporters.
		if result.Method.Name != SentinelMethod {
			d.PassedMethods[result.Method.Name] = result
		}
	} else {
		d.FailedMethods[result.Method.Name] = result
		c.ledger.failureCount++
		if c.cfg.FailureLimit > 0 && c.ledger.failureCount >= c.cfg.FailureLimit {
			c.log.Errorw("too many failures, shutting down", "failure_count", c.ledger.failureCount, "failure_limit", c.cfg.FailureLimit)
			c.earlyShutdownLocked()
			return nil
		}
	}

	d.TimeoutTime = time.Now().Add(c.cfg.RunnerTimeout())

	if !canReturnUnexpectedResult(result.Method.FixtureType) {
		delete(d.Methods, result.Method.Name)
	}

	if len(d.Methods) == 0 {
		if err := c.checkInClassLocked(runnerID, classPath, reasonFinished); err != nil {
			return err
		}
	}
	return nil
}

// checkInClassLocked closes out a class's CheckOut, reports or requeues
// its methods per the retry policy, and triggers shutdown once the queue
// and ledger are both empty. Must be called with c.mu held.
func (c *Coordinator) checkInClassLocked(runner, classPath string, reason checkInReason) error {
	if reason != reasonTimedOut {
		c.activityLocked()
	}

	d, ok := c.ledger.Get(classPath)
	if !ok {
		return errors.Newf("class path %q not checked out", classPath)
	}
	if reason != reasonEarlyShutdown && d.Runner != runner {
		return errors.Newf("class path %q not checked out by runner %q", classPath, runner)
	}
	c.ledger.Pop(classPath)

	var toReport []Result
	for _, r := range d.PassedMethods {
		toReport = append(toReport, r)
	}

	var toRequeue []Result
	for method, result := range d.FailedMethods {
		switch {
		case c.cfg.DisableRequeueing:
			toReport = append(toReport, result)
		case c.ledger.hasFailedRerun(classPath, method):
			toReport = append(toReport, result)
		case canReturnUnexpectedResult(result.Method.FixtureType):
			toReport = append(toReport, result)
		case reason == reasonEarlyShutdown:
			toReport = append(toReport, result)
		default:
			toRequeue = append(toRequeue, result)
		}
	}

	for _, result := range toReport {
		c.reportOne(classPath, result)
	}

	requeue := WorkItem{LastRunner: runner, ClassPath: d.ClassPath}
	for _, result := range toRequeue {
		method := result.Method.Name
		requeue.Methods = append(requeue.Methods, method)
		c.ledger.markFailedRerun(classPath, method)
		if prev, ok := c.ledger.previousResult(classPath, method); ok {
			p := prev
			result.PreviousRun = &p
		}
		c.ledger.setPreviousResult(classPath, method, result)
	}

	switch reason {
	case reasonFinished:
		if len(d.Methods) != 0 {
			return errors.AssertionFailedf("check-in finished=true but class %s still has %d outstanding methods", classPath, len(d.Methods))
		}
	case reasonTimedOut:
		for method := range d.Methods {
			fake := c.fakeResult(classPath, method, runner)
			if !c.ledger.hasTimeoutRerun(classPath, method) && !c.cfg.DisableRequeueing {
				requeue.Methods = append(requeue.Methods, method)
				c.ledger.markTimeoutRerun(classPath, method)
				c.ledger.setPreviousResult(classPath, method, fake)
			} else {
				c.reportOne(classPath, fake)
			}
		}
	}

	if len(requeue.Methods) > 0 {
		// A failed or timed-out sentinel is carried over from the loops
		// above; drop it so the sentinel appears once, as the last element.
		methods := make([]string, 0, len(requeue.Methods)+1)
		for _, m := range requeue.Methods {
			if m != SentinelMethod {
				methods = append(methods, m)
			}
		}
		requeue.Methods = append(methods, SentinelMethod)
		c.queue.AddTest(-1, requeue)
	}

	if c.queue.Empty() && c.ledger.CheckedOutCount() == 0 {
		c.shutdownLocked()
	}
	return nil
}

func (c *Coordinator) reportOne(classPath string, result Result) {
	if prev, ok := c.ledger.previousResult(classPath, result.Method.Name); ok {
		p := prev
		result.PreviousRun = &p
	}
	for _, rep := range c.reporters {
		rep.TestStart(result)
		rep.TestComplete(result)
	}
}

// fakeResult synthesizes the result of a method whose runner never
// responded, so the usual reporter pipeline can account for it.
func (c *Coordinator) fakeResult(classPath, method, runner string) Result {
	now := time.Now()
	timeout := c.cfg.RunnerTimeout()
	msg := fmt.Sprintf("The runner running this method (%s) didn't respond within %s.\n", runner, timeout)
	module, class := splitClassPath(classPath)

	result := Result{
		Method: Method{
			Module: module,
			Class:  class,
			Name:   method,
		},
		Success:             false,
		StartTime:           float64(now.Add(-timeout).UnixNano()) / 1e9,
		EndTime:             float64(now.UnixNano()) / 1e9,
		RunTime:             timeout.Seconds(),
		Complete:            true,
		Error:               true,
		ExceptionInfo:       msg,
		ExceptionInfoPretty: msg,
		ExceptionOnly:       msg,
		RunnerID:            runner,
	}
	if prev, ok := c.ledger.previousResult(classPath, method); ok {
		p := prev
		result.PreviousRun = &p
	}
	return result
}

func splitClassPath(classPath string) (module, class string) {
	idx := strings.Index(classPath, " ")
	if idx < 0 {
		return classPath, ""
	}
	return classPath[:idx], classPath[idx+1:]
}

// scheduleTimeout arms (or re-arms) the per-class timeout for classPath at
// deadline, the Go stand-in for Tornado's add_timeout re-arm loop.
func (c *Coordinator) scheduleTimeout(runner, classPath string, deadline time.Time) {
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { c.handleTimeoutFire(runner, classPath) })
}

func (c *Coordinator) handleTimeoutFire(runner, classPath string) {
	c.mu.Lock()
	d, ok := c.ledger.Get(classPath)
	if !ok {
		c.mu.Unlock()
		return
	}
	if time.Now().Before(d.TimeoutTime) {
		deadline := d.TimeoutTime
		c.mu.Unlock()
		c.scheduleTimeout(runner, classPath, deadline)
		return
	}

	err := c.checkInClassLocked(runner, classPath, reasonTimedOut)
	c.mu.Unlock()

	if err != nil {
		// The class may have been requeued and checked out to another runner.
		c.log.Debugw("timeout check-in skipped", "class_path", classPath, "error", err)
	}
}

// EarlyShutdown checks every currently checked-out class in as an early
// shutdown (reporting their failures immediately, never requeueing) and
// then shuts the server down.
func (c *Coordinator) EarlyShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.earlyShutdownLocked()
}

func (c *Coordinator) earlyShutdownLocked() {
	for _, classPath := range c.ledger.CheckedOutPaths() {
		if err := c.checkInClassLocked("", classPath, reasonEarlyShutdown); err != nil {
			c.log.Warnw("early shutdown check-in failed", "class_path", classPath, "error", err)
		}
	}
	c.shutdownLocked()
}

// Shutdown finalizes the queue and, on the first call only, invokes the
// registered shutdown handler. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked()
}

func (c *Coordinator) shutdownLocked() {
	if c.shuttingDown {
		return
	}
	c.shuttingDown = true
	c.queue.Finalize()

	if c.onShutdown == nil {
		c.log.Errorw("shutdown requested but no shutdown handler is registered; server may not have started listening")
		return
	}
	outstanding := c.ledger.OutstandingCount() > 0
	handler := c.onShutdown
	go handler(outstanding)
}
