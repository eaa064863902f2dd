package dispatch

import "time"

// CheckOut is the Ledger's record of a class currently assigned to a
// runner (Component B). Exactly one of check-in reasons — finished,
// timed out, or early shutdown — ever closes a given CheckOut.
type CheckOut struct {
	Runner        string
	ClassPath     string
	Methods       map[string]struct{} // methods still outstanding
	PassedMethods map[string]Result
	FailedMethods map[string]Result
	StartTime     time.Time
	TimeoutTime   time.Time
}

// remainingMethods returns the still-outstanding method names, in no
// particular order.
func (c *CheckOut) remainingMethods() []string {
	out := make([]string, 0, len(c.Methods))
	for m := range c.Methods {
		out = append(out, m)
	}
	return out
}

// Ledger tracks the set of classes currently checked out to runners, plus
// the cross-run bookkeeping (failed/timeout rerun sets, previous results)
// the retry policy needs. A Ledger is not safe for concurrent use; callers
// serialize access themselves (see Coordinator).
type Ledger struct {
	checkedOut map[string]*CheckOut

	// failedRerunMethods / timeoutRerunMethods: a method is added the
	// first time it's requeued after a failure/timeout, so it is never
	// requeued a second time for the same reason.
	failedRerunMethods  map[methodKey]struct{}
	timeoutRerunMethods map[methodKey]struct{}
	previousRunResults  map[methodKey]Result

	runners            map[string]struct{} // runner ids that have ever asked for a test
	runnersOutstanding map[string]struct{} // runners that posted a result but haven't asked for the next test yet

	failureCount int
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		checkedOut:          make(map[string]*CheckOut),
		failedRerunMethods:  make(map[methodKey]struct{}),
		timeoutRerunMethods: make(map[methodKey]struct{}),
		previousRunResults:  make(map[methodKey]Result),
		runners:             make(map[string]struct{}),
		runnersOutstanding:  make(map[string]struct{}),
	}
}

// RegisterRunner records that runnerID has asked for a test at least once.
// The count of distinct registered runners gates the same-runner
// deferral in Coordinator.GetNextTest.
func (l *Ledger) RegisterRunner(runnerID string) {
	l.runners[runnerID] = struct{}{}
}

// RunnerCount returns the number of distinct runners that have ever asked
// for a test.
func (l *Ledger) RunnerCount() int {
	return len(l.runners)
}

// MarkOutstanding records that runnerID has posted a result but hasn't
// asked for its next test yet.
func (l *Ledger) MarkOutstanding(runnerID string) {
	l.runnersOutstanding[runnerID] = struct{}{}
}

// ClearOutstanding records that runnerID has asked for its next test (or
// been told the run is finished), clearing any outstanding flag.
func (l *Ledger) ClearOutstanding(runnerID string) {
	delete(l.runnersOutstanding, runnerID)
}

// OutstandingCount returns how many runners have posted a result but not
// yet asked for their next test.
func (l *Ledger) OutstandingCount() int {
	return len(l.runnersOutstanding)
}

// CheckOutClass records that runner now owns classPath/methods, arming a
// timeout deadline runnerTimeout in the future.
func (l *Ledger) CheckOutClass(runner string, item WorkItem, now time.Time, runnerTimeout time.Duration) *CheckOut {
	methods := make(map[string]struct{}, len(item.Methods))
	for _, m := range item.Methods {
		methods[m] = struct{}{}
	}

	c := &CheckOut{
		Runner:        runner,
		ClassPath:     item.ClassPath,
		Methods:       methods,
		PassedMethods: make(map[string]Result),
		FailedMethods: make(map[string]Result),
		StartTime:     now,
		TimeoutTime:   now.Add(runnerTimeout),
	}
	l.checkedOut[item.ClassPath] = c
	return c
}

// Get returns the CheckOut for classPath, if any is outstanding.
func (l *Ledger) Get(classPath string) (*CheckOut, bool) {
	c, ok := l.checkedOut[classPath]
	return c, ok
}

// CheckedOutCount returns how many classes are currently checked out.
func (l *Ledger) CheckedOutCount() int {
	return len(l.checkedOut)
}

// CheckedOutPaths returns every class path currently checked out, in no
// particular order. Used by early shutdown to check in everything.
func (l *Ledger) CheckedOutPaths() []string {
	paths := make([]string, 0, len(l.checkedOut))
	for p := range l.checkedOut {
		paths = append(paths, p)
	}
	return paths
}

// Pop removes and returns the CheckOut for classPath.
func (l *Ledger) Pop(classPath string) (*CheckOut, bool) {
	c, ok := l.checkedOut[classPath]
	if ok {
		delete(l.checkedOut, classPath)
	}
	return c, ok
}

func (l *Ledger) hasFailedRerun(classPath, method string) bool {
	_, ok := l.failedRerunMethods[methodKey{classPath, method}]
	return ok
}

func (l *Ledger) markFailedRerun(classPath, method string) {
	l.failedRerunMethods[methodKey{classPath, method}] = struct{}{}
}

func (l *Ledger) hasTimeoutRerun(classPath, method string) bool {
	_, ok := l.timeoutRerunMethods[methodKey{classPath, method}]
	return ok
}

func (l *Ledger) markTimeoutRerun(classPath, method string) {
	l.timeoutRerunMethods[methodKey{classPath, method}] = struct{}{}
}

func (l *Ledger) previousResult(classPath, method string) (Result, bool) {
	r, ok := l.previousRunResults[methodKey{classPath, method}]
	return r, ok
}

func (l *Ledger) setPreviousResult(classPath, method string, r Result) {
	l.previousRunResults[methodKey{classPath, method}] = r
}
