// Package dispatch implements the test-dispatch server: a matching queue
// that pairs discovered test classes with connecting runners, a per-class
// check-out ledger, and the retry/timeout policy that sits between them.
package dispatch

import "fmt"

// SentinelMethod is appended to every dispatched or requeued method list.
// A runner signals it has finished an entire class by posting a result for
// this method name.
const SentinelMethod = "run"

// fixturesWhichCanReturnUnexpectedResults holds fixture types whose results
// are accepted even when the method isn't in the checked-out set, and which
// don't shrink the set of methods still outstanding for a class.
var fixturesWhichCanReturnUnexpectedResults = map[string]struct{}{
	"class_teardown": {},
}

func canReturnUnexpectedResult(fixtureType string) bool {
	_, ok := fixturesWhichCanReturnUnexpectedResults[fixtureType]
	return ok
}

// Method identifies a single test method within a discovered class.
type Method struct {
	Module      string `json:"module"`
	Class       string `json:"class"`
	Name        string `json:"name"`
	FixtureType string `json:"fixture_type"`
}

// FullName is the dotted class-path-plus-method identifier used in logs.
func (m Method) FullName() string {
	return fmt.Sprintf("%s %s.%s", m.Module, m.Class, m.Name)
}

// Result is a single method's outcome, as reported by a runner.
type Result struct {
	Method               Method  `json:"method"`
	Success              bool    `json:"success"`
	StartTime            float64 `json:"start_time"`
	EndTime              float64 `json:"end_time"`
	RunTime              float64 `json:"run_time"`
	Complete             bool    `json:"complete"`
	Failure              *string `json:"failure"`
	Error                bool    `json:"error"`
	Interrupted          *bool   `json:"interrupted"`
	ExceptionInfo        string  `json:"exception_info"`
	ExceptionInfoPretty  string  `json:"exception_info_pretty"`
	ExceptionOnly        string  `json:"exception_only"`
	RunnerID             string  `json:"runner_id"`
	PreviousRun          *Result `json:"previous_run,omitempty"`
}

// WorkItem is a class awaiting dispatch: a class path plus the methods
// still outstanding for it.
type WorkItem struct {
	ClassPath  string   `json:"class_path"`
	Methods    []string `json:"methods"`
	LastRunner string   `json:"last_runner,omitempty"`
}

// methodKey identifies a single method within a class, used as a map key
// in place of Python's (class_path, method) tuple.
type methodKey struct {
	ClassPath string
	Method    string
}

// Reporter receives the lifecycle of a single method's result. Both
// TestStart and TestComplete are invoked, in that order, for every
// reported result, including those synthesized for timed-out methods.
type Reporter interface {
	TestStart(result Result)
	TestComplete(result Result)
}
