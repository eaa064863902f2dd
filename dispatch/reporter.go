package dispatch

import "go.uber.org/zap"

// LogReporter is a Reporter that writes each method's outcome to a
// structured logger. It's the default reporter wired by cmd/dispatchd;
// a real deployment can add further Reporters (e.g. one that forwards to
// a results-storage service) without touching the dispatch policy.
type LogReporter struct {
	log *zap.SugaredLogger
}

// NewLogReporter returns a Reporter backed by log.
func NewLogReporter(log *zap.SugaredLogger) *LogReporter {
	return &LogReporter{log: log}
}

// TestStart logs that a method's result has arrived (or been synthesized).
func (r *LogReporter) TestStart(result Result) {
	r.log.Debugw("test start", "method", result.Method.FullName(), "runner_id", result.RunnerID)
}

// TestComplete logs the method's outcome.
func (r *LogReporter) TestComplete(result Result) {
	if result.Success {
		r.log.Infow("test passed", "method", result.Method.FullName(), "runner_id", result.RunnerID, "run_time", result.RunTime)
		return
	}
	r.log.Warnw("test failed",
		"method", result.Method.FullName(),
		"runner_id", result.RunnerID,
		"run_time", result.RunTime,
		"error", result.Error,
		"exception", result.ExceptionOnly,
	)
}
