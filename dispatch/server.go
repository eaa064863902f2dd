package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/dispatch/config"
	"github.com/teranos/dispatch/internal/version"
	"github.com/teranos/dispatch/logger"
)

// Server is the HTTP surface runners talk to (Component D): GET /tests to
// receive the next class, POST /results to report a method's outcome,
// plus /health and /version for operators.
type Server struct {
	coord *Coordinator
	cfg   config.Config
	log   *zap.SugaredLogger

	httpServer *http.Server
	stopped    chan struct{}
	stopOnce   sync.Once
}

// NewServer wires a Server around an already-constructed Coordinator.
func NewServer(coord *Coordinator, cfg config.Config) *Server {
	return &Server{
		coord:   coord,
		cfg:     cfg,
		log:     logger.ComponentLogger("dispatch.server"),
		stopped: make(chan struct{}),
	}
}

type testsResponse struct {
	Class    string   `json:"class,omitempty"`
	Methods  []string `json:"methods,omitempty"`
	Finished bool     `json:"finished"`
}

// ListenAndServe starts the HTTP server on addr and blocks until it is
// shut down (gracefully or otherwise). It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/tests", s.withTrace(s.handleTests))
	mux.HandleFunc("/results", s.withTrace(s.handleResults))
	mux.HandleFunc("/health", s.withTrace(s.handleHealth))
	mux.HandleFunc("/version", s.withTrace(s.handleVersion))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.coord.SetShutdownHandler(s.runShutdownSequence)

	if s.cfg.Policy.ServerTimeoutSeconds > 0 {
		go s.runInactivityTimer()
	}

	s.log.Infow("dispatch server listening",
		logger.FieldAddress, addr,
		logger.FieldRevision, s.cfg.Server.Revision,
	)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	<-s.stopped
	return nil
}

// runShutdownSequence is the Coordinator's registered shutdown handler. It
// waits out the appropriate grace period — a short one if runners are
// still outstanding (mid check-in), a shorter one otherwise to let
// in-flight responses finish writing — then stops accepting connections.
// This is a fallback: handleTests stops the server promptly, without
// waiting out the rest of this delay, as soon as the last outstanding
// runner's response has been flushed (see maybeStopNow).
func (s *Server) runShutdownSequence(outstandingRunners bool) {
	var delay time.Duration
	if outstandingRunners {
		delay = s.cfg.Policy.ShutdownDelayForOutstandingRunners()
	} else {
		delay = s.cfg.Policy.ShutdownDelayForConnectionClose()
	}

	s.log.Infow("shutdown sequence started",
		"outstanding_runners", outstandingRunners,
		"delay", delay,
	)
	time.Sleep(delay)
	s.stopNow()
}

// maybeStopNow stops the server immediately, without waiting out the rest
// of runShutdownSequence's grace period, once shutdown has begun and no
// runner is outstanding (has posted a result without yet asking for its
// next test). Called right after a response
// is fully written, per spec: "after the response is fully written, if
// shutting down and runners_outstanding is empty, stop the event loop."
func (s *Server) maybeStopNow() {
	if s.coord.IsShuttingDown() && s.coord.OutstandingCount() == 0 {
		go s.stopNow()
	}
}

// stopNow stops accepting connections and closes s.stopped. Safe to call
// more than once, and from more than one goroutine at once.
func (s *Server) stopNow() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("graceful shutdown failed, forcing close", "error", err)
			s.httpServer.Close()
		}
		close(s.stopped)
	})
}

// runInactivityTimer shuts the server down if no runner interaction has
// been observed for the configured server timeout. Re-evaluates the
// deadline after waking, since activity may have reset it in the
// meantime — the polling equivalent of Tornado's add_timeout re-arm.
func (s *Server) runInactivityTimer() {
	timeout := s.cfg.Policy.ServerTimeout()
	for {
		deadline := s.coord.LastActivity().Add(timeout)
		wait := time.Until(deadline)
		if wait <= 0 {
			s.log.Errorw("no client activity, shutting down", "timeout", timeout)
			s.coord.Shutdown()
			return
		}
		time.Sleep(wait)
		if s.coord.IsShuttingDown() {
			return
		}
	}
}

func (s *Server) withTrace(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		s.log.Debugw("request",
			logger.FieldTraceID, traceID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.FieldRunnerID, r.URL.Query().Get("runner"),
		)
		next(w, r)
	}
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	runnerID := r.URL.Query().Get("runner")
	if runnerID == "" {
		writeError(w, http.StatusBadRequest, "missing runner parameter")
		return
	}

	if s.coord.IsShuttingDown() {
		s.coord.ClearOutstanding(runnerID)
		writeJSON(w, http.StatusOK, testsResponse{Finished: true})
		s.maybeStopNow()
		return
	}

	if revision := s.cfg.Server.Revision; revision != "" {
		if got := r.URL.Query().Get("revision"); got != revision {
			// The 409 reason is sent as plain text, not a JSON envelope.
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(fmt.Sprintf(
				"Incorrect revision %s -- server is running revision %s", got, revision,
			)))
			return
		}
	}

	item, ok := s.coord.GetNextTest(runnerID)
	s.coord.ClearOutstanding(runnerID)
	if !ok {
		writeJSON(w, http.StatusOK, testsResponse{Finished: true})
		s.maybeStopNow()
		return
	}

	writeJSON(w, http.StatusOK, testsResponse{
		Class:    item.ClassPath,
		Methods:  item.Methods,
		Finished: false,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	runnerID := r.URL.Query().Get("runner")
	if runnerID == "" {
		writeError(w, http.StatusBadRequest, "missing runner parameter")
		return
	}
	s.coord.MarkOutstanding(runnerID)

	var result Result
	if err := readJSON(w, r, &result); err != nil {
		return
	}

	if err := s.coord.ReportResult(runnerID, result); err != nil {
		// The 409 reason is sent as plain text, not a JSON envelope.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(err.Error()))
		return
	}
	// The wire contract for a successful post is the literal string
	// "kthx", not a JSON envelope.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("kthx"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"queue_empty":   s.coord.QueueEmpty(),
		"checked_out":   s.coord.CheckedOutCount(),
		"shutting_down": s.coord.IsShuttingDown(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
	})
}
