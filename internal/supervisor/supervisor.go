/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package supervisor provides ordered worker shutdown on top of
// golang.org/x/sync/errgroup. errgroup.Group joins goroutines but doesn't
// order that join against start order; spec.md §5 calls for the shutdown
// coordinator to join workers in *reverse* start order with an overall
// timeout, the Go-idiomatic replacement for the C++ ShutdownCoordinator's
// per-thread join sequence. Supervisor layers that ordering on top of an
// errgroup.Group so each registered worker's stop function is still called
// through one shared cancellation path.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/routermgr/routerd/internal/rlog"
)

// Worker is one long-lived component the supervisor starts and stops.
// Run must block until ctx is canceled or the worker exits on its own;
// Stop (optional — may be nil) additionally signals any non-ctx-aware
// blocking point the worker also needs to unwind (e.g. a separate
// shutdown event object, matching spec.md §5's "second wake reason").
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
	Stop func()
}

// Supervisor starts a fixed set of workers together and shuts them down in
// reverse start order with an overall timeout.
type Supervisor struct {
	log     *rlog.Logger
	workers []Worker

	mtx     sync.Mutex
	started []Worker
}

func New(log *rlog.Logger) *Supervisor {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Supervisor{log: log}
}

// Register adds w to the set of workers started by Run. Call before Run.
func (s *Supervisor) Register(w Worker) {
	s.workers = append(s.workers, w)
}

// Run starts every registered worker under an errgroup.Group bound to ctx,
// then blocks until either a worker returns an error (triggering group
// cancellation) or ctx is canceled, then shuts down in reverse start order
// within shutdownTimeout.
func (s *Supervisor) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range s.workers {
		w := w
		s.mtx.Lock()
		s.started = append(s.started, w)
		s.mtx.Unlock()
		g.Go(func() error {
			s.log.Info("supervisor: worker starting", s.log.KV("worker", w.Name))
			err := w.Run(gctx)
			if err != nil && gctx.Err() == nil {
				s.log.Error("supervisor: worker exited with error", s.log.KV("worker", w.Name), s.log.KVErr(err))
				return &Err{Worker: w.Name, Cause: err}
			}
			return err
		})
	}

	runErr := g.Wait()
	s.shutdown(shutdownTimeout)
	return runErr
}

// shutdown calls Stop on every started worker in reverse start order,
// logging (but not blocking past shutdownTimeout on) any worker whose Stop
// doesn't return in time.
func (s *Supervisor) shutdown(shutdownTimeout time.Duration) {
	s.mtx.Lock()
	started := append([]Worker(nil), s.started...)
	s.mtx.Unlock()

	deadline := time.Now().Add(shutdownTimeout)
	for i := len(started) - 1; i >= 0; i-- {
		w := started[i]
		if w.Stop == nil {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.log.Warn("supervisor: shutdown deadline exceeded, worker may leak", s.log.KV("worker", w.Name))
			continue
		}
		if !stopWithTimeout(w.Stop, remaining) {
			s.log.Warn("supervisor: worker failed to stop within deadline", s.log.KV("worker", w.Name))
		}
	}
}

func stopWithTimeout(stop func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Err wraps a worker name and its error for readable supervisor failures.
type Err struct {
	Worker string
	Cause  error
}

func (e *Err) Error() string {
	return fmt.Sprintf("supervisor: worker %q: %v", e.Worker, e.Cause)
}

func (e *Err) Unwrap() error { return e.Cause }
