package multi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genotrance/mcurl/internal/poller"
	"github.com/genotrance/mcurl/pkg/engine"
	"github.com/genotrance/mcurl/pkg/metrics"
	"github.com/genotrance/mcurl/pkg/transfer"
)

var (
	// ErrAlreadyRegistered reports an Add of a transfer that is already
	// registered.
	ErrAlreadyRegistered = errors.New("multi: transfer already registered")

	// ErrClosed reports use of a closed scheduler.
	ErrClosed = errors.New("multi: scheduler closed")
)

const (
	idleTimeoutMsg  = "idle timeout"
	clientClosedMsg = "client closed connection"
	stoppedMsg      = "stopped"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.met = m }
}

// WithDebug routes scheduler diagnostics to sink.
func WithDebug(sink transfer.DebugFunc) Option {
	return func(s *Scheduler) { s.debug = sink }
}

// Scheduler services a set of transfers from a single readiness loop. It
// is a cooperative single-threaded multiplexer: all engine callbacks run
// synchronously inside its calls, and blocking happens only in the
// readiness wait. Run independent Scheduler instances on separate
// goroutines for parallelism; they may share one auth cache.
type Scheduler struct {
	mu sync.Mutex

	eng   engine.Engine
	mx    engine.Multiplexer
	met   *metrics.Metrics
	debug transfer.DebugFunc

	handles  map[string]*transfer.Transfer
	byInst   map[engine.Instance]*transfer.Transfer
	started  map[string]time.Time
	interest *poller.Set

	timerSet      bool
	timerDeadline time.Time

	closed bool
}

// New creates a scheduler on eng's multiplexer.
func New(eng engine.Engine, opts ...Option) (*Scheduler, error) {
	mx, err := eng.NewMultiplexer()
	if err != nil {
		return nil, fmt.Errorf("multi: new multiplexer: %w", err)
	}

	s := &Scheduler{
		eng:      eng,
		mx:       mx,
		handles:  make(map[string]*transfer.Transfer),
		byInst:   make(map[engine.Instance]*transfer.Transfer),
		started:  make(map[string]time.Time),
		interest: poller.NewSet(),
	}
	for _, o := range opts {
		o(s)
	}

	mx.SetSocketFunc(s.onSocket)
	mx.SetTimerFunc(s.onTimer)

	v := eng.Version()
	s.dprint("engine %s features %v", v.Info, v.Features)
	return s, nil
}

// onSocket keeps the interest set consistent with the engine's reports. It
// runs synchronously inside scheduler calls into the multiplexer, with the
// scheduler lock already held.
func (s *Scheduler) onSocket(inst engine.Instance, fd int, interest engine.SocketInterest) {
	if interest == engine.PollRemove {
		s.interest.Remove(fd)
		return
	}

	t, ok := s.byInst[inst]
	if !ok {
		s.dprint("interest for unregistered instance on fd %d", fd)
		return
	}

	in := poller.Interest{
		Read:  interest == engine.PollIn || interest == engine.PollInOut,
		Write: interest == engine.PollOut || interest == engine.PollInOut,
	}
	if err := s.interest.Apply(fd, t.ID(), in); err != nil {
		// The engine reassigned a descriptor a finished transfer used
		// to own; the stale entry must not shadow the new one.
		s.dprint("interest conflict on fd %d: %v", fd, err)
		s.interest.Remove(fd)
		_ = s.interest.Apply(fd, t.ID(), in)
	}
}

// onTimer records the engine's next deadline. Negative cancels.
func (s *Scheduler) onTimer(d time.Duration) {
	if d < 0 {
		s.timerSet = false
		return
	}
	s.timerSet = true
	s.timerDeadline = time.Now().Add(d)
}

// Add registers a configured transfer and hands it to the multiplexer.
func (s *Scheduler) Add(t *transfer.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(t)
}

func (s *Scheduler) add(t *transfer.Transfer) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.handles[t.ID()]; ok {
		return ErrAlreadyRegistered
	}

	if err := t.Start(); err != nil {
		return err
	}

	// Register before handing the instance over: the multiplexer reports
	// socket interest synchronously from Add.
	s.handles[t.ID()] = t
	s.byInst[t.Instance()] = t
	s.started[t.ID()] = time.Now()
	if err := s.mx.Add(t.Instance()); err != nil {
		delete(s.handles, t.ID())
		delete(s.byInst, t.Instance())
		delete(s.started, t.ID())
		return fmt.Errorf("multi: add: %w", err)
	}
	if s.met != nil {
		s.met.ActiveTransfers.Inc()
	}
	s.dprint("%s: added, %d registered", t.ID(), len(s.handles))
	return nil
}

// Remove unregisters a transfer without forcing completion. The transfer's
// state is left as-is. Safe to call twice.
func (s *Scheduler) Remove(t *transfer.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(t)
}

func (s *Scheduler) remove(t *transfer.Transfer) {
	if _, ok := s.handles[t.ID()]; !ok {
		return
	}
	_ = s.mx.Remove(t.Instance())
	s.interest.DropOwner(t.ID())
	delete(s.handles, t.ID())
	delete(s.byInst, t.Instance())
	delete(s.started, t.ID())
	if s.met != nil {
		s.met.ActiveTransfers.Dec()
	}
	s.dprint("%s: removed", t.ID())
}

// Stop aborts an in-progress transfer and unregisters it, releasing its
// socket interest.
func (s *Scheduler) Stop(t *transfer.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop(t, stoppedMsg)
}

func (s *Scheduler) stop(t *transfer.Transfer, msg string) {
	registered := false
	if _, ok := s.handles[t.ID()]; ok {
		registered = true
	}
	t.Abort(msg)
	if registered {
		start := s.started[t.ID()]
		s.remove(t)
		s.met.ObserveTransfer(start, "stopped")
	}
}

// Do registers t if needed and blocks until it completes, servicing every
// registered transfer's readiness events while waiting. idle bounds the
// time without any readiness or progress; zero or negative disables the
// bound. It returns true on success; on failure t.Err() is populated. The
// transfer is unregistered before returning.
func (s *Scheduler) Do(t *transfer.Transfer, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.Done() {
		if err := s.add(t); err != nil && !errors.Is(err, ErrAlreadyRegistered) {
			t.Abort(err.Error())
			return false
		}
	}

	start := time.Now()
	deadline := idleDeadline(idle)
	for !t.Done() {
		activity, _, err := s.serviceOnce(nil, deadline)
		if err != nil {
			s.stop(t, fmt.Sprintf("readiness wait: %v", err))
			return false
		}
		if activity {
			deadline = idleDeadline(idle)
		} else if !deadline.IsZero() && time.Now().After(deadline) {
			s.dprint("%s: %s", t.ID(), idleTimeoutMsg)
			if s.met != nil {
				s.met.IdleTimeouts.Inc()
			}
			s.stop(t, idleTimeoutMsg)
			return false
		}
	}

	status := "ok"
	if t.Err() != "" {
		status = "error"
	}
	s.remove(t)
	s.met.ObserveTransfer(start, status)
	return t.Err() == ""
}

// Close stops every registered transfer and releases the multiplexer.
// Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.dprint("closing, %d transfers", len(s.handles))
	for _, t := range s.handles {
		s.stop(t, stoppedMsg)
	}
	s.closed = true
	return s.mx.Close()
}

// Len reports the number of registered transfers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// serviceOnce performs one pass of the readiness loop: wait on the union
// of the engine interest set and extra descriptors, dispatch socket
// actions, fire the engine timer when due, and drain completions. It
// reports whether anything happened, plus events seen on extra
// descriptors. The scheduler lock is held throughout, including the wait;
// a Scheduler serves one driving goroutine at a time.
func (s *Scheduler) serviceOnce(extra []int, idleBy time.Time) (bool, []poller.Event, error) {
	timeout := 100 * time.Millisecond
	if !idleBy.IsZero() {
		if d := time.Until(idleBy); d < timeout {
			timeout = d
		}
	}
	if s.timerSet {
		if d := time.Until(s.timerDeadline); d < timeout {
			timeout = d
		}
	}
	if timeout < 0 {
		timeout = 0
	}

	events, err := s.interest.Wait(extra, timeout)
	if err != nil {
		return false, nil, err
	}

	var clientEvents []poller.Event
	activity := false

	if len(events) == 0 {
		// No readiness: let the engine act on its timer deadline.
		if s.timerSet && !time.Now().Before(s.timerDeadline) {
			s.timerSet = false
			_, _ = s.mx.SocketAction(engine.SocketTimeout, engine.EventTimeout)
		}
	} else {
		for _, ev := range events {
			if _, ok := s.interest.Owner(ev.FD); !ok {
				// Engine socket removed by an earlier action in
				// this batch, or an extra descriptor. Extra
				// readiness is reported but is not progress: only
				// the engine moving bytes resets idle clocks.
				if containsFD(extra, ev.FD) {
					clientEvents = append(clientEvents, ev)
				}
				continue
			}

			activity = true
			var mask engine.SocketEvent
			if ev.Read {
				mask |= engine.EventRead
			}
			if ev.Write {
				mask |= engine.EventWrite
			}
			if ev.Err || ev.HangUp {
				mask |= engine.EventError
			}
			_, _ = s.mx.SocketAction(ev.FD, mask)
		}
	}

	if s.drainMessages() {
		activity = true
	}
	return activity, clientEvents, nil
}

// drainMessages transitions completed transfers to their terminal state
// and reports whether any completed.
func (s *Scheduler) drainMessages() bool {
	msgs := s.mx.Messages()
	for _, msg := range msgs {
		t, ok := s.byInst[msg.Instance]
		if !ok {
			continue
		}
		s.dprint("%s: done: %s", t.ID(), msg.Result)
		t.Finish(msg.Result)
		s.interest.DropOwner(t.ID())
	}
	return len(msgs) > 0
}

func (s *Scheduler) dprint(format string, args ...any) {
	if s.debug != nil {
		s.debug("multi: "+format, args...)
	}
}

func idleDeadline(idle time.Duration) time.Time {
	if idle <= 0 {
		return time.Time{}
	}
	return time.Now().Add(idle)
}

func containsFD(fds []int, fd int) bool {
	for _, f := range fds {
		if f == fd {
			return true
		}
	}
	return false
}
