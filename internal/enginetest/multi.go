//go:build unix

package enginetest

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/genotrance/mcurl/pkg/engine"
)

type minst struct {
	inst  *Instance
	r, w  int
	steps int
	timer bool
	done  bool
}

// Multiplexer implements engine.Multiplexer over real pipes: each added
// instance gets a pipe whose read end is reported through the socket
// callback, and readiness is produced by writing bytes to the other end.
// Timer-driven instances advance through timeout actions instead.
type Multiplexer struct {
	mu       sync.Mutex
	socketFn engine.SocketFunc
	timerFn  engine.TimerFunc
	byFD     map[int]*minst
	insts    map[*Instance]*minst
	msgs     []engine.Message
	closed   bool
}

func newMultiplexer() *Multiplexer {
	return &Multiplexer{
		byFD:  make(map[int]*minst),
		insts: make(map[*Instance]*minst),
	}
}

func (m *Multiplexer) SetSocketFunc(fn engine.SocketFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socketFn = fn
}

func (m *Multiplexer) SetTimerFunc(fn engine.TimerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timerFn = fn
}

func (m *Multiplexer) Add(inst engine.Instance) error {
	i, ok := inst.(*Instance)
	if !ok {
		return errors.New("enginetest: foreign instance")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("enginetest: multiplexer closed")
	}
	if _, ok := m.insts[i]; ok {
		return errors.New("enginetest: instance already added")
	}

	mi := &minst{inst: i, steps: i.Behavior.Steps, timer: i.Behavior.TimerDriven}
	if mi.steps <= 0 {
		mi.steps = 1
	}

	if mi.timer {
		mi.r, mi.w = -1, -1
		m.insts[i] = mi
		if m.timerFn != nil {
			m.timerFn(time.Millisecond)
		}
		return nil
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return err
	}
	mi.r, mi.w = p[0], p[1]
	m.insts[i] = mi
	m.byFD[mi.r] = mi

	if m.socketFn != nil {
		m.socketFn(i, mi.r, engine.PollIn)
	}
	if !i.Behavior.Stall {
		_, _ = unix.Write(mi.w, []byte{1})
	}
	return nil
}

func (m *Multiplexer) Remove(inst engine.Instance) error {
	i, ok := inst.(*Instance)
	if !ok {
		return errors.New("enginetest: foreign instance")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.insts[i]
	if !ok {
		return nil
	}
	m.drop(mi)
	return nil
}

// drop unregisters and closes an instance's pipe. Caller holds the lock.
func (m *Multiplexer) drop(mi *minst) {
	if mi.r >= 0 {
		if m.socketFn != nil {
			m.socketFn(mi.inst, mi.r, engine.PollRemove)
		}
		_ = unix.Close(mi.r)
		_ = unix.Close(mi.w)
		delete(m.byFD, mi.r)
		mi.r, mi.w = -1, -1
	}
	delete(m.insts, mi.inst)
}

func (m *Multiplexer) SocketAction(fd int, ev engine.SocketEvent) (int, error) {
	m.mu.Lock()

	var finished []*minst
	if fd == engine.SocketTimeout {
		for _, mi := range m.insts {
			if !mi.timer || mi.done {
				continue
			}
			mi.steps--
			if mi.steps <= 0 {
				mi.done = true
				finished = append(finished, mi)
			} else if m.timerFn != nil {
				m.timerFn(time.Millisecond)
			}
		}
	} else if mi, ok := m.byFD[fd]; ok && !mi.done {
		var b [1]byte
		_, _ = unix.Read(mi.r, b[:])
		mi.steps--
		if mi.steps <= 0 {
			mi.done = true
			finished = append(finished, mi)
		} else {
			_, _ = unix.Write(mi.w, []byte{1})
		}
	}

	for _, mi := range finished {
		m.drop(mi)
	}
	running := m.running()
	m.mu.Unlock()

	// Run scripted I/O without the lock; callbacks may take their time.
	for _, mi := range finished {
		res := mi.inst.runIO()
		m.mu.Lock()
		m.msgs = append(m.msgs, engine.Message{Instance: mi.inst, Result: res})
		m.mu.Unlock()
	}
	return running, nil
}

func (m *Multiplexer) running() int {
	n := 0
	for _, mi := range m.insts {
		if !mi.done {
			n++
		}
	}
	return n
}

func (m *Multiplexer) Messages() []engine.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.msgs
	m.msgs = nil
	return msgs
}

func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, mi := range m.insts {
		m.drop(mi)
	}
	return nil
}
