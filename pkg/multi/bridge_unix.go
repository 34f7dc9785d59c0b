//go:build unix

package multi

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/genotrance/mcurl/pkg/engine"
	"github.com/genotrance/mcurl/pkg/transfer"
)

// peerState is the result of a non-consuming probe of the client socket.
type peerState int

const (
	// peerIdle means no bytes are waiting.
	peerIdle peerState = iota
	// peerData means bytes are waiting for the engine to consume.
	peerData
	// peerClosed means the peer sent FIN or the socket errored.
	peerClosed
)

// DoBridged behaves like Do while also watching client for closure. It
// returns when t completes, the idle bound elapses, or the client socket
// closes, with the corresponding Outcome. On OutcomeClientClosed and
// OutcomeIdleTimeout the transfer is aborted.
//
// Client readability wakes the engine (a paused read may resume) but is
// not by itself progress: only the engine consuming or producing resets
// the idle clock. While client bytes sit unconsumed the socket is
// level-triggered readable, so it is dropped from the wait set until the
// engine drains it; polling it would spin without advancing anything.
func (s *Scheduler) DoBridged(t *transfer.Transfer, client net.Conn, idle time.Duration) Outcome {
	fd, err := connFD(client)
	if err != nil {
		s.mu.Lock()
		s.stop(t, fmt.Sprintf("bridge: %v", err))
		s.mu.Unlock()
		return OutcomeError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.Done() {
		if err := s.add(t); err != nil && !errors.Is(err, ErrAlreadyRegistered) {
			t.Abort(err.Error())
			return OutcomeError
		}
	}

	start := time.Now()
	deadline := idleDeadline(idle)
	pending := false
	for !t.Done() {
		extra := []int{fd}
		if pending {
			extra = nil
		}

		activity, clientEvents, err := s.serviceOnce(extra, deadline)
		if err != nil {
			s.stop(t, fmt.Sprintf("readiness wait: %v", err))
			return OutcomeError
		}

		if pending {
			// Re-probe off-poll: the engine may have consumed the
			// bytes, or the client may have gone away behind them.
			switch probePeer(fd) {
			case peerIdle:
				pending = false
			case peerClosed:
				return s.clientClosed(t)
			}
		}

		for _, ev := range clientEvents {
			if ev.Err || ev.HangUp {
				return s.clientClosed(t)
			}
			switch probePeer(fd) {
			case peerClosed:
				return s.clientClosed(t)
			case peerData:
				// The engine may want the bytes now; give it a
				// timeout action so a paused read can resume.
				pending = true
				_, _ = s.mx.SocketAction(engine.SocketTimeout, engine.EventTimeout)
				if s.drainMessages() {
					activity = true
				}
			}
		}

		if activity {
			deadline = idleDeadline(idle)
		} else if !deadline.IsZero() && time.Now().After(deadline) {
			s.dprint("%s: %s", t.ID(), idleTimeoutMsg)
			if s.met != nil {
				s.met.IdleTimeouts.Inc()
			}
			s.stop(t, idleTimeoutMsg)
			return OutcomeIdleTimeout
		}
	}

	out := OutcomeOK
	status := "ok"
	if t.Err() != "" {
		out = OutcomeError
		status = "error"
	}
	s.remove(t)
	s.met.ObserveTransfer(start, status)
	return out
}

func (s *Scheduler) clientClosed(t *transfer.Transfer) Outcome {
	s.dprint("%s: %s", t.ID(), clientClosedMsg)
	if s.met != nil {
		s.met.ClientCloses.Inc()
	}
	s.stop(t, clientClosedMsg)
	return OutcomeClientClosed
}

// adoptSocket duplicates fd and wraps the duplicate in a net.Conn. The
// original descriptor is left open and untouched.
func adoptSocket(fd int) (net.Conn, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(dup)

	f := os.NewFile(uintptr(dup), "upstream")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// probePeer peeks at the socket without consuming data. A zero-byte read
// on a readable stream socket means the peer sent FIN.
func probePeer(fd int) peerState {
	var b [1]byte
	n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return peerIdle
	}
	if err != nil || n == 0 {
		return peerClosed
	}
	return peerData
}
