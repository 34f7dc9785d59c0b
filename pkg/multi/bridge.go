package multi

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Outcome classifies how a bridged wait ended. Idle timeouts and client
// disconnects are distinct so callers can log and account for them
// separately.
type Outcome int

const (
	// OutcomeOK means the transfer completed successfully.
	OutcomeOK Outcome = iota

	// OutcomeError means the transfer completed with an engine error or
	// was rejected before starting.
	OutcomeError

	// OutcomeIdleTimeout means no readiness or progress occurred within
	// the idle bound.
	OutcomeIdleTimeout

	// OutcomeClientClosed means the watched client socket closed before
	// the transfer completed.
	OutcomeClientClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeIdleTimeout:
		return "idle-timeout"
	case OutcomeClientClosed:
		return "client-closed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrNotPollable is returned by DoBridged when the client connection does
// not expose a file descriptor.
var ErrNotPollable = errors.New("multi: client connection is not pollable")

// connFD extracts the descriptor behind a connection. The descriptor is
// only ever polled, never read or closed, so holding it past Control is
// safe while the caller keeps the connection open.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, ErrNotPollable
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}
