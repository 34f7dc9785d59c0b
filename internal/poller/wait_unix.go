//go:build unix

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// Wait blocks until a registered descriptor or one of extra becomes ready,
// or timeout elapses. Descriptors in extra are watched for readability and
// error conditions only. A nil event slice with a nil error means the
// timeout elapsed.
func (s *Set) Wait(extra []int, timeout time.Duration) ([]Event, error) {
	fds := make([]unix.PollFd, 0, len(s.m)+len(extra))
	for fd, e := range s.m {
		var ev int16
		if e.in.Read {
			ev |= unix.POLLIN
		}
		if e.in.Write {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	for _, fd := range extra {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	deadline := time.Now().Add(timeout)
	for {
		n, err := unix.Poll(fds, clampTimeout(time.Until(deadline)))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		break
	}

	var events []Event
	for _, p := range fds {
		if p.Revents == 0 {
			continue
		}
		events = append(events, Event{
			FD:     int(p.Fd),
			Read:   p.Revents&unix.POLLIN != 0,
			Write:  p.Revents&unix.POLLOUT != 0,
			Err:    p.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
			HangUp: p.Revents&unix.POLLHUP != 0,
		})
	}
	return events, nil
}
