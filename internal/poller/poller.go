// Package poller owns the socket-interest bookkeeping consulted by the
// scheduler's readiness wait. A stale or duplicated entry here causes
// missed wakeups or notifying the wrong transfer, so the set enforces its
// invariant (every descriptor maps to exactly one live owner) and is
// testable without the engine.
package poller

import (
	"errors"
	"fmt"
	"time"
)

// ErrOwnerConflict is returned when a descriptor is registered for one
// owner while still live for another.
var ErrOwnerConflict = errors.New("poller: fd already registered to another owner")

// ErrUnsupported is returned by Wait on platforms without poll(2).
var ErrUnsupported = errors.New("poller: not supported on this platform")

// Interest is the direction(s) readiness is wanted for.
type Interest struct {
	Read  bool
	Write bool
}

// Event is one ready descriptor reported by Wait.
type Event struct {
	FD     int
	Read   bool
	Write  bool
	Err    bool
	HangUp bool
}

type entry struct {
	owner string
	in    Interest
}

// Set maps live descriptors to their owning transfer.
type Set struct {
	m map[int]entry
}

// NewSet returns an empty interest set.
func NewSet() *Set {
	return &Set{m: make(map[int]entry)}
}

// Apply registers or updates interest in fd on behalf of owner. Interest
// with neither direction set removes the descriptor.
func (s *Set) Apply(fd int, owner string, in Interest) error {
	if fd < 0 {
		return fmt.Errorf("poller: invalid fd %d", fd)
	}
	if !in.Read && !in.Write {
		delete(s.m, fd)
		return nil
	}
	if e, ok := s.m[fd]; ok && e.owner != owner {
		return fmt.Errorf("%w: fd %d owned by %s, requested by %s",
			ErrOwnerConflict, fd, e.owner, owner)
	}
	s.m[fd] = entry{owner: owner, in: in}
	return nil
}

// Remove drops fd from the set. Removing an absent descriptor is a no-op.
func (s *Set) Remove(fd int) {
	delete(s.m, fd)
}

// DropOwner removes every descriptor registered to owner.
func (s *Set) DropOwner(owner string) {
	for fd, e := range s.m {
		if e.owner == owner {
			delete(s.m, fd)
		}
	}
}

// Owner reports which owner fd is registered to.
func (s *Set) Owner(fd int) (string, bool) {
	e, ok := s.m[fd]
	return e.owner, ok
}

// Len reports the number of live descriptors.
func (s *Set) Len() int {
	return len(s.m)
}

// FDs returns the live descriptors in unspecified order.
func (s *Set) FDs() []int {
	fds := make([]int, 0, len(s.m))
	for fd := range s.m {
		fds = append(fds, fd)
	}
	return fds
}

// clampTimeout converts a duration to whole milliseconds for poll(2),
// rounding up so short timeouts never busy-spin. An elapsed deadline polls
// non-blocking rather than forever.
func clampTimeout(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}
