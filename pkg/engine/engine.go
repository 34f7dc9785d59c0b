package engine

import (
	"errors"
	"time"
)

// ErrPause is returned by read or write callbacks when no data can be
// produced or consumed without blocking. The engine must retry the callback
// on the next readiness notification for the relevant direction.
var ErrPause = errors.New("engine: pause")

// ErrNoActiveSocket is returned by Instance.ActiveSocket when the engine has
// no live socket for the transfer.
var ErrNoActiveSocket = errors.New("engine: no active socket")

// DebugKind classifies lines delivered to a DebugFunc.
type DebugKind int

const (
	DebugText DebugKind = iota
	DebugHeaderIn
	DebugHeaderOut
)

// ReadFunc supplies request body bytes to the engine. It returns the number
// of bytes written into p, io.EOF once the body is exhausted, ErrPause when
// no bytes are available without blocking, or any other error to abort the
// transfer.
type ReadFunc func(p []byte) (int, error)

// WriteFunc receives response body bytes from the engine. A return of
// n < len(p) without an error, or any error other than ErrPause, aborts the
// transfer.
type WriteFunc func(p []byte) (int, error)

// HeaderFunc receives one response header line at a time, including the
// trailing CRLF and the blank terminator line.
type HeaderFunc func(line []byte) (int, error)

// DebugFunc receives diagnostic lines from the engine, one logical line per
// call with line endings stripped.
type DebugFunc func(kind DebugKind, msg string)

// Options carries the full configuration for one transfer instance. The
// zero value is not usable; URL and Method are required.
type Options struct {
	URL            string
	Method         string
	ProtoVersion   string
	ConnectTimeout time.Duration

	// Headers are outgoing header lines in "Name: value" form, in order.
	// A line of the form "Name:" removes the engine's default for Name.
	Headers   []string
	UserAgent string

	Verbose          bool
	InsecureTLS      bool
	TransferDecoding bool
	FollowRedirects  bool

	// ConnectOnly stops the transfer once the connection (and, when
	// tunneling, the CONNECT exchange) is established.
	ConnectOnly bool
	// Tunnel forces CONNECT-style tunneling through the proxy.
	Tunnel bool
	// SuppressConnectHeaders hides the proxy's CONNECT response headers
	// from the header callback.
	SuppressConnectHeaders bool

	Proxy         string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	ProxyAuth     AuthMask
	// NoProxy is a comma-separated host list the engine must reach
	// directly even when a proxy is configured.
	NoProxy string

	// ContentLength is the request body size, or -1 when unknown.
	ContentLength int64

	Read   ReadFunc
	Write  WriteFunc
	Header HeaderFunc
	Debug  DebugFunc
}

// Instance is one transfer in the underlying engine.
type Instance interface {
	// Apply replaces the instance configuration. It must not be called
	// once the transfer has been started.
	Apply(o *Options) error

	// Perform drives the transfer synchronously to completion.
	Perform() Result

	// Reset returns the instance to a pristine reusable state, keeping
	// any live connection available for reuse.
	Reset()

	// Close releases the instance. Idempotent.
	Close() error

	// ResponseCode reports the HTTP status of the last response, and
	// ConnectResponseCode the status of the last CONNECT exchange.
	ResponseCode() (int, error)
	ConnectResponseCode() (int, error)

	// ActiveSocket reports the live socket descriptor, or
	// ErrNoActiveSocket.
	ActiveSocket() (int, error)

	// UsedProxy reports whether the last transfer went through a proxy.
	UsedProxy() (bool, error)

	// PrimaryIP reports the peer address of the last connection.
	PrimaryIP() (string, error)
}

// SocketInterest is the direction the engine wants readiness notifications
// for on one socket, reported through a SocketFunc.
type SocketInterest int

const (
	PollNone SocketInterest = iota
	PollIn
	PollOut
	PollInOut
	PollRemove
)

// SocketEvent is a readiness bitmask delivered to SocketAction.
type SocketEvent int

const (
	EventTimeout SocketEvent = 0
	EventRead    SocketEvent = 1 << iota
	EventWrite
	EventError
)

// SocketTimeout is the pseudo-descriptor passed to SocketAction for
// timer-driven wakeups.
const SocketTimeout = -1

// SocketFunc is invoked by the multiplexer whenever the engine's interest
// in a socket changes. PollRemove means the socket must be dropped from the
// wait set.
type SocketFunc func(inst Instance, fd int, interest SocketInterest)

// TimerFunc is invoked by the multiplexer to schedule the next timeout
// action. A negative duration cancels any pending deadline.
type TimerFunc func(d time.Duration)

// Message reports the completion of one transfer.
type Message struct {
	Instance Instance
	Result   Result
}

// Multiplexer advances many transfer instances using non-blocking sockets.
// The caller owns the readiness wait; the multiplexer reports interest and
// deadlines and is notified of readiness through SocketAction.
type Multiplexer interface {
	SetSocketFunc(fn SocketFunc)
	SetTimerFunc(fn TimerFunc)

	Add(inst Instance) error
	Remove(inst Instance) error

	// SocketAction notifies the engine that fd became ready for ev, or
	// that the timer deadline elapsed (fd == SocketTimeout). It returns
	// the number of still-running transfers.
	SocketAction(fd int, ev SocketEvent) (running int, err error)

	// Messages drains the completion queue.
	Messages() []Message

	Close() error
}

// Version describes the engine build.
type Version struct {
	Num      uint32
	Info     string
	Features []string
}

// Engine creates transfer instances and multiplexers.
type Engine interface {
	NewInstance() (Instance, error)
	NewMultiplexer() (Multiplexer, error)
	Version() Version
}
