// Package enginetest provides a scripted engine implementation for tests:
// instances whose I/O and results are driven by a Behavior, and a
// pipe-backed multiplexer that produces real readiness events, timer
// deadlines, and completion messages.
package enginetest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/genotrance/mcurl/pkg/engine"
)

// Behavior scripts one instance.
type Behavior struct {
	// Result is reported on completion.
	Result engine.Result

	// ResponseCode and ConnectCode back the introspection queries; zero
	// means "engine has no answer".
	ResponseCode int
	ConnectCode  int

	UsedProxy bool
	ActiveFD  int

	// SendAuthMechanism, when set with proxy credentials configured,
	// emits a sent Proxy-Authorization debug line before the exchange.
	SendAuthMechanism string

	// InterimHeaders, when set, are delivered as a complete header
	// block (terminator included) before the final block. Used for 407
	// negotiation traffic.
	InterimHeaders []string

	// ResponseHeaders is the final header block, one line per entry
	// without CRLF. Defaults to a status line built from ResponseCode.
	ResponseHeaders []string

	// ResponseBody is delivered through the write callback. Echo
	// replaces it with whatever the read callback supplied.
	ResponseBody []byte
	Echo         bool

	// ReadChunkSizes are the buffer sizes the engine pulls the request
	// body with, cycled; defaults to 4096.
	ReadChunkSizes []int

	// Steps is the number of readiness round-trips before completion
	// under a multiplexer; defaults to 1.
	Steps int

	// Stall registers socket interest but never produces readiness.
	Stall bool

	// TimerDriven advances on timeout actions instead of a socket.
	TimerDriven bool
}

// Engine implements engine.Engine.
type Engine struct{}

// New returns a scripted engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) NewInstance() (engine.Instance, error) {
	return &Instance{}, nil
}

func (e *Engine) NewMultiplexer() (engine.Multiplexer, error) {
	return newMultiplexer(), nil
}

func (e *Engine) Version() engine.Version {
	return engine.Version{
		Num:      0x080000,
		Info:     "enginetest/1.0",
		Features: []string{"AUTH", "PROXY"},
	}
}

// Instance implements engine.Instance under script control. Set Behavior
// before the transfer starts.
type Instance struct {
	mu       sync.Mutex
	Behavior Behavior

	opts    *engine.Options
	reqBody bytes.Buffer
	ran     bool
	closed  bool
	resets  int
}

func (i *Instance) Apply(o *engine.Options) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return errors.New("enginetest: instance closed")
	}
	i.opts = o
	return nil
}

func (i *Instance) Perform() engine.Result {
	return i.runIO()
}

func (i *Instance) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.opts = nil
	i.reqBody.Reset()
	i.ran = false
	i.resets++
}

func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// Resets reports how many times the instance was reset.
func (i *Instance) Resets() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resets
}

// RequestBody is everything the read callback supplied.
func (i *Instance) RequestBody() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]byte(nil), i.reqBody.Bytes()...)
}

// Options is the configuration last applied.
func (i *Instance) Options() *engine.Options {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.opts
}

func (i *Instance) ResponseCode() (int, error) {
	if i.Behavior.ResponseCode == 0 {
		return 0, errors.New("enginetest: no response")
	}
	return i.Behavior.ResponseCode, nil
}

func (i *Instance) ConnectResponseCode() (int, error) {
	if i.Behavior.ConnectCode == 0 {
		return 0, errors.New("enginetest: no connect response")
	}
	return i.Behavior.ConnectCode, nil
}

func (i *Instance) ActiveSocket() (int, error) {
	if i.Behavior.ActiveFD <= 0 {
		return 0, engine.ErrNoActiveSocket
	}
	return i.Behavior.ActiveFD, nil
}

func (i *Instance) UsedProxy() (bool, error) {
	return i.Behavior.UsedProxy, nil
}

func (i *Instance) PrimaryIP() (string, error) {
	return "127.0.0.1", nil
}

// runIO drives the scripted exchange through the configured callbacks.
func (i *Instance) runIO() engine.Result {
	i.mu.Lock()
	o := i.opts
	b := i.Behavior
	if o == nil || i.ran {
		i.mu.Unlock()
		return b.Result
	}
	i.ran = true
	i.mu.Unlock()

	if o.Debug != nil && o.Proxy != "" && o.ProxyUser != "" && b.SendAuthMechanism != "" {
		o.Debug(engine.DebugHeaderOut,
			fmt.Sprintf("Proxy-Authorization: %s c2VjcmV0", b.SendAuthMechanism))
	}

	i.pullRequestBody(o, b)

	if o.Header != nil {
		if len(b.InterimHeaders) > 0 {
			for _, h := range b.InterimHeaders {
				if _, err := o.Header([]byte(h + "\r\n")); err != nil {
					return abortResult(err)
				}
			}
			if _, err := o.Header([]byte("\r\n")); err != nil {
				return abortResult(err)
			}
		}

		headers := b.ResponseHeaders
		if len(headers) == 0 && b.ResponseCode != 0 {
			headers = []string{fmt.Sprintf("HTTP/1.1 %d Scripted", b.ResponseCode)}
		}
		for _, h := range headers {
			if o.Debug != nil {
				o.Debug(engine.DebugHeaderIn, h)
			}
			if _, err := o.Header([]byte(h + "\r\n")); err != nil {
				return abortResult(err)
			}
		}
		if len(headers) > 0 {
			if _, err := o.Header([]byte("\r\n")); err != nil {
				return abortResult(err)
			}
		}
	}

	body := b.ResponseBody
	if b.Echo {
		i.mu.Lock()
		body = append([]byte(nil), i.reqBody.Bytes()...)
		i.mu.Unlock()
	}
	if o.Write != nil && len(body) > 0 {
		n, err := o.Write(body)
		if err != nil || n != len(body) {
			return abortResult(err)
		}
	}

	return b.Result
}

func (i *Instance) pullRequestBody(o *engine.Options, b Behavior) {
	if o.Read == nil {
		return
	}

	chunks := b.ReadChunkSizes
	idx := 0
	nextSize := func() int {
		if len(chunks) == 0 {
			return 4096
		}
		sz := chunks[idx%len(chunks)]
		idx++
		return sz
	}

	pauses := 0
	for {
		buf := make([]byte, nextSize())
		n, err := o.Read(buf)
		if n > 0 {
			i.mu.Lock()
			i.reqBody.Write(buf[:n])
			i.mu.Unlock()
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, engine.ErrPause):
			// A blocking perform has nothing else to do; retry a
			// bounded number of times.
			pauses++
			if pauses > 1000 {
				return
			}
		default:
			return
		}
	}
}

func abortResult(err error) engine.Result {
	msg := "callback aborted"
	if err != nil {
		msg = err.Error()
	}
	return engine.Result{Code: engine.CodeAbortedByCallback, Message: msg}
}
