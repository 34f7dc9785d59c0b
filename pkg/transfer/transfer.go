package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/text/encoding"

	"github.com/genotrance/mcurl/pkg/authcache"
	"github.com/genotrance/mcurl/pkg/engine"
)

var (
	// ErrInvalidConfiguration reports an unusable URL, method, or option
	// combination, detected synchronously.
	ErrInvalidConfiguration = errors.New("transfer: invalid configuration")

	// ErrNotReady reports a result accessor called before the transfer
	// reached a terminal state.
	ErrNotReady = errors.New("transfer: result not ready")

	// ErrInProgress reports a configuration call after submission.
	ErrInProgress = errors.New("transfer: already in progress")

	// ErrProxyAuthFailed reports a proxy identity cached as rejecting
	// every allowed mechanism for these credentials.
	ErrProxyAuthFailed = errors.New("transfer: proxy authentication permanently failed")
)

// DebugFunc is the caller-supplied diagnostic text sink. Lines are
// formatted and credential values redacted before delivery.
type DebugFunc func(format string, args ...any)

// State is the transfer lifecycle position.
type State int

const (
	Idle State = iota
	Configured
	InProgress
	CompleteOK
	CompleteError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case InProgress:
		return "in-progress"
	case CompleteOK:
		return "complete"
	case CompleteError:
		return "failed"
	default:
		return "unknown"
	}
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

var knownVersions = map[string]bool{
	"HTTP/1.0": true, "HTTP/1.1": true, "HTTP/2": true,
}

// Transfer wraps one request/response exchange on an engine instance.
type Transfer struct {
	mu sync.Mutex

	id    string
	inst  engine.Instance
	cache *authcache.Cache
	debug DebugFunc

	opts engine.Options

	state  State
	closed bool

	url          string
	method       string
	protoVersion string

	isConnect bool
	isPost    bool
	isUpload  bool
	isPatch   bool
	isTunnel  bool

	proxySet bool
	proxyID  authcache.Identity
	authSet  bool
	authUser string
	authMech string

	hdrs     *Headers
	xheaders *Headers

	io   ioMode
	size int64

	sentHeaders bool
	suppress    bool
	mechSaved   bool

	done      bool
	result    engine.Result
	errstr    string
	resp      int
	sockFD    int
	usedProxy bool
}

// New creates a transfer for one exchange. method and version must be
// recognized and url non-empty, or ErrInvalidConfiguration is returned.
// cache may be nil, disabling negotiation caching.
func New(eng engine.Engine, cache *authcache.Cache, url, method, version string, connectTimeout time.Duration) (*Transfer, error) {
	inst, err := eng.NewInstance()
	if err != nil {
		return nil, fmt.Errorf("transfer: new instance: %w", err)
	}

	t := &Transfer{
		id:    uuid.NewString(),
		inst:  inst,
		cache: cache,
	}
	if err := t.configure(url, method, version, connectTimeout); err != nil {
		_ = inst.Close()
		return nil, err
	}
	return t, nil
}

// ID is the stable identity of this transfer, usable as a map key.
func (t *Transfer) ID() string { return t.id }

// Instance exposes the underlying engine instance to the scheduler.
func (t *Transfer) Instance() engine.Instance { return t.inst }

// State reports the lifecycle position.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done reports whether the transfer reached a terminal state.
func (t *Transfer) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Err returns the accumulated error string, empty on success.
func (t *Transfer) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errstr
}

// Result returns the engine result, meaningful once Done.
func (t *Transfer) Result() engine.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// StatusCode is the HTTP status a forward proxy should answer the client
// with: the response status on success, a gateway-style mapping on engine
// failure, 503 before completion.
func (t *Transfer) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp
}

func (t *Transfer) configure(url, method, version string, connectTimeout time.Duration) error {
	method = strings.ToUpper(strings.TrimSpace(method))
	if url == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidConfiguration)
	}
	if !knownMethods[method] {
		return fmt.Errorf("%w: unrecognized method %q", ErrInvalidConfiguration, method)
	}
	if version == "" {
		version = "HTTP/1.1"
	}
	if !knownVersions[version] {
		return fmt.Errorf("%w: unrecognized protocol version %q", ErrInvalidConfiguration, version)
	}

	t.method = method
	t.protoVersion = version
	t.isConnect = method == "CONNECT"
	t.isPost = method == "POST"
	t.isUpload = method == "PUT"
	t.isPatch = method == "PATCH"
	t.size = -1
	t.resp = 503
	t.hdrs = NewHeaders()

	if t.isConnect && !strings.Contains(url, "://") {
		// The engine needs a scheme; the CONNECT request itself
		// carries host:port.
		url = "http://" + url
	}
	t.url = url

	t.opts = engine.Options{
		URL:            url,
		Method:         method,
		ProtoVersion:   version,
		ConnectTimeout: connectTimeout,
		ContentLength:  -1,
		ConnectOnly:    t.isConnect,
		Read:           t.readCallback,
		Write:          t.writeCallback,
		Header:         t.headerCallback,
		Debug:          t.debugCallback,
		// Verbose drives the engine's debug stream; the auth
		// mechanism is discovered from sent headers there.
		Verbose: true,
	}

	if t.isConnect {
		// No proxy yet, so tunnel for a direct CONNECT.
		t.setTunnel(true)
	}

	t.state = Configured
	t.dprint("%s %s using %s", method, url, version)
	return nil
}

// Reset reuses the engine instance (and any live connection) for another
// exchange, discarding all prior configuration and response data.
func (t *Transfer) Reset(url, method, version string, connectTimeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == InProgress {
		return ErrInProgress
	}

	t.dprint("resetting")
	t.inst.Reset()

	t.isConnect, t.isPost, t.isUpload, t.isPatch, t.isTunnel = false, false, false, false, false
	t.proxySet, t.authSet = false, false
	t.proxyID = authcache.Identity{}
	t.authUser, t.authMech = "", ""
	t.xheaders = nil
	t.io = nil
	t.sentHeaders, t.suppress, t.mechSaved = false, false, false
	t.done = false
	t.result = engine.Result{}
	t.errstr = ""
	t.sockFD = 0
	t.usedProxy = false

	return t.configure(url, method, version, connectTimeout)
}

// SetHeaders merges headers into the outgoing set. An empty value is a
// removal signal: the header is excluded and any engine default cancelled.
// Must not be called once the transfer is in progress.
func (t *Transfer) SetHeaders(headers *Headers) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == InProgress {
		return ErrInProgress
	}

	skipProxyHeaders := t.proxySet && t.authSet
	var err error
	headers.Each(func(name, value string) {
		if err != nil {
			return
		}

		lc := strings.ToLower(name)
		switch {
		case skipProxyHeaders && strings.HasPrefix(lc, "proxy-"):
			// This layer authenticates with the upstream proxy;
			// the client's proxy headers must not pass through.
			t.dprint("skipping header =!> %s", sanitize(name+": "+value))
			return
		case lc == "content-length" && value != "":
			err = t.setContentLength(value)
			return
		case lc == "user-agent":
			t.opts.UserAgent = value
			return
		}

		t.dprint("adding header => %s", sanitize(header{name, value}.Line()))
		t.hdrs.Set(name, value)
	})
	if err != nil {
		return err
	}

	if t.isConnect && !t.isTunnel {
		// Plain connect to the proxy: the client tunnels and
		// authenticates itself, so its headers are replayed over the
		// established connection instead of being sent by the engine.
		t.dprint("delaying headers")
		if t.xheaders == nil {
			t.xheaders = NewHeaders()
		}
		t.xheaders.Merge(headers)
		t.opts.Headers = nil
	} else {
		t.opts.Headers = t.hdrs.Lines()
	}
	return nil
}

func (t *Transfer) setContentLength(value string) error {
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad content-length %q", ErrInvalidConfiguration, value)
	}

	switch {
	case t.isPost || t.isUpload:
		// Size is known, so chunked transfer coding and 100-continue
		// negotiation are both unnecessary.
		t.size = size
		t.hdrs.Set("Transfer-Encoding", "")
		t.hdrs.Set("Expect", "")
		t.opts.ContentLength = size
	case t.isPatch:
		// The engine does not pull PATCH bodies through the read
		// callback, so stage the body now.
		if t.io == nil {
			return fmt.Errorf("%w: call Buffer or Bridge before SetHeaders for PATCH", ErrInvalidConfiguration)
		}
		r := t.io.reader()
		if r == nil {
			return fmt.Errorf("%w: PATCH with content-length but no request body", ErrInvalidConfiguration)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("transfer: reading PATCH body: %w", err)
		}
		t.io = newBuffered(data)
		t.size = size
		t.opts.ContentLength = size
	default:
		t.hdrs.Set("Content-Length", value)
	}
	return nil
}

// SetProxy configures the upstream proxy for this transfer. It returns
// false when the negotiation cache records the proxy as permanently
// auth-failed for the current credentials: a deliberate cache consult, not
// a network probe, letting the caller fail fast instead of retrying a
// doomed negotiation.
//
// When the target host matches noProxy, the transfer stays direct and true
// is returned.
func (t *Transfer) SetProxy(host string, port int, noProxy []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := authcache.Identity{Host: host, Port: port, Principal: t.authUser}
	if t.cache != nil && t.cache.Failed(id) {
		t.dprint("authentication issues with proxy %s", id)
		return false
	}

	if len(noProxy) > 0 && t.excludedByNoProxy(host, port, noProxy) {
		t.dprint("proxy %s excluded for %s by no-proxy list", id, t.url)
		return true
	}

	t.proxySet = true
	t.proxyID = id
	t.opts.Proxy = host
	t.opts.ProxyPort = port
	t.opts.NoProxy = strings.Join(noProxy, ",")

	if t.cache != nil {
		if e := t.cache.Lookup(id); e.State == authcache.Known {
			// Skip negotiation entirely on the next exchange.
			t.authMech = e.Mechanism
		}
	}

	if t.isConnect {
		// Proxy but no auth yet: connect plainly and let the client
		// tunnel and authenticate directly.
		t.setTunnel(false)
	}
	return true
}

func (t *Transfer) excludedByNoProxy(host string, port int, noProxy []string) bool {
	cfg := httpproxy.Config{
		HTTPProxy:  "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		HTTPSProxy: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		NoProxy:    strings.Join(noProxy, ","),
	}
	u, err := urlForProxyDecision(t.url)
	if err != nil {
		return false
	}
	proxyURL, err := cfg.ProxyFunc()(u)
	if err != nil {
		return false
	}
	return proxyURL == nil
}

// SetAuth supplies proxy credentials and the allowed mechanism selection
// (see engine.ParseAuth; "ANY" when empty). Call after SetProxy. A user of
// ":" requests the engine's ambient single-sign-on credentials.
func (t *Transfer) SetAuth(user, password, auth string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.proxySet {
		return fmt.Errorf("%w: SetAuth before SetProxy", ErrInvalidConfiguration)
	}

	if user == ":" {
		t.opts.ProxyUser = ":"
	} else {
		t.authUser = user
		t.proxyID.Principal = user
		t.opts.ProxyUser = user
		t.opts.ProxyPassword = password
		if password == "" {
			t.dprint("blank password for user")
		}
	}

	// The principal is known only now; re-run the fast-fail consult.
	if t.cache != nil && t.cache.Failed(t.proxyID) {
		return fmt.Errorf("%w: %s", ErrProxyAuthFailed, t.proxyID)
	}

	if auth == "" {
		auth = "ANY"
	}
	t.authMech = auth
	if t.cache != nil {
		if e := t.cache.Lookup(t.proxyID); e.State == authcache.Known {
			t.authMech = e.Mechanism
			t.dprint("using cached proxy auth mechanism %s", t.authMech)
		}
	}

	mask, err := engine.ParseAuth(t.authMech)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	t.opts.ProxyAuth = mask
	t.authSet = true

	if t.isConnect {
		// Proxy plus auth: tunnel and authenticate on behalf of the
		// client.
		t.setTunnel(true)
	}
	return nil
}

// SetTunnel forces CONNECT-style tunneling through the proxy.
func (t *Transfer) SetTunnel(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setTunnel(enabled)
}

func (t *Transfer) setTunnel(enabled bool) {
	t.dprint("proxy tunneling = %v", enabled)
	t.opts.Tunnel = enabled
	t.opts.SuppressConnectHeaders = enabled
	t.isTunnel = enabled
}

// SetInsecure disables TLS certificate verification.
func (t *Transfer) SetInsecure(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.InsecureTLS = enabled
}

// SetVerbose toggles the engine's diagnostic stream. It is on by default;
// mechanism discovery depends on it.
func (t *Transfer) SetVerbose(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.Verbose = enabled
}

// SetDebug routes diagnostic lines to sink. Credential values are redacted
// first.
func (t *Transfer) SetDebug(sink DebugFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debug = sink
}

// SetUserAgent sets the outgoing user agent.
func (t *Transfer) SetUserAgent(ua string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ua != "" {
		t.opts.UserAgent = ua
	}
}

// SetFollow makes the engine follow 3xx responses.
func (t *Transfer) SetFollow(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.FollowRedirects = enabled
}

// SetTransferDecoding controls whether the engine decodes transfer
// codings; off lets the client do it.
func (t *Transfer) SetTransferDecoding(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.TransferDecoding = enabled
}

// Buffer switches to buffered I/O: response headers and body accumulate in
// owned buffers, and data, when non-nil, is staged as the request body.
func (t *Transfer) Buffer(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dprint("buffered mode")
	t.io = newBuffered(data)
	if data != nil {
		t.size = int64(len(data))
		t.opts.ContentLength = t.size
	}
}

// Bridge switches to bridged I/O: the engine pulls request body bytes from
// r and pushes response header and body bytes to hw and w as they arrive.
// Any endpoint may be nil; a nil hw means header lines are dropped and the
// body is relayed immediately.
func (t *Transfer) Bridge(r io.Reader, w, hw io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dprint("bridged mode")
	t.io = &bridged{r: r, w: w, hw: hw}
	if hw == nil {
		t.sentHeaders = true
	}
}

// Start submits the configuration to the engine and marks the transfer in
// progress. Schedulers call this from Add; Perform calls it itself.
func (t *Transfer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case InProgress:
		return ErrInProgress
	case Idle:
		return fmt.Errorf("%w: not configured", ErrInvalidConfiguration)
	}

	if err := t.inst.Apply(&t.opts); err != nil {
		return fmt.Errorf("transfer: apply options: %w", err)
	}
	t.state = InProgress
	return nil
}

// Perform drives this single transfer synchronously to completion using
// the engine's blocking primitive, with no external socket bridging.
func (t *Transfer) Perform() engine.Result {
	if err := t.Start(); err != nil {
		res := engine.Result{Code: engine.CodeAbortedByCallback, Message: err.Error()}
		t.Finish(res)
		return res
	}

	res := t.inst.Perform()
	if !res.OK() {
		t.dprint("transfer failed: %s", res)
	}
	t.Finish(res)
	return res
}

// Finish runs completion bookkeeping: result capture, engine error to HTTP
// status mapping, 407 handling including recording permanent auth
// failures, auth cache updates, and active socket capture for CONNECT.
// Idempotent; schedulers call it when the engine reports completion.
func (t *Transfer) Finish(res engine.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.done = true
	t.result = res

	if res.Message != "" {
		t.appendErr(res.Message)
	}
	if st := res.Code.HTTPStatus(); st != 0 {
		t.resp = st
		t.appendErr(res.Code.String())
	}

	if up, err := t.inst.UsedProxy(); err == nil {
		t.usedProxy = up
	}

	rc, rcErr := t.responseCode()
	if res.OK() && rcErr == nil {
		t.resp = rc
	}

	if t.proxySet && rcErr == nil && rc == 407 {
		t.handle407(res)
	}

	if t.isConnect && res.OK() {
		fd, err := t.inst.ActiveSocket()
		if err != nil {
			t.resp = 503
			t.appendErr(fmt.Sprintf("failed to get active socket: %v", err))
		} else {
			t.sockFD = fd
		}
	}

	if res.OK() && t.errstr == "" {
		t.state = CompleteOK
	} else {
		t.state = CompleteError
	}
}

func (t *Transfer) handle407(res engine.Result) {
	switch {
	case res.Code == engine.CodeSendFailRewind:
		// The negotiation needed a body rewind the engine cannot do.
		// Retryable: the mechanism may be cached by then.
		t.resp = 503
		t.appendErr("POST/PUT rewind not supported")
	case t.authSet:
		out := "proxy authentication failed: "
		if t.authUser != "" {
			out += "check user/password or try a different auth mechanism"
		} else {
			out += "single sign-on failed, user/password might be required"
		}
		t.resp = 401
		t.appendErr(out)
		if t.cache != nil {
			t.cache.RecordFailure(t.proxyID)
		}
	default:
		// No credentials here: hand the 407 through and let the
		// client authenticate with the upstream proxy directly.
		t.dprint("client to authenticate with upstream proxy")
		if !t.isConnect {
			t.resp = 407
		}
	}
}

// Abort marks the transfer failed without engine involvement, e.g. on
// stop, idle timeout, or client close.
func (t *Transfer) Abort(msg string) {
	t.Finish(engine.Result{Code: engine.CodeAbortedByCallback, Message: msg})
}

func (t *Transfer) appendErr(msg string) {
	if msg == "" {
		return
	}
	if t.errstr != "" {
		t.errstr += "; "
	}
	t.errstr += msg
}

func (t *Transfer) responseCode() (int, error) {
	if t.isConnect {
		return t.inst.ConnectResponseCode()
	}
	return t.inst.ResponseCode()
}

// Response returns the HTTP status of the completed exchange (the CONNECT
// status for CONNECT transfers), or ErrNotReady.
func (t *Transfer) Response() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		return 0, ErrNotReady
	}
	return t.responseCode()
}

// DataBytes returns the raw buffered response body. Bridged transfers
// return nil: their bytes went to the external endpoints.
func (t *Transfer) DataBytes() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		return nil, ErrNotReady
	}
	if t.io == nil {
		return nil, nil
	}
	return t.io.bodyBytes(), nil
}

// Data returns the buffered response body decoded with enc; nil means the
// bytes are returned as-is (UTF-8 passthrough).
func (t *Transfer) Data(enc encoding.Encoding) (string, error) {
	b, err := t.DataBytes()
	if err != nil {
		return "", err
	}
	return decodeBytes(b, enc)
}

// HeaderBytes returns the raw buffered response headers.
func (t *Transfer) HeaderBytes() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		return nil, ErrNotReady
	}
	if t.io == nil {
		return nil, nil
	}
	return t.io.headerBytes(), nil
}

// ResponseHeaders returns the buffered response headers decoded with enc.
func (t *Transfer) ResponseHeaders(enc encoding.Encoding) (string, error) {
	b, err := t.HeaderBytes()
	if err != nil {
		return "", err
	}
	return decodeBytes(b, enc)
}

// ActiveSocket returns the transfer's live socket descriptor, or
// engine.ErrNoActiveSocket.
func (t *Transfer) ActiveSocket() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sockFD > 0 {
		return t.sockFD, nil
	}
	return t.inst.ActiveSocket()
}

// UsedProxy reports whether the exchange went through a proxy.
func (t *Transfer) UsedProxy() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.usedProxy, nil
	}
	return t.inst.UsedProxy()
}

// PrimaryIP reports the peer address of the last connection.
func (t *Transfer) PrimaryIP() (string, error) {
	return t.inst.PrimaryIP()
}

// AuthMechanism is the proxy auth mechanism in use or observed, e.g.
// "NTLM", empty when none.
func (t *Transfer) AuthMechanism() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authMech
}

// NeedsClientHandshake reports whether the client's original request
// preamble must be replayed over the established connection: a CONNECT
// that went through the proxy plainly, leaving authentication to the
// client.
func (t *Transfer) NeedsClientHandshake() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isConnect && !t.isTunnel && t.usedProxy
}

// WriteClientPreamble replays the original request line and any delayed
// client headers to w.
func (t *Transfer) WriteClientPreamble(w io.Writer) error {
	t.mu.Lock()
	url, version, xh := t.url, t.protoVersion, t.xheaders.Clone()
	method := t.method
	t.mu.Unlock()

	url = strings.TrimPrefix(url, "http://")

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", method, url, version)
	xh.Each(func(name, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, value)
		}
	})
	sb.WriteString("\r\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

// Close releases the engine instance and buffers. Idempotent, safe in any
// state.
func (t *Transfer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.io = nil
	return t.inst.Close()
}

// Engine callbacks. These run synchronously inside the engine's perform or
// socket-action call and must not block.

func (t *Transfer) readCallback(p []byte) (int, error) {
	if t.size == 0 {
		return 0, io.EOF
	}
	if t.io == nil {
		return 0, io.EOF
	}
	r := t.io.reader()
	if r == nil {
		t.dprint("read expected but no request body source")
		return 0, io.EOF
	}

	limit := int64(len(p))
	if t.size > 0 && t.size < limit {
		limit = t.size
	}
	n, err := r.Read(p[:limit])
	if t.size > 0 {
		t.size -= int64(n)
	}
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		t.dprint("error reading from client: %v", err)
		return n, err
	}
	if n == 0 {
		return 0, engine.ErrPause
	}
	t.dprint("read %d bytes", n)
	return n, nil
}

func (t *Transfer) writeCallback(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !t.sentHeaders || t.io == nil {
		// Body bytes before the header terminator belong to an
		// intermediate response; skip them.
		t.dprint("skipped %d bytes", len(p))
		return len(p), nil
	}
	n, err := t.io.writeBody(p)
	if err != nil {
		t.dprint("error writing to client: %v", err)
		return n, err
	}
	return n, nil
}

func (t *Transfer) headerCallback(line []byte) (int, error) {
	if len(line) == 0 {
		return 0, nil
	}

	terminator := string(line) == "\r\n"
	if t.suppress {
		if terminator {
			t.dprint("resuming headers")
			t.suppress = false
		}
		return len(line), nil
	}

	if terminator {
		t.dprint("done receiving headers")
		t.sentHeaders = true
	} else if t.authSet && line[0] == 'H' && strings.Contains(string(line), "407") {
		// This layer authenticates with the upstream proxy, so its
		// 407 exchange must not leak to the client.
		t.dprint("suppressing headers")
		t.suppress = true
		return len(line), nil
	}

	if t.io == nil {
		return len(line), nil
	}
	n, err := t.io.writeHeader(line)
	if err != nil {
		t.dprint("error writing header to client: %v", err)
		return n, err
	}
	return n, nil
}

func (t *Transfer) debugCallback(kind engine.DebugKind, msg string) {
	if kind == engine.DebugHeaderOut {
		t.saveAuth(msg)
	}
	if t.debug == nil {
		return
	}

	var prefix string
	switch kind {
	case engine.DebugText:
		prefix = "info: "
	case engine.DebugHeaderIn:
		prefix = "received header <= "
	case engine.DebugHeaderOut:
		prefix = "sent header => "
	default:
		return
	}
	t.debug("%s: %s%s", t.id, prefix, sanitize(msg))
}

// saveAuth caches the mechanism the engine actually negotiated, discovered
// from the sent Proxy-Authorization header. The engine exposes no direct
// query for it. AuthMechanism may be read from other goroutines while the
// transfer is being driven, so the field updates take the lock; the cache
// write and the debug line stay outside it.
func (t *Transfer) saveAuth(msg string) {
	if !strings.HasPrefix(msg, "Proxy-Authorization:") {
		return
	}
	fields := strings.Fields(msg)
	if len(fields) < 2 {
		return
	}
	mech := strings.ToUpper(fields[1])

	t.mu.Lock()
	if t.mechSaved || !t.proxySet || !t.authSet || t.cache == nil {
		t.mu.Unlock()
		return
	}
	t.mechSaved = true
	t.authMech = mech
	id, cache := t.proxyID, t.cache
	t.mu.Unlock()

	cache.RecordSuccess(id, mech)
	t.dprint("caching proxy auth mechanism for %s as %s", id, mech)
}

func (t *Transfer) dprint(format string, args ...any) {
	if t.debug != nil {
		t.debug(t.id+": "+format, args...)
	}
}

// urlForProxyDecision normalizes the transfer URL for no-proxy matching.
// CONNECT targets carry a synthetic http scheme already.
func urlForProxyDecision(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return url.Parse(raw)
}

func decodeBytes(b []byte, enc encoding.Encoding) (string, error) {
	if enc == nil {
		return string(b), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("transfer: decode: %w", err)
	}
	return string(out), nil
}
