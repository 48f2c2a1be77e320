package engine

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ErikMinekus/sm-ripext/errors"
	"github.com/ErikMinekus/sm-ripext/protocol"
	"github.com/ErikMinekus/sm-ripext/transport"
)

// ReadFunc supplies request body bytes. It returns io.EOF once the body is
// exhausted; any other error aborts the transfer.
type ReadFunc func(p []byte) (int, error)

// SeekFunc rewinds the request body to offset, for redirects that resend it
type SeekFunc func(offset int64) error

// WriteFunc consumes response body bytes and returns how many it took.
// Anything short of len(p) fails the transfer.
type WriteFunc func(p []byte) int

// HeaderFunc consumes one raw response header line, CRLF included, and
// returns how many bytes it took.
type HeaderFunc func(line []byte) int

// Options configures one transfer
type Options struct {
	Method string
	URL    string
	// Header lines in "Name: value" form
	Header []string

	Body ReadFunc
	Seek SeekFunc
	// BodySize is the request body length; -1 sends the body chunked
	BodySize int64

	Write    WriteFunc
	OnHeader HeaderFunc

	ConnectTimeout time.Duration
	Timeout        time.Duration
	FollowLocation bool
	// MaxRedirects caps followed redirects; negative means unlimited
	MaxRedirects int

	// Bytes per second, 0 is unlimited
	MaxSendSpeed int64
	MaxRecvSpeed int64

	Username string
	Password string

	CAInfo    string
	UserAgent string

	Private any
}

type transferState int

const (
	stateInit transferState = iota
	stateResolving
	stateConnecting
	stateSending
	stateReceiving
	stateDone
)

const readBufferSize = 16 * 1024

// Easy is one transfer
type Easy struct {
	opts Options
	url  *url.URL
	// setupErr fails the transfer on its first drive step
	setupErr error

	roots       *x509.CertPool
	rootsLoaded bool

	multi *Multi
	state transferState

	method   string
	sendBody bool
	origHost string

	start      time.Time
	connStart  time.Time
	res        *transport.Resolution
	ips        []net.IP
	ipIndex    int
	conn       transport.Transport
	sock       *transport.Socket
	tun        *transport.Tunnel
	watchFd    int
	watchWhat  Action
	paused     bool
	pauseUntil time.Time

	out       []byte
	bodyDone  bool
	bodySent  int64
	sendStart time.Time

	parser      *protocol.ResponseParser
	recvStart   time.Time
	received    int64
	discard     bool
	redirectTo  string
	redirects   int
	lastConnErr error

	responseCode int
	readBuf      []byte
}

// NewEasy creates a transfer handle. An unusable URL does not fail here:
// the transfer fails when it starts, and the error reaches the caller
// through the completion message like any other transfer error.
func NewEasy(opts Options) *Easy {
	if opts.Method == "" {
		opts.Method = "GET"
	}
	e := &Easy{
		opts:     opts,
		method:   opts.Method,
		sendBody: opts.Body != nil,
		watchFd:  -1,
	}

	u, err := parseURL(opts.URL)
	if err != nil {
		e.setupErr = err
		return e
	}
	e.url = u
	e.origHost = u.Host
	return e
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewProtocolError(
			errors.ProtocolErrorInvalidURL,
			"URL rejected: Malformed input to a URL function",
		)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return nil, errors.NewProtocolError(
			errors.ProtocolErrorUnsupportedScheme,
			"URL rejected: No scheme in URL",
		)
	default:
		return nil, errors.NewProtocolError(
			errors.ProtocolErrorUnsupportedScheme,
			fmt.Sprintf("Protocol \"%s\" not supported", u.Scheme),
		)
	}
	if u.Hostname() == "" {
		return nil, errors.NewProtocolError(
			errors.ProtocolErrorInvalidURL,
			"URL rejected: No host part in the URL",
		)
	}
	return u, nil
}

// Private returns the value stored in Options.Private
func (e *Easy) Private() any {
	return e.opts.Private
}

// ResponseCode returns the last received status code, 0 if none
func (e *Easy) ResponseCode() int {
	return e.responseCode
}

// EffectiveURL returns the URL after following redirects
func (e *Easy) EffectiveURL() string {
	if e.url == nil {
		return e.opts.URL
	}
	return e.url.String()
}

// RedirectCount returns how many redirects were followed
func (e *Easy) RedirectCount() int {
	return e.redirects
}

// BytesReceived returns the response body bytes received so far
func (e *Easy) BytesReceived() int64 {
	return e.received
}

// Cleanup releases everything the transfer still holds. The handle must
// not be part of a Multi.
func (e *Easy) Cleanup() {
	e.closeConn()
	e.state = stateDone
}

func (e *Easy) port() int {
	if p := e.url.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if e.url.Scheme == "https" {
		return 443
	}
	return 80
}

// begin starts (or, after a redirect, restarts) the transfer
func (e *Easy) begin(now time.Time) {
	if e.setupErr != nil {
		e.fail(e.setupErr)
		return
	}
	e.connStart = now
	e.ips = nil
	e.ipIndex = 0
	e.lastConnErr = nil

	host := e.url.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		e.ips = []net.IP{ip}
		e.connectNext()
		return
	}

	res, err := transport.Resolve(host)
	if err != nil {
		e.fail(err)
		return
	}
	e.res = res
	e.state = stateResolving
	e.watch(res.Fd(), ActionIn)
}

func (e *Easy) onResolved() {
	ips, ok, err := e.res.Result()
	if !ok {
		return
	}
	host := e.res.Host
	e.unwatch()
	e.res.Close()
	e.res = nil

	if err != nil {
		e.fail(errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			fmt.Sprintf("Could not resolve host: %s", host),
			nil,
		))
		return
	}
	e.ips = ips
	e.connectNext()
}

func (e *Easy) connectNext() {
	for e.ipIndex < len(e.ips) {
		ip := e.ips[e.ipIndex]
		e.ipIndex++

		if e.url.Scheme == "https" {
			if err := e.loadRoots(); err != nil {
				e.fail(err)
				return
			}
			tun, err := transport.DialTLS(ip, e.port(), e.url.Hostname(), e.roots)
			if err != nil {
				e.lastConnErr = err
				continue
			}
			e.tun = tun
			e.conn = tun
			e.startSend()
			return
		}

		sock, err := transport.Dial(ip, e.port())
		if err != nil {
			e.lastConnErr = err
			continue
		}
		e.sock = sock
		e.conn = sock
		if sock.Connected() {
			e.startSend()
			return
		}
		e.state = stateConnecting
		e.watch(sock.Fd(), ActionOut)
		return
	}

	e.fail(e.connectError(e.lastConnErr))
}

// loadRoots reads the CA bundle the first time an https connection needs it
func (e *Easy) loadRoots() error {
	if e.rootsLoaded {
		return nil
	}
	roots, err := transport.LoadRootCAs(e.opts.CAInfo)
	if err != nil {
		return err
	}
	e.roots = roots
	e.rootsLoaded = true
	return nil
}

func (e *Easy) connectError(cause error) error {
	msg := fmt.Sprintf("Failed to connect to %s port %d after %d ms",
		e.url.Hostname(), e.port(), e.multi.now().Sub(e.connStart).Milliseconds())
	var httpErr *errors.HttpError
	if errors.As(cause, &httpErr) && httpErr.UnderlyingErr != nil {
		msg += ": " + httpErr.UnderlyingErr.Error()
	} else if cause != nil {
		msg += ": " + cause.Error()
	}
	return errors.NewTransportError(errors.TransportErrorSocketConnectFailure, msg, nil)
}

func (e *Easy) onConnectable() {
	if err := e.sock.FinishConnect(); err != nil {
		e.lastConnErr = err
		e.unwatch()
		e.closeConn()
		e.connectNext()
		return
	}
	e.startSend()
}

// connected reports whether the connection phase is over
func (e *Easy) connected() bool {
	switch e.state {
	case stateSending, stateReceiving:
		return e.tun == nil || e.tun.Established()
	case stateDone:
		return true
	}
	return false
}

func (e *Easy) buildHead() []byte {
	target := e.url.RequestURI()
	if target == "" {
		target = "/"
	}

	req := &protocol.HttpRequest{
		Method: e.method,
		Target: target,
		Host:   e.url.Host,
	}

	var hdrs protocol.Headers
	hdrs.Set("Host", e.url.Host)
	if e.opts.UserAgent != "" {
		hdrs.Set("User-Agent", e.opts.UserAgent)
	}
	hdrs.Set("Accept", "*/*")
	if e.opts.Username != "" && e.url.Host == e.origHost {
		cred := base64.StdEncoding.EncodeToString([]byte(e.opts.Username + ":" + e.opts.Password))
		hdrs.Set("Authorization", "Basic "+cred)
	}
	for _, line := range e.opts.Header {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		hdrs.Set(name, strings.TrimSpace(value))
	}
	hdrs.Set("Connection", "close")
	req.Headers = hdrs.All()

	switch {
	case e.sendBody && e.opts.BodySize < 0:
		req.ContentLength = -1
	case e.sendBody:
		req.ContentLength = e.opts.BodySize
		req.ForceLength = true
	case e.method == "POST" || e.method == "PUT" || e.method == "PATCH":
		req.ForceLength = true
	}

	return protocol.AppendRequest(make([]byte, 0, 512), req)
}

func (e *Easy) startSend() {
	now := e.multi.now()
	e.state = stateSending
	e.out = e.buildHead()
	e.bodyDone = !e.sendBody
	e.bodySent = 0
	e.sendStart = now
	e.parser = protocol.NewResponseParser(protocol.ResponseHandler{
		HeaderLine:  e.onHeaderLine,
		HeadersDone: e.onHeadersDone,
		Body:        e.onBody,
	})
	e.pumpSend()
}

// fillOut pulls the next piece of request body into the output buffer
func (e *Easy) fillOut() error {
	if e.bodyDone || len(e.out) > 0 {
		return nil
	}

	size := readBufferSize
	if e.opts.BodySize >= 0 {
		left := e.opts.BodySize - e.bodySent
		if left <= 0 {
			e.bodyDone = true
			return nil
		}
		if left < int64(size) {
			size = int(left)
		}
	}

	buf := make([]byte, size)
	n, err := e.opts.Body(buf)
	if n > 0 {
		e.bodySent += int64(n)
		if e.opts.BodySize < 0 {
			e.out = protocol.AppendChunk(e.out, buf[:n])
		} else {
			e.out = append(e.out, buf[:n]...)
		}
	}

	switch {
	case err == io.EOF:
		if e.opts.BodySize >= 0 && e.bodySent < e.opts.BodySize {
			return errors.NewTransportError(
				errors.TransportErrorReadCallback,
				fmt.Sprintf("client read function EOF fail, only %d/%d of needed bytes read",
					e.bodySent, e.opts.BodySize),
				nil,
			)
		}
		e.bodyDone = true
		if e.opts.BodySize < 0 {
			e.out = protocol.AppendChunk(e.out, nil)
		}
	case err != nil:
		return errors.NewTransportError(
			errors.TransportErrorReadCallback,
			"Operation was aborted by an application callback",
			err,
		)
	case e.opts.BodySize >= 0 && e.bodySent >= e.opts.BodySize:
		e.bodyDone = true
	}
	return nil
}

func (e *Easy) pumpSend() {
	for {
		if err := e.fillOut(); err != nil {
			e.fail(err)
			return
		}
		if len(e.out) == 0 {
			e.startRecv()
			return
		}

		chunk := e.out
		if e.opts.MaxSendSpeed > 0 && int64(len(chunk)) > e.opts.MaxSendSpeed {
			chunk = chunk[:e.opts.MaxSendSpeed]
		}
		n, err := e.conn.Write(chunk)
		if err == transport.ErrWouldBlock {
			e.watch(e.conn.Fd(), ActionOut)
			return
		}
		if err != nil {
			e.fail(e.sendError(err))
			return
		}
		e.out = e.out[n:]

		if e.opts.MaxSendSpeed > 0 {
			sent := e.bodySent - int64(len(e.out))
			if e.throttle(e.sendStart, sent, e.opts.MaxSendSpeed, ActionOut) {
				return
			}
		}
	}
}

func (e *Easy) sendError(err error) error {
	var httpErr *errors.HttpError
	if errors.As(err, &httpErr) && httpErr.TransportErr != errors.TransportErrorSocketWriteFailure {
		return err
	}
	return errors.NewTransportError(
		errors.TransportErrorSocketWriteFailure,
		"Failed sending data to the peer",
		err,
	)
}

func (e *Easy) startRecv() {
	e.state = stateReceiving
	e.recvStart = e.multi.now()
	e.watch(e.conn.Fd(), ActionIn)
}

func (e *Easy) pumpRecv() {
	if e.readBuf == nil {
		e.readBuf = make([]byte, readBufferSize)
	}
	for e.state == stateReceiving {
		buf := e.readBuf
		if e.opts.MaxRecvSpeed > 0 && int64(len(buf)) > e.opts.MaxRecvSpeed {
			buf = buf[:e.opts.MaxRecvSpeed]
		}

		n, err := e.conn.Read(buf)
		if err == transport.ErrWouldBlock {
			return
		}
		if err == io.EOF {
			if ferr := e.parser.Finish(); ferr != nil {
				e.fail(ferr)
				return
			}
			e.complete()
			return
		}
		if err != nil {
			var httpErr *errors.HttpError
			if errors.As(err, &httpErr) && httpErr.TransportErr == errors.TransportErrorSocketReadFailure &&
				httpErr.UnderlyingErr != nil {
				err = errors.NewTransportError(
					errors.TransportErrorSocketReadFailure,
					"Recv failure: "+httpErr.UnderlyingErr.Error(),
					nil,
				)
			}
			e.fail(err)
			return
		}

		done, ferr := e.parser.Feed(buf[:n])
		if ferr != nil {
			e.fail(ferr)
			return
		}
		if done {
			e.complete()
			return
		}

		if e.opts.MaxRecvSpeed > 0 && e.parser.HeadersComplete() {
			if e.throttle(e.recvStart, e.received, e.opts.MaxRecvSpeed, ActionIn) {
				return
			}
		}
	}
}

// throttle pauses the socket when more than limit bytes per second have
// moved since start. It reports whether the transfer was paused.
func (e *Easy) throttle(start time.Time, moved, limit int64, resume Action) bool {
	due := start.Add(time.Duration(moved * int64(time.Second) / limit))
	now := e.multi.now()
	if !due.After(now) {
		return false
	}
	e.paused = true
	e.pauseUntil = due
	e.unwatch()
	e.watchWhat = resume
	return true
}

func (e *Easy) resume() {
	e.paused = false
	what := e.watchWhat
	e.watch(e.conn.Fd(), what)
	switch e.state {
	case stateSending:
		e.pumpSend()
	case stateReceiving:
		e.pumpRecv()
	}
}

func (e *Easy) onHeaderLine(line []byte) error {
	if e.opts.OnHeader == nil {
		return nil
	}
	if n := e.opts.OnHeader(line); n != len(line) {
		return errors.NewTransportError(
			errors.TransportErrorWriteCallback,
			"Failed writing header",
			nil,
		)
	}
	return nil
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func (e *Easy) onHeadersDone() error {
	e.responseCode = e.parser.StatusCode
	e.discard = false
	e.redirectTo = ""

	if !e.opts.FollowLocation || !isRedirect(e.responseCode) {
		return nil
	}
	loc, ok := e.parser.Headers.Get("Location")
	if !ok || loc == "" {
		return nil
	}
	if e.opts.MaxRedirects >= 0 && e.redirects >= e.opts.MaxRedirects {
		return errors.NewTransportError(
			errors.TransportErrorTooManyRedirects,
			fmt.Sprintf("Maximum (%d) redirects followed", e.opts.MaxRedirects),
			nil,
		)
	}
	e.redirectTo = loc
	e.discard = true
	return nil
}

func (e *Easy) onBody(p []byte) error {
	if e.discard {
		return nil
	}
	e.received += int64(len(p))
	if e.opts.Write == nil {
		return nil
	}
	if n := e.opts.Write(p); n != len(p) {
		return errors.NewTransportError(
			errors.TransportErrorWriteCallback,
			"Failure writing output to destination",
			nil,
		)
	}
	return nil
}

func (e *Easy) complete() {
	if e.redirectTo == "" {
		e.finish(nil)
		return
	}
	if err := e.redirect(); err != nil {
		e.fail(err)
	}
}

// redirect points the transfer at the Location of the last response and
// starts over
func (e *Easy) redirect() error {
	next, err := e.url.Parse(e.redirectTo)
	if err != nil {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidURL,
			"URL rejected: Malformed input to a URL function",
		)
	}
	if next.Scheme != "http" && next.Scheme != "https" {
		return errors.NewProtocolError(
			errors.ProtocolErrorUnsupportedScheme,
			fmt.Sprintf("Protocol \"%s\" not supported", next.Scheme),
		)
	}

	code := e.responseCode
	switch {
	case code == 303 && e.method != "HEAD",
		(code == 301 || code == 302) && e.method == "POST":
		e.method = "GET"
		e.sendBody = false
	case e.sendBody && e.bodySent > 0:
		// 307 and 308 resend the body unchanged
		if e.opts.Seek == nil {
			return errors.NewTransportError(
				errors.TransportErrorRewindFailure,
				"necessary data rewind wasn't possible",
				nil,
			)
		}
		if err := e.opts.Seek(0); err != nil {
			return errors.NewTransportError(
				errors.TransportErrorRewindFailure,
				"necessary data rewind wasn't possible",
				err,
			)
		}
	}

	e.unwatch()
	e.closeConn()
	e.url = next
	e.redirects++
	e.redirectTo = ""
	e.discard = false
	e.begin(e.multi.now())
	return nil
}

// checkTimeouts fails the transfer when one of its deadlines has passed.
// It reports whether the transfer was failed.
func (e *Easy) checkTimeouts(now time.Time) bool {
	if e.state == stateInit || e.state == stateDone {
		return false
	}
	if e.opts.Timeout > 0 && !now.Before(e.start.Add(e.opts.Timeout)) {
		elapsed := now.Sub(e.start).Milliseconds()
		var msg string
		if e.parser != nil && e.parser.ContentLength() >= 0 {
			msg = fmt.Sprintf("Operation timed out after %d milliseconds with %d out of %d bytes received",
				elapsed, e.received, e.parser.ContentLength())
		} else {
			msg = fmt.Sprintf("Operation timed out after %d milliseconds with %d bytes received",
				elapsed, e.received)
		}
		e.fail(errors.NewTransportError(errors.TransportErrorTimeout, msg, nil))
		return true
	}

	if e.opts.ConnectTimeout > 0 && !e.connected() && !now.Before(e.connStart.Add(e.opts.ConnectTimeout)) {
		elapsed := now.Sub(e.connStart).Milliseconds()
		msg := fmt.Sprintf("Connection timed out after %d milliseconds", elapsed)
		if e.state == stateResolving {
			msg = fmt.Sprintf("Resolving timed out after %d milliseconds", elapsed)
		}
		e.fail(errors.NewTransportError(errors.TransportErrorTimeout, msg, nil))
		return true
	}
	return false
}

// deadline returns when the transfer next needs the timer
func (e *Easy) deadline() (time.Time, bool) {
	if e.state == stateDone {
		return time.Time{}, false
	}
	if e.state == stateInit {
		return e.start, true
	}

	var (
		next time.Time
		ok   bool
	)
	consider := func(t time.Time) {
		if !ok || t.Before(next) {
			next, ok = t, true
		}
	}
	if e.opts.Timeout > 0 {
		consider(e.start.Add(e.opts.Timeout))
	}
	if e.opts.ConnectTimeout > 0 && !e.connected() {
		consider(e.connStart.Add(e.opts.ConnectTimeout))
	}
	if e.paused {
		consider(e.pauseUntil)
	}
	return next, ok
}

// onEvent advances the transfer after readiness on its descriptor
func (e *Easy) onEvent(ev Event) {
	if e.paused {
		return
	}
	switch e.state {
	case stateResolving:
		e.onResolved()
	case stateConnecting:
		e.onConnectable()
	case stateSending:
		e.pumpSend()
	case stateReceiving:
		e.pumpRecv()
	}
}

func (e *Easy) watch(fd int, what Action) {
	if e.watchFd >= 0 && e.watchFd != fd {
		e.unwatch()
	}
	if e.watchFd == fd && e.watchWhat == what {
		return
	}
	e.watchFd = fd
	e.watchWhat = what
	e.multi.watch(e, fd, what)
}

func (e *Easy) unwatch() {
	if e.watchFd < 0 {
		return
	}
	fd := e.watchFd
	e.watchFd = -1
	e.multi.unwatch(fd)
}

func (e *Easy) closeConn() {
	if e.res != nil {
		e.res.Close()
		e.res = nil
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
		e.sock = nil
		e.tun = nil
	}
}

func (e *Easy) fail(err error) {
	e.finish(err)
}

func (e *Easy) finish(err error) {
	if e.state == stateDone {
		return
	}
	e.unwatch()
	e.closeConn()
	e.paused = false
	e.state = stateDone
	e.multi.post(Message{Easy: e, Err: err})
}
