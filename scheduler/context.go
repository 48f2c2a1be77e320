package scheduler

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/ErikMinekus/sm-ripext/config"
	"github.com/ErikMinekus/sm-ripext/engine"
	"github.com/ErikMinekus/sm-ripext/errors"
	"github.com/ErikMinekus/sm-ripext/protocol"
	"github.com/ErikMinekus/sm-ripext/transport"
)

// ErrorSize is the capacity of a context's error slot, terminator included
const ErrorSize = 256

// Kind selects the transfer variant
type Kind int

const (
	KindRequest Kind = iota
	KindFile
	KindForm
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindFile:
		return "file"
	case KindForm:
		return "form"
	default:
		return "unknown"
	}
}

// Direction of a file transfer
type Direction int

const (
	Download Direction = iota
	Upload
)

// Request describes one transfer. It must not change once submitted.
type Request struct {
	Method  protocol.HttpMethod
	URL     string
	Headers protocol.Headers
	Body    []byte

	Username string
	Password string

	ConnectTimeout time.Duration
	Timeout        time.Duration
	FollowLocation bool
	// MaxRedirects caps followed redirects, negative is unlimited
	MaxRedirects int

	// Bytes per second, 0 is unlimited
	MaxSendSpeed int64
	MaxRecvSpeed int64
}

// Context carries one transfer from submission to delivery. It belongs to
// the foreground until submitted, to the background thread from admission
// to completion, then to the foreground again until Deliver.
type Context struct {
	kind  Kind
	req   Request
	token *Token
	value any

	// file transfers
	path      string
	direction Direction
	file      *transport.FileTransport

	easy    *engine.Easy
	bodyPos int

	status   int
	headers  map[string]string
	body     *Buffer
	errBuf   [ErrorSize]byte
	errLen   int
	response *Response

	admitted  bool
	delivered bool
	destroyed bool

	span      trace.Span
	submitted time.Time
	started   time.Time
}

// NewRequest creates an in-memory request whose result goes to a
// ResponseFunc token
func NewRequest(req Request, token *Token, value any) *Context {
	return &Context{kind: KindRequest, req: req, token: token, value: value}
}

// NewFormPost creates a POST of an already encoded form body
func NewFormPost(req Request, form string, token *Token, value any) *Context {
	req.Method = protocol.MethodPost
	req.Body = []byte(form)
	if _, ok := req.Headers.Get("Content-Type"); !ok {
		req.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return &Context{kind: KindForm, req: req, token: token, value: value}
}

// NewFileTransfer creates a transfer streaming to or from a local file.
// Relative paths are resolved against the configured file root. The token
// must be a StatusFunc token.
func NewFileTransfer(req Request, path string, dir Direction, token *Token, value any) *Context {
	req.Body = nil
	return &Context{
		kind:      KindFile,
		req:       req,
		token:     token,
		value:     value,
		path:      path,
		direction: dir,
	}
}

// Kind returns the variant
func (c *Context) Kind() Kind {
	return c.kind
}

// Request returns the request the context was built from
func (c *Context) Request() *Request {
	return &c.req
}

// Status returns the response status once the transfer finished
func (c *Context) Status() int {
	return c.status
}

// Error returns the error text, empty on success
func (c *Context) Error() string {
	return string(c.errBuf[:c.errLen])
}

// setError stores msg truncated to the slot, keeping whole UTF-8 sequences
func (c *Context) setError(msg string) {
	b := []byte(msg)
	if len(b) > ErrorSize-1 {
		b = b[:ErrorSize-1]
		for len(b) > 0 && !utf8.Valid(b) {
			b = b[:len(b)-1]
		}
	}
	c.errLen = copy(c.errBuf[:], b)
	c.errBuf[c.errLen] = 0
}

// Prepare creates and configures the engine handle. It runs on the
// background thread right before admission, at most once.
func (c *Context) Prepare(cfg *config.Config) error {
	if c.admitted {
		return errors.NewInvalidArgumentError("transfer context already admitted")
	}
	c.admitted = true

	opts := engine.Options{
		Method:         c.req.Method.String(),
		URL:            c.req.URL,
		Header:         c.req.Headers.Lines(),
		OnHeader:       c.onHeader,
		ConnectTimeout: c.req.ConnectTimeout,
		Timeout:        c.req.Timeout,
		FollowLocation: c.req.FollowLocation,
		MaxRedirects:   c.req.MaxRedirects,
		MaxSendSpeed:   c.req.MaxSendSpeed,
		MaxRecvSpeed:   c.req.MaxRecvSpeed,
		Username:       c.req.Username,
		Password:       c.req.Password,
		CAInfo:         cfg.CABundlePath,
		UserAgent:      cfg.UserAgent,
		Private:        c,
	}
	c.headers = make(map[string]string)

	switch c.kind {
	case KindRequest, KindForm:
		c.body = NewBuffer(cfg.MaxResponseSize)
		opts.Write = c.body.Write
		if c.req.Method.HasBody() {
			opts.Body = c.readBody
			opts.Seek = c.seekBody
			opts.BodySize = int64(len(c.req.Body))
		}

	case KindFile:
		if err := c.openFile(cfg, &opts); err != nil {
			return err
		}

	default:
		return errors.NewInvalidArgumentError(fmt.Sprintf("unknown transfer kind %d", c.kind))
	}

	c.easy = engine.NewEasy(opts)
	return nil
}

func (c *Context) openFile(cfg *config.Config, opts *engine.Options) error {
	path := cfg.ResolvePath(c.path)
	mode := transport.FileWrite
	if c.direction == Upload {
		mode = transport.FileRead
	}

	file, err := transport.OpenFile(path, mode)
	if err != nil {
		return err
	}
	c.file = file

	if c.direction == Download {
		opts.Write = c.writeFile
		return nil
	}

	size, err := file.Size()
	if err != nil {
		c.closeFile()
		return err
	}
	opts.Method = protocol.MethodPut.String()
	if c.req.Method.HasBody() {
		opts.Method = c.req.Method.String()
	}
	opts.Body = c.readFile
	opts.Seek = c.seekFile
	opts.BodySize = size
	opts.Write = discard
	return nil
}

func discard(p []byte) int {
	return len(p)
}

func (c *Context) readBody(p []byte) (int, error) {
	if c.bodyPos >= len(c.req.Body) {
		return 0, io.EOF
	}
	n := copy(p, c.req.Body[c.bodyPos:])
	c.bodyPos += n
	return n, nil
}

func (c *Context) seekBody(offset int64) error {
	if offset < 0 || offset > int64(len(c.req.Body)) {
		return errors.NewInvalidArgumentError("seek outside request body")
	}
	c.bodyPos = int(offset)
	return nil
}

func (c *Context) readFile(p []byte) (int, error) {
	return c.file.Read(p)
}

func (c *Context) seekFile(offset int64) error {
	_, err := c.file.Seek(offset, io.SeekStart)
	return err
}

func (c *Context) writeFile(p []byte) int {
	n, err := c.file.Write(p)
	if err != nil {
		return 0
	}
	return n
}

// onHeader stores "Name: value" lines under the lower-cased name. Status
// lines and anything else without the separator are ignored.
func (c *Context) onHeader(line []byte) int {
	n := len(line)
	line = bytes.TrimRight(line, "\r\n")

	name, value, ok := bytes.Cut(line, []byte(": "))
	if ok {
		c.headers[strings.ToLower(string(name))] = string(value)
	}
	return n
}

// complete records the engine's result. Runs on the background thread
// after the handle left the engine.
func (c *Context) complete(msg engine.Message) {
	c.status = msg.Easy.ResponseCode()
	if msg.Err != nil {
		c.setError(msg.Err.Error())
	}
	msg.Easy.Cleanup()
	c.easy = nil
}

// Deliver hands the result to the token's callback if anyone is still
// interested, then destroys the context. Runs on the foreground; later
// calls do nothing.
func (c *Context) Deliver() {
	if c.delivered || c.destroyed {
		return
	}
	c.delivered = true
	defer c.destroy()

	if c.token == nil || !c.token.Interested() {
		return
	}

	switch c.kind {
	case KindRequest, KindForm:
		if c.token.onResponse == nil {
			return
		}
		c.response = newResponse(c.status, c.headers, c.body)
		c.token.onResponse(c.response, c.value, c.Error())

	case KindFile:
		// flush and close before the callback looks at the file
		c.closeFile()
		if c.token.onStatus != nil {
			c.token.onStatus(c.status, c.value, c.Error())
		}
	}
}

// destroy releases everything the context owns
func (c *Context) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true

	if c.easy != nil {
		c.easy.Cleanup()
		c.easy = nil
	}
	c.closeFile()
	if c.response != nil {
		c.response.invalidate()
		c.response = nil
	}
	if c.body != nil {
		c.body.Release()
		c.body = nil
	}
	c.headers = nil
	c.req.Body = nil

	if c.token != nil {
		c.token.done()
	}
	if c.span != nil {
		c.span.End()
		c.span = nil
	}
}

func (c *Context) closeFile() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}
