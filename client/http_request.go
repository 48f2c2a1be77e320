package client

import (
	"strings"
	"time"

	"github.com/ErikMinekus/sm-ripext/engine"
	"github.com/ErikMinekus/sm-ripext/errors"
	"github.com/ErikMinekus/sm-ripext/protocol"
	"github.com/ErikMinekus/sm-ripext/scheduler"
)

// HttpRequest is a one-off request against an absolute URL. Its verbs go
// through the scheduler's immediate path.
type HttpRequest struct {
	sched   Submitter
	url     string
	query   []string
	form    []string
	headers protocol.Headers

	username     string
	password     string
	useBasicAuth bool

	connectTimeout time.Duration
	timeout        time.Duration
	followLocation bool
	maxRedirects   int
	maxSendSpeed   int64
	maxRecvSpeed   int64
}

// NewHttpRequest creates a request for url
func NewHttpRequest(sched Submitter, url string) *HttpRequest {
	return &HttpRequest{
		sched:          sched,
		url:            url,
		connectTimeout: DefaultConnectTimeout,
		timeout:        DefaultTimeout,
		followLocation: true,
		maxRedirects:   DefaultMaxRedirects,
	}
}

func escapePair(name, value string) (string, bool) {
	n, err := engine.Escape(name)
	if err != nil {
		return "", false
	}
	v, err := engine.Escape(value)
	if err != nil {
		return "", false
	}
	return n + "=" + v, true
}

// AppendQueryParam adds a percent-encoded parameter to the query string.
// A parameter that cannot be encoded is skipped.
func (r *HttpRequest) AppendQueryParam(name, value string) {
	if pair, ok := escapePair(name, value); ok {
		r.query = append(r.query, pair)
	}
}

// AppendFormParam adds a percent-encoded field to the form body.
// A field that cannot be encoded is skipped.
func (r *HttpRequest) AppendFormParam(name, value string) {
	if pair, ok := escapePair(name, value); ok {
		r.form = append(r.form, pair)
	}
}

// URL returns the request URL including the query string
func (r *HttpRequest) URL() string {
	if len(r.query) == 0 {
		return r.url
	}
	sep := "?"
	if strings.Contains(r.url, "?") {
		sep = "&"
	}
	return r.url + sep + strings.Join(r.query, "&")
}

// FormData returns the encoded form body
func (r *HttpRequest) FormData() string {
	return strings.Join(r.form, "&")
}

// SetHeader sets a request header, replacing a previous value of the same
// name
func (r *HttpRequest) SetHeader(name, value string) {
	r.headers.Set(name, value)
}

// SetBasicAuth sends credentials with every variant of the request
func (r *HttpRequest) SetBasicAuth(username, password string) {
	r.username = username
	r.password = password
	r.useBasicAuth = true
}

func (r *HttpRequest) ConnectTimeout() time.Duration     { return r.connectTimeout }
func (r *HttpRequest) SetConnectTimeout(d time.Duration) { r.connectTimeout = d }
func (r *HttpRequest) Timeout() time.Duration            { return r.timeout }
func (r *HttpRequest) SetTimeout(d time.Duration)        { r.timeout = d }
func (r *HttpRequest) FollowLocation() bool              { return r.followLocation }
func (r *HttpRequest) SetFollowLocation(follow bool)     { r.followLocation = follow }
func (r *HttpRequest) MaxRedirects() int                 { return r.maxRedirects }
func (r *HttpRequest) SetMaxRedirects(n int)             { r.maxRedirects = n }
func (r *HttpRequest) MaxSendSpeed() int64               { return r.maxSendSpeed }
func (r *HttpRequest) SetMaxSendSpeed(bps int64)         { r.maxSendSpeed = bps }
func (r *HttpRequest) MaxRecvSpeed() int64               { return r.maxRecvSpeed }
func (r *HttpRequest) SetMaxRecvSpeed(bps int64)         { r.maxRecvSpeed = bps }

// build snapshots the request so later changes do not affect it
func (r *HttpRequest) build(method protocol.HttpMethod, accept, contentType string) scheduler.Request {
	var h protocol.Headers
	h.Set("Accept", accept)
	h.Set("Content-Type", contentType)
	h.Merge(r.headers)

	req := scheduler.Request{
		Method:         method,
		URL:            r.URL(),
		Headers:        h,
		ConnectTimeout: r.connectTimeout,
		Timeout:        r.timeout,
		FollowLocation: r.followLocation,
		MaxRedirects:   r.maxRedirects,
		MaxSendSpeed:   r.maxSendSpeed,
		MaxRecvSpeed:   r.maxRecvSpeed,
	}
	if r.useBasicAuth {
		req.Username = r.username
		req.Password = r.password
	}
	return req
}

func (r *HttpRequest) perform(method protocol.HttpMethod, body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	req := r.build(method, jsonType, jsonType)
	if method.HasBody() {
		data, err := encodeJSON(body)
		if err != nil {
			return nil, err
		}
		req.Body = data
	}

	tok := scheduler.NewResponseToken(cb)
	r.sched.SubmitImmediate(scheduler.NewRequest(req, tok, value))
	return tok, nil
}

func (r *HttpRequest) Get(cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return r.perform(protocol.MethodGet, nil, cb, value)
}

// Post sends body encoded as JSON
func (r *HttpRequest) Post(body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return r.perform(protocol.MethodPost, body, cb, value)
}

// Put sends body encoded as JSON
func (r *HttpRequest) Put(body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return r.perform(protocol.MethodPut, body, cb, value)
}

// Patch sends body encoded as JSON
func (r *HttpRequest) Patch(body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return r.perform(protocol.MethodPatch, body, cb, value)
}

func (r *HttpRequest) Delete(cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return r.perform(protocol.MethodDelete, nil, cb, value)
}

// PostForm posts the fields added with AppendFormParam
func (r *HttpRequest) PostForm(cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	req := r.build(protocol.MethodPost, jsonType, formType)
	tok := scheduler.NewResponseToken(cb)
	r.sched.SubmitImmediate(scheduler.NewFormPost(req, r.FormData(), tok, value))
	return tok, nil
}

// DownloadFile stores the response body at path
func (r *HttpRequest) DownloadFile(path string, cb scheduler.StatusFunc, value any) (*scheduler.Token, error) {
	return r.file(path, scheduler.Download, cb, value)
}

// UploadFile PUTs the file at path
func (r *HttpRequest) UploadFile(path string, cb scheduler.StatusFunc, value any) (*scheduler.Token, error) {
	return r.file(path, scheduler.Upload, cb, value)
}

func (r *HttpRequest) file(path string, dir scheduler.Direction, cb scheduler.StatusFunc, value any) (*scheduler.Token, error) {
	if path == "" {
		return nil, errors.NewInvalidArgumentError("file path must not be empty")
	}
	method := protocol.MethodGet
	if dir == scheduler.Upload {
		method = protocol.MethodPut
	}
	req := r.build(method, "*/*", binaryType)

	tok := scheduler.NewStatusToken(cb)
	r.sched.SubmitImmediate(scheduler.NewFileTransfer(req, path, dir, tok, value))
	return tok, nil
}
