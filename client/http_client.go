// Package client builds transfers for the scheduler. Everything here runs
// on the foreground and is not safe for concurrent use.
package client

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ErikMinekus/sm-ripext/errors"
	"github.com/ErikMinekus/sm-ripext/protocol"
	"github.com/ErikMinekus/sm-ripext/scheduler"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRedirects   = 5

	jsonType   = "application/json"
	binaryType = "application/octet-stream"
	formType   = "application/x-www-form-urlencoded"
)

// Submitter accepts contexts for admission. *scheduler.Scheduler
// implements it.
type Submitter interface {
	Submit(c *scheduler.Context)
	SubmitImmediate(c *scheduler.Context)
}

// HttpClient sends requests relative to a base URL
type HttpClient struct {
	sched   Submitter
	baseURL string
	headers protocol.Headers

	connectTimeout time.Duration
	timeout        time.Duration
	followLocation bool
	maxSendSpeed   int64
	maxRecvSpeed   int64
}

// NewHttpClient creates a client for baseURL
func NewHttpClient(sched Submitter, baseURL string) *HttpClient {
	return &HttpClient{
		sched:          sched,
		baseURL:        baseURL,
		connectTimeout: DefaultConnectTimeout,
		timeout:        DefaultTimeout,
		followLocation: true,
	}
}

// BaseURL returns the URL endpoints are resolved against
func (c *HttpClient) BaseURL() string {
	return c.baseURL
}

// SetHeader sets a header sent with every request, replacing a previous
// value of the same name
func (c *HttpClient) SetHeader(name, value string) {
	c.headers.Set(name, value)
}

func (c *HttpClient) ConnectTimeout() time.Duration     { return c.connectTimeout }
func (c *HttpClient) SetConnectTimeout(d time.Duration) { c.connectTimeout = d }
func (c *HttpClient) Timeout() time.Duration            { return c.timeout }
func (c *HttpClient) SetTimeout(d time.Duration)        { c.timeout = d }
func (c *HttpClient) FollowLocation() bool              { return c.followLocation }
func (c *HttpClient) SetFollowLocation(follow bool)     { c.followLocation = follow }
func (c *HttpClient) MaxSendSpeed() int64               { return c.maxSendSpeed }
func (c *HttpClient) SetMaxSendSpeed(bps int64)         { c.maxSendSpeed = bps }
func (c *HttpClient) MaxRecvSpeed() int64               { return c.maxRecvSpeed }
func (c *HttpClient) SetMaxRecvSpeed(bps int64)         { c.maxRecvSpeed = bps }

// BuildURL joins the base URL and endpoint with exactly one slash
func (c *HttpClient) BuildURL(endpoint string) string {
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// buildHeaders puts the content headers first; client headers override them
func (c *HttpClient) buildHeaders(accept, contentType string) protocol.Headers {
	var h protocol.Headers
	h.Set("Accept", accept)
	h.Set("Content-Type", contentType)
	h.Merge(c.headers)
	return h
}

func (c *HttpClient) request(method protocol.HttpMethod, endpoint string) scheduler.Request {
	return scheduler.Request{
		Method:         method,
		URL:            c.BuildURL(endpoint),
		ConnectTimeout: c.connectTimeout,
		Timeout:        c.timeout,
		FollowLocation: c.followLocation,
		MaxRedirects:   -1,
		MaxSendSpeed:   c.maxSendSpeed,
		MaxRecvSpeed:   c.maxRecvSpeed,
	}
}

func (c *HttpClient) perform(method protocol.HttpMethod, endpoint string, body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	req := c.request(method, endpoint)
	req.Headers = c.buildHeaders(jsonType, jsonType)

	if method.HasBody() {
		data, err := encodeJSON(body)
		if err != nil {
			return nil, err
		}
		req.Body = data
	}

	tok := scheduler.NewResponseToken(cb)
	c.sched.Submit(scheduler.NewRequest(req, tok, value))
	return tok, nil
}

// Get requests endpoint. The token lets the caller drop interest before
// the callback runs.
func (c *HttpClient) Get(endpoint string, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return c.perform(protocol.MethodGet, endpoint, nil, cb, value)
}

// Post sends body encoded as JSON
func (c *HttpClient) Post(endpoint string, body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return c.perform(protocol.MethodPost, endpoint, body, cb, value)
}

// Put sends body encoded as JSON
func (c *HttpClient) Put(endpoint string, body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return c.perform(protocol.MethodPut, endpoint, body, cb, value)
}

// Patch sends body encoded as JSON
func (c *HttpClient) Patch(endpoint string, body any, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return c.perform(protocol.MethodPatch, endpoint, body, cb, value)
}

func (c *HttpClient) Delete(endpoint string, cb scheduler.ResponseFunc, value any) (*scheduler.Token, error) {
	return c.perform(protocol.MethodDelete, endpoint, nil, cb, value)
}

// DownloadFile stores the response body of endpoint at path
func (c *HttpClient) DownloadFile(endpoint, path string, cb scheduler.StatusFunc, value any) (*scheduler.Token, error) {
	return c.file(endpoint, path, scheduler.Download, cb, value)
}

// UploadFile PUTs the file at path to endpoint
func (c *HttpClient) UploadFile(endpoint, path string, cb scheduler.StatusFunc, value any) (*scheduler.Token, error) {
	return c.file(endpoint, path, scheduler.Upload, cb, value)
}

func (c *HttpClient) file(endpoint, path string, dir scheduler.Direction, cb scheduler.StatusFunc, value any) (*scheduler.Token, error) {
	if path == "" {
		return nil, errors.NewInvalidArgumentError("file path must not be empty")
	}
	method := protocol.MethodGet
	if dir == scheduler.Upload {
		method = protocol.MethodPut
	}
	req := c.request(method, endpoint)
	req.Headers = c.buildHeaders("*/*", binaryType)

	tok := scheduler.NewStatusToken(cb)
	c.sched.Submit(scheduler.NewFileTransfer(req, path, dir, tok, value))
	return tok, nil
}

// encodeJSON turns a request body into bytes. nil sends an empty body,
// []byte and json.RawMessage are sent as they are.
func encodeJSON(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("failed to encode request body: " + err.Error())
	}
	return data, nil
}
