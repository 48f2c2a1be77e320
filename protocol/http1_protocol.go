package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// MaxHeaderLine bounds a single status, header or chunk-size line
const MaxHeaderLine = 100 * 1024

var crlf = []byte("\r\n")

// AppendRequest formats the request head into dst and returns the extended
// slice. Host, Content-Length and Transfer-Encoding are emitted here unless
// the caller already supplied them.
func AppendRequest(dst []byte, req *HttpRequest) []byte {
	dst = append(dst, req.Method...)
	dst = append(dst, ' ')
	dst = append(dst, req.Target...)
	dst = append(dst, " HTTP/1.1\r\n"...)

	has := func(name string) bool {
		for _, h := range req.Headers {
			if strings.EqualFold(h.Key, name) {
				return true
			}
		}
		return false
	}

	if !has("Host") {
		dst = appendHeader(dst, "Host", req.Host)
	}
	for _, h := range req.Headers {
		dst = appendHeader(dst, h.Key, h.Value)
	}

	switch {
	case req.ContentLength < 0:
		if !has("Transfer-Encoding") {
			dst = appendHeader(dst, "Transfer-Encoding", "chunked")
		}
	case req.ContentLength > 0 || req.ForceLength:
		if !has("Content-Length") {
			dst = appendHeader(dst, "Content-Length", strconv.FormatInt(req.ContentLength, 10))
		}
	}

	return append(dst, crlf...)
}

func appendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, crlf...)
}

// AppendChunk frames p as one chunk of a chunked request body. An empty p
// produces the terminating zero-length chunk.
func AppendChunk(dst, p []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(p)), 16)
	dst = append(dst, crlf...)
	dst = append(dst, p...)
	return append(dst, crlf...)
}

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
	stateDone
)

// ResponseHandler receives the pieces of a response as they are parsed.
// Any callback may be nil. An error returned from a callback stops parsing
// and is returned from Feed unchanged.
type ResponseHandler struct {
	// HeaderLine gets every raw line of the head, CRLF included: the status
	// line, each header line and the terminating blank line. Interim 1xx
	// responses are reported too.
	HeaderLine func(line []byte) error
	// HeadersDone runs once the final response head has been parsed.
	HeadersDone func() error
	// Body gets decoded body bytes.
	Body func(p []byte) error
}

// ResponseParser is an incremental HTTP/1.1 response parser. Bytes are
// pushed in with Feed as they arrive from the socket, in pieces of any size.
type ResponseParser struct {
	handler ResponseHandler
	state   parseState
	pending []byte

	StatusCode    int
	StatusMessage string
	Headers       Headers

	contentLength int64
	chunked       bool
	remaining     int64
	noBody        bool
}

// NewResponseParser creates a parser delivering to h
func NewResponseParser(h ResponseHandler) *ResponseParser {
	return &ResponseParser{
		handler:       h,
		contentLength: -1,
	}
}

// SkipBody marks the response as carrying no body, as for HEAD requests
func (p *ResponseParser) SkipBody() {
	p.noBody = true
}

// Done reports whether a complete response has been parsed
func (p *ResponseParser) Done() bool {
	return p.state == stateDone
}

// HeadersComplete reports whether the final response head has been parsed
func (p *ResponseParser) HeadersComplete() bool {
	return p.state >= stateBody
}

// ContentLength returns the announced body length, or -1
func (p *ResponseParser) ContentLength() int64 {
	return p.contentLength
}

// Feed parses data. It returns true once the response is complete; bytes
// after the end of the response are ignored.
func (p *ResponseParser) Feed(data []byte) (bool, error) {
	for len(data) > 0 && p.state != stateDone {
		switch p.state {
		case stateStatusLine, stateHeaders, stateChunkSize, stateChunkDataEnd, stateTrailers:
			line, rest, ok, err := p.nextLine(data)
			if err != nil {
				return false, err
			}
			data = rest
			if !ok {
				return false, nil
			}
			if err := p.handleLine(line); err != nil {
				return false, err
			}

		case stateBody:
			n := len(data)
			if p.remaining >= 0 && int64(n) > p.remaining {
				n = int(p.remaining)
			}
			if err := p.emitBody(data[:n]); err != nil {
				return false, err
			}
			data = data[n:]
			if p.remaining >= 0 {
				p.remaining -= int64(n)
				if p.remaining == 0 {
					p.state = stateDone
				}
			}

		case stateChunkData:
			n := len(data)
			if int64(n) > p.remaining {
				n = int(p.remaining)
			}
			if err := p.emitBody(data[:n]); err != nil {
				return false, err
			}
			data = data[n:]
			p.remaining -= int64(n)
			if p.remaining == 0 {
				p.state = stateChunkDataEnd
			}
		}
	}
	return p.state == stateDone, nil
}

// Finish is called when the peer closed the connection. A close-delimited
// body completes here; anything else is an incomplete response.
func (p *ResponseParser) Finish() error {
	if p.state == stateDone {
		return nil
	}
	if p.state == stateBody && p.remaining < 0 {
		p.state = stateDone
		return nil
	}
	if p.state == stateStatusLine && len(p.pending) == 0 && p.StatusCode == 0 {
		return errors.NewProtocolError(
			errors.ProtocolErrorIncompleteResponse,
			"Empty reply from server",
		)
	}
	return errors.NewProtocolError(
		errors.ProtocolErrorIncompleteResponse,
		"transfer closed with outstanding read data remaining",
	)
}

// nextLine splits one CRLF (or bare LF) terminated line off data. The
// returned line keeps its terminator. Partial lines are buffered.
func (p *ResponseParser) nextLine(data []byte) (line, rest []byte, ok bool, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if len(p.pending)+len(data) > MaxHeaderLine {
			return nil, nil, false, errors.NewProtocolError(
				errors.ProtocolErrorMessageTooLarge,
				"header line exceeds maximum allowed size",
			)
		}
		p.pending = append(p.pending, data...)
		return nil, nil, false, nil
	}

	if len(p.pending) > 0 {
		p.pending = append(p.pending, data[:idx+1]...)
		line = p.pending
		p.pending = nil
	} else {
		line = data[:idx+1]
	}
	if len(line) > MaxHeaderLine {
		return nil, nil, false, errors.NewProtocolError(
			errors.ProtocolErrorMessageTooLarge,
			"header line exceeds maximum allowed size",
		)
	}
	return line, data[idx+1:], true, nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

func (p *ResponseParser) handleLine(raw []byte) error {
	line := trimEOL(raw)

	switch p.state {
	case stateStatusLine:
		if err := p.parseStatusLine(line); err != nil {
			return err
		}
		p.state = stateHeaders
		return p.emitHeader(raw)

	case stateHeaders:
		if err := p.emitHeader(raw); err != nil {
			return err
		}
		if len(line) == 0 {
			return p.endOfHead()
		}
		return p.parseHeader(line)

	case stateChunkSize:
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(line)), 16, 64)
		if err != nil || size < 0 {
			return errors.NewProtocolError(
				errors.ProtocolErrorInvalidChunkedEncoding,
				"invalid chunk size",
			)
		}
		if size == 0 {
			p.state = stateTrailers
			return nil
		}
		p.remaining = size
		p.state = stateChunkData
		return nil

	case stateChunkDataEnd:
		if len(line) != 0 {
			return errors.NewProtocolError(
				errors.ProtocolErrorInvalidChunkedEncoding,
				"missing CRLF after chunk data",
			)
		}
		p.state = stateChunkSize
		return nil

	case stateTrailers:
		if len(line) == 0 {
			p.state = stateDone
		}
		return nil
	}
	return nil
}

func (p *ResponseParser) parseStatusLine(line []byte) error {
	// HTTP/1.x SP 3DIGIT [SP reason]
	if !bytes.HasPrefix(line, []byte("HTTP/1.")) {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidStatusLine,
			"Unsupported HTTP version in response",
		)
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 || len(parts[1]) != 3 {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidStatusLine,
			"invalid status line format",
		)
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil || code < 100 {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidStatusLine,
			fmt.Sprintf("invalid status code: %s", parts[1]),
		)
	}

	p.StatusCode = code
	p.StatusMessage = ""
	if len(parts) == 3 {
		p.StatusMessage = string(parts[2])
	}
	p.Headers = Headers{}
	p.contentLength = -1
	p.chunked = false
	return nil
}

func (p *ResponseParser) parseHeader(line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidHeader,
			"malformed header line",
		)
	}
	key := string(bytes.TrimSpace(line[:colon]))
	value := string(bytes.TrimSpace(line[colon+1:]))
	p.Headers.Set(key, value)

	switch {
	case strings.EqualFold(key, "Content-Length"):
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return errors.NewProtocolError(
				errors.ProtocolErrorInvalidHeader,
				fmt.Sprintf("invalid Content-Length: %s", value),
			)
		}
		p.contentLength = n
	case strings.EqualFold(key, "Transfer-Encoding"):
		if strings.Contains(strings.ToLower(value), "chunked") {
			p.chunked = true
		}
	}
	return nil
}

func (p *ResponseParser) endOfHead() error {
	// Interim responses are followed by the real one; 101 is not supported
	if p.StatusCode >= 100 && p.StatusCode < 200 && p.StatusCode != 101 {
		p.state = stateStatusLine
		return nil
	}

	if p.handler.HeadersDone != nil {
		if err := p.handler.HeadersDone(); err != nil {
			return err
		}
	}

	switch {
	case p.noBody || p.StatusCode == 204 || p.StatusCode == 304:
		p.state = stateDone
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength == 0:
		p.state = stateDone
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBody
	default:
		p.remaining = -1
		p.state = stateBody
	}
	return nil
}

func (p *ResponseParser) emitHeader(raw []byte) error {
	if p.handler.HeaderLine == nil {
		return nil
	}
	return p.handler.HeaderLine(raw)
}

func (p *ResponseParser) emitBody(b []byte) error {
	if p.handler.Body == nil || len(b) == 0 {
		return nil
	}
	return p.handler.Body(b)
}
