package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// DecodeError locates a malformed response body
type DecodeError struct {
	Line    int
	Column  int
	Message string

	err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid JSON in line %d, column %d: %s", e.Line, e.Column, e.Message)
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

// Response is the view of a finished transfer handed to a ResponseFunc.
// It is invalidated once the callback returns.
type Response struct {
	status  int
	headers map[string]string
	body    *Buffer

	decoded   bool
	data      any
	decodeErr error

	valid bool
}

func newResponse(status int, headers map[string]string, body *Buffer) *Response {
	return &Response{status: status, headers: headers, body: body, valid: true}
}

// Status returns the HTTP status code, 0 when no response arrived
func (r *Response) Status() int {
	return r.status
}

// Header looks a header up by case-insensitive name
func (r *Response) Header(name string) (string, bool) {
	if !r.valid {
		return "", false
	}
	v, ok := r.headers[strings.ToLower(name)]
	return v, ok
}

// Headers returns a copy of the headers keyed by lower-case name
func (r *Response) Headers() map[string]string {
	if !r.valid {
		return nil
	}
	return maps.Clone(r.headers)
}

// Body returns the raw body
func (r *Response) Body() []byte {
	if !r.valid || r.body == nil {
		return nil
	}
	return r.body.Bytes()
}

// Data decodes the body as JSON on first use and returns the same value on
// every later call. Numbers are kept as json.Number.
func (r *Response) Data() (any, error) {
	if !r.valid {
		return nil, errors.NewInvalidArgumentError("response is no longer valid")
	}
	if !r.decoded {
		r.decoded = true
		r.data, r.decodeErr = decodeJSON(r.Body())
	}
	return r.data, r.decodeErr
}

func (r *Response) invalidate() {
	r.valid = false
	r.data = nil
	r.decodeErr = nil
	r.headers = nil
	r.body = nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, newDecodeError(data, err)
	}

	off := int(dec.InputOffset())
	rest := bytes.TrimLeft(data[off:], " \t\r\n")
	if len(rest) > 0 {
		return nil, decodeErrorAt(data, len(data)-len(rest)+1, "end of file expected", nil)
	}
	return v, nil
}

func newDecodeError(data []byte, err error) *DecodeError {
	var syntax *json.SyntaxError
	switch {
	case errors.As(err, &syntax):
		return decodeErrorAt(data, int(syntax.Offset), syntax.Error(), err)
	case err == io.EOF, err == io.ErrUnexpectedEOF:
		return decodeErrorAt(data, len(data), "unexpected end of JSON input", err)
	default:
		return decodeErrorAt(data, len(data), err.Error(), err)
	}
}

// decodeErrorAt converts the byte count consumed when decoding failed into
// a 1-based line and the column of the last consumed byte
func decodeErrorAt(data []byte, offset int, msg string, cause error) *DecodeError {
	if offset > len(data) {
		offset = len(data)
	}
	consumed := data[:offset]
	line := 1 + bytes.Count(consumed, []byte{'\n'})
	column := offset - bytes.LastIndexByte(consumed, '\n') - 1

	return &DecodeError{
		Line:    line,
		Column:  column,
		Message: msg,
		err:     errors.NewDecodeError(msg, cause),
	}
}
