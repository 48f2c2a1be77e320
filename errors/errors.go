package errors

import "fmt"

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorTransport
	ErrorProtocol
	ErrorInvalidArgument
	ErrorMemory
	ErrorSetup
	ErrorDecode
)

// TransportError represents transport-layer specific errors
type TransportError int

const (
	TransportErrorNone TransportError = iota
	TransportErrorSocketCreateFailure
	TransportErrorSocketConnectFailure
	TransportErrorSocketReadFailure
	TransportErrorSocketWriteFailure
	TransportErrorConnectionClosed
	TransportErrorDnsFailure
	TransportErrorTimeout
	TransportErrorIoUringInit
	TransportErrorIoUringSubmit
	TransportErrorTlsFailure
	TransportErrorTooManyRedirects
	TransportErrorWriteCallback
	TransportErrorReadCallback
	TransportErrorRewindFailure
	TransportErrorFileOpenFailure
	TransportErrorAborted
)

// ProtocolError represents protocol-layer specific errors
type ProtocolError int

const (
	ProtocolErrorNone ProtocolError = iota
	ProtocolErrorInvalidStatusLine
	ProtocolErrorInvalidHeader
	ProtocolErrorInvalidChunkedEncoding
	ProtocolErrorMessageTooLarge
	ProtocolErrorIncompleteResponse
	ProtocolErrorInvalidURL
	ProtocolErrorUnsupportedScheme
)

// HttpError is the main error type for the HTTP client
type HttpError struct {
	Type          ErrorType
	TransportErr  TransportError
	ProtocolErr   ProtocolError
	Message       string
	UnderlyingErr error
}

// Error implements the error interface. The text is what callbacks receive
// in their error parameter, so it leads with the message rather than the
// error category.
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	msg := e.Message
	if msg == "" {
		msg = e.typeString()
	}

	if e.UnderlyingErr != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.UnderlyingErr)
	}

	return msg
}

func (e *HttpError) typeString() string {
	switch e.Type {
	case ErrorTransport:
		return fmt.Sprintf("Transport error (%d)", e.TransportErr)
	case ErrorProtocol:
		return fmt.Sprintf("Protocol error (%d)", e.ProtocolErr)
	case ErrorInvalidArgument:
		return "Invalid argument"
	case ErrorMemory:
		return "Memory error"
	case ErrorSetup:
		return "Setup error"
	case ErrorDecode:
		return "Decode error"
	default:
		return "Unknown error"
	}
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// Is matches another *HttpError with the same type and codes, so callers
// can compare against a template with errors.Is.
func (e *HttpError) Is(target error) bool {
	t, ok := target.(*HttpError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Type == t.Type && e.TransportErr == t.TransportErr && e.ProtocolErr == t.ProtocolErr
}

// NewTransportError creates a new transport error
func NewTransportError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTransport,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(err ProtocolError, message string) *HttpError {
	return &HttpError{
		Type:        ErrorProtocol,
		ProtocolErr: err,
		Message:     message,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// NewMemoryError creates a new resource exhaustion error
func NewMemoryError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorMemory,
		Message: message,
	}
}

// NewSetupError creates an error for a transfer that could not be prepared
func NewSetupError(message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorSetup,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewDecodeError creates an error for a body that failed to decode
func NewDecodeError(message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorDecode,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// IsTransport reports whether err is a transport error with the given code
func IsTransport(err error, code TransportError) bool {
	var httpErr *HttpError
	if !As(err, &httpErr) {
		return false
	}
	return httpErr.Type == ErrorTransport && httpErr.TransportErr == code
}

// IsProtocol reports whether err is a protocol error with the given code
func IsProtocol(err error, code ProtocolError) bool {
	var httpErr *HttpError
	if !As(err, &httpErr) {
		return false
	}
	return httpErr.Type == ErrorProtocol && httpErr.ProtocolErr == code
}
