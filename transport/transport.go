package transport

import "github.com/ErikMinekus/sm-ripext/errors"

// ErrWouldBlock is returned by non-blocking reads and writes that cannot
// make progress until the descriptor becomes ready again
var ErrWouldBlock = errors.New("operation would block")

// Transport defines the interface for non-blocking network transports.
// Readiness is observed by polling Fd; Read and Write never block.
type Transport interface {
	// Fd returns the descriptor to poll for readiness
	Fd() int

	// Write sends data over the connection
	// Returns the number of bytes written or ErrWouldBlock
	Write(buf []byte) (int, error)

	// Read receives data from the connection
	// Returns the number of bytes read, io.EOF on orderly shutdown,
	// or ErrWouldBlock
	Read(buf []byte) (int, error)

	// Close closes the connection
	Close() error
}
