package transport

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// Socket is a non-blocking TCP socket
type Socket struct {
	fd        int
	addr      string
	connected bool
}

var _ Transport = (*Socket)(nil)

// Dial creates a socket and starts a non-blocking connect to ip:port. The
// connect usually completes later; poll for writability and then call
// FinishConnect.
func Dial(ip net.IP, port int) (*Socket, error) {
	addr := net.JoinHostPort(ip.String(), fmt.Sprint(port))

	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		family, sa = unix.AF_INET, sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		family, sa = unix.AF_INET6, sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	// Set TCP_NODELAY
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to set TCP_NODELAY",
			err,
		)
	}

	s := &Socket{fd: fd, addr: addr}
	switch err := unix.Connect(fd, sa); err {
	case nil:
		s.connected = true
	case unix.EINPROGRESS, unix.EINTR:
	default:
		unix.Close(fd)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s", addr),
			err,
		)
	}
	return s, nil
}

// Fd returns the socket descriptor
func (s *Socket) Fd() int {
	return s.fd
}

// Connected reports whether the connect has completed successfully
func (s *Socket) Connected() bool {
	return s.connected
}

// FinishConnect collects the outcome of a pending connect once the socket
// reported writable
func (s *Socket) FinishConnect() error {
	if s.connected {
		return nil
	}
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s", s.addr),
			err,
		)
	}
	if v != 0 {
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s", s.addr),
			syscall.Errno(v),
		)
	}
	s.connected = true
	return nil
}

// Write sends data without blocking
func (s *Socket) Write(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketWriteFailure,
			"not connected",
			nil,
		)
	}

	n, err := unix.SendmsgN(s.fd, buf, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketWriteFailure,
			"write failed",
			err,
		)
	}
	return n, nil
}

// Read receives data without blocking
func (s *Socket) Read(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			"not connected",
			nil,
		)
	}

	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			"read failed",
			err,
		)
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Close closes the socket
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		return errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"failed to close socket",
			err,
		)
	}
	return nil
}
