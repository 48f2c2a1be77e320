package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// Tunnel carries a TLS connection through a local socket pair. A helper
// goroutine owns the TLS session and pumps plaintext to and from the pair;
// the engine only ever sees a plain non-blocking descriptor.
type Tunnel struct {
	sock   *Socket
	cancel context.CancelFunc

	established atomic.Bool

	mu  sync.Mutex
	err error
}

var _ Transport = (*Tunnel)(nil)

// LoadRootCAs reads a PEM bundle. An empty path selects the system pool.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorTlsFailure,
			fmt.Sprintf("error setting certificate file: %s", path),
			err,
		)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.NewTransportError(
			errors.TransportErrorTlsFailure,
			fmt.Sprintf("error setting certificate file: %s", path),
			nil,
		)
	}
	return pool, nil
}

// DialTLS starts a TLS connection to ip:port verified against serverName.
// The returned tunnel is usable immediately; writes are buffered by the
// pair until the handshake completes.
func DialTLS(ip net.IP, port int, serverName string, roots *x509.CertPool) (*Tunnel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create tunnel socket pair",
			err,
		)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to set non-blocking mode",
			err,
		)
	}

	f := os.NewFile(uintptr(fds[1]), "tunnel")
	local, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[0])
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to wrap tunnel socket",
			err,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		sock:   &Socket{fd: fds[0], addr: serverName, connected: true},
		cancel: cancel,
	}

	addr := net.JoinHostPort(ip.String(), fmt.Sprint(port))
	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName: serverName,
			RootCAs:    roots,
			MinVersion: tls.VersionTLS12,
		},
	}
	go t.run(ctx, dialer, addr, local)

	return t, nil
}

func (t *Tunnel) run(ctx context.Context, dialer *tls.Dialer, addr string, local net.Conn) {
	defer local.Close()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		// recorded before local closes so the engine side never sees the
		// bare hangup
		t.fail(classifyDialError(addr, err))
		return
	}
	defer conn.Close()
	t.established.Store(true)

	go func() {
		io.Copy(conn, local)
		conn.Close()
	}()
	io.Copy(local, conn)
}

func (t *Tunnel) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// classifyDialError maps dial failures onto transport error codes
func classifyDialError(addr string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		msg := fmt.Sprintf("failed to connect to %s", addr)
		// Check for connection refused via syscall error
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			msg += ": Connection refused"
		}
		return errors.NewTransportError(errors.TransportErrorSocketConnectFailure, msg, err)
	}
	return errors.NewTransportError(
		errors.TransportErrorTlsFailure,
		fmt.Sprintf("SSL connect error: %s", addr),
		err,
	)
}

// Established reports whether the TLS handshake has completed
func (t *Tunnel) Established() bool {
	return t.established.Load()
}

// Err returns why the tunnel failed to come up, if it did
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Fd returns the engine side of the pair
func (t *Tunnel) Fd() int {
	return t.sock.Fd()
}

// Write sends plaintext into the tunnel
func (t *Tunnel) Write(buf []byte) (int, error) {
	n, err := t.sock.Write(buf)
	if err != nil && err != ErrWouldBlock {
		if terr := t.Err(); terr != nil {
			return 0, terr
		}
	}
	return n, err
}

// Read receives plaintext from the tunnel. When the tunnel could not be
// established the failure is returned in place of whatever the closed pair
// reports, io.EOF or a reset when unread plaintext was still queued.
func (t *Tunnel) Read(buf []byte) (int, error) {
	n, err := t.sock.Read(buf)
	if err != nil && err != ErrWouldBlock {
		if terr := t.Err(); terr != nil {
			return 0, terr
		}
	}
	return n, err
}

// Close tears the tunnel down and aborts a pending handshake
func (t *Tunnel) Close() error {
	t.cancel()
	return t.sock.Close()
}
