package transport

import (
	"bufio"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// waitFor polls fd until one of events is reported
func waitFor(t *testing.T, fd int, events int16) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		if n > 0 {
			return
		}
	}
	t.Fatalf("fd %d never became ready", fd)
}

// readAll drains a non-blocking transport until EOF or error
func readAll(t *testing.T, tr Transport) (string, error) {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 512)
	for {
		n, err := tr.Read(buf)
		sb.Write(buf[:n])
		switch {
		case err == ErrWouldBlock:
			waitFor(t, tr.Fd(), unix.POLLIN)
		case err == io.EOF:
			return sb.String(), nil
		case err != nil:
			return sb.String(), err
		}
	}
}

// writeAll pushes buf through a non-blocking transport
func writeAll(t *testing.T, tr Transport, buf []byte) {
	t.Helper()
	for len(buf) > 0 {
		n, err := tr.Write(buf)
		if err == ErrWouldBlock {
			waitFor(t, tr.Fd(), unix.POLLOUT)
			continue
		}
		require.NoError(t, err)
		buf = buf[n:]
	}
}

// setupTcpTestServer starts a loopback server that echoes one line back
// and closes
func setupTcpTestServer(t *testing.T) (net.IP, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("echo: " + line))
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP, addr.Port
}

func TestSocketConnectWriteRead(t *testing.T) {
	ip, port := setupTcpTestServer(t)

	sock, err := Dial(ip, port)
	require.NoError(t, err)
	defer sock.Close()

	waitFor(t, sock.Fd(), unix.POLLOUT)
	require.NoError(t, sock.FinishConnect())
	assert.True(t, sock.Connected())

	writeAll(t, sock, []byte("hello\n"))
	got, err := readAll(t, sock)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello\n", got)
}

func TestSocketConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	sock, err := Dial(net.IPv4(127, 0, 0, 1), port)
	if err != nil {
		assert.True(t, errors.IsTransport(err, errors.TransportErrorSocketConnectFailure))
		return
	}
	defer sock.Close()

	waitFor(t, sock.Fd(), unix.POLLOUT)
	err = sock.FinishConnect()
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorSocketConnectFailure))
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
}

func TestSocketClosed(t *testing.T) {
	ip, port := setupTcpTestServer(t)
	sock, err := Dial(ip, port)
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())

	_, err = sock.Write([]byte("x"))
	assert.True(t, errors.IsTransport(err, errors.TransportErrorSocketWriteFailure))
	_, err = sock.Read(make([]byte, 1))
	assert.True(t, errors.IsTransport(err, errors.TransportErrorSocketReadFailure))
}

func TestResolveLocalhost(t *testing.T) {
	r, err := Resolve("localhost")
	require.NoError(t, err)
	defer r.Close()

	waitFor(t, r.Fd(), unix.POLLIN)
	ips, ok, err := r.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.NotEmpty(t, ips)
	assert.True(t, ips[0].IsLoopback())
}

func TestResolveFailure(t *testing.T) {
	r, err := Resolve("nonexistent.invalid")
	require.NoError(t, err)
	defer r.Close()

	waitFor(t, r.Fd(), unix.POLLIN)
	_, ok, err := r.Result()
	require.True(t, ok)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorDnsFailure))
}

func TestTunnelRoundTrip(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		io.WriteString(w, "secure")
	}))
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	addr := srv.Listener.Addr().(*net.TCPAddr)

	tun, err := DialTLS(addr.IP, addr.Port, "example.com", roots)
	require.NoError(t, err)
	defer tun.Close()

	writeAll(t, tun, []byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	got, err := readAll(t, tun)
	require.NoError(t, err)
	assert.True(t, tun.Established())
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"), got)
	assert.True(t, strings.HasSuffix(got, "secure"), got)
}

func TestTunnelUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	tun, err := DialTLS(addr.IP, addr.Port, "example.com", x509.NewCertPool())
	require.NoError(t, err)
	defer tun.Close()

	_, err = readAll(t, tun)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure))
	assert.False(t, tun.Established())
}

func TestTunnelUntrustedCertificateWithQueuedRequest(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	tun, err := DialTLS(addr.IP, addr.Port, "example.com", x509.NewCertPool())
	require.NoError(t, err)
	defer tun.Close()

	// plaintext left unread in the pair makes the hangup a reset
	_, err = tun.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure), err.Error())
		return
	}

	_, err = readAll(t, tun)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure), err.Error())
	assert.Contains(t, err.Error(), "SSL connect error")
}

func TestLoadRootCAs(t *testing.T) {
	pool, err := LoadRootCAs("")
	assert.NoError(t, err)
	assert.Nil(t, pool)

	_, err = LoadRootCAs(filepath.Join(t.TempDir(), "missing.pem"))
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure))

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))
	_, err = LoadRootCAs(junk)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure))
}

func TestFileTransportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.bin")

	w, err := OpenFile(path, FileWrite)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	size, err := w.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 11, size)
	require.NoError(t, w.Close())

	r, err := OpenFile(path, FileRead)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	_, err = r.Seek(0, io.SeekEnd)
	assert.Error(t, err)
}

func TestFileTransportOpenFailure(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing"), FileRead)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorFileOpenFailure))
}
