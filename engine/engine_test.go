package engine

import (
	"bytes"
	"encoding/pem"
	"fmt"
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

// pollDriver runs a Multi with unix.Poll, the way an event loop would
type pollDriver struct {
	t        *testing.T
	m        *Multi
	fds      map[int]Action
	armed    bool
	deadline time.Time
	actions  []Action
}

func newPollDriver(t *testing.T) *pollDriver {
	d := &pollDriver{t: t, m: NewMulti(), fds: make(map[int]Action)}
	d.m.SetSocketFunc(func(fd int, what Action) {
		d.actions = append(d.actions, what)
		if what == ActionRemove {
			delete(d.fds, fd)
			return
		}
		d.fds[fd] = what
	})
	d.m.SetTimerFunc(func(timeout time.Duration) {
		if timeout < 0 {
			d.armed = false
			return
		}
		d.armed = true
		d.deadline = time.Now().Add(timeout)
	})
	t.Cleanup(d.m.Close)
	return d
}

// run drives the engine until every transfer finished
func (d *pollDriver) run() []Message {
	d.t.Helper()
	var msgs []Message
	limit := time.Now().Add(15 * time.Second)

	for d.m.Running() > 0 || len(d.m.msgs) > 0 {
		require.True(d.t, time.Now().Before(limit), "transfers did not finish")

		var pfds []unix.PollFd
		for fd, what := range d.fds {
			var ev int16
			switch what {
			case ActionIn:
				ev = unix.POLLIN
			case ActionOut:
				ev = unix.POLLOUT
			case ActionInOut:
				ev = unix.POLLIN | unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
		}

		wait := 100
		if d.armed {
			if ms := int(time.Until(d.deadline) / time.Millisecond); ms < wait {
				wait = max(ms, 0)
			}
		}
		_, err := unix.Poll(pfds, wait)
		if err != nil && err != unix.EINTR {
			require.NoError(d.t, err)
		}

		for _, p := range pfds {
			if p.Revents == 0 {
				continue
			}
			var ev Event
			if p.Revents&unix.POLLIN != 0 {
				ev |= EventIn
			}
			if p.Revents&unix.POLLOUT != 0 {
				ev |= EventOut
			}
			if p.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				ev |= EventErr
			}
			d.m.SocketAction(int(p.Fd), ev)
		}

		if d.armed && !time.Now().Before(d.deadline) {
			d.armed = false
			d.m.SocketAction(SocketTimeout, 0)
		}

		for {
			msg, ok := d.m.InfoRead()
			if !ok {
				break
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// perform runs a single transfer to completion
func perform(t *testing.T, opts Options) (*Easy, error) {
	t.Helper()
	d := newPollDriver(t)
	e := NewEasy(opts)
	require.NoError(t, d.m.Add(e))

	msgs := d.run()
	require.Len(t, msgs, 1)
	assert.Same(t, e, msgs[0].Easy)
	return e, msgs[0].Err
}

type sink struct {
	body    bytes.Buffer
	headers []string
}

func (s *sink) options(method, url string) Options {
	return Options{
		Method: method,
		URL:    url,
		Write: func(p []byte) int {
			s.body.Write(p)
			return len(p)
		},
		OnHeader: func(line []byte) int {
			s.headers = append(s.headers, string(line))
			return len(line)
		},
		FollowLocation: true,
		MaxRedirects:   5,
		ConnectTimeout: 5 * time.Second,
		Timeout:        10 * time.Second,
	}
}

func memoryBody(data []byte) (ReadFunc, SeekFunc) {
	pos := 0
	read := func(p []byte) (int, error) {
		if pos >= len(data) {
			return 0, io.EOF
		}
		n := copy(p, data[pos:])
		pos += n
		return n, nil
	}
	seek := func(off int64) error {
		pos = int(off)
		return nil
	}
	return read, seek
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ripext-test", r.UserAgent())
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "yes")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := &sink{}
	opts := s.options("GET", srv.URL+"/users?id=1")
	opts.UserAgent = "ripext-test"
	opts.Header = []string{"Accept: application/json"}
	opts.Private = "tag"

	e, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, 200, e.ResponseCode())
	assert.Equal(t, "tag", e.Private())
	assert.Equal(t, `{"ok":true}`, s.body.String())
	assert.EqualValues(t, 11, e.BytesReceived())

	require.NotEmpty(t, s.headers)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", s.headers[0])
	assert.Equal(t, "\r\n", s.headers[len(s.headers)-1])
	assert.Contains(t, s.headers, "X-Custom: yes\r\n")
}

func TestPostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "POST", r.Method)
		assert.EqualValues(t, len(body), r.ContentLength)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer srv.Close()

	payload := bytes.Repeat([]byte("0123456789"), 5000)
	s := &sink{}
	opts := s.options("POST", srv.URL)
	opts.Body, opts.Seek = memoryBody(payload)
	opts.BodySize = int64(len(payload))

	e, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, 201, e.ResponseCode())
	assert.Equal(t, payload, s.body.Bytes())
}

func TestChunkedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"chunked"}, r.TransferEncoding)
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	s := &sink{}
	opts := s.options("PUT", srv.URL)
	opts.Body, _ = memoryBody([]byte("streamed body"))
	opts.BodySize = -1

	_, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, "streamed body", s.body.String())
}

func TestEmptyPostSendsZeroLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"0"}, r.Header.Values("Content-Length"))
	}))
	defer srv.Close()

	e, err := perform(t, (&sink{}).options("POST", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 200, e.ResponseCode())
}

func TestChunkedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "part%d;", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	s := &sink{}
	_, err := perform(t, s.options("GET", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "part0;part1;part2;part3;part4;", s.body.String())
}

func TestRedirectFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "moved here")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := &sink{}
	e, err := perform(t, s.options("GET", srv.URL+"/old"))
	require.NoError(t, err)
	assert.Equal(t, 200, e.ResponseCode())
	assert.Equal(t, 1, e.RedirectCount())
	assert.Equal(t, srv.URL+"/new", e.EffectiveURL())
	// the redirect body is not delivered, its headers are
	assert.Equal(t, "moved here", s.body.String())
	assert.Equal(t, "HTTP/1.1 302 Found\r\n", s.headers[0])
}

func TestRedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	s := &sink{}
	opts := s.options("GET", srv.URL)
	opts.FollowLocation = false

	e, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, 301, e.ResponseCode())
	assert.Equal(t, 0, e.RedirectCount())
}

func TestSeeOtherSwitchesToGet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		http.Redirect(w, r, "/result", http.StatusSeeOther)
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Method)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := &sink{}
	opts := s.options("POST", srv.URL+"/submit")
	opts.Body, opts.Seek = memoryBody([]byte("a=1"))
	opts.BodySize = 3

	_, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, "GET", s.body.String())
}

func TestTemporaryRedirectResendsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		http.Redirect(w, r, "/b", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Method, body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := &sink{}
	opts := s.options("POST", srv.URL+"/a")
	opts.Body, opts.Seek = memoryBody([]byte("payload"))
	opts.BodySize = 7

	_, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, "POST payload", s.body.String())

	// without a way to rewind the resend is impossible
	s2 := &sink{}
	opts = s2.options("POST", srv.URL+"/a")
	opts.Body, _ = memoryBody([]byte("payload"))
	opts.BodySize = 7

	_, err = perform(t, opts)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorRewindFailure))
	assert.EqualError(t, err, "necessary data rewind wasn't possible")
}

func TestTooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	s := &sink{}
	opts := s.options("GET", srv.URL+"/")
	opts.MaxRedirects = 2

	e, err := perform(t, opts)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTooManyRedirects))
	assert.EqualError(t, err, "Maximum (2) redirects followed")
	assert.Equal(t, 2, e.RedirectCount())
}

func TestBasicAuthOnlyToOriginalHost(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		fmt.Fprintf(w, "auth=%v", ok)
	}))
	defer other.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)
		http.Redirect(w, r, other.URL, http.StatusFound)
	}))
	defer origin.Close()

	s := &sink{}
	opts := s.options("GET", origin.URL)
	opts.Username = "user"
	opts.Password = "secret"

	_, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, "auth=false", s.body.String())
}

func TestConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	e, err := perform(t, (&sink{}).options("GET", fmt.Sprintf("http://127.0.0.1:%d/", port)))
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorSocketConnectFailure))
	assert.Contains(t, err.Error(), fmt.Sprintf("Failed to connect to 127.0.0.1 port %d", port))
	assert.Equal(t, 0, e.ResponseCode())
}

func TestResolveFailure(t *testing.T) {
	_, err := perform(t, (&sink{}).options("GET", "http://nonexistent.invalid/"))
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorDnsFailure))
	assert.EqualError(t, err, "Could not resolve host: nonexistent.invalid")
}

func TestResolveHostName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Host)
	}))
	defer srv.Close()
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	s := &sink{}
	_, err := perform(t, s.options("GET", fmt.Sprintf("http://localhost:%d/", port)))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("localhost:%d", port), s.body.String())
}

func TestOverallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s := &sink{}
	opts := s.options("GET", srv.URL)
	opts.Timeout = 200 * time.Millisecond

	start := time.Now()
	e, err := perform(t, opts)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTimeout))
	assert.Contains(t, err.Error(), "Operation timed out after")
	assert.Contains(t, err.Error(), "with 0 out of 10 bytes received")
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 200, e.ResponseCode())
}

func TestWriteCallbackShortCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "too much data")
	}))
	defer srv.Close()

	opts := (&sink{}).options("GET", srv.URL)
	opts.Write = func(p []byte) int { return 0 }

	_, err := perform(t, opts)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorWriteCallback))
	assert.EqualError(t, err, "Failure writing output to destination")
}

func TestReceiveSpeedLimitPauses(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 48*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d := newPollDriver(t)
	s := &sink{}
	opts := s.options("GET", srv.URL)
	opts.MaxRecvSpeed = 96 * 1024

	e := NewEasy(opts)
	require.NoError(t, d.m.Add(e))

	start := time.Now()
	msgs := d.run()
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Err)
	assert.Equal(t, payload, s.body.Bytes())
	// 48 KiB at 96 KiB/s needs at least a third of a second before the last read
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Contains(t, d.actions, ActionRemove)
}

func TestHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "over tls")
	}))
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, pemBytes, 0o600))

	s := &sink{}
	opts := s.options("GET", srv.URL)
	opts.CAInfo = caFile

	e, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, 200, e.ResponseCode())
	assert.Equal(t, "over tls", s.body.String())
}

func TestHTTPSUntrusted(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	_, err := perform(t, (&sink{}).options("GET", srv.URL))
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure))
}

func TestManyConcurrentTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Query().Get("n"))
	}))
	defer srv.Close()

	d := newPollDriver(t)
	bodies := make(map[int]*sink)
	for i := 0; i < 20; i++ {
		s := &sink{}
		opts := s.options("GET", fmt.Sprintf("%s/?n=%d", srv.URL, i))
		opts.Private = i
		e := NewEasy(opts)
		require.NoError(t, d.m.Add(e))
		bodies[i] = s
	}
	assert.Equal(t, 20, d.m.Running())
	assert.Equal(t, 0, d.m.Timeout())

	msgs := d.run()
	require.Len(t, msgs, 20)
	for _, msg := range msgs {
		require.NoError(t, msg.Err)
		n := msg.Easy.Private().(int)
		assert.Equal(t, fmt.Sprint(n), bodies[n].body.String())
		require.NoError(t, d.m.Remove(msg.Easy))
	}
	assert.Equal(t, -1, d.m.Timeout())
	assert.Empty(t, d.fds)
}

func TestRemoveAbortsTransfer(t *testing.T) {
	d := newPollDriver(t)
	e := NewEasy(Options{URL: "http://nonexistent.invalid/"})
	require.NoError(t, d.m.Add(e))
	d.m.SocketAction(SocketTimeout, 0)

	require.NoError(t, d.m.Remove(e))
	assert.Equal(t, 0, d.m.Running())
	_, ok := d.m.InfoRead()
	assert.False(t, ok)
	assert.Empty(t, d.fds)

	assert.Error(t, d.m.Remove(e))
}

func TestBadURLFailsOnStart(t *testing.T) {
	for raw, code := range map[string]errors.ProtocolError{
		"ftp://example.com/file": errors.ProtocolErrorUnsupportedScheme,
		"example.com/path":       errors.ProtocolErrorUnsupportedScheme,
		"http:///nohost":         errors.ProtocolErrorInvalidURL,
		"http://[::1":            errors.ProtocolErrorInvalidURL,
	} {
		e, err := perform(t, Options{URL: raw})
		require.Error(t, err, raw)
		assert.True(t, errors.IsProtocol(err, code), raw)
		assert.Equal(t, 0, e.ResponseCode())
		assert.Equal(t, raw, e.EffectiveURL())
	}
	_, err := perform(t, Options{URL: "ftp://example.com/file"})
	assert.EqualError(t, err, `Protocol "ftp" not supported`)
}

func TestBadCABundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain")
	}))
	defer srv.Close()

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bundle, []byte("not a pem"), 0o600))

	// plain http never reads the bundle
	s := &sink{}
	opts := s.options("GET", srv.URL)
	opts.CAInfo = bundle
	e, err := perform(t, opts)
	require.NoError(t, err)
	assert.Equal(t, 200, e.ResponseCode())
	assert.Equal(t, "plain", s.body.String())

	for _, ca := range []string{bundle, "/nonexistent/ca.pem"} {
		_, err = perform(t, Options{URL: "https://127.0.0.1:1/", CAInfo: ca})
		require.Error(t, err)
		assert.True(t, errors.IsTransport(err, errors.TransportErrorTlsFailure), ca)
		assert.Contains(t, err.Error(), "error setting certificate file")
	}
}

func TestEscape(t *testing.T) {
	for in, want := range map[string]string{
		"":              "",
		"plain-._~AZ09": "plain-._~AZ09",
		"a b":           "a%20b",
		"a+b=c&d":       "a%2Bb%3Dc%26d",
		"ü":             "%C3%BC",
		"/path?":        "%2Fpath%3F",
	} {
		got, err := Escape(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := Escape(strings.Repeat("a", MaxEscapeInput+1))
	require.Error(t, err)
}
