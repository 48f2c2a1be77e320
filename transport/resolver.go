package transport

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// Resolution is an in-flight host name lookup. The lookup runs on a helper
// goroutine; the descriptor returned by Fd becomes readable when it is done.
type Resolution struct {
	Host string

	fd     int
	cancel context.CancelFunc

	mu   sync.Mutex
	done bool
	ips  []net.IP
	err  error
}

// Resolve starts looking up host
func Resolve(host string) (*Resolution, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create resolver pipe",
			err,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolution{Host: host, fd: p[0], cancel: cancel}

	// the write end belongs to the goroutine so it cannot be reused while
	// still being written to
	go func(w int) {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)

		r.mu.Lock()
		r.done = true
		r.err = err
		for _, a := range addrs {
			r.ips = append(r.ips, a.IP)
		}
		r.mu.Unlock()

		unix.Write(w, []byte{1})
		unix.Close(w)
	}(p[1])

	return r, nil
}

// Fd returns the descriptor to poll for completion
func (r *Resolution) Fd() int {
	return r.fd
}

// Result returns the resolved addresses, IPv4 first. ok is false while the
// lookup is still running.
func (r *Resolution) Result() (ips []net.IP, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.done {
		return nil, false, nil
	}
	if r.err == nil && len(r.ips) == 0 {
		return nil, true, errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			"no addresses found",
			nil,
		)
	}
	if r.err != nil {
		return nil, true, errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			"lookup failed",
			r.err,
		)
	}

	ordered := make([]net.IP, 0, len(r.ips))
	for _, ip := range r.ips {
		if ip.To4() != nil {
			ordered = append(ordered, ip)
		}
	}
	for _, ip := range r.ips {
		if ip.To4() == nil {
			ordered = append(ordered, ip)
		}
	}
	return ordered, true, nil
}

// Close abandons the lookup and releases the descriptor
func (r *Resolution) Close() error {
	r.cancel()
	if r.fd < 0 {
		return nil
	}
	fd := r.fd
	r.fd = -1
	return unix.Close(fd)
}
