package loop

import (
	"fmt"
	"syscall"

	"github.com/iceber/iouring-go"
	iouring_syscall "github.com/iceber/iouring-go/syscall"
	"golang.org/x/sys/unix"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// PollEvent is a readiness bit set
type PollEvent int

const (
	Readable PollEvent = 1 << iota
	Writable
	Disconnect
)

func (e PollEvent) mask() uint32 {
	var m uint32
	if e&Readable != 0 {
		m |= unix.POLLIN
	}
	if e&Writable != 0 {
		m |= unix.POLLOUT
	}
	return m
}

func eventsFromMask(m uint32) PollEvent {
	var e PollEvent
	if m&(unix.POLLIN|unix.POLLPRI) != 0 {
		e |= Readable
	}
	if m&unix.POLLOUT != 0 {
		e |= Writable
	}
	if m&(unix.POLLERR|unix.POLLHUP|unix.POLLRDHUP) != 0 {
		e |= Disconnect
	}
	return e
}

// PollFunc receives readiness for a watched descriptor. err is set when
// the kernel rejected the poll itself.
type PollFunc func(p *Poll, events PollEvent, err error)

// Poll watches one descriptor. Each readiness report is a one-shot
// POLL_ADD request that is re-armed after dispatch; changing the interest
// set cancels the outstanding request.
type Poll struct {
	loop *Loop
	fd   int

	events PollEvent
	cb     PollFunc
	active bool

	req      iouring.Request
	gen      uint64
	inflight int

	closing bool
	onClose func(*Poll)
}

type pollTag struct {
	poll *Poll
	gen  uint64
}

// NewPoll creates an inactive poll handle for fd
func (l *Loop) NewPoll(fd int) *Poll {
	return &Poll{loop: l, fd: fd}
}

// Fd returns the watched descriptor
func (p *Poll) Fd() int {
	return p.fd
}

// Active reports whether the poll is started
func (p *Poll) Active() bool {
	return p.active
}

// Start watches for events, replacing the previous interest set
func (p *Poll) Start(events PollEvent, cb PollFunc) error {
	if p.closing {
		return errors.NewInvalidArgumentError("poll handle is closing")
	}
	p.cb = cb
	if p.active && p.events == events && p.req != nil {
		return nil
	}

	p.cancel()
	p.gen++
	p.events = events
	p.active = true
	return p.arm()
}

// Stop stops watching. Outstanding requests are cancelled and their
// completions discarded.
func (p *Poll) Stop() {
	p.active = false
	p.gen++
	p.cancel()
}

// Close stops the poll and calls cb on the loop once the kernel has
// returned every request made for it. cb never runs synchronously.
func (p *Poll) Close(cb func(*Poll)) {
	if p.closing {
		return
	}
	p.Stop()
	p.closing = true
	p.onClose = cb
	if p.inflight == 0 {
		p.loop.later(p.finishClose)
	}
}

func (p *Poll) finishClose() {
	if p.onClose != nil {
		cb := p.onClose
		p.onClose = nil
		cb(p)
	}
}

func (p *Poll) arm() error {
	fd, mask := p.fd, p.events.mask()
	prep := iouring.PrepRequest(func(sqe iouring_syscall.SubmissionQueueEntry, userData *iouring.UserData) {
		sqe.PrepOperation(iouring_syscall.IORING_OP_POLL_ADD, int32(fd), 0, 0, 0)
		sqe.SetOpFlags(mask)
	}).WithInfo(&pollTag{poll: p, gen: p.gen})

	req, err := p.loop.ring.SubmitRequest(prep, p.loop.results)
	if err != nil {
		p.active = false
		return errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			fmt.Sprintf("failed to submit poll for fd %d", p.fd),
			err,
		)
	}
	p.req = req
	p.inflight++
	return nil
}

func (p *Poll) cancel() {
	if p.req == nil {
		return
	}
	// the cancelled request still completes, with ECANCELED
	p.req.Cancel()
	p.req = nil
}

func (l *Loop) dispatchPoll(r iouring.Result) {
	tag, ok := r.GetRequestInfo().(*pollTag)
	if !ok {
		return
	}
	p := tag.poll
	p.inflight--

	if p.closing {
		if p.inflight == 0 {
			p.finishClose()
		}
		return
	}
	if !p.active || tag.gen != p.gen {
		return
	}
	p.req = nil

	res, _ := r.(iouring.Request).GetRes()
	var (
		events PollEvent
		err    error
	)
	if res < 0 {
		errno := syscall.Errno(-res)
		if errno == syscall.ECANCELED {
			return
		}
		err = errno
	} else {
		events = eventsFromMask(uint32(res))
	}

	gen := p.gen
	if p.cb != nil {
		p.cb(p, events, err)
	}

	// one-shot: re-arm unless the callback changed the registration
	if p.active && !p.closing && p.gen == gen && p.req == nil {
		if err := p.arm(); err != nil && p.cb != nil {
			p.cb(p, 0, err)
		}
	}
}
