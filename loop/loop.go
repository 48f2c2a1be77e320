// Package loop is a single-goroutine cooperative event loop. Descriptor
// readiness comes from io_uring POLL_ADD requests submitted through
// iceber/iouring-go; timers and cross-goroutine wake-ups are funnelled into
// the same select.
//
// Except for Async.Send, every method must be called from the goroutine
// running Run, or before Run starts.
package loop

import (
	"time"

	"github.com/iceber/iouring-go"

	"github.com/ErikMinekus/sm-ripext/errors"
)

const (
	// DefaultEntries is the submission queue depth used when none is given
	DefaultEntries = 256

	asyncBacklog = 64
)

type timerFire struct {
	timer *Timer
	gen   uint64
}

// Loop owns one io_uring instance and dispatches its completions
type Loop struct {
	ring    *iouring.IOURing
	results chan iouring.Result
	timers  chan timerFire
	asyncs  chan *Async
	done    chan struct{}

	deferred []func()
	stopped  bool
	running  bool
	closed   bool
}

// New creates a loop with an io_uring of the given depth
func New(entries uint) (*Loop, error) {
	if entries == 0 {
		entries = DefaultEntries
	}

	ring, err := iouring.New(entries)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &Loop{
		ring:    ring,
		results: make(chan iouring.Result, entries),
		timers:  make(chan timerFire, asyncBacklog),
		asyncs:  make(chan *Async, asyncBacklog),
		done:    make(chan struct{}),
	}, nil
}

// Run dispatches events until Stop is called
func (l *Loop) Run() error {
	if l.closed {
		return errors.NewSetupError("loop is closed", nil)
	}
	l.running = true
	l.stopped = false
	defer func() { l.running = false }()

	for {
		l.runDeferred()
		if l.stopped {
			return nil
		}

		select {
		case r := <-l.results:
			l.dispatchPoll(r)
		case f := <-l.timers:
			if f.gen == f.timer.gen {
				f.timer.fire()
			}
		case a := <-l.asyncs:
			a.pending.Store(false)
			if !a.closed {
				a.cb()
			}
		}
	}
}

// Stop makes Run return after the current callback
func (l *Loop) Stop() {
	l.stopped = true
}

// Running reports whether Run is executing
func (l *Loop) Running() bool {
	return l.running
}

// later queues fn to run on the loop before it next waits
func (l *Loop) later(fn func()) {
	l.deferred = append(l.deferred, fn)
}

func (l *Loop) runDeferred() {
	for len(l.deferred) > 0 {
		fns := l.deferred
		l.deferred = nil
		for _, fn := range fns {
			fn()
		}
	}
}

// Close releases the ring. It must only be called after Run returned.
// Handles still open are abandoned without their close callbacks.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)

	// the ring's completion goroutine blocks on result delivery, keep
	// draining until it has exited
	drained := make(chan struct{})
	go func() {
		for {
			select {
			case <-l.results:
			case <-drained:
				return
			}
		}
	}()
	err := l.ring.Close()
	close(drained)

	l.deferred = nil
	if err != nil {
		return errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to close io_uring",
			err,
		)
	}
	return nil
}

// Timer is a one-shot timer whose callback runs on the loop
type Timer struct {
	loop  *Loop
	timer *time.Timer
	gen   uint64
	cb    func()
}

// NewTimer creates a stopped timer
func (l *Loop) NewTimer() *Timer {
	return &Timer{loop: l}
}

// Start arms the timer, replacing any pending expiry
func (t *Timer) Start(d time.Duration, cb func()) {
	t.Stop()
	t.cb = cb
	gen := t.gen
	l := t.loop
	t.timer = time.AfterFunc(d, func() {
		select {
		case l.timers <- timerFire{timer: t, gen: gen}:
		case <-l.done:
		}
	})
}

// Stop disarms the timer. A fire already in flight is discarded.
func (t *Timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Active reports whether the timer is armed
func (t *Timer) Active() bool {
	return t.timer != nil
}

func (t *Timer) fire() {
	t.timer = nil
	t.gen++
	if t.cb != nil {
		t.cb()
	}
}
