package engine

import (
	"time"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// Multi drives a set of transfers
type Multi struct {
	socketFn func(fd int, what Action)
	timerFn  func(d time.Duration)

	easies map[*Easy]struct{}
	byFd   map[int]*Easy
	msgs   []Message

	timerSet      bool
	timerDeadline time.Time

	now func() time.Time
}

// NewMulti creates an empty multi handle
func NewMulti() *Multi {
	return &Multi{
		easies: make(map[*Easy]struct{}),
		byFd:   make(map[int]*Easy),
		now:    time.Now,
	}
}

// SetSocketFunc installs the callback told which descriptors to watch
func (m *Multi) SetSocketFunc(fn func(fd int, what Action)) {
	m.socketFn = fn
}

// SetTimerFunc installs the callback told when the engine next needs a
// timeout action. A negative duration cancels the timer.
func (m *Multi) SetTimerFunc(fn func(d time.Duration)) {
	m.timerFn = fn
}

// Add starts e. The transfer begins on the next timeout action, which is
// requested immediately.
func (m *Multi) Add(e *Easy) error {
	if e == nil {
		return errors.NewInvalidArgumentError("nil transfer")
	}
	if e.multi != nil {
		return errors.NewInvalidArgumentError("transfer already added")
	}
	e.multi = m
	e.state = stateInit
	e.start = m.now()
	m.easies[e] = struct{}{}
	m.updateTimer()
	return nil
}

// Remove detaches e, aborting it if it has not finished. Pending messages
// for e are dropped.
func (m *Multi) Remove(e *Easy) error {
	if e == nil || e.multi != m {
		return errors.NewInvalidArgumentError("transfer not part of this multi handle")
	}
	e.unwatch()
	e.closeConn()
	e.state = stateDone
	e.paused = false
	delete(m.easies, e)

	kept := m.msgs[:0]
	for _, msg := range m.msgs {
		if msg.Easy != e {
			kept = append(kept, msg)
		}
	}
	m.msgs = kept

	e.multi = nil
	m.updateTimer()
	return nil
}

// SocketAction drives the engine after readiness on fd, or after the timer
// fired when fd is SocketTimeout. It returns the number of running
// transfers.
func (m *Multi) SocketAction(fd int, ev Event) int {
	if fd == SocketTimeout {
		m.onTimeout()
	} else if e, ok := m.byFd[fd]; ok {
		e.onEvent(ev)
	}
	m.updateTimer()
	return m.Running()
}

func (m *Multi) onTimeout() {
	// the timer is one-shot
	m.timerSet = false
	now := m.now()

	for e := range m.easies {
		switch {
		case e.state == stateInit:
			e.begin(now)
		case e.checkTimeouts(now):
		case e.paused && !now.Before(e.pauseUntil):
			e.resume()
		}
	}
}

// Timeout returns the milliseconds until the engine wants a timeout action,
// or -1 when it does not need one
func (m *Multi) Timeout() int {
	next, ok := m.nextDeadline()
	if !ok {
		return -1
	}
	d := next.Sub(m.now())
	if d < 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// InfoRead pops the next completion message
func (m *Multi) InfoRead() (Message, bool) {
	if len(m.msgs) == 0 {
		return Message{}, false
	}
	msg := m.msgs[0]
	m.msgs[0] = Message{}
	m.msgs = m.msgs[1:]
	return msg, true
}

// Running returns the number of unfinished transfers
func (m *Multi) Running() int {
	n := 0
	for e := range m.easies {
		if e.state != stateDone {
			n++
		}
	}
	return n
}

// Close removes every transfer
func (m *Multi) Close() {
	for e := range m.easies {
		m.Remove(e)
	}
	m.msgs = nil
	if m.timerSet && m.timerFn != nil {
		m.timerSet = false
		m.timerFn(-1)
	}
}

func (m *Multi) nextDeadline() (time.Time, bool) {
	var (
		next time.Time
		ok   bool
	)
	for e := range m.easies {
		if d, has := e.deadline(); has && (!ok || d.Before(next)) {
			next, ok = d, true
		}
	}
	return next, ok
}

// updateTimer tells the timer callback about a changed deadline
func (m *Multi) updateTimer() {
	next, ok := m.nextDeadline()
	if !ok {
		if m.timerSet {
			m.timerSet = false
			if m.timerFn != nil {
				m.timerFn(-1)
			}
		}
		return
	}
	if m.timerSet && next.Equal(m.timerDeadline) {
		return
	}
	m.timerSet = true
	m.timerDeadline = next
	if m.timerFn != nil {
		d := next.Sub(m.now())
		if d < 0 {
			d = 0
		}
		m.timerFn(d)
	}
}

func (m *Multi) watch(e *Easy, fd int, what Action) {
	m.byFd[fd] = e
	if m.socketFn != nil {
		m.socketFn(fd, what)
	}
}

func (m *Multi) unwatch(fd int) {
	delete(m.byFd, fd)
	if m.socketFn != nil {
		m.socketFn(fd, ActionRemove)
	}
}

func (m *Multi) post(msg Message) {
	m.msgs = append(m.msgs, msg)
}
