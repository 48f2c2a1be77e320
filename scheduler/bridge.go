package scheduler

import (
	"log/slog"
	"time"

	"github.com/ErikMinekus/sm-ripext/engine"
	"github.com/ErikMinekus/sm-ripext/loop"
)

// socketContext ties one engine socket to its poll registration
type socketContext struct {
	fd   int
	poll *loop.Poll
}

// bridge feeds loop readiness and timer expiry into the engine. Everything
// here runs on the background thread.
type bridge struct {
	loop   *loop.Loop
	multi  *engine.Multi
	timer  *loop.Timer
	logger *slog.Logger

	sockets map[int]*socketContext
	// contexts removed from sockets whose poll has not finished closing
	closing int

	sweep func()
}

func newBridge(l *loop.Loop, m *engine.Multi, logger *slog.Logger, sweep func()) *bridge {
	b := &bridge{
		loop:    l,
		multi:   m,
		timer:   l.NewTimer(),
		logger:  logger,
		sockets: make(map[int]*socketContext),
		sweep:   sweep,
	}
	m.SetSocketFunc(b.onSocket)
	m.SetTimerFunc(b.onTimer)
	return b
}

func (b *bridge) onSocket(fd int, what engine.Action) {
	var events loop.PollEvent
	switch what {
	case engine.ActionIn:
		events = loop.Readable
	case engine.ActionOut:
		events = loop.Writable
	case engine.ActionInOut:
		events = loop.Readable | loop.Writable
	case engine.ActionRemove:
		b.remove(fd)
		return
	default:
		return
	}

	sc, ok := b.sockets[fd]
	if !ok {
		sc = &socketContext{fd: fd, poll: b.loop.NewPoll(fd)}
		b.sockets[fd] = sc
	}
	if err := sc.poll.Start(events, b.onPoll); err != nil {
		b.logger.Error("failed to watch socket",
			slog.Int("fd", fd),
			slog.String("action", what.String()),
			slog.Any("error", err),
		)
	}
}

// remove stops polling at once; the context is released by the close
// callback because the loop may still hold completions for it
func (b *bridge) remove(fd int) {
	sc, ok := b.sockets[fd]
	if !ok {
		return
	}
	delete(b.sockets, fd)
	b.closing++
	sc.poll.Close(func(*loop.Poll) {
		b.closing--
		sc.poll = nil
	})
}

func (b *bridge) onPoll(p *loop.Poll, events loop.PollEvent, err error) {
	var ev engine.Event
	if events&loop.Readable != 0 {
		ev |= engine.EventIn
	}
	if events&loop.Writable != 0 {
		ev |= engine.EventOut
	}
	if events&loop.Disconnect != 0 || err != nil {
		ev |= engine.EventErr
	}
	b.multi.SocketAction(p.Fd(), ev)
	b.sweep()
}

func (b *bridge) onTimer(d time.Duration) {
	if d < 0 {
		b.timer.Stop()
		return
	}
	b.timer.Start(d, b.onTimeout)
}

func (b *bridge) onTimeout() {
	b.multi.SocketAction(engine.SocketTimeout, 0)
	b.sweep()
}

// watched returns the number of sockets currently polled
func (b *bridge) watched() int {
	return len(b.sockets)
}
