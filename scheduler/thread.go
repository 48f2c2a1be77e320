package scheduler

import (
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/ErikMinekus/sm-ripext/config"
	"github.com/ErikMinekus/sm-ripext/engine"
	"github.com/ErikMinekus/sm-ripext/loop"
	"github.com/ErikMinekus/sm-ripext/queue"
)

// ThreadState is the lifecycle of the background thread
type ThreadState int32

const (
	StateIdle ThreadState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s ThreadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// eventLoopThread owns the loop, the engine and every admitted context.
// Only the queues and the asyncs are touched from outside its goroutine.
type eventLoopThread struct {
	cfg    *config.Config
	logger *slog.Logger
	tel    *telemetry

	loop   *loop.Loop
	multi  *engine.Multi
	bridge *bridge

	admit     *loop.Async
	immediate *loop.Async
	stop      *loop.Async

	deferred  *queue.HandoffQueue[*Context]
	ready     *queue.HandoffQueue[*Context]
	completed *queue.HandoffQueue[*Context]

	// admitted and not yet completed
	active map[*Context]struct{}

	state atomic.Int32
	done  chan struct{}
	err   error
}

func newEventLoopThread(
	cfg *config.Config,
	logger *slog.Logger,
	tel *telemetry,
	deferred, ready, completed *queue.HandoffQueue[*Context],
) (*eventLoopThread, error) {
	l, err := loop.New(cfg.RingEntries)
	if err != nil {
		return nil, err
	}

	t := &eventLoopThread{
		cfg:       cfg,
		logger:    logger,
		tel:       tel,
		loop:      l,
		multi:     engine.NewMulti(),
		deferred:  deferred,
		ready:     ready,
		completed: completed,
		active:    make(map[*Context]struct{}),
		done:      make(chan struct{}),
	}
	t.bridge = newBridge(l, t.multi, logger, t.sweep)
	t.admit = l.NewAsync(t.admitDeferred)
	t.immediate = l.NewAsync(t.admitReady)
	t.stop = l.NewAsync(t.onStop)
	return t, nil
}

func (t *eventLoopThread) State() ThreadState {
	return ThreadState(t.state.Load())
}

func (t *eventLoopThread) start() {
	t.state.Store(int32(StateRunning))
	go t.run()
}

func (t *eventLoopThread) run() {
	defer close(t.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// pick up anything submitted before the thread existed
	t.admitReady()

	if err := t.loop.Run(); err != nil {
		t.err = err
		t.logger.Error("event loop failed", slog.Any("error", err))
	}
}

func (t *eventLoopThread) onStop() {
	t.state.Store(int32(StateStopping))
	t.loop.Stop()
}

// admitDeferred admits at most AdmissionCap contexts from the deferred
// queue; the rest wait for the next wake
func (t *eventLoopThread) admitDeferred() {
	for i := 0; i < t.cfg.AdmissionCap; i++ {
		c, ok := t.deferred.Pop()
		if !ok {
			return
		}
		t.admitOne(c)
	}
}

func (t *eventLoopThread) admitReady() {
	for {
		c, ok := t.ready.Pop()
		if !ok {
			return
		}
		t.admitOne(c)
	}
}

func (t *eventLoopThread) admitOne(c *Context) {
	err := c.Prepare(t.cfg)
	if err == nil {
		err = t.multi.Add(c.easy)
	}
	if err != nil {
		t.logger.Error("dropping transfer",
			slog.String("kind", c.kind.String()),
			slog.String("url", c.req.URL),
			slog.Any("error", err),
		)
		t.tel.onDrop(c, err)
		c.destroy()
		return
	}

	t.active[c] = struct{}{}
	t.tel.onAdmit(c)
	t.logger.Debug("admitted transfer",
		slog.String("kind", c.kind.String()),
		slog.String("url", c.req.URL),
	)
}

// sweep moves every finished transfer to the completed queue
func (t *eventLoopThread) sweep() {
	for {
		msg, ok := t.multi.InfoRead()
		if !ok {
			return
		}
		c, ok := msg.Easy.Private().(*Context)
		if err := t.multi.Remove(msg.Easy); err != nil {
			t.logger.Warn("failed to remove finished transfer", slog.Any("error", err))
		}
		if !ok {
			msg.Easy.Cleanup()
			continue
		}

		delete(t.active, c)
		c.complete(msg)
		t.tel.onComplete(c)
		t.completed.Push(c)
	}
}

// teardown releases the engine and the loop. Only valid once the thread
// has returned; contexts still in the engine are destroyed undelivered.
func (t *eventLoopThread) teardown() []*Context {
	t.multi.Close()
	if err := t.loop.Close(); err != nil {
		t.logger.Warn("failed to close event loop", slog.Any("error", err))
	}
	t.state.Store(int32(StateStopped))

	abandoned := make([]*Context, 0, len(t.active))
	for c := range t.active {
		abandoned = append(abandoned, c)
	}
	clear(t.active)
	return abandoned
}
