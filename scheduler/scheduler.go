// Package scheduler runs HTTP transfers on a background event loop and
// delivers their results on the caller's own turn.
//
// The caller's goroutine is the foreground: it builds Contexts, submits
// them and calls RunFrame once per tick. RunFrame runs every completion
// callback, so callbacks never run concurrently with the caller. The
// engine, its sockets and its timer belong to one background goroutine
// locked to its OS thread. Three queues are the only state both sides
// touch.
package scheduler

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ErikMinekus/sm-ripext/config"
	"github.com/ErikMinekus/sm-ripext/errors"
	"github.com/ErikMinekus/sm-ripext/queue"
)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger replaces the default OpenTelemetry bridged logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMeterProvider replaces the global meter provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Scheduler) {
		s.meterProvider = mp
	}
}

// WithTracerProvider replaces the global tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		s.tracerProvider = tp
	}
}

// Scheduler is the foreground handle. Apart from Pending and State its
// methods must be called from a single goroutine.
type Scheduler struct {
	cfg *config.Config

	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tel            *telemetry

	deferred  *queue.HandoffQueue[*Context]
	ready     *queue.HandoffQueue[*Context]
	completed *queue.HandoffQueue[*Context]

	thread  *eventLoopThread
	stopped bool
}

// New creates a scheduler. Transfers may be submitted before Start.
func New(cfg *config.Config, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		deferred:  queue.New[*Context](),
		ready:     queue.New[*Context](),
		completed: queue.New[*Context](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = otelslog.NewLogger(instrumentationName)
	}
	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}

	tel, err := newTelemetry(s.meterProvider, s.tracerProvider)
	if err != nil {
		return nil, errors.NewSetupError("failed to create instruments", err)
	}
	s.tel = tel
	return s, nil
}

// Config returns the settings the scheduler was created with
func (s *Scheduler) Config() *config.Config {
	return s.cfg
}

// Start launches the background thread
func (s *Scheduler) Start() error {
	if s.stopped {
		return errors.NewSetupError("scheduler was stopped", nil)
	}
	if s.thread != nil {
		return errors.NewSetupError("scheduler already started", nil)
	}

	thread, err := newEventLoopThread(s.cfg, s.logger, s.tel, s.deferred, s.ready, s.completed)
	if err != nil {
		return err
	}
	s.thread = thread
	thread.start()

	s.logger.Info("scheduler started",
		slog.Int("admission_cap", s.cfg.AdmissionCap),
		slog.Uint64("ring_entries", uint64(s.cfg.RingEntries)),
	)
	return nil
}

// State reports the background thread's lifecycle
func (s *Scheduler) State() ThreadState {
	if s.thread == nil {
		if s.stopped {
			return StateStopped
		}
		return StateIdle
	}
	return s.thread.State()
}

// Submit queues c for admission on a later frame. Admission per frame is
// capped, so a burst takes several frames to enter the engine.
func (s *Scheduler) Submit(c *Context) {
	if !s.accept(c, "deferred") {
		return
	}
	s.deferred.Push(c)
}

// SubmitImmediate queues c and wakes the background thread, which admits
// every context on this path without a cap.
func (s *Scheduler) SubmitImmediate(c *Context) {
	if !s.accept(c, "immediate") {
		return
	}
	s.ready.Push(c)
	if s.thread != nil {
		s.thread.immediate.Send()
	}
}

func (s *Scheduler) accept(c *Context, path string) bool {
	if c == nil {
		return false
	}
	s.tel.onSubmit(c, path)
	if s.stopped {
		s.logger.Warn("discarding transfer submitted after stop",
			slog.String("kind", c.kind.String()),
			slog.String("url", c.req.URL),
		)
		s.tel.onDiscard(c)
		c.destroy()
		return false
	}
	return true
}

// RunFrame is called once per host tick. It wakes the background thread if
// deferred transfers are waiting and delivers every completed transfer.
func (s *Scheduler) RunFrame() {
	if s.thread != nil && !s.deferred.Empty() {
		s.thread.admit.Send()
	}

	for !s.completed.Empty() {
		c, ok := s.completed.Pop()
		if !ok {
			break
		}
		c.Deliver()
	}
}

// Pending returns the number of submitted transfers not yet admitted
func (s *Scheduler) Pending() int {
	return s.deferred.Len() + s.ready.Len()
}

// Stop shuts the background thread down and waits for it. Transfers still
// queued or in flight are destroyed without delivery.
func (s *Scheduler) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true

	var abandoned []*Context
	if s.thread != nil {
		s.thread.stop.Send()
		<-s.thread.done
		abandoned = s.thread.teardown()
	}

	n := 0
	for _, q := range []*queue.HandoffQueue[*Context]{s.deferred, s.ready, s.completed} {
		for {
			c, ok := q.Pop()
			if !ok {
				break
			}
			abandoned = append(abandoned, c)
		}
	}
	for _, c := range abandoned {
		s.tel.onDiscard(c)
		c.destroy()
		n++
	}

	s.logger.Info("scheduler stopped", slog.Int("discarded", n))
}
