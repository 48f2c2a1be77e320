package loop

import "sync/atomic"

// Async wakes the loop from any goroutine. Sends made before the callback
// runs are coalesced into one call.
type Async struct {
	loop    *Loop
	cb      func()
	pending atomic.Bool
	closed  bool
}

// NewAsync creates a wake-up handle whose callback runs on the loop
func (l *Loop) NewAsync(cb func()) *Async {
	return &Async{loop: l, cb: cb}
}

// Send schedules the callback. Safe for concurrent use; never blocks once
// the loop is closed.
func (a *Async) Send() {
	if !a.pending.CompareAndSwap(false, true) {
		return
	}
	select {
	case a.loop.asyncs <- a:
	case <-a.loop.done:
	}
}

// Close stops the callback from running again
func (a *Async) Close() {
	a.closed = true
}
