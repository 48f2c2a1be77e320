package scheduler

import (
	"sync"
	"sync/atomic"
)

// ResponseFunc receives a finished in-memory transfer. resp is only valid
// until the function returns. errText is empty on success.
type ResponseFunc func(resp *Response, value any, errText string)

// StatusFunc receives a finished file transfer
type StatusFunc func(status int, value any, errText string)

// Token is the completion handle of one transfer: an interest count plus
// the callback. The callback only runs while someone is still interested.
type Token struct {
	interest atomic.Int32

	onResponse ResponseFunc
	onStatus   StatusFunc

	owner *Owner
}

// NewResponseToken creates a token holding one interest
func NewResponseToken(cb ResponseFunc) *Token {
	t := &Token{onResponse: cb}
	t.interest.Store(1)
	return t
}

// NewStatusToken creates a token holding one interest
func NewStatusToken(cb StatusFunc) *Token {
	t := &Token{onStatus: cb}
	t.interest.Store(1)
	return t
}

// Acquire adds an interest. It fails once every interest was released.
func (t *Token) Acquire() bool {
	for {
		n := t.interest.Load()
		if n <= 0 {
			return false
		}
		if t.interest.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one interest
func (t *Token) Release() {
	for {
		n := t.interest.Load()
		if n <= 0 {
			return
		}
		if t.interest.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Interested reports whether the callback should still run
func (t *Token) Interested() bool {
	return t.interest.Load() > 0
}

func (t *Token) revoke() {
	t.interest.Store(0)
}

// done detaches a delivered or discarded token from its owner
func (t *Token) done() {
	if t.owner != nil {
		t.owner.forget(t)
	}
}

// Owner groups the tokens of one caller, a plugin or script instance, so
// they can be abandoned together.
type Owner struct {
	mu       sync.Mutex
	tokens   map[*Token]struct{}
	unloaded bool
}

// NewOwner creates an owner with no tokens
func NewOwner() *Owner {
	return &Owner{tokens: make(map[*Token]struct{})}
}

// Track adds t to the owner. A token tracked after Unload is revoked
// immediately.
func (o *Owner) Track(t *Token) *Token {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.unloaded {
		t.revoke()
		return t
	}
	t.owner = o
	o.tokens[t] = struct{}{}
	return t
}

// Unload revokes the interest of every tracked token
func (o *Owner) Unload() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.unloaded = true
	for t := range o.tokens {
		t.revoke()
	}
	clear(o.tokens)
}

// Len returns the number of tokens whose transfer has not been delivered
func (o *Owner) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tokens)
}

func (o *Owner) forget(t *Token) {
	o.mu.Lock()
	delete(o.tokens, t)
	o.mu.Unlock()
}
