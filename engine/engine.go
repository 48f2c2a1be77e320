// Package engine drives many HTTP/1.1 transfers through one readiness-based
// interface. The caller owns the event loop: the engine announces which
// descriptors it wants watched through a socket callback and when it next
// needs to run through a timer callback, and is driven with SocketAction.
//
// All methods must be called from a single goroutine.
package engine

import (
	"fmt"
	"strings"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// Action tells the socket callback what to watch a descriptor for
type Action int

const (
	ActionIn Action = iota + 1
	ActionOut
	ActionInOut
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionIn:
		return "IN"
	case ActionOut:
		return "OUT"
	case ActionInOut:
		return "INOUT"
	case ActionRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Event is the readiness reported to SocketAction
type Event int

const (
	EventIn Event = 1 << iota
	EventOut
	EventErr
)

// SocketTimeout is passed to SocketAction as descriptor when the timer fired
const SocketTimeout = -1

// Message reports one finished transfer
type Message struct {
	Easy *Easy
	// Err is nil on success
	Err error
}

// MaxEscapeInput is the largest input Escape accepts
const MaxEscapeInput = 8000000

const upperhex = "0123456789ABCDEF"

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// Escape percent-encodes every byte of s outside the unreserved set
// A-Z a-z 0-9 - . _ ~ using uppercase hex. Spaces become %20.
func Escape(s string) (string, error) {
	if len(s) > MaxEscapeInput {
		return "", errors.NewMemoryError("escape input too large")
	}

	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s, nil
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
	return sb.String(), nil
}
