// Package session owns live transcription sessions: their connection
// lifecycle, their segmenter and the per-connection registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the connection state of a session.
type State int

const (
	// StateIdle - Created, upstream connect not yet requested.
	StateIdle State = iota
	// StateConnecting - Connect requested, waiting for session started.
	StateConnecting
	// StateConnected - Upstream acknowledged the session, audio may flow.
	StateConnected
	// StateClosed - Terminal. The session is never reused.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

var (
	ErrSessionClosed     = errors.New("session is closed")
	ErrConnectionTimeout = errors.New("timed out waiting for upstream session to start")
	ErrNotConnecting     = errors.New("session is not connecting")
)

// Lifecycle is the connection state machine of one session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → CONNECTING → CONNECTED → CLOSED
//	  │        │
//	  └────────┴──→ CLOSED
//
// Waiters block on channels closed by the transitions, so there is no polling.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
	ready chan struct{} // closed on CONNECTED
	done  chan struct{} // closed on CLOSED
}

// NewLifecycle creates a lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		state: StateIdle,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsClosed returns true once the session reached CLOSED.
func (l *Lifecycle) IsClosed() bool {
	return l.State() == StateClosed
}

// Done is closed when the session reaches CLOSED.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// BeginConnect transitions IDLE → CONNECTING. It returns true for exactly one
// caller; every later call returns false.
func (l *Lifecycle) BeginConnect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return false
	}
	l.state = StateConnecting
	return true
}

// MarkConnected transitions CONNECTING → CONNECTED and releases waiters.
func (l *Lifecycle) MarkConnected() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateConnecting:
		l.state = StateConnected
		close(l.ready)
		return nil
	case StateConnected:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotConnecting
	}
}

// Close transitions to CLOSED from any state. Idempotent. Returns true only
// for the call that performed the transition.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	close(l.done)
	return true
}

// WaitConnected blocks until the session is CONNECTED, closed, ctx is done or
// timeout elapses.
func (l *Lifecycle) WaitConnected(ctx context.Context, timeout time.Duration) error {
	switch l.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrSessionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ready:
		if l.IsClosed() {
			return ErrSessionClosed
		}
		return nil
	case <-l.done:
		return ErrSessionClosed
	case <-timer.C:
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
