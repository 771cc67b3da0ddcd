package exchange

import (
	"sync"
	"time"
)

// ConnState disconnected, connecting, connected, errored
type ConnState uint8

const (
	_conn_state_beg ConnState = iota
	ConnStateDisconnected
	ConnStateConnecting
	ConnStateConnected
	ConnStateErrored
	_conn_state_end
)

func (s ConnState) IsAvailable() bool {
	return s > _conn_state_beg && s < _conn_state_end
}

func (s ConnState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "DISCONNECTED"
	case ConnStateConnecting:
		return "CONNECTING"
	case ConnStateConnected:
		return "CONNECTED"
	case ConnStateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// ConnTracker is the single reconnection state machine for one external
// dependency. Consuming calls check Connected() before dispatch so a
// half-initialized client can never be used.
type ConnTracker struct {
	mu        sync.RWMutex
	state     ConnState
	lastError error
	changedAt time.Time
}

// NewConnTracker starts in the disconnected state.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{state: ConnStateDisconnected, changedAt: time.Now()}
}

// State returns the current state and when it was entered.
func (t *ConnTracker) State() (ConnState, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, t.changedAt
}

// Connected reports whether calls may be dispatched.
func (t *ConnTracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == ConnStateConnected
}

// LastError returns the error behind the errored state, if any.
func (t *ConnTracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// SetConnecting marks a connection attempt in flight.
func (t *ConnTracker) SetConnecting() {
	t.transition(ConnStateConnecting, nil)
}

// SetConnected marks the dependency usable.
func (t *ConnTracker) SetConnected() {
	t.transition(ConnStateConnected, nil)
}

// SetDisconnected marks a clean disconnect.
func (t *ConnTracker) SetDisconnected() {
	t.transition(ConnStateDisconnected, nil)
}

// SetErrored records a failure; the reconnect loop owns recovery.
func (t *ConnTracker) SetErrored(err error) {
	t.transition(ConnStateErrored, err)
}

func (t *ConnTracker) transition(next ConnState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == next {
		return
	}
	t.state = next
	t.lastError = err
	t.changedAt = time.Now()
}
