package utils

import (
	"sync"
	"time"
)

// Notifier parks goroutines until another goroutine announces that some shared state has changed.
//
// Waiters must take a snapshot with Changed before inspecting the shared state, and then pass that
// snapshot to Wait. A Broadcast issued between the two calls is never lost.
type Notifier struct {
	mutex sync.Mutex
	ch    chan struct{}
}

// Changed returns a channel that is closed by the next call to Broadcast
func (n *Notifier) Changed() <-chan struct{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

// Broadcast wakes every goroutine waiting on a snapshot taken before this call
func (n *Notifier) Broadcast() {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

// Wait blocks until the snapshot is broadcast or the deadline passes. A zero deadline waits forever.
// It returns false if the deadline passed first.
func (n *Notifier) Wait(changed <-chan struct{}, deadline time.Time) bool {
	if deadline.IsZero() {
		<-changed
		return true
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case <-changed:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	}
}
