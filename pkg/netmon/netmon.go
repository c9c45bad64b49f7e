// Package netmon defines the connectivity signal the transport layer
// consumes. The application supplies the real platform signal; Tracker is an
// in-process implementation it (and tests) can drive directly.
package netmon

import "sync"

// Monitor reports current connectivity and change notifications.
type Monitor interface {
	// Online reports whether the network is currently considered available.
	Online() bool
	// Changes returns a new subscription channel carrying the online state
	// after each transition. The channel is buffered; a subscriber that
	// falls far behind may miss intermediate flips but always converges on
	// the latest state.
	Changes() <-chan bool
}

const changeBuffer = 8

// Tracker is a settable Monitor.
type Tracker struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewTracker creates a Tracker with the given initial state.
func NewTracker(online bool) *Tracker {
	return &Tracker{online: online}
}

// Online reports the current state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Changes returns a new subscription channel.
func (t *Tracker) Changes() <-chan bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan bool, changeBuffer)
	t.subs = append(t.subs, ch)
	return ch
}

// SetOnline updates the state and notifies subscribers on a transition.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	subs := append([]chan bool(nil), t.subs...)
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Slow subscriber; drop the oldest so the latest state lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}
