// Package connectivity reports whether the device can reach the remote store
// and notifies subscribers when it comes back online.
//
// Listeners only hear about offline→online transitions; going offline is
// observed by polling IsOnline. A pass that is already running is never
// interrupted by a transition.
package connectivity

import (
	"slices"
	"sync"
)

// Signal is the connectivity contract.
type Signal interface {
	// IsOnline reports the last known state.
	IsOnline() bool

	// Subscribe registers fn to run on every transition to online.
	// The returned func removes the subscription.
	Subscribe(fn func()) (unsubscribe func())
}

// listeners is the subscription registry shared by the implementations.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (l *listeners) subscribe(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func())
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
		})
	}
}

// notify calls every listener outside the lock, in subscription order.
func (l *listeners) notify() {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Manual is a Signal whose state is set by the caller.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   listeners
}

// NewManual creates a Manual signal with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// IsOnline implements Signal.
func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Signal.
func (m *Manual) Subscribe(fn func()) func() {
	return m.subs.subscribe(fn)
}

// SetOnline updates the state, notifying subscribers on a transition to online.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()

	if online && !wasOnline {
		m.subs.notify()
	}
}
