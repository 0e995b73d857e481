// Package notify fans out queue state changes to in-process subscribers.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names what changed. Subscribers that only re-read state can
// ignore it.
type EventType string

const (
	SyncStarted         EventType = "sync_started"
	SyncFinished        EventType = "sync_finished"
	QueueChanged        EventType = "queue_changed"
	ConnectivityChanged EventType = "connectivity_changed"
)

type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
}

// Listener receives events synchronously on the publisher's goroutine.
type Listener func(Event)

// Notifier is an observer registry. A listener that panics is logged and
// skipped; it never breaks the publisher.
type Notifier struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
	logger    *slog.Logger
}

func New() *Notifier {
	return &Notifier{
		listeners: make(map[uint64]Listener),
		logger:    slog.Default(),
	}
}

// Subscribe registers l and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (n *Notifier) Subscribe(l Listener) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// Publish delivers an event of type t to every listener registered at the
// time of the call.
func (n *Notifier) Publish(t EventType) {
	ev := Event{Type: t, At: time.Now().UTC()}

	n.mu.Lock()
	snapshot := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		snapshot = append(snapshot, l)
	}
	n.mu.Unlock()

	for _, l := range snapshot {
		n.deliver(l, ev)
	}
}

func (n *Notifier) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	l(ev)
}
