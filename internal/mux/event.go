package mux

import (
	"sync"
)

// EventKind identifies what a Connection observed.
type EventKind int

const (
	// EventOpen fires once the handshake has been sent on a new socket.
	EventOpen EventKind = iota + 1
	// EventClose fires when the socket goes away. Err holds the reason.
	EventClose
	// EventMessage carries every decoded logical message, addressed or not.
	EventMessage
	// EventChannelOpen is the gateway acknowledging a channel id.
	EventChannelOpen
	// EventChannelMessage carries the payload addressed to ChannelID.
	EventChannelMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventMessage:
		return "message"
	case EventChannelOpen:
		return "channel_open"
	case EventChannelMessage:
		return "channel_message"
	default:
		return "unknown"
	}
}

// Event is one observation made by a Connection.
type Event struct {
	Kind      EventKind
	ChannelID string
	Data      string
	Err       error
}

// Observer receives events. It runs on the connection's dispatch goroutine
// and must not block for long.
type Observer func(Event)

type subscription struct {
	id uint64
	fn Observer
}

// registry is a typed observer list. Channel-scoped observers are keyed by
// their exact channel id.
type registry struct {
	mu       sync.Mutex
	next     uint64
	global   []subscription
	channels map[string][]subscription
}

func newRegistry() *registry {
	return &registry{channels: make(map[string][]subscription)}
}

func (r *registry) add(channelID string, scoped bool, fn Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	sub := subscription{id: r.next, fn: fn}
	if scoped {
		r.channels[channelID] = append(r.channels[channelID], sub)
	} else {
		r.global = append(r.global, sub)
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.remove(channelID, scoped, sub.id) })
	}
}

func (r *registry) remove(channelID string, scoped bool, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scoped {
		r.channels[channelID] = without(r.channels[channelID], id)
		if len(r.channels[channelID]) == 0 {
			delete(r.channels, channelID)
		}
		return
	}
	r.global = without(r.global, id)
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// emit delivers ev to connection-wide observers, or to the observers of
// ev.ChannelID for channel-scoped kinds. Returns the number of observers hit.
func (r *registry) emit(ev Event) int {
	r.mu.Lock()
	var subs []subscription
	switch ev.Kind {
	case EventChannelOpen, EventChannelMessage:
		subs = append(subs, r.channels[ev.ChannelID]...)
	default:
		subs = append(subs, r.global...)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
	return len(subs)
}
