package session

import (
	"sync"

	"github.com/amoylab/polyroom/internal/history"
	"github.com/amoylab/polyroom/internal/protocol"
)

const defaultSubscriberBuffer = 64

// EventKind says what changed
type EventKind string

const (
	EventState     EventKind = "state"
	EventRoster    EventKind = "roster"
	EventHistory   EventKind = "history"
	EventTyping    EventKind = "typing"
	EventExhausted EventKind = "exhausted"
	EventError     EventKind = "error"
)

// Snapshot is a consistent view of a Manager taken between two transitions
type Snapshot struct {
	Session   Session             `json:"session"`
	State     State               `json:"state"`
	Attempt   int                 `json:"attempt"`
	Roster    []protocol.RoomUser `json:"roster"`
	History   []history.Entry     `json:"history"`
	Exhausted bool                `json:"exhausted"`
	LastError string              `json:"last_error,omitempty"`
}

// Event is pushed to observers after every change
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Entry    *history.Entry   // set for EventHistory
	Typing   *protocol.Typing // set for EventTyping
	Err      error            // set for EventError and EventExhausted
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// hub fans events out to subscribers. Only the event loop publishes.
type hub struct {
	mu     sync.Mutex
	buffer int
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &hub{buffer: buffer, subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, h.buffer)}
	if h.closed {
		sub.close()
		return sub.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			s.close()
		}
	}
}

// publish never blocks: a full subscriber loses its oldest event
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *hub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) == 0
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.close()
	}
}
