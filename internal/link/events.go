package link

import (
	"sync"
	"time"
)

// EventType classifies engine events.
type EventType int

const (
	EventSessionState EventType = iota
	EventMessageReceived
	EventChatReceived
	EventTransferProgress
	EventTransferComplete
	EventTransferFailed
	EventLinkQuality
	EventPong
)

func (t EventType) String() string {
	switch t {
	case EventSessionState:
		return "session-state"
	case EventMessageReceived:
		return "message-received"
	case EventChatReceived:
		return "chat-received"
	case EventTransferProgress:
		return "transfer-progress"
	case EventTransferComplete:
		return "transfer-complete"
	case EventTransferFailed:
		return "transfer-failed"
	case EventLinkQuality:
		return "link-quality"
	case EventPong:
		return "pong"
	}
	return "unknown"
}

// Event is one engine notification. Fields beyond Type and Key are
// populated per event type; unused ones stay zero.
type Event struct {
	Type EventType
	Key  Key

	State     string // session-state
	Data      []byte // message/chat payload
	MessageID uint32
	Done      int // transfer progress: chunks acknowledged
	Total     int // transfer progress: chunks overall
	RTT       time.Duration
	Err       error
}

// Bus is a fan-out event channel. Publishing never blocks: a subscriber
// that stops draining loses events rather than stalling the engine's
// frame loop.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given channel buffer. The
// returned cancel function removes the subscription and closes the
// channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
