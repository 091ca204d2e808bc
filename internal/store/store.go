// Package store holds the injectable persistence interfaces: the
// learned per-route link-quality cache and the outbound message queue.
// The engine only sees these interfaces; tests use the memory
// implementation and production the SQLite one.
package store

import (
	"time"

	"github.com/pkg/errors"
)

// RouteKey identifies one learned route: where, via which digipeaters,
// on which channel.
type RouteKey struct {
	Destination string
	Path        string
	Channel     uint8
}

// RouteEntry is the learned link quality and the adaptive parameters
// derived from it. Entries are created lazily on the first sample and
// persist across sessions.
type RouteEntry struct {
	LossEWMA  float64
	RetryEWMA float64
	RTT       time.Duration

	ChunkSize int
	Window    int
	Streak    int

	// Override forces this route to ignore learned values and run on
	// the global defaults.
	Override bool

	UpdatedAt time.Time
}

// RouteStore is the adaptive link-quality cache.
type RouteStore interface {
	Get(key RouteKey) (RouteEntry, bool, error)
	Put(key RouteKey, entry RouteEntry) error
	ClearRoute(key RouteKey) error
	ClearAll() error
}

// MessageState is the lifecycle state of one queued outbound message.
type MessageState string

const (
	StateQueued   MessageState = "queued"
	StateSending  MessageState = "sending"
	StateRetrying MessageState = "retrying"
	StateSent     MessageState = "sent"
	StateFailed   MessageState = "failed"
)

// ErrBadTransition reports an attempt to move a message along an edge
// the state graph does not have.
var ErrBadTransition = errors.New("store: illegal message state transition")

// ErrNotFound reports a lookup for a message the store does not hold.
var ErrNotFound = errors.New("store: message not found")

var legalTransitions = map[MessageState][]MessageState{
	StateQueued:   {StateSending, StateFailed},
	StateSending:  {StateSent, StateRetrying, StateFailed},
	StateRetrying: {StateSending, StateFailed},
	// sent and failed are terminal
}

// CanTransition reports whether moving from s to next is legal.
func (s MessageState) CanTransition(next MessageState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the defined states.
func (s MessageState) Valid() bool {
	switch s {
	case StateQueued, StateSending, StateRetrying, StateSent, StateFailed:
		return true
	}
	return false
}

// QueuedMessage is one outbound message awaiting transmission.
type QueuedMessage struct {
	ID          string
	Destination string
	Path        string
	Channel     uint8
	Priority    int
	State       MessageState
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueStore persists the outbound message queue. Enqueue assigns an
// identifier when the message has none and stores it in the queued
// state. Dequeue returns the oldest queued message for a destination
// and moves it to sending. MarkState enforces the transition graph.
type QueueStore interface {
	Enqueue(msg *QueuedMessage) error
	Dequeue(destination string) (*QueuedMessage, error)
	MarkState(id string, state MessageState) error
	Lookup(id string) (*QueuedMessage, error)
	PendingCount(destination string) (int, error)
}
