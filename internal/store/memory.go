package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Memory is an in-process RouteStore and QueueStore. It backs tests and
// stations that do not want a database file.
type Memory struct {
	mu     sync.Mutex
	routes map[RouteKey]RouteEntry
	queue  []*QueuedMessage
	byID   map[string]*QueuedMessage
	now    func() time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		routes: make(map[RouteKey]RouteEntry),
		byID:   make(map[string]*QueuedMessage),
		now:    time.Now,
	}
}

func (m *Memory) Get(key RouteKey) (RouteEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.routes[key]
	return e, ok, nil
}

func (m *Memory) Put(key RouteKey, entry RouteEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UpdatedAt = m.now()
	m.routes[key] = entry
	return nil
}

func (m *Memory) ClearRoute(key RouteKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, key)
	return nil
}

func (m *Memory) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = make(map[RouteKey]RouteEntry)
	return nil
}

func (m *Memory) Enqueue(msg *QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.State = StateQueued
	msg.CreatedAt = m.now()
	msg.UpdatedAt = msg.CreatedAt

	cp := *msg
	m.queue = append(m.queue, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *Memory) Dequeue(destination string) (*QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.queue {
		if msg.Destination == destination && msg.State == StateQueued {
			msg.State = StateSending
			msg.UpdatedAt = m.now()
			cp := *msg
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "destination=%s", destination)
}

func (m *Memory) MarkState(id string, state MessageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byID[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "id=%s", id)
	}
	if !msg.State.CanTransition(state) {
		return errors.Wrapf(ErrBadTransition, "%s -> %s", msg.State, state)
	}
	msg.State = state
	msg.UpdatedAt = m.now()
	if state == StateRetrying {
		msg.Attempts++
	}
	return nil
}

func (m *Memory) Lookup(id string) (*QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id=%s", id)
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) PendingCount(destination string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, msg := range m.queue {
		if msg.Destination == destination &&
			(msg.State == StateQueued || msg.State == StateRetrying) {
			n++
		}
	}
	return n, nil
}
