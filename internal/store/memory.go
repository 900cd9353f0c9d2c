package store

import (
	"context"
	"encoding/json"
	"sync"
)

const defaultSubscribeBuffer = 16

// Memory is an in-process Store used by tests and by dev mode when no
// DATABASE_URL is configured. Writes are serialized per store, so Transform
// is trivially atomic.
type Memory struct {
	// SubscribeBuffer sets the channel capacity handed to each subscriber.
	// Set it before the first Subscribe call; zero means the default.
	SubscribeBuffer int

	mu   sync.RWMutex
	docs map[string]map[string][]byte
	subs map[string][]*memorySub
}

type memorySub struct {
	ch     chan Event
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string][]byte),
		subs: make(map[string][]*memorySub),
	}
}

func subKey(collection, id string) string { return collection + "/" + id }

func (m *Memory) Get(ctx context.Context, collection, id string, dest any) error {
	m.mu.RLock()
	raw, ok := m.docs[collection][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dest)
}

func (m *Memory) Query(ctx context.Context, collection string, filters []Filter, dest any) error {
	m.mu.RLock()
	matched := make([]json.RawMessage, 0)
	for _, raw := range m.docs[collection] {
		if matchesFilters(raw, filters) {
			matched = append(matched, append(json.RawMessage(nil), raw...))
		}
	}
	m.mu.RUnlock()

	combined, err := json.Marshal(matched)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, dest)
}

func matchesFilters(raw []byte, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for _, f := range filters {
		want, err := json.Marshal(f.Value)
		if err != nil {
			return false
		}
		got, ok := fields[f.Field]
		if !ok || string(got) != string(want) {
			return false
		}
	}
	return true
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.put(collection, id, raw)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[collection][id]; exists {
		return ErrConflict
	}
	m.put(collection, id, raw)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged, err := mergePatch(raw, patch)
	if err != nil {
		return err
	}
	m.put(collection, id, merged)
	return nil
}

func mergePatch(raw []byte, patch map[string]any) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key, value := range patch {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[key] = encoded
	}
	return json.Marshal(fields)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return nil
	}
	delete(m.docs[collection], id)
	m.notify(Event{Collection: collection, ID: id, Deleted: true})
	return nil
}

func (m *Memory) Transform(ctx context.Context, collection, id string, fn TransformFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current []byte
	if raw, ok := m.docs[collection][id]; ok {
		current = append([]byte(nil), raw...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	m.put(collection, id, next)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, collection, id string) (<-chan Event, func(), error) {
	buffer := m.SubscribeBuffer
	if buffer <= 0 {
		buffer = defaultSubscribeBuffer
	}
	sub := &memorySub{ch: make(chan Event, buffer)}
	key := subKey(collection, id)

	m.mu.Lock()
	if raw, ok := m.docs[collection][id]; ok {
		sub.ch <- Event{Collection: collection, ID: id, Data: append([]byte(nil), raw...)}
	}
	m.subs[key] = append(m.subs[key], sub)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		remaining := m.subs[key][:0]
		for _, other := range m.subs[key] {
			if other != sub {
				remaining = append(remaining, other)
			}
		}
		m.subs[key] = remaining
	}
	return sub.ch, cancel, nil
}

// put stores raw and notifies subscribers; callers hold the write lock.
func (m *Memory) put(collection, id string, raw []byte) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][id] = raw
	m.notify(Event{Collection: collection, ID: id, Data: append([]byte(nil), raw...)})
}

func (m *Memory) notify(event Event) {
	for _, sub := range m.subs[subKey(event.Collection, event.ID)] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop rather than block writers. The next
			// event carries the full document, so nothing is lost for good.
		}
	}
}
