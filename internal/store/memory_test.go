package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type testDoc struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Count    int    `json:"count"`
}

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var missing testDoc
	if err := m.Get(ctx, "docs", "d1", &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Set(ctx, "docs", "d1", testDoc{ID: "d1", TenantID: "t1", Count: 3}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	var got testDoc
	if err := m.Get(ctx, "docs", "d1", &got); err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.TenantID != "t1" || got.Count != 3 {
		t.Fatalf("unexpected doc %+v", got)
	}
}

func TestMemoryCreateConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Create(ctx, "docs", "d1", testDoc{ID: "d1"}); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if err := m.Create(ctx, "docs", "d1", testDoc{ID: "d1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryQueryFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "docs", "a", testDoc{ID: "a", TenantID: "t1"})
	_ = m.Set(ctx, "docs", "b", testDoc{ID: "b", TenantID: "t2"})
	_ = m.Set(ctx, "docs", "c", testDoc{ID: "c", TenantID: "t1"})

	var docs []testDoc
	if err := m.Query(ctx, "docs", []Filter{{Field: "tenantId", Value: "t1"}}, &docs); err != nil {
		t.Fatalf("query error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	for _, doc := range docs {
		if doc.TenantID != "t1" {
			t.Fatalf("filter leaked doc %+v", doc)
		}
	}
}

func TestMemoryUpdateMergesTopLevel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "docs", "d1", testDoc{ID: "d1", TenantID: "t1", Count: 1})

	if err := m.Update(ctx, "docs", "d1", map[string]any{"count": 9}); err != nil {
		t.Fatalf("update error: %v", err)
	}
	var got testDoc
	_ = m.Get(ctx, "docs", "d1", &got)
	if got.Count != 9 || got.TenantID != "t1" {
		t.Fatalf("merge lost fields: %+v", got)
	}

	if err := m.Update(ctx, "docs", "missing", map[string]any{"count": 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTransformIsAtomic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "docs", "counter", testDoc{ID: "counter", Count: 0})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Transform(ctx, "docs", "counter", func(raw []byte) ([]byte, error) {
				var doc testDoc
				if err := json.Unmarshal(raw, &doc); err != nil {
					return nil, err
				}
				doc.Count++
				return json.Marshal(doc)
			})
			if err != nil {
				t.Errorf("transform error: %v", err)
			}
		}()
	}
	wg.Wait()

	var got testDoc
	_ = m.Get(ctx, "docs", "counter", &got)
	if got.Count != writers {
		t.Fatalf("lost updates: expected %d, got %d", writers, got.Count)
	}
}

func TestMemorySubscribeDeliversCurrentThenUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "docs", "d1", testDoc{ID: "d1", Count: 1})

	events, cancel, err := m.Subscribe(ctx, "docs", "d1")
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	defer cancel()

	first := waitEvent(t, events)
	var doc testDoc
	_ = json.Unmarshal(first.Data, &doc)
	if doc.Count != 1 {
		t.Fatalf("expected current value first, got %+v", doc)
	}

	_ = m.Set(ctx, "docs", "d1", testDoc{ID: "d1", Count: 2})
	second := waitEvent(t, events)
	_ = json.Unmarshal(second.Data, &doc)
	if doc.Count != 2 {
		t.Fatalf("expected pushed update, got %+v", doc)
	}

	_ = m.Delete(ctx, "docs", "d1")
	third := waitEvent(t, events)
	if !third.Deleted {
		t.Fatalf("expected delete event")
	}
}

func TestMemorySubscribeBufferCapacity(t *testing.T) {
	m := NewMemory()
	m.SubscribeBuffer = 1
	ctx := context.Background()

	events, cancel, err := m.Subscribe(ctx, "docs", "d1")
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	defer cancel()

	// notify runs synchronously under the write lock, so with capacity 1 the
	// first event fills the buffer and the rest are dropped.
	for i := 1; i <= 3; i++ {
		_ = m.Set(ctx, "docs", "d1", testDoc{ID: "d1", Count: i})
	}

	first := waitEvent(t, events)
	var doc testDoc
	_ = json.Unmarshal(first.Data, &doc)
	if doc.Count != 1 {
		t.Fatalf("expected the first write buffered, got %+v", doc)
	}
	select {
	case event := <-events:
		t.Fatalf("expected overflow dropped, got %+v", event)
	default:
	}
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}
