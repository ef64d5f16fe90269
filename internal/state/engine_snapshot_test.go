package state

import (
	"context"
	"testing"
)

type memoryStore struct {
	values map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok := m.values[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func TestEngineSnapshotRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	snapshot := EngineSnapshot{
		Paused:        true,
		PeakEquityUSD: 1234.56,
		UpdatedAtMS:   1_700_000_000_000,
	}
	if err := SaveEngineSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := LoadEngineSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected a snapshot")
	}
	if got != snapshot {
		t.Fatalf("got %+v, want %+v", got, snapshot)
	}
}

func TestEngineSnapshotMissing(t *testing.T) {
	_, ok, err := LoadEngineSnapshot(context.Background(), newMemoryStore())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("empty store should report no snapshot")
	}
}

func TestEngineSnapshotCorrupt(t *testing.T) {
	store := newMemoryStore()
	store.values[EngineSnapshotKey] = "{not json"
	_, _, err := LoadEngineSnapshot(context.Background(), store)
	if err == nil {
		t.Fatalf("corrupt payload should error")
	}
}

func TestEngineSnapshotNilStore(t *testing.T) {
	if err := SaveEngineSnapshot(context.Background(), nil, EngineSnapshot{}); err != nil {
		t.Fatalf("nil store save should be a no-op, got %v", err)
	}
	_, ok, err := LoadEngineSnapshot(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("nil store load should report nothing, got ok=%t err=%v", ok, err)
	}
}
