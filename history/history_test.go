package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/flowcore/events"
	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/types"
)

type mockStore struct {
	mu      sync.Mutex
	entries []types.HistoryEntry
	err     error
}

func (m *mockStore) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockStore) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.HistoryEntry
	for _, e := range m.entries {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestLogger_MonotonicTimestamps(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := []time.Time{frozen, frozen, frozen.Add(-time.Hour), frozen.Add(time.Second)}
	i := 0
	store := &mockStore{}
	l := NewLogger(store, WithClock(func() time.Time {
		t := clock[i]
		i++
		return t
	}))
	ctx := context.Background()

	var got []types.HistoryEntry
	for _, et := range []types.EventType{types.EventInstanceCreated, types.EventNodeTransition, types.EventTaskCreated, types.EventTaskCompleted} {
		e, err := l.Log(ctx, 1, et, "n", nil)
		require.NoError(t, err)
		got = append(got, e)
	}

	for k := 1; k < len(got); k++ {
		assert.True(t, got[k].Timestamp.After(got[k-1].Timestamp), "entry %d not after %d", k, k-1)
		assert.Equal(t, got[k-1].Seq+1, got[k].Seq)
	}
	assert.Equal(t, frozen.Add(time.Second), got[3].Timestamp)
}

func TestLogger_PayloadCopied(t *testing.T) {
	store := &mockStore{}
	l := NewLogger(store)
	payload := map[string]interface{}{"token_id": "t1"}

	_, err := l.Log(context.Background(), 1, types.EventTaskCreated, "review", payload)
	require.NoError(t, err)
	payload["token_id"] = "changed"

	assert.Equal(t, "t1", store.entries[0].Payload["token_id"])
}

func TestLogger_StoreFailureIsReported(t *testing.T) {
	prev := logger.L()
	defer logger.Set(prev)
	core, logs := observer.New(zap.ErrorLevel)
	logger.Set(zap.New(core))

	store := &mockStore{err: errors.New("disk full")}
	l := NewLogger(store)

	_, err := l.Log(context.Background(), 5, types.EventInstanceCompleted, "end", nil)
	assert.Error(t, err)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to append history", logs.All()[0].Message)
	assert.Equal(t, uint64(5), logs.All()[0].ContextMap()["instance"])
}

func TestLogger_PublishesOnBus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	received := make(chan events.Event, 1)
	bus.SubscribeFunc(types.EventTaskCreated, func(ctx context.Context, event events.Event) error {
		received <- event
		return nil
	})

	l := NewLogger(&mockStore{}, WithBus(bus))
	ctx := context.Background()

	_, err := l.Log(ctx, 2, types.EventTaskCreated, "review", map[string]interface{}{"token_id": "t1"})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, uint64(2), ev.InstanceID)
		assert.Equal(t, "review", ev.NodeID)
		assert.Equal(t, "t1", ev.Data["token_id"])
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}

	// No subscriber for this type is not an error.
	_, err = l.Log(ctx, 2, types.EventInstanceCompleted, "end", nil)
	assert.NoError(t, err)
}

func TestLogger_Export(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &mockStore{entries: []types.HistoryEntry{
		{Seq: 3, InstanceID: 1, EventType: types.EventTaskCreated, Timestamp: base.Add(2 * time.Millisecond)},
		{Seq: 1, InstanceID: 1, EventType: types.EventInstanceCreated, Timestamp: base},
		{Seq: 9, InstanceID: 2, EventType: types.EventInstanceCreated, Timestamp: base},
		{Seq: 2, InstanceID: 1, EventType: types.EventNodeTransition, Timestamp: base.Add(time.Millisecond)},
	}}
	l := NewLogger(store)

	got, err := l.Export(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []types.EventType{types.EventInstanceCreated, types.EventNodeTransition, types.EventTaskCreated},
		[]types.EventType{got[0].EventType, got[1].EventType, got[2].EventType})
}

func TestLogger_Concurrent(t *testing.T) {
	store := &mockStore{}
	l := NewLogger(store)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Log(context.Background(), 1, types.EventNodeTransition, "gw", nil)
		}()
	}
	wg.Wait()

	seen := make(map[time.Time]bool)
	for _, e := range store.entries {
		assert.False(t, seen[e.Timestamp], "duplicate timestamp")
		seen[e.Timestamp] = true
	}
	assert.Len(t, store.entries, 50)
}
