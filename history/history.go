// Package history records the append-only audit trail of instances.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/flowcore/events"
	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/state"
	"github.com/songzhibin97/flowcore/types"
)

// Store persists audit entries.
type Store interface {
	AppendHistory(ctx context.Context, entry types.HistoryEntry) error
	ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error)
}

// Logger appends history entries with strictly increasing timestamps and
// publishes them on an optional event bus.
type Logger struct {
	store Store
	bus   *events.EventBus
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
	seq  int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithBus publishes every appended entry on bus.
func WithBus(bus *events.EventBus) Option {
	return func(l *Logger) {
		l.bus = bus
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates a Logger writing to store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// stamp returns the next sequence number and a timestamp strictly after the
// previous one, even if the wall clock stalls or steps back.
func (l *Logger) stamp() (int64, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now().UTC()
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	l.seq++
	return l.seq, t
}

// Log appends one entry. A failure is logged and returned, but the state
// change it describes has already been committed and stays.
func (l *Logger) Log(ctx context.Context, instanceID uint64, eventType types.EventType, nodeID string, payload map[string]interface{}) (types.HistoryEntry, error) {
	seq, at := l.stamp()
	p, _ := state.Clone(payload).(map[string]interface{})
	entry := types.HistoryEntry{
		Seq:        seq,
		InstanceID: instanceID,
		EventType:  eventType,
		NodeID:     nodeID,
		Timestamp:  at,
		Payload:    p,
	}

	if err := l.store.AppendHistory(ctx, entry); err != nil {
		logger.Error("failed to append history",
			zap.Uint64("instance", instanceID),
			zap.String("event", string(eventType)),
			zap.String("node", nodeID),
			zap.Error(err))
		return entry, fmt.Errorf("failed to append history: %w", err)
	}

	if l.bus != nil {
		err := l.bus.Publish(ctx, events.FromHistory(entry))
		if err != nil && !errors.Is(err, events.ErrNoHandler) {
			logger.Warn("failed to publish history event",
				zap.Uint64("instance", instanceID),
				zap.String("event", string(eventType)),
				zap.Error(err))
		}
	}
	return entry, nil
}

// Export returns an instance's history in timestamp order.
func (l *Logger) Export(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	entries, err := l.store.ListHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}
