package state

import (
	"time"

	"github.com/songzhibin97/flowcore/types"
)

// Tick is the working set of one evaluation pass. It is not safe for
// concurrent use; a tick belongs to a single request.
type Tick struct {
	instanceID uint64
	taskID     string
	base       []types.ContextEntry
	staged     []types.ContextEntry
	scratch    []types.ContextEntry
	nextSeq    int64
	now        func() time.Time
}

func newTick(instanceID uint64, taskID string, base []types.ContextEntry, now func() time.Time) *Tick {
	var last int64
	for _, e := range base {
		if e.Seq > last {
			last = e.Seq
		}
	}
	return &Tick{
		instanceID: instanceID,
		taskID:     taskID,
		base:       base,
		nextSeq:    last + 1,
		now:        now,
	}
}

// InstanceID returns the instance the tick belongs to.
func (t *Tick) InstanceID() uint64 {
	return t.instanceID
}

// Write appends an entry. GLOBAL and TASK_LOCAL writes are staged for
// persistence; NODE_LOCAL writes only live as long as the tick.
func (t *Tick) Write(scope types.Scope, key string, value interface{}, meta Meta) types.ContextEntry {
	e := types.ContextEntry{
		Scope:     scope,
		Key:       key,
		Value:     Clone(value),
		NodeID:    meta.NodeID,
		TaskID:    meta.TaskID,
		WrittenAt: t.now().UTC(),
	}
	if scope == types.ScopeNodeLocal {
		t.scratch = append(t.scratch, e)
		return e
	}
	e.Seq = t.nextSeq
	t.nextSeq++
	t.staged = append(t.staged, e)
	return e
}

// WriteAll writes every key of values under scope, in sorted key order so
// sequence numbers are deterministic.
func (t *Tick) WriteAll(scope types.Scope, values map[string]interface{}, meta Meta) {
	for _, k := range sortedKeys(values) {
		t.Write(scope, k, values[k], meta)
	}
}

// Effective is the merged view: persisted entries, then this tick's staged
// writes, then its NODE_LOCAL scratch.
func (t *Tick) Effective() map[string]interface{} {
	all := make([]types.ContextEntry, 0, len(t.base)+len(t.staged)+len(t.scratch))
	all = append(all, t.base...)
	all = append(all, t.staged...)
	all = append(all, t.scratch...)
	return Merge(all, t.taskID)
}

// Snapshot is a deep copy of the shared GLOBAL view, safe to freeze into a
// new work token. Another task's TASK_LOCAL entries and this tick's
// NODE_LOCAL scratch are not part of it.
func (t *Tick) Snapshot() map[string]interface{} {
	all := make([]types.ContextEntry, 0, len(t.base)+len(t.staged))
	all = append(all, t.base...)
	all = append(all, t.staged...)
	return Clone(Merge(all, "")).(map[string]interface{})
}

// Deltas returns the writes that must be persisted when the tick commits.
// NODE_LOCAL entries are never included.
func (t *Tick) Deltas() []types.ContextEntry {
	out := make([]types.ContextEntry, len(t.staged))
	copy(out, t.staged)
	return out
}

// Discard drops the tick's NODE_LOCAL scratch.
func (t *Tick) Discard() {
	t.scratch = nil
}
