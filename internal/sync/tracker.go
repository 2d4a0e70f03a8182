// Package sync keeps local mutations flowing to the remote platform and
// folds remote changes back into the local store. It is built from a
// state tracker, a debounced flush trigger, a websocket channel with an
// HTTP fallback, and an engine loop that drives them.
package sync

import (
	"sync"
	"time"

	"studysync/internal/models"
)

// Status is a point-in-time snapshot of the sync state.
type Status struct {
	Online         bool      `json:"online"`
	LoggedIn       bool      `json:"loggedIn"`
	SyncInProgress bool      `json:"syncInProgress"`
	LastSyncAt     time.Time `json:"lastSyncAt,omitempty"`
	SyncVersion    int64     `json:"syncVersion"`
	PendingCount   int       `json:"pendingCount"`
	ConflictsCount int       `json:"conflictsCount"`
}

// Tracker holds the mutable sync state: connectivity, the pending-change
// queue, the server-issued sync version, and unresolved conflicts.
type Tracker struct {
	loggedIn func() bool

	mu          sync.Mutex
	online      bool
	syncing     bool
	lastSyncAt  time.Time
	syncVersion int64
	pending     []models.PendingChange
	conflicts   []models.Conflict
}

// NewTracker builds a tracker. loggedIn gates enqueueing; changes made
// without a session accumulate locally only.
func NewTracker(loggedIn func() bool) *Tracker {
	return &Tracker{loggedIn: loggedIn, online: true}
}

// SetOnline records a connectivity transition and reports whether this
// call moved the tracker from offline to online.
func (t *Tracker) SetOnline(online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wentOnline := online && !t.online
	t.online = online
	return wentOnline
}

func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Enqueue appends a pending change when a session exists. Connectivity
// does not gate queueing: changes made offline accumulate and flush on
// the next online transition. Returns whether the change was queued.
func (t *Tracker) Enqueue(change models.PendingChange) bool {
	if !t.loggedIn() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}
	t.pending = append(t.pending, change)
	return true
}

// TakePending snapshots and clears the queue. The caller transmits the
// snapshot and requeues whatever the server did not acknowledge; the
// live queue is never mutated during an in-flight request.
func (t *Tracker) TakePending() []models.PendingChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	taken := t.pending
	t.pending = nil
	return taken
}

// Requeue puts unacknowledged changes back at the head of the queue,
// ahead of anything enqueued while the flush was in flight.
func (t *Tracker) Requeue(changes []models.PendingChange) {
	if len(changes) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(changes, t.pending...)
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// BeginSync marks a sync round as running. Returns false when one is
// already in flight.
func (t *Tracker) BeginSync() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.syncing {
		return false
	}
	t.syncing = true
	return true
}

func (t *Tracker) EndSync() {
	t.mu.Lock()
	t.syncing = false
	t.mu.Unlock()
}

// MarkSynced records a successful round: the server's sync version is
// adopted only when it moves forward.
func (t *Tracker) MarkSynced(version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.syncVersion {
		t.syncVersion = version
	}
	t.lastSyncAt = time.Now().UTC()
}

func (t *Tracker) SyncVersion() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncVersion
}

// RestoreSyncVersion seeds the counter from persisted state at startup.
func (t *Tracker) RestoreSyncVersion(version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.syncVersion {
		t.syncVersion = version
	}
}

// AddConflicts records server-reported conflicts, replacing any prior
// entry with the same id.
func (t *Tracker) AddConflicts(conflicts []models.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conflicts {
		replaced := false
		for i := range t.conflicts {
			if t.conflicts[i].ID == c.ID {
				t.conflicts[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			t.conflicts = append(t.conflicts, c)
		}
	}
}

// Conflicts returns the unresolved conflicts in arrival order.
func (t *Tracker) Conflicts() []models.Conflict {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Conflict, len(t.conflicts))
	copy(out, t.conflicts)
	return out
}

// RemoveConflict drops a resolved conflict. Returns whether it existed.
func (t *Tracker) RemoveConflict(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.conflicts {
		if t.conflicts[i].ID == id {
			t.conflicts = append(t.conflicts[:i], t.conflicts[i+1:]...)
			return true
		}
	}
	return false
}

// Status snapshots the tracker for callers.
func (t *Tracker) Status() Status {
	loggedIn := t.loggedIn()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Online:         t.online,
		LoggedIn:       loggedIn,
		SyncInProgress: t.syncing,
		LastSyncAt:     t.lastSyncAt,
		SyncVersion:    t.syncVersion,
		PendingCount:   len(t.pending),
		ConflictsCount: len(t.conflicts),
	}
}
