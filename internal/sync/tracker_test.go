package sync

import (
	"testing"

	"studysync/internal/models"
)

func loggedIn() bool  { return true }
func loggedOut() bool { return false }

func change(clientID string) models.PendingChange {
	return models.PendingChange{
		Type:     models.ChangeMessageAdd,
		ClientID: clientID,
		DeviceID: "dev-1",
	}
}

func TestEnqueueRequiresSession(t *testing.T) {
	tr := NewTracker(loggedOut)
	if tr.Enqueue(change("msg-1")) {
		t.Fatalf("enqueue should be rejected without a session")
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("queue should stay empty, got %d", tr.PendingCount())
	}
}

func TestEnqueueQueuesWhileOffline(t *testing.T) {
	tr := NewTracker(loggedIn)
	tr.SetOnline(false)
	if !tr.Enqueue(change("msg-1")) {
		t.Fatalf("offline enqueue should still be accepted with a session")
	}
	if tr.PendingCount() != 1 {
		t.Fatalf("offline change should stay queued, got %d pending", tr.PendingCount())
	}

	// Back online, the queued change is still there for the next flush.
	if !tr.SetOnline(true) {
		t.Fatalf("expected an offline-to-online transition")
	}
	taken := tr.TakePending()
	if len(taken) != 1 || taken[0].ClientID != "msg-1" {
		t.Fatalf("offline change should survive to the flush: %+v", taken)
	}
}

func TestSetOnlineReportsTransition(t *testing.T) {
	tr := NewTracker(loggedIn)
	if tr.SetOnline(true) {
		t.Fatalf("already online, no transition expected")
	}
	tr.SetOnline(false)
	if !tr.SetOnline(true) {
		t.Fatalf("offline to online should report a transition")
	}
}

func TestTakePendingSnapshotsAndClears(t *testing.T) {
	tr := NewTracker(loggedIn)
	tr.Enqueue(change("msg-1"))
	tr.Enqueue(change("msg-2"))

	taken := tr.TakePending()
	if len(taken) != 2 {
		t.Fatalf("expected 2 taken changes, got %d", len(taken))
	}
	if taken[0].ClientID != "msg-1" || taken[1].ClientID != "msg-2" {
		t.Fatalf("snapshot should preserve enqueue order: %+v", taken)
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("queue should be empty after snapshot, got %d", tr.PendingCount())
	}
}

func TestRequeuePutsFailedChangesFirst(t *testing.T) {
	tr := NewTracker(loggedIn)
	tr.Enqueue(change("msg-1"))
	taken := tr.TakePending()

	// A new change arrives while the flush is in flight.
	tr.Enqueue(change("msg-2"))
	tr.Requeue(taken)

	final := tr.TakePending()
	if len(final) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(final))
	}
	if final[0].ClientID != "msg-1" || final[1].ClientID != "msg-2" {
		t.Fatalf("requeued change should come first: %+v", final)
	}
}

func TestBeginSyncRejectsConcurrentRounds(t *testing.T) {
	tr := NewTracker(loggedIn)
	if !tr.BeginSync() {
		t.Fatalf("first round should begin")
	}
	if tr.BeginSync() {
		t.Fatalf("second round should be rejected while one is running")
	}
	tr.EndSync()
	if !tr.BeginSync() {
		t.Fatalf("round should begin again after EndSync")
	}
}

func TestMarkSyncedIsMonotonic(t *testing.T) {
	tr := NewTracker(loggedIn)
	tr.MarkSynced(5)
	tr.MarkSynced(3)
	if got := tr.SyncVersion(); got != 5 {
		t.Fatalf("sync version must not regress, got %d", got)
	}
	tr.MarkSynced(9)
	if got := tr.SyncVersion(); got != 9 {
		t.Fatalf("expected version 9, got %d", got)
	}
	if tr.Status().LastSyncAt.IsZero() {
		t.Fatalf("lastSyncAt should be set after a round")
	}
}

func TestConflictLifecycle(t *testing.T) {
	tr := NewTracker(loggedIn)
	tr.AddConflicts([]models.Conflict{{ID: "c1"}, {ID: "c2"}})
	tr.AddConflicts([]models.Conflict{{ID: "c1", Type: "title"}})

	conflicts := tr.Conflicts()
	if len(conflicts) != 2 {
		t.Fatalf("duplicate conflict ids should replace, got %d entries", len(conflicts))
	}
	if conflicts[0].ID != "c1" || conflicts[0].Type != "title" {
		t.Fatalf("expected c1 replaced in place: %+v", conflicts[0])
	}

	if !tr.RemoveConflict("c1") {
		t.Fatalf("expected c1 to be removable")
	}
	if tr.RemoveConflict("c1") {
		t.Fatalf("c1 already removed")
	}
	if tr.Status().ConflictsCount != 1 {
		t.Fatalf("expected 1 remaining conflict, got %d", tr.Status().ConflictsCount)
	}
}

func TestStatusSnapshot(t *testing.T) {
	tr := NewTracker(loggedIn)
	tr.Enqueue(change("msg-1"))
	tr.MarkSynced(4)

	status := tr.Status()
	if !status.Online || !status.LoggedIn {
		t.Fatalf("expected online logged-in status: %+v", status)
	}
	if status.PendingCount != 1 || status.SyncVersion != 4 {
		t.Fatalf("status mismatch: %+v", status)
	}
	if status.SyncInProgress {
		t.Fatalf("no round running, syncInProgress should be false")
	}
}
