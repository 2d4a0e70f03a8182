package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"studysync/internal/authclient"
	"studysync/internal/models"
	"studysync/internal/storage"
)

// Meta key prefixes mapping server-assigned ids to local ids, so deltas
// and live remote changes apply idempotently.
const (
	metaRemoteConvPrefix = "sync_map_conv_"
	metaRemoteMsgPrefix  = "sync_map_msg_"
)

const syncRoundTimeout = 30 * time.Second

// EngineStatus extends the tracker snapshot with transport state.
type EngineStatus struct {
	Status
	ChannelConnected bool   `json:"channelConnected"`
	StorageEngine    string `json:"storageEngine"`
}

// Engine drives the sync cycle: it queues local mutations, flushes them
// after a debounce window or on the periodic timer, and applies remote
// deltas back into the store. All rounds run on one goroutine; the
// enqueue hooks only touch the tracker and the debouncer.
type Engine struct {
	store    storage.Store
	auth     *authclient.Client
	tracker  *Tracker
	channel  *Channel
	fallback *Fallback
	debounce *Debouncer
	deviceID string
	interval time.Duration

	stopCh  chan struct{}
	flushCh chan struct{}
	doneCh  chan struct{}
}

// NewEngine wires the sync machinery. wsURL is the persistent-channel
// endpoint, baseURL the HTTP fallback host.
func NewEngine(store storage.Store, auth *authclient.Client, deviceID, wsURL, baseURL string, debounceWindow, interval time.Duration) *Engine {
	e := &Engine{
		store:    store,
		auth:     auth,
		tracker:  NewTracker(auth.LoggedIn),
		deviceID: deviceID,
		interval: interval,
		stopCh:   make(chan struct{}),
		flushCh:  make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
	e.channel = NewChannel(wsURL, auth.AccessToken, e)
	e.fallback = NewFallback(baseURL, auth.AccessToken, e)
	e.debounce = NewDebouncer(debounceWindow, e.requestFlush)
	return e
}

// Tracker exposes the state tracker for status and conflict listing.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Start restores persisted sync state and launches the run loop.
func (e *Engine) Start(ctx context.Context) {
	if raw, err := e.store.GetMeta(ctx, storage.MetaSyncVersion); err == nil {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			e.tracker.RestoreSyncVersion(v)
		}
	}
	go e.run()
}

// Stop shuts the loop and the channel down.
func (e *Engine) Stop() {
	e.debounce.Stop()
	close(e.stopCh)
	<-e.doneCh
	e.channel.Close()
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.flushCh:
			e.syncRound()
		case <-ticker.C:
			e.syncRound()
		}
	}
}

func (e *Engine) requestFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

// SyncNow triggers an immediate round (manual sync).
func (e *Engine) SyncNow() { e.requestFlush() }

// SetOnline records a connectivity transition from the host environment.
// Going online triggers an immediate sync attempt when logged in; going
// offline drops the persistent channel.
func (e *Engine) SetOnline(online bool) {
	if e.tracker.SetOnline(online) {
		if e.auth.LoggedIn() {
			e.requestFlush()
		}
		return
	}
	if !online {
		e.channel.Close()
	}
}

// Status snapshots the sync state for callers.
func (e *Engine) Status() EngineStatus {
	return EngineStatus{
		Status:           e.tracker.Status(),
		ChannelConnected: e.channel.Connected(),
		StorageEngine:    e.store.Engine(),
	}
}

func clientConvID(id int64) string { return "conv-" + strconv.FormatInt(id, 10) }
func clientMsgID(id int64) string  { return "msg-" + strconv.FormatInt(id, 10) }

func (e *Engine) enqueue(changeType models.ChangeType, clientID string, payload any) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Printf("sync: encode %s change: %v", changeType, err)
			return
		}
		data = raw
	}
	queued := e.tracker.Enqueue(models.PendingChange{
		Type:     changeType,
		ClientID: clientID,
		Data:     data,
		DeviceID: e.deviceID,
	})
	if queued {
		e.debounce.Schedule()
	}
}

// NoteConversationCreated queues a local conversation creation.
func (e *Engine) NoteConversationCreated(conv *models.Conversation) {
	e.enqueue(models.ChangeConversationCreate, clientConvID(conv.ID), conv)
}

// NoteMessageAdded queues a local message append.
func (e *Engine) NoteMessageAdded(msg *models.Message) {
	e.enqueue(models.ChangeMessageAdd, clientMsgID(msg.ID), msg)
}

// NoteTitleUpdated queues a title change.
func (e *Engine) NoteTitleUpdated(conversationID int64, title string) {
	e.enqueue(models.ChangeTitleUpdate, clientConvID(conversationID), map[string]string{"title": title})
}

// NoteConversationDeleted queues a conversation deletion.
func (e *Engine) NoteConversationDeleted(conversationID int64) {
	e.enqueue(models.ChangeConversationDelete, clientConvID(conversationID), nil)
}

// transport returns the connected channel, dialing it if needed, and
// degrades to the HTTP fallback when the channel cannot come up. A dial
// rejected for authentication gets one token refresh before falling
// back.
func (e *Engine) transport(ctx context.Context) Transport {
	err := e.channel.Dial(ctx, e.deviceID)
	if err == nil {
		return e.channel
	}
	if errors.Is(err, ErrDialUnauthorized) {
		if rerr := e.auth.Refresh(ctx); rerr != nil {
			if errors.Is(rerr, authclient.ErrUnauthorized) {
				log.Printf("sync: session expired, channel torn down")
				return nil
			}
		} else if e.channel.Dial(ctx, e.deviceID) == nil {
			return e.channel
		}
	}
	log.Printf("sync: persistent channel unavailable, using http fallback: %v", err)
	return e.fallback
}

// syncRound is one full cycle: flush the pending queue, then request a
// delta since the last known sync version.
func (e *Engine) syncRound() {
	if !e.auth.LoggedIn() || !e.tracker.Online() {
		return
	}
	if !e.tracker.BeginSync() {
		return
	}
	defer e.tracker.EndSync()

	ctx, cancel := context.WithTimeout(context.Background(), syncRoundTimeout)
	defer cancel()

	transport := e.transport(ctx)
	if transport == nil {
		return
	}

	changes := e.tracker.TakePending()
	if len(changes) > 0 {
		result, err := transport.Push(ctx, changes, e.deviceID, e.tracker.SyncVersion())
		if err != nil {
			e.tracker.Requeue(changes)
			log.Printf("sync: push failed, %d change(s) requeued: %v", len(changes), err)
			return
		}
		e.settlePush(ctx, changes, result)
	}

	if err := transport.RequestSync(ctx, e.deviceID, e.tracker.SyncVersion()); err != nil {
		log.Printf("sync: delta request failed: %v", err)
	}
}

// settlePush drops acknowledged changes, requeues the rest, and records
// any conflicts the server reported.
func (e *Engine) settlePush(ctx context.Context, sent []models.PendingChange, result *PushResult) {
	acked := make(map[string]bool, len(result.Results))
	for _, ack := range result.Results {
		if ack.Success {
			acked[string(ack.Type)+"|"+ack.ClientID] = true
		}
	}
	var unacked []models.PendingChange
	for _, change := range sent {
		if !acked[string(change.Type)+"|"+change.ClientID] {
			unacked = append(unacked, change)
		}
	}
	e.tracker.Requeue(unacked)

	if len(result.Conflicts) > 0 {
		e.tracker.AddConflicts(result.Conflicts)
		log.Printf("sync: server reported %d conflict(s)", len(result.Conflicts))
	}
	e.markSynced(ctx, result.SyncVersion)
}

func (e *Engine) markSynced(ctx context.Context, version int64) {
	e.tracker.MarkSynced(version)
	if err := e.store.SetMeta(ctx, storage.MetaSyncVersion, strconv.FormatInt(e.tracker.SyncVersion(), 10)); err != nil {
		log.Printf("sync: persist sync version: %v", err)
	}
	if err := e.store.SetMeta(ctx, storage.MetaLastSyncAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Printf("sync: persist last sync time: %v", err)
	}
}

// localConversationID resolves a server conversation id to the local
// one, consulting the id map first and the change's clientId second.
func (e *Engine) localConversationID(ctx context.Context, remoteID, clientID string) (int64, bool) {
	if remoteID != "" {
		if raw, err := e.store.GetMeta(ctx, metaRemoteConvPrefix+remoteID); err == nil {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return id, true
			}
		}
	}
	if rest, ok := strings.CutPrefix(clientID, "conv-"); ok && rest != "" {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			if _, err := e.store.Conversation(ctx, id); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

// applyRemoteConversation imports one server conversation, creating it
// locally when unknown and recording the id mapping. Messages are
// deduplicated by server message id.
func (e *Engine) applyRemoteConversation(ctx context.Context, rc RemoteConversation) error {
	localID, known := e.localConversationID(ctx, rc.ID, rc.ClientID)
	if !known {
		conv, err := e.store.CreateConversation(ctx, storage.CreateConversationParams{
			Title:      rc.Title,
			AIProvider: rc.AIProvider,
			Model:      rc.Model,
			Tags:       rc.Tags,
		})
		if err != nil {
			return fmt.Errorf("create conversation %s: %w", rc.ID, err)
		}
		localID = conv.ID
	} else if rc.Title != "" {
		if err := e.store.UpdateConversationTitle(ctx, localID, rc.Title); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("update conversation %s title: %w", rc.ID, err)
		}
	}
	if rc.ID != "" {
		if err := e.store.SetMeta(ctx, metaRemoteConvPrefix+rc.ID, strconv.FormatInt(localID, 10)); err != nil {
			return err
		}
	}

	flags := storage.FlagUpdate{Archived: &rc.Archived, Pinned: &rc.Pinned}
	if rc.Tags != nil {
		flags.Tags = &rc.Tags
	}
	if err := e.store.UpdateConversationFlags(ctx, localID, flags); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	for _, rm := range rc.Messages {
		if err := e.applyRemoteMessage(ctx, localID, rm); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyRemoteMessage(ctx context.Context, localConvID int64, rm RemoteMessage) error {
	if rm.ID != "" {
		if _, err := e.store.GetMeta(ctx, metaRemoteMsgPrefix+rm.ID); err == nil {
			return nil // already imported
		}
	}
	msg, err := e.store.AddMessage(ctx, storage.AddMessageParams{
		ConversationID: localConvID,
		Type:           rm.Type,
		Content:        rm.Content,
		TokenCount:     rm.TokenCount,
		Model:          rm.Model,
		Timestamp:      rm.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("import message %s: %w", rm.ID, err)
	}
	if rm.ID != "" {
		return e.store.SetMeta(ctx, metaRemoteMsgPrefix+rm.ID, strconv.FormatInt(msg.ID, 10))
	}
	return nil
}

// HandleSyncData folds a server delta into the local store.
func (e *Engine) HandleSyncData(data SyncData) {
	ctx, cancel := context.WithTimeout(context.Background(), syncRoundTimeout)
	defer cancel()
	for _, rc := range data.Conversations {
		if err := e.applyRemoteConversation(ctx, rc); err != nil {
			log.Printf("sync: apply delta: %v", err)
		}
	}
	e.markSynced(ctx, data.SyncVersion)
}

// HandleRemoteChange applies one live change from another device.
func (e *Engine) HandleRemoteChange(change RemoteChange) {
	ctx, cancel := context.WithTimeout(context.Background(), syncRoundTimeout)
	defer cancel()

	switch change.Type {
	case models.ChangeConversationCreate:
		if change.Conversation == nil {
			return
		}
		if err := e.applyRemoteConversation(ctx, *change.Conversation); err != nil {
			log.Printf("sync: apply remote create: %v", err)
			return
		}
	case models.ChangeMessageAdd:
		if change.Message == nil {
			return
		}
		localID, ok := e.localConversationID(ctx, change.RemoteConvID, "")
		if !ok {
			log.Printf("sync: remote message for unknown conversation %s", change.RemoteConvID)
			return
		}
		if err := e.applyRemoteMessage(ctx, localID, *change.Message); err != nil {
			log.Printf("sync: apply remote message: %v", err)
			return
		}
	case models.ChangeTitleUpdate:
		if change.Conversation == nil {
			return
		}
		localID, ok := e.localConversationID(ctx, change.Conversation.ID, change.Conversation.ClientID)
		if !ok {
			return
		}
		if err := e.store.UpdateConversationTitle(ctx, localID, change.Conversation.Title); err != nil {
			log.Printf("sync: apply remote title: %v", err)
			return
		}
	case models.ChangeConversationDelete:
		localID, ok := e.localConversationID(ctx, change.RemoteConvID, "")
		if !ok {
			return
		}
		if err := e.store.DeleteConversation(ctx, localID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("sync: apply remote delete: %v", err)
			return
		}
		if change.RemoteConvID != "" {
			e.store.DeleteMeta(ctx, metaRemoteConvPrefix+change.RemoteConvID)
		}
	default:
		log.Printf("sync: unknown remote change type %q", change.Type)
		return
	}
	e.markSynced(ctx, change.SyncVersion)
}

// HandleConflicts surfaces server-detected conflicts. They stay listed
// until the caller resolves them; nothing is auto-resolved here.
func (e *Engine) HandleConflicts(conflicts []models.Conflict) {
	e.tracker.AddConflicts(conflicts)
	log.Printf("sync: %d unresolved conflict(s)", len(conflicts))
}

// HandleSyncError logs a server-side sync failure. Pending changes stay
// queued for the next round.
func (e *Engine) HandleSyncError(message string) {
	log.Printf("sync: server error: %s", message)
}

// ChannelClosed notes the teardown. No auto-reconnect here; the
// periodic timer and online transitions are the retry sources.
func (e *Engine) ChannelClosed(err error) {
	log.Printf("sync: channel closed: %v", err)
}

// ResolveConflict relays the caller's decision over the persistent
// channel. The channel is a hard dependency for this operation; without
// it the call fails with ErrChannelRequired and can be retried once the
// channel is back.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, resolution string, resolvedData json.RawMessage) error {
	if !e.channel.Connected() {
		if err := e.channel.Dial(ctx, e.deviceID); err != nil {
			return ErrChannelRequired
		}
	}
	if err := e.channel.ResolveConflict(ctx, conflictID, resolution, resolvedData); err != nil {
		return err
	}
	e.tracker.RemoveConflict(conflictID)
	return nil
}
