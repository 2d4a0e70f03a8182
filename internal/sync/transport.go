package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studysync/internal/models"
)

// ackTimeout bounds how long a push or conflict resolution waits for the
// server's acknowledgment before the round is abandoned. Pending changes
// stay queued for the next attempt.
const ackTimeout = 10 * time.Second

// ErrChannelRequired is returned for operations that only work over the
// persistent channel while it is not connected.
var ErrChannelRequired = errors.New("persistent sync channel not connected")

// ErrAckTimeout signals that the server did not acknowledge within the
// bounded wait. The underlying request is left outstanding.
var ErrAckTimeout = errors.New("timed out waiting for server acknowledgment")

// ErrDialUnauthorized marks a channel handshake rejected with 401; the
// caller may refresh the token and dial again.
var ErrDialUnauthorized = errors.New("sync channel rejected credentials")

// PushAck is the server's verdict on one transmitted change.
type PushAck struct {
	ClientID string            `json:"clientId"`
	Type     models.ChangeType `json:"type"`
	Success  bool              `json:"success"`
}

// PushResult is the outcome of one push round. The server is the sole
// arbiter of conflicts; the client drops acknowledged changes and
// requeues the rest.
type PushResult struct {
	Results     []PushAck         `json:"results"`
	Conflicts   []models.Conflict `json:"conflicts,omitempty"`
	SyncVersion int64             `json:"syncVersion"`
}

// RemoteMessage is a message as the server ships it in a delta.
type RemoteMessage struct {
	ID         string             `json:"id"`
	Type       models.MessageType `json:"type"`
	Content    string             `json:"content"`
	Timestamp  time.Time          `json:"timestamp"`
	TokenCount int                `json:"tokenCount,omitempty"`
	Model      string             `json:"model,omitempty"`
}

// RemoteConversation is a conversation (with embedded messages) as the
// server ships it in a delta. ClientID is present when the conversation
// originated on this device.
type RemoteConversation struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"clientId,omitempty"`
	Title      string          `json:"title"`
	AIProvider string          `json:"aiProvider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Archived   bool            `json:"archived"`
	Pinned     bool            `json:"pinned"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Messages   []RemoteMessage `json:"messages,omitempty"`
}

// SyncData is a server-computed delta since the client's reported
// sync version.
type SyncData struct {
	Conversations []RemoteConversation `json:"conversations"`
	SyncVersion   int64                `json:"syncVersion"`
}

// RemoteChange is a single change made on another device, relayed live.
type RemoteChange struct {
	Type         models.ChangeType   `json:"type"`
	Conversation *RemoteConversation `json:"conversation,omitempty"`
	Message      *RemoteMessage      `json:"message,omitempty"`
	RemoteConvID string              `json:"conversationId,omitempty"`
	SyncVersion  int64               `json:"syncVersion"`
}

// Events receives asynchronous server-initiated traffic from the
// persistent channel.
type Events interface {
	HandleSyncData(data SyncData)
	HandleRemoteChange(change RemoteChange)
	HandleConflicts(conflicts []models.Conflict)
	HandleSyncError(message string)
	ChannelClosed(err error)
}

// Transport pushes queued changes and requests deltas. The engine holds
// one persistent-channel implementation and one HTTP fallback.
type Transport interface {
	Push(ctx context.Context, changes []models.PendingChange, deviceID string, syncVersion int64) (*PushResult, error)
	RequestSync(ctx context.Context, deviceID string, lastSyncVersion int64) error
}

// frame is the wire shape for every channel message, both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound and inbound channel event names.
const (
	evDeviceInfo       = "device_info"
	evPushChanges      = "push_changes"
	evRequestSync      = "request_sync"
	evResolveConflict  = "resolve_conflict"
	evSyncData         = "sync_data"
	evSyncConflicts    = "sync_conflicts"
	evRemoteChange     = "remote_change"
	evSyncError        = "sync_error"
	evPushResult       = "push_result"
	evConflictResolved = "conflict_resolved"
	evConflictError    = "conflict_error"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Channel is the persistent bidirectional transport. One connect attempt
// per Dial call; it does not auto-retry on transport error, the engine's
// periodic timer and online-transition hook are the retry sources.
type Channel struct {
	url     string
	tokenFn func() string
	events  Events

	mu          sync.Mutex
	conn        *websocket.Conn
	pushWait    chan *PushResult
	resolveWait map[string]chan error
	closed      bool
}

// NewChannel builds an unconnected channel. tokenFn supplies the current
// access token at connect time.
func NewChannel(url string, tokenFn func() string, events Events) *Channel {
	return &Channel{
		url:         url,
		tokenFn:     tokenFn,
		events:      events,
		resolveWait: make(map[string]chan error),
	}
}

// Connected reports whether the socket is up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

type deviceInfo struct {
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
}

// Dial connects, authenticates with the current access token, announces
// the device, and starts the read loop. No-op when already connected.
func (c *Channel) Dial(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	token := c.tokenFn()
	if token == "" {
		return ErrChannelRequired
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("dial sync channel: %w", ErrDialUnauthorized)
			}
			return fmt.Errorf("dial sync channel: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial sync channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	if err := c.send(evDeviceInfo, deviceInfo{DeviceID: deviceID, Platform: "go-daemon"}); err != nil {
		c.teardown(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Close shuts the socket down without notifying Events.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) send(eventType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelRequired
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrChannelRequired
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(frame{Type: eventType, Data: data})
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.teardown(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Channel) teardown(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	// Fail any in-flight waits so callers do not sit out the full timeout.
	pushWait := c.pushWait
	c.pushWait = nil
	waits := c.resolveWait
	c.resolveWait = make(map[string]chan error)
	c.mu.Unlock()

	if pushWait != nil {
		close(pushWait)
	}
	for _, ch := range waits {
		ch <- ErrChannelRequired
	}
	if !wasClosed && c.events != nil {
		c.events.ChannelClosed(err)
	}
}

func (c *Channel) dispatch(f frame) {
	switch f.Type {
	case evPushResult:
		var result PushResult
		if err := json.Unmarshal(f.Data, &result); err != nil {
			log.Printf("sync channel: bad push_result: %v", err)
			return
		}
		c.mu.Lock()
		wait := c.pushWait
		c.pushWait = nil
		c.mu.Unlock()
		if wait != nil {
			wait <- &result
		}
	case evConflictResolved, evConflictError:
		var payload struct {
			ConflictID string `json:"conflictId"`
			Message    string `json:"message,omitempty"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			log.Printf("sync channel: bad %s: %v", f.Type, err)
			return
		}
		c.mu.Lock()
		wait, ok := c.resolveWait[payload.ConflictID]
		delete(c.resolveWait, payload.ConflictID)
		c.mu.Unlock()
		if !ok {
			return
		}
		if f.Type == evConflictError {
			wait <- fmt.Errorf("conflict %s: %s", payload.ConflictID, payload.Message)
		} else {
			wait <- nil
		}
	case evSyncData:
		var data SyncData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			log.Printf("sync channel: bad sync_data: %v", err)
			return
		}
		c.events.HandleSyncData(data)
	case evRemoteChange:
		var change RemoteChange
		if err := json.Unmarshal(f.Data, &change); err != nil {
			log.Printf("sync channel: bad remote_change: %v", err)
			return
		}
		c.events.HandleRemoteChange(change)
	case evSyncConflicts:
		var payload struct {
			Conflicts []models.Conflict `json:"conflicts"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			log.Printf("sync channel: bad sync_conflicts: %v", err)
			return
		}
		c.events.HandleConflicts(payload.Conflicts)
	case evSyncError:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &payload); err == nil {
			c.events.HandleSyncError(payload.Message)
		}
	default:
		log.Printf("sync channel: unknown event %q", f.Type)
	}
}

type pushPayload struct {
	Changes     []models.PendingChange `json:"changes"`
	DeviceID    string                 `json:"deviceId"`
	SyncVersion int64                  `json:"syncVersion"`
}

// Push transmits the changes and waits up to 10 seconds for the server's
// push_result.
func (c *Channel) Push(ctx context.Context, changes []models.PendingChange, deviceID string, syncVersion int64) (*PushResult, error) {
	wait := make(chan *PushResult, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrChannelRequired
	}
	if c.pushWait != nil {
		c.mu.Unlock()
		return nil, errors.New("push already in flight")
	}
	c.pushWait = wait
	c.mu.Unlock()

	if err := c.send(evPushChanges, pushPayload{Changes: changes, DeviceID: deviceID, SyncVersion: syncVersion}); err != nil {
		c.mu.Lock()
		c.pushWait = nil
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case result, ok := <-wait:
		if !ok {
			return nil, ErrChannelRequired
		}
		return result, nil
	case <-timer.C:
		c.mu.Lock()
		if c.pushWait == wait {
			c.pushWait = nil
		}
		c.mu.Unlock()
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.mu.Lock()
		if c.pushWait == wait {
			c.pushWait = nil
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

type requestSyncPayload struct {
	DeviceID        string `json:"deviceId"`
	LastSyncVersion int64  `json:"lastSyncVersion"`
}

// RequestSync asks for a delta. Fire-and-forget: the server replies
// asynchronously with sync_data / remote_change events.
func (c *Channel) RequestSync(ctx context.Context, deviceID string, lastSyncVersion int64) error {
	return c.send(evRequestSync, requestSyncPayload{DeviceID: deviceID, LastSyncVersion: lastSyncVersion})
}

type resolvePayload struct {
	ConflictID   string          `json:"conflictId"`
	Resolution   string          `json:"resolution"`
	ResolvedData json.RawMessage `json:"resolvedData,omitempty"`
}

// ResolveConflict relays the caller's decision and waits up to 10
// seconds for a terminal conflict_resolved / conflict_error event.
// Requires the persistent channel; there is no HTTP fallback for this
// operation.
func (c *Channel) ResolveConflict(ctx context.Context, conflictID, resolution string, resolvedData json.RawMessage) error {
	wait := make(chan error, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrChannelRequired
	}
	c.resolveWait[conflictID] = wait
	c.mu.Unlock()

	err := c.send(evResolveConflict, resolvePayload{ConflictID: conflictID, Resolution: resolution, ResolvedData: resolvedData})
	if err != nil {
		c.mu.Lock()
		delete(c.resolveWait, conflictID)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		c.mu.Lock()
		delete(c.resolveWait, conflictID)
		c.mu.Unlock()
		return ErrAckTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.resolveWait, conflictID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Fallback is the request/response transport used when the persistent
// channel is absent or not connected. Same payload shapes over plain
// HTTP.
type Fallback struct {
	baseURL    string
	httpClient *http.Client
	tokenFn    func() string
	events     Events
}

func NewFallback(baseURL string, tokenFn func() string, events Events) *Fallback {
	return &Fallback{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: ackTimeout},
		tokenFn:    tokenFn,
		events:     events,
	}
}

func (f *Fallback) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.tokenFn())

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Message == "" {
			env.Message = "request rejected"
		}
		return errors.New(env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// Push transmits the changes synchronously over HTTP.
func (f *Fallback) Push(ctx context.Context, changes []models.PendingChange, deviceID string, syncVersion int64) (*PushResult, error) {
	var result PushResult
	err := f.post(ctx, "/api/sync/push", pushPayload{Changes: changes, DeviceID: deviceID, SyncVersion: syncVersion}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RequestSync pulls a delta synchronously; the response is fed through
// the same Events path the channel uses.
func (f *Fallback) RequestSync(ctx context.Context, deviceID string, lastSyncVersion int64) error {
	var data SyncData
	err := f.post(ctx, "/api/sync/pull", requestSyncPayload{DeviceID: deviceID, LastSyncVersion: lastSyncVersion}, &data)
	if err != nil {
		return err
	}
	f.events.HandleSyncData(data)
	return nil
}
