package models

import (
	"encoding/json"
	"time"
)

// ChangeType names the kind of local mutation a pending change carries.
type ChangeType string

const (
	ChangeConversationCreate ChangeType = "conversation_create"
	ChangeMessageAdd         ChangeType = "message_add"
	ChangeTitleUpdate        ChangeType = "title_update"
	ChangeConversationDelete ChangeType = "conversation_delete"
)

// PendingChange is a locally-made mutation not yet acknowledged by the
// remote server. ClientID correlates the change to a local entity across
// the sync boundary.
type PendingChange struct {
	Type      ChangeType      `json:"type"`
	ClientID  string          `json:"clientId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
}

// Conflict is a server-detected divergence between a client's pending
// change and server-side state. It carries both versions so the caller
// can render them and pick a resolution.
type Conflict struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ClientID   string          `json:"clientId,omitempty"`
	LocalData  json.RawMessage `json:"localData,omitempty"`
	RemoteData json.RawMessage `json:"remoteData,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
}
