package models

import "time"

// MessageType identifies which side of the exchange produced a message.
// System messages are used for error records.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Message is one turn within a conversation. Messages are append-only:
// created once and deleted only by cascading with their conversation.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversationId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	TokenCount     int         `json:"tokenCount,omitempty"`
	Model          string      `json:"model,omitempty"`
	ProcessingMS   int64       `json:"processingTime,omitempty"`
}
