package models

import "time"

// Conversation is a titled thread of messages exchanged with an AI provider.
type Conversation struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	AIProvider   string    `json:"aiProvider"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	TotalTokens  int       `json:"totalTokens"`
	Tags         []string  `json:"tags"`
	Archived     bool      `json:"archived"`
	Pinned       bool      `json:"pinned"`
}

// HasTag reports whether the conversation carries the given tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
