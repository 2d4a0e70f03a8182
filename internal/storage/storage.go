// Package storage implements the local conversation store: a primary
// embedded SQLite engine and a flat-file fallback behind one interface.
package storage

import (
	"context"
	"errors"
	"log"
	"time"

	"studysync/internal/models"
	"studysync/internal/search"
)

// ErrNotFound is returned for operations on missing conversations,
// messages, or meta keys, regardless of engine.
var ErrNotFound = errors.New("record not found")

// Engine names reported by Store.Engine.
const (
	EngineSQLite   = "sqlite"
	EngineFlatFile = "flatfile"
)

// Meta keys for persisted local state shared by the auth and sync layers.
const (
	MetaDeviceID     = "device_id"
	MetaAccessToken  = "auth_access_token"
	MetaRefreshToken = "auth_refresh_token"
	MetaUser         = "auth_user"
	MetaSyncVersion  = "sync_version"
	MetaLastSyncAt   = "last_sync_at"
)

type CreateConversationParams struct {
	Title      string   `json:"title"`
	AIProvider string   `json:"aiProvider"`
	Model      string   `json:"model"`
	Tags       []string `json:"tags"`
}

type AddMessageParams struct {
	ConversationID int64              `json:"conversationId"`
	Type           models.MessageType `json:"type"`
	Content        string             `json:"content"`
	TokenCount     int                `json:"tokenCount"`
	Model          string             `json:"model"`
	ProcessingMS   int64              `json:"processingTime"`
	// Timestamp overrides the creation time when set; used when applying
	// remote changes so ordering survives the sync boundary.
	Timestamp time.Time `json:"timestamp"`
}

type ListOptions struct {
	Page      int
	PageSize  int
	Archived  bool
	SortBy    string
	SortOrder string
}

// Page is one page of conversations. HasMore is an approximation: it is
// true iff a full page was returned, so the caller must request another
// page to learn whether more exist beyond the boundary.
type Page struct {
	Conversations []*models.Conversation `json:"conversations"`
	TotalCount    int                    `json:"totalCount"`
	HasMore       bool                   `json:"hasMore"`
	CurrentPage   int                    `json:"currentPage"`
}

// FlagUpdate carries optional archived/pinned/tag mutations; nil fields
// are left untouched.
type FlagUpdate struct {
	Archived *bool
	Pinned   *bool
	Tags     *[]string
}

type ConversationExport struct {
	models.Conversation
	Messages []*models.Message `json:"messages"`
}

type Export struct {
	Conversations []*ConversationExport `json:"conversations"`
	ExportedAt    time.Time             `json:"exportedAt"`
}

type Stats struct {
	ConversationCount int    `json:"conversationCount"`
	MessageCount      int    `json:"messageCount"`
	TotalSize         int64  `json:"totalSize"`
	Engine            string `json:"engine"`
}

// Store is the local conversation store contract. Both engines provide
// identical semantics; callers never branch on the engine in use.
type Store interface {
	Engine() string

	CreateConversation(ctx context.Context, params CreateConversationParams) (*models.Conversation, error)
	Conversation(ctx context.Context, id int64) (*models.Conversation, error)
	Conversations(ctx context.Context, opts ListOptions) (*Page, error)
	UpdateConversationTitle(ctx context.Context, id int64, title string) error
	UpdateConversationFlags(ctx context.Context, id int64, flags FlagUpdate) error
	DeleteConversation(ctx context.Context, id int64) error

	AddMessage(ctx context.Context, params AddMessageParams) (*models.Message, error)
	ConversationMessages(ctx context.Context, conversationID int64) ([]*models.Message, error)

	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)

	CleanupOldData(ctx context.Context, daysToKeep int) (int64, error)
	ExportAll(ctx context.Context) (*Export, error)
	Stats(ctx context.Context) (*Stats, error)

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error

	Close() error
}

// Open selects the storage engine: SQLite at dbPath, degrading to the
// flat-file fallback at fallbackPath when the primary engine cannot
// initialize. Initialization failure is logged, not surfaced.
func Open(dbPath, fallbackPath string) (Store, error) {
	s, err := OpenSQLite(dbPath)
	if err != nil {
		log.Printf("sqlite engine unavailable, falling back to flat storage: %v", err)
		return OpenFlatFile(fallbackPath)
	}
	return s, nil
}

const defaultTitle = "New Conversation"

func normalizeTitle(title string) string {
	if title == "" {
		return defaultTitle
	}
	return title
}

// retentionCutoff converts a daysToKeep policy into an absolute cutoff.
func retentionCutoff(daysToKeep int) time.Time {
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	return time.Now().UTC().AddDate(0, 0, -daysToKeep)
}

// retentionExempt reports whether a conversation is protected from
// age-based cleanup.
func retentionExempt(c *models.Conversation) bool {
	return c.Pinned || c.HasTag("important")
}
