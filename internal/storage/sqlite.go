package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"studysync/internal/models"
	"studysync/internal/search"
)

// SQLiteStore is the primary engine: conversations, messages, and meta in
// an embedded transactional database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite connects to the SQLite database at the provided path and
// ensures the required tables are present.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path must be provided")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			ai_provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			archived INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			processing_ms INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_created_at ON conversations(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_title ON conversations(title)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_provider ON conversations(ai_provider)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_archived ON conversations(archived)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Engine() string { return EngineSQLite }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateConversation inserts a new conversation and returns the record.
func (s *SQLiteStore) CreateConversation(ctx context.Context, params CreateConversationParams) (*models.Conversation, error) {
	title := normalizeTitle(strings.TrimSpace(params.Title))
	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title, ai_provider, model, created_at, updated_at, tags)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		title, params.AIProvider, params.Model, now, now, string(tagsJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID:         id,
		Title:      title,
		AIProvider: params.AIProvider,
		Model:      params.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
		Tags:       tags,
	}, nil
}

const conversationColumns = `id, title, ai_provider, model, created_at, updated_at, message_count, total_tokens, tags, archived, pinned`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var tagsJSON string
	err := row.Scan(&c.ID, &c.Title, &c.AIProvider, &c.Model, &c.CreatedAt, &c.UpdatedAt,
		&c.MessageCount, &c.TotalTokens, &tagsJSON, &c.Archived, &c.Pinned)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		c.Tags = []string{}
	}
	return &c, nil
}

// Conversation returns a single conversation by id.
func (s *SQLiteStore) Conversation(ctx context.Context, id int64) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

var sortColumns = map[string]string{
	"updatedAt":    "updated_at",
	"updated_at":   "updated_at",
	"createdAt":    "created_at",
	"created_at":   "created_at",
	"title":        "title",
	"messageCount": "message_count",
}

// Conversations returns one page filtered by the archived flag, sorted by
// the requested field (default updated_at descending).
func (s *SQLiteStore) Conversations(ctx context.Context, opts ListOptions) (*Page, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	column, ok := sortColumns[opts.SortBy]
	if !ok {
		column = "updated_at"
	}
	order := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		order = "ASC"
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE archived = ?`, opts.Archived,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE archived = ?
		 ORDER BY `+column+` `+order+` LIMIT ? OFFSET ?`,
		opts.Archived, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]*models.Conversation, 0, pageSize)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Page{
		Conversations: conversations,
		TotalCount:    total,
		HasMore:       len(conversations) == pageSize,
		CurrentPage:   page,
	}, nil
}

// UpdateConversationTitle sets a new title and advances updated_at.
func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationFlags applies archived/pinned/tag changes.
func (s *SQLiteStore) UpdateConversationFlags(ctx context.Context, id int64, flags FlagUpdate) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if flags.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, *flags.Archived)
	}
	if flags.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, *flags.Pinned)
	}
	if flags.Tags != nil {
		tagsJSON, err := json.Marshal(*flags.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update conversation flags: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and cascades to its messages
// in one transaction, so no orphaned messages are visible afterwards.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// AddMessage appends a message and updates the parent conversation's
// counters and updated_at atomically.
func (s *SQLiteStore) AddMessage(ctx context.Context, params AddMessageParams) (*models.Message, error) {
	if params.ConversationID <= 0 {
		return nil, errors.New("conversation id is required")
	}
	ts := params.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, params.ConversationID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		err = ErrNotFound
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, type, content, timestamp, token_count, model, processing_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		params.ConversationID, params.Type, params.Content, ts, params.TokenCount, params.Model, params.ProcessingMS,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations
		 SET updated_at = ?, message_count = message_count + 1, total_tokens = total_tokens + ?
		 WHERE id = ?`,
		time.Now().UTC(), params.TokenCount, params.ConversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return &models.Message{
		ID:             id,
		ConversationID: params.ConversationID,
		Type:           params.Type,
		Content:        params.Content,
		Timestamp:      ts,
		TokenCount:     params.TokenCount,
		Model:          params.Model,
		ProcessingMS:   params.ProcessingMS,
	}, nil
}

// ConversationMessages returns all messages for the conversation sorted
// ascending by timestamp.
func (s *SQLiteStore) ConversationMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, type, content, timestamp, token_count, model, processing_ms
		 FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Type, &m.Content, &m.Timestamp,
			&m.TokenCount, &m.Model, &m.ProcessingMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Search scans titles and message bodies and returns ranked matches.
func (s *SQLiteStore) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	conversations, convByID, err := s.allConversations(ctx)
	if err != nil {
		return nil, err
	}
	var messages []*models.Message
	if opts.InContent {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, conversation_id, type, content, timestamp, token_count, model, processing_ms
			 FROM messages ORDER BY conversation_id ASC, timestamp ASC, id ASC`)
		if err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m := new(models.Message)
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.Type, &m.Content, &m.Timestamp,
				&m.TokenCount, &m.Model, &m.ProcessingMS); err != nil {
				return nil, fmt.Errorf("scan message: %w", err)
			}
			messages = append(messages, m)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return search.Rank(query, opts, conversations, messages, convByID), nil
}

func (s *SQLiteStore) allConversations(ctx context.Context) ([]*models.Conversation, map[int64]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	byID := make(map[int64]*models.Conversation)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
		byID[c.ID] = c
	}
	return conversations, byID, rows.Err()
}

// CleanupOldData deletes conversations whose updated_at is older than the
// cutoff, skipping pinned conversations and those tagged important, and
// cascades message deletion. It returns the number of deleted conversations.
func (s *SQLiteStore) CleanupOldData(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := retentionCutoff(daysToKeep)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE updated_at < ? AND pinned = 0`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select stale conversations: %w", err)
	}
	var stale []int64
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan conversation: %w", err)
		}
		if !retentionExempt(c) {
			stale = append(stale, c.ID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var deleted int64
	for _, id := range stale {
		if err := s.DeleteConversation(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// ExportAll returns a full dump with messages embedded per conversation.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*Export, error) {
	conversations, _, err := s.allConversations(ctx)
	if err != nil {
		return nil, err
	}
	export := &Export{
		Conversations: make([]*ConversationExport, 0, len(conversations)),
		ExportedAt:    time.Now().UTC(),
	}
	for _, c := range conversations {
		messages, err := s.ConversationMessages(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if messages == nil {
			messages = []*models.Message{}
		}
		export.Conversations = append(export.Conversations, &ConversationExport{
			Conversation: *c,
			Messages:     messages,
		})
	}
	return export, nil
}

// Stats reports entity counts and the database footprint in bytes.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Engine: EngineSQLite}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&stats.ConversationCount); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.MessageCount); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			stats.TotalSize = pageCount * pageSize
		}
	}
	return stats, nil
}

// GetMeta returns a persisted meta value or ErrNotFound.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete meta %s: %w", key, err)
	}
	return nil
}
