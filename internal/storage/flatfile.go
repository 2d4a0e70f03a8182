package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"studysync/internal/models"
	"studysync/internal/search"
)

// FlatFileStore is the fallback engine: the full dataset held in memory
// and persisted as one JSON document. Field names mirror the flat
// key-value layout (ai_conversations / ai_messages) so backups remain
// portable between engines.
type FlatFileStore struct {
	mu   sync.RWMutex
	path string
	data flatData
}

type flatData struct {
	Conversations []*models.Conversation `json:"ai_conversations"`
	Messages      []*models.Message      `json:"ai_messages"`
	Meta          map[string]string      `json:"meta"`
	NextConvID    int64                  `json:"next_conversation_id"`
	NextMessageID int64                  `json:"next_message_id"`
}

// OpenFlatFile loads the fallback store from path, starting empty when the
// file does not exist. An empty path keeps the store memory-only.
func OpenFlatFile(path string) (*FlatFileStore, error) {
	s := &FlatFileStore{
		path: path,
		data: flatData{
			Meta:          make(map[string]string),
			NextConvID:    1,
			NextMessageID: 1,
		},
	}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read flat storage: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decode flat storage: %w", err)
	}
	if s.data.Meta == nil {
		s.data.Meta = make(map[string]string)
	}
	if s.data.NextConvID < 1 {
		s.data.NextConvID = 1
	}
	if s.data.NextMessageID < 1 {
		s.data.NextMessageID = 1
	}
	return s, nil
}

func (s *FlatFileStore) Engine() string { return EngineFlatFile }

func (s *FlatFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked persists the dataset with a temp-file rename so a crashed
// write never truncates the previous snapshot.
func (s *FlatFileStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encode flat storage: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write flat storage: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace flat storage: %w", err)
	}
	return nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	dup := *c
	dup.Tags = append([]string(nil), c.Tags...)
	return &dup
}

func (s *FlatFileStore) findLocked(id int64) *models.Conversation {
	for _, c := range s.data.Conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *FlatFileStore) CreateConversation(ctx context.Context, params CreateConversationParams) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	tags := append([]string{}, params.Tags...)
	conv := &models.Conversation{
		ID:         s.data.NextConvID,
		Title:      normalizeTitle(strings.TrimSpace(params.Title)),
		AIProvider: params.AIProvider,
		Model:      params.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
		Tags:       tags,
	}
	s.data.NextConvID++
	s.data.Conversations = append(s.data.Conversations, conv)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return cloneConversation(conv), nil
}

func (s *FlatFileStore) Conversation(ctx context.Context, id int64) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.findLocked(id)
	if conv == nil {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *FlatFileStore) Conversations(ctx context.Context, opts ListOptions) (*Page, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	// The lock covers filter, sort, and clone: conversation structs are
	// mutated in place by the write paths, so no live pointer may be
	// touched after release.
	s.mu.RLock()
	defer s.mu.RUnlock()
	filtered := make([]*models.Conversation, 0, len(s.data.Conversations))
	for _, c := range s.data.Conversations {
		if c.Archived == opts.Archived {
			filtered = append(filtered, c)
		}
	}

	sortBy := opts.SortBy
	if _, ok := sortColumns[sortBy]; !ok {
		sortBy = "updatedAt"
	}
	asc := strings.EqualFold(opts.SortOrder, "asc")
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if !asc {
			// Swapping operands keeps the comparison strict, so equal
			// keys stay in insertion order either direction.
			a, b = b, a
		}
		switch sortColumns[sortBy] {
		case "created_at":
			return a.CreatedAt.Before(b.CreatedAt)
		case "title":
			return a.Title < b.Title
		case "message_count":
			return a.MessageCount < b.MessageCount
		default:
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	})

	total := len(filtered)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*models.Conversation, 0, end-start)
	for _, c := range filtered[start:end] {
		out = append(out, cloneConversation(c))
	}
	return &Page{
		Conversations: out,
		TotalCount:    total,
		HasMore:       len(out) == pageSize,
		CurrentPage:   page,
	}, nil
}

func (s *FlatFileStore) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

func (s *FlatFileStore) UpdateConversationFlags(ctx context.Context, id int64, flags FlagUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return ErrNotFound
	}
	if flags.Archived != nil {
		conv.Archived = *flags.Archived
	}
	if flags.Pinned != nil {
		conv.Pinned = *flags.Pinned
	}
	if flags.Tags != nil {
		conv.Tags = append([]string{}, (*flags.Tags)...)
	}
	return s.saveLocked()
}

func (s *FlatFileStore) DeleteConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, c := range s.data.Conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	s.data.Conversations = append(s.data.Conversations[:idx], s.data.Conversations[idx+1:]...)
	kept := s.data.Messages[:0]
	for _, m := range s.data.Messages {
		if m.ConversationID != id {
			kept = append(kept, m)
		}
	}
	s.data.Messages = kept
	return s.saveLocked()
}

func (s *FlatFileStore) AddMessage(ctx context.Context, params AddMessageParams) (*models.Message, error) {
	if params.ConversationID <= 0 {
		return nil, errors.New("conversation id is required")
	}
	ts := params.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(params.ConversationID)
	if conv == nil {
		return nil, ErrNotFound
	}
	msg := &models.Message{
		ID:             s.data.NextMessageID,
		ConversationID: params.ConversationID,
		Type:           params.Type,
		Content:        params.Content,
		Timestamp:      ts,
		TokenCount:     params.TokenCount,
		Model:          params.Model,
		ProcessingMS:   params.ProcessingMS,
	}
	s.data.NextMessageID++
	s.data.Messages = append(s.data.Messages, msg)
	conv.MessageCount++
	conv.TotalTokens += params.TokenCount
	conv.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	dup := *msg
	return &dup, nil
}

// messagesLocked collects a conversation's messages in timestamp order.
// Messages are append-only, so aliasing the stored pointers is safe.
func (s *FlatFileStore) messagesLocked(conversationID int64) []*models.Message {
	var messages []*models.Message
	for _, m := range s.data.Messages {
		if m.ConversationID == conversationID {
			messages = append(messages, m)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages
}

func (s *FlatFileStore) ConversationMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messagesLocked(conversationID), nil
}

func (s *FlatFileStore) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Results escape the lock, so rank over clones rather than the live
	// conversation structs.
	conversations := make([]*models.Conversation, 0, len(s.data.Conversations))
	byID := make(map[int64]*models.Conversation, len(s.data.Conversations))
	for _, c := range s.data.Conversations {
		dup := cloneConversation(c)
		conversations = append(conversations, dup)
		byID[dup.ID] = dup
	}
	return search.Rank(query, opts, conversations, s.data.Messages, byID), nil
}

func (s *FlatFileStore) CleanupOldData(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := retentionCutoff(daysToKeep)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[int64]bool)
	kept := s.data.Conversations[:0]
	for _, c := range s.data.Conversations {
		if c.UpdatedAt.Before(cutoff) && !retentionExempt(c) {
			removed[c.ID] = true
			continue
		}
		kept = append(kept, c)
	}
	s.data.Conversations = kept
	if len(removed) > 0 {
		keptMsgs := s.data.Messages[:0]
		for _, m := range s.data.Messages {
			if !removed[m.ConversationID] {
				keptMsgs = append(keptMsgs, m)
			}
		}
		s.data.Messages = keptMsgs
		if err := s.saveLocked(); err != nil {
			return int64(len(removed)), err
		}
	}
	return int64(len(removed)), nil
}

func (s *FlatFileStore) ExportAll(ctx context.Context) (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conversations := make([]*models.Conversation, len(s.data.Conversations))
	copy(conversations, s.data.Conversations)
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	export := &Export{
		Conversations: make([]*ConversationExport, 0, len(conversations)),
		ExportedAt:    time.Now().UTC(),
	}
	for _, c := range conversations {
		messages := s.messagesLocked(c.ID)
		if messages == nil {
			messages = []*models.Message{}
		}
		export.Conversations = append(export.Conversations, &ConversationExport{
			Conversation: *cloneConversation(c),
			Messages:     messages,
		})
	}
	return export, nil
}

func (s *FlatFileStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := json.Marshal(s.data)
	if err != nil {
		return nil, fmt.Errorf("measure flat storage: %w", err)
	}
	return &Stats{
		ConversationCount: len(s.data.Conversations),
		MessageCount:      len(s.data.Messages),
		TotalSize:         int64(len(raw)),
		Engine:            EngineFlatFile,
	}, nil
}

func (s *FlatFileStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data.Meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FlatFileStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Meta[key] = value
	return s.saveLocked()
}

func (s *FlatFileStore) DeleteMeta(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Meta, key)
	return s.saveLocked()
}
