package search

import (
	"testing"
	"time"

	"studysync/internal/models"
)

func TestScoreExactMatch(t *testing.T) {
	if got := Score("Hello World", "hello world"); got != 100 {
		t.Fatalf("expected exact match to score 100, got %v", got)
	}
}

func TestScoreSubstringBand(t *testing.T) {
	// Match at position 0 scores the top of the band.
	if got := Score("hello", "hello there everyone"); got != 80 {
		t.Fatalf("expected leading substring to score 80, got %v", got)
	}
	// Later matches score lower but stay above the word-overlap band.
	early := Score("world", "world peace negotiations")
	late := Score("world", "negotiations about world")
	if early <= late {
		t.Fatalf("expected earlier match to outscore later: %v vs %v", early, late)
	}
	if late < 50 || late > 80 {
		t.Fatalf("substring score %v outside the 50-80 band", late)
	}
}

func TestScoreWordOverlap(t *testing.T) {
	// One of two query words present: half the 0-30 band.
	if got := Score("quantum biology", "intro to biology"); got != 15 {
		t.Fatalf("expected half overlap to score 15, got %v", got)
	}
	if got := Score("quantum", "intro to biology"); got != 0 {
		t.Fatalf("expected no overlap to score 0, got %v", got)
	}
}

func TestScoreEmptyInputs(t *testing.T) {
	if got := Score("", "anything"); got != 0 {
		t.Fatalf("empty query should score 0, got %v", got)
	}
	if got := Score("query", ""); got != 0 {
		t.Fatalf("empty candidate should score 0, got %v", got)
	}
}

func newConv(id int64, title string) *models.Conversation {
	now := time.Now().UTC()
	return &models.Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
}

func newMsg(id, convID int64, content string) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: convID,
		Type:           models.MessageUser,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
}

func TestRankPoolsTitleAndContentMatches(t *testing.T) {
	conversations := []*models.Conversation{
		newConv(1, "Hello world"),
		newConv(2, "Unrelated topic"),
	}
	messages := []*models.Message{
		newMsg(1, 2, "I said hello world to everyone"),
		newMsg(2, 2, "nothing relevant here"),
	}
	byID := map[int64]*models.Conversation{1: conversations[0], 2: conversations[1]}

	results := Rank("hello world", Options{InTitle: true, InContent: true, Limit: 10},
		conversations, messages, byID)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].MatchType != MatchTitle || results[0].Conversation.ID != 1 {
		t.Fatalf("expected title match first, got %+v", results[0])
	}
	if results[0].Score != 100 {
		t.Fatalf("expected exact title score 100, got %v", results[0].Score)
	}
	if results[1].MatchType != MatchMessage || results[1].Message.ID != 1 {
		t.Fatalf("expected content match second, got %+v", results[1])
	}
	if results[1].Score < 50 {
		t.Fatalf("expected substring content match to score at least 50, got %v", results[1].Score)
	}
}

func TestRankStableTieBreakPrefersTitleDiscoveryOrder(t *testing.T) {
	// Identical titles score identically; stable sort keeps enumeration order.
	conversations := []*models.Conversation{
		newConv(1, "study notes"),
		newConv(2, "study notes"),
	}
	byID := map[int64]*models.Conversation{1: conversations[0], 2: conversations[1]}
	results := Rank("study notes", Options{InTitle: true, Limit: 10}, conversations, nil, byID)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Conversation.ID != 1 || results[1].Conversation.ID != 2 {
		t.Fatalf("tie-break should preserve discovery order, got %d then %d",
			results[0].Conversation.ID, results[1].Conversation.ID)
	}
}

func TestRankTruncatesToLimit(t *testing.T) {
	var conversations []*models.Conversation
	byID := make(map[int64]*models.Conversation)
	for i := int64(1); i <= 30; i++ {
		c := newConv(i, "weekly physics review")
		conversations = append(conversations, c)
		byID[i] = c
	}
	results := Rank("physics", Options{InTitle: true, Limit: 5}, conversations, nil, byID)
	if len(results) != 5 {
		t.Fatalf("expected limit of 5 results, got %d", len(results))
	}

	// Zero limit falls back to the default.
	results = Rank("physics", Options{InTitle: true}, conversations, nil, byID)
	if len(results) != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, len(results))
	}
}

func TestRankSkipsDisabledFields(t *testing.T) {
	conversations := []*models.Conversation{newConv(1, "hello world")}
	messages := []*models.Message{newMsg(1, 1, "hello world")}
	byID := map[int64]*models.Conversation{1: conversations[0]}

	results := Rank("hello", Options{InContent: true, Limit: 10}, conversations, messages, byID)
	for _, r := range results {
		if r.MatchType == MatchTitle {
			t.Fatalf("title matching disabled but got a title result")
		}
	}
	results = Rank("hello", Options{InTitle: true, Limit: 10}, conversations, messages, byID)
	for _, r := range results {
		if r.MatchType == MatchMessage {
			t.Fatalf("content matching disabled but got a message result")
		}
	}
}
