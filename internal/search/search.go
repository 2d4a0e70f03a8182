// Package search implements the relevance ranking used by conversation
// search: a linear scan over titles and message bodies with a heuristic
// scoring function.
package search

import (
	"sort"
	"strings"

	"studysync/internal/models"
)

// Match types tagged on each result.
const (
	MatchTitle   = "title"
	MatchMessage = "message"
)

// Options controls which fields are scanned and how many results return.
type Options struct {
	InTitle   bool
	InContent bool
	Limit     int
}

// DefaultLimit bounds result sets when the caller does not specify one.
const DefaultLimit = 20

// Result is one ranked match. Conversation is always set; Message is set
// only for content matches.
type Result struct {
	MatchType    string               `json:"matchType"`
	Score        float64              `json:"score"`
	Conversation *models.Conversation `json:"conversation"`
	Message      *models.Message      `json:"message,omitempty"`
}

// Score rates how well candidate matches query.
//
//	exact (case-insensitive) equality        -> 100
//	substring containment                    -> 50..80, earlier is higher
//	word overlap                             -> 0..30
func Score(query, candidate string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(candidate)
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 100
	}
	if pos := strings.Index(c, q); pos >= 0 {
		return 50 + (1-float64(pos)/float64(len(c)))*30
	}

	queryWords := strings.Fields(q)
	if len(queryWords) == 0 {
		return 0
	}
	candidateWords := strings.Fields(c)
	matched := 0
	for _, qw := range queryWords {
		for _, cw := range candidateWords {
			if strings.Contains(cw, qw) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(queryWords)) * 30
}

// Rank pools title matches (enumerated first) and content matches, sorts
// descending by score with stable discovery-order tie-breaks, and truncates
// to the configured limit. convByID resolves the parent conversation of a
// matched message.
func Rank(query string, opts Options, conversations []*models.Conversation, messages []*models.Message, convByID map[int64]*models.Conversation) []Result {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var results []Result
	if opts.InTitle {
		for _, conv := range conversations {
			if score := Score(query, conv.Title); score > 0 {
				results = append(results, Result{
					MatchType:    MatchTitle,
					Score:        score,
					Conversation: conv,
				})
			}
		}
	}
	if opts.InContent {
		for _, msg := range messages {
			conv := convByID[msg.ConversationID]
			if conv == nil {
				continue
			}
			if score := Score(query, msg.Content); score > 0 {
				results = append(results, Result{
					MatchType:    MatchMessage,
					Score:        score,
					Conversation: conv,
					Message:      msg,
				})
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
