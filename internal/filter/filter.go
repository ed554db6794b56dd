// Package filter decides which fetched stories make it into the daily list.
// Filters are pure functions over the story slice so list ingestion stays
// deterministic and replayable.
package filter

import (
	"fmt"
	"strings"

	"github.com/birdsonghq/dawn-chorus/internal/hackernews"
)

// Filter subsets a story list. Implementations must be deterministic, keep
// the input order and never mutate the input slice.
type Filter interface {
	Apply(stories []hackernews.Story) []hackernews.Story
}

// Level selects a keyword set. Parsed from CONTENT_FILTER_LEVEL.
type Level string

const (
	LevelOff    Level = "off"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// FromLevel builds the filter for a configured level. An empty level means
// off.
func FromLevel(level string) (Filter, error) {
	switch Level(strings.ToLower(strings.TrimSpace(level))) {
	case LevelOff, "":
		return Noop{}, nil
	case LevelLow:
		return NewKeywordFilter(lowKeywords), nil
	case LevelMedium:
		return NewKeywordFilter(mediumKeywords), nil
	case LevelHigh:
		return NewKeywordFilter(highKeywords), nil
	default:
		return nil, fmt.Errorf("unknown content filter level %q (want off, low, medium or high)", level)
	}
}

// Noop keeps every story.
type Noop struct{}

func (Noop) Apply(stories []hackernews.Story) []hackernews.Story {
	return stories
}

// Keyword sets grow with the level: each level blocks everything the one
// below it does. Matching is case-insensitive substring over the title.
var (
	lowKeywords = []string{
		"nsfw",
		"onlyfans",
	}

	mediumKeywords = append([]string{
		"gore",
		"graphic footage",
		"mass shooting",
	}, lowKeywords...)

	highKeywords = append([]string{
		"politics",
		"political",
		"election",
		"culture war",
	}, mediumKeywords...)
)

// KeywordFilter drops stories whose title contains a blocked keyword.
type KeywordFilter struct {
	keywords []string
}

// NewKeywordFilter creates a filter over the given keyword list. Keywords are
// matched lowercase.
func NewKeywordFilter(keywords []string) *KeywordFilter {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	return &KeywordFilter{keywords: lowered}
}

func (f *KeywordFilter) Apply(stories []hackernews.Story) []hackernews.Story {
	kept := make([]hackernews.Story, 0, len(stories))
	for _, story := range stories {
		if !f.blocked(story.Title) {
			kept = append(kept, story)
		}
	}
	return kept
}

func (f *KeywordFilter) blocked(title string) bool {
	lowered := strings.ToLower(title)
	for _, kw := range f.keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
