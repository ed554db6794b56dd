// Package hackernews provides a client for the Algolia Hacker News Search API.
// See https://hn.algolia.com/api for full documentation.
package hackernews

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://hn.algolia.com/api/v1"
	defaultTimeout = 10 * time.Second

	// DefaultStoryLimit is how many stories a list fetch asks for.
	DefaultStoryLimit = 30

	// DefaultCommentLimit caps the top-level comments returned per story.
	DefaultCommentLimit = 10
)

// Client provides methods to query Hacker News through the Algolia search API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Hacker News client. An empty baseURL selects the public
// Algolia endpoint.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Story is one ranked Hacker News story.
type Story struct {
	ID          int64
	Title       string
	URL         string
	Points      int
	Author      string
	CreatedAt   time.Time
	NumComments int
}

// Comment is one top-level comment with markup stripped.
type Comment struct {
	ID     int64
	Author string
	Text   string
}

// Window is a closed UTC time range for candidate stories.
type Window struct {
	Start time.Time
	End   time.Time
}

// PreviousUTCDay returns the [00:00:00, 23:59:59] window of the UTC calendar
// day before now.
func PreviousUTCDay(now time.Time) Window {
	return WindowBefore(now, 24)
}

// WindowBefore returns the window of the given length in hours ending at the
// last second before the current UTC day. With hours=24 this is exactly the
// previous UTC calendar day.
func WindowBefore(now time.Time, hours int) Window {
	if hours <= 0 {
		hours = 24
	}
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return Window{
		Start: dayStart.Add(-time.Duration(hours) * time.Hour),
		End:   dayStart.Add(-time.Second),
	}
}

// ItemURL returns the Hacker News discussion page for an item.
func ItemURL(id int64) string {
	return fmt.Sprintf("https://news.ycombinator.com/item?id=%d", id)
}

type searchHit struct {
	ObjectID    string `json:"objectID"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Points      int    `json:"points"`
	Author      string `json:"author"`
	CreatedAtI  int64  `json:"created_at_i"`
	NumComments int    `json:"num_comments"`
}

type searchResponse struct {
	Hits []searchHit `json:"hits"`
}

// FetchStories returns up to limit stories published inside the window,
// sorted by points descending. This is a single API call regardless of limit.
// Stories without an external URL (Ask HN, Show HN text posts) link to their
// HN discussion page instead.
func (c *Client) FetchStories(ctx context.Context, window Window, limit int) ([]Story, error) {
	if limit <= 0 {
		limit = DefaultStoryLimit
	}

	query := url.Values{}
	query.Set("tags", "story")
	query.Set("numericFilters", fmt.Sprintf("created_at_i>=%d,created_at_i<=%d",
		window.Start.Unix(), window.End.Unix()))
	query.Set("hitsPerPage", strconv.Itoa(limit))

	var resp searchResponse
	if err := c.get(ctx, "/search", query, &resp); err != nil {
		return nil, err
	}

	stories := make([]Story, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		id, err := strconv.ParseInt(hit.ObjectID, 10, 64)
		if err != nil || hit.Title == "" {
			continue
		}
		storyURL := hit.URL
		if storyURL == "" {
			storyURL = ItemURL(id)
		}
		stories = append(stories, Story{
			ID:          id,
			Title:       hit.Title,
			URL:         storyURL,
			Points:      hit.Points,
			Author:      hit.Author,
			CreatedAt:   time.Unix(hit.CreatedAtI, 0).UTC(),
			NumComments: hit.NumComments,
		})
	}

	sort.SliceStable(stories, func(i, j int) bool {
		return stories[i].Points > stories[j].Points
	})

	return stories, nil
}

type item struct {
	ID       int64  `json:"id"`
	Author   string `json:"author"`
	Text     string `json:"text"`
	Children []item `json:"children"`
}

// FetchComments returns up to max top-level comments for a story, oldest
// first as the API delivers them. Deleted and dead comments arrive with empty
// author or text and are skipped. This is a single API call.
func (c *Client) FetchComments(ctx context.Context, storyID int64, max int) ([]Comment, error) {
	if max <= 0 {
		max = DefaultCommentLimit
	}

	var story item
	if err := c.get(ctx, fmt.Sprintf("/items/%d", storyID), nil, &story); err != nil {
		return nil, err
	}

	comments := make([]Comment, 0, max)
	for _, child := range story.Children {
		if len(comments) >= max {
			break
		}
		text := stripHTML(child.Text)
		if child.Author == "" || text == "" {
			continue
		}
		comments = append(comments, Comment{
			ID:     child.ID,
			Author: child.Author,
			Text:   text,
		})
	}

	return comments, nil
}

// APIError represents an error response from the Algolia API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hackernews: API error %d: %s", e.StatusCode, e.Message)
}

// get executes a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("hackernews: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hackernews: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hackernews: failed to decode response: %w", err)
	}
	return nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML flattens comment markup to plain text: tags removed, entities
// decoded, whitespace collapsed.
func stripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
