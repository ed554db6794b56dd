// Package llm provides a client for an OpenAI-compatible chat completions
// API, used for title translation and Chinese summarisation. Calls are paced
// with a shared rate limiter so a burst of articles cannot flood the backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	defaultModel   = "gpt-4o-mini"

	// defaultRequestsPerSecond keeps a full batch of enrichment calls well
	// inside one tick without tripping provider limits.
	defaultRequestsPerSecond = 2.0
)

// Config holds the configuration for an LLM client
type Config struct {
	BaseURL           string        // API root, e.g. https://api.openai.com/v1
	APIKey            string        // Bearer token
	Model             string        // Model identifier
	Timeout           time.Duration // Per-call timeout
	RequestsPerSecond float64       // Outbound pacing
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		Model:             defaultModel,
		Timeout:           defaultTimeout,
		RequestsPerSecond: defaultRequestsPerSecond,
	}
}

// Client calls a chat completions endpoint.
type Client struct {
	config     *Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates an LLM client. If config is nil, default configuration is used.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

const (
	translateSystemPrompt = "你是一名专业的科技新闻翻译。将英文标题翻译成简体中文，技术术语和专有名词保留英文原文。只输出译文，不要解释。"

	translateBatchPrompt = "将下面 JSON 数组中的每个英文标题翻译成简体中文，技术术语和专有名词保留英文原文。只输出一个与输入等长的 JSON 字符串数组，不要输出任何其他内容。\n\n%s"

	summariseArticleSystemPrompt = "你是一名科技新闻编辑。用简体中文概括文章核心内容，不超过120个汉字，不要换行，不要标题，直接输出摘要。"

	summariseCommentsSystemPrompt = "你是一名科技新闻编辑。用简体中文总结 Hacker News 评论区的主要观点和分歧，不超过150个汉字，不要换行，直接输出总结。"
)

// TranslateTitle translates a single story title to Simplified Chinese.
func (c *Client) TranslateTitle(ctx context.Context, title string) (string, error) {
	out, err := c.complete(ctx, translateSystemPrompt, title)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("llm: empty translation for title %q", title)
	}
	return out, nil
}

// TranslateTitles translates a set of titles in one call. The model must
// answer with a JSON array of the same length; any shape mismatch is an error
// and the caller decides what to do with untranslated titles.
func (c *Client) TranslateTitles(ctx context.Context, titles []string) ([]string, error) {
	if len(titles) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(titles)
	if err != nil {
		return nil, fmt.Errorf("llm: failed to encode titles: %w", err)
	}

	out, err := c.complete(ctx, translateSystemPrompt, fmt.Sprintf(translateBatchPrompt, encoded))
	if err != nil {
		return nil, err
	}

	arr, ok := extractJSONArray(out)
	if !ok {
		return nil, fmt.Errorf("llm: batch translation is not a JSON array")
	}

	var translated []string
	if err := json.Unmarshal([]byte(arr), &translated); err != nil {
		return nil, fmt.Errorf("llm: failed to parse batch translation: %w", err)
	}
	if len(translated) != len(titles) {
		return nil, fmt.Errorf("llm: batch translation count mismatch: got %d, want %d", len(translated), len(titles))
	}
	return translated, nil
}

// SummariseArticle produces a Chinese summary of article text, at most 120
// Chinese characters.
func (c *Client) SummariseArticle(ctx context.Context, title, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("llm: no article content to summarise for %q", title)
	}

	prompt := fmt.Sprintf("标题：%s\n\n正文：\n%s", title, content)
	out, err := c.complete(ctx, summariseArticleSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("llm: empty article summary for %q", title)
	}
	return out, nil
}

// SummariseComments produces a Chinese viewpoint summary of the top comments,
// at most 150 Chinese characters.
func (c *Client) SummariseComments(ctx context.Context, title string, comments []string) (string, error) {
	if len(comments) == 0 {
		return "", fmt.Errorf("llm: no comments to summarise for %q", title)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "标题：%s\n\n评论：\n", title)
	for _, comment := range comments {
		sb.WriteString("- ")
		sb.WriteString(comment)
		sb.WriteString("\n")
	}

	out, err := c.complete(ctx, summariseCommentsSystemPrompt, sb.String())
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("llm: empty comment summary for %q", title)
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// APIError represents an error response from the completions API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: API error %d: %s", e.StatusCode, e.Message)
}

// complete runs one paced chat completion and returns the cleaned response.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limiter wait: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.3,
		MaxTokens:   512,
	})
	if err != nil {
		return "", fmt.Errorf("llm: failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		strings.TrimRight(c.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiResp) == nil && apiResp.Error.Message != "" {
			return "", &APIError{StatusCode: resp.StatusCode, Message: apiResp.Error.Message}
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("llm: failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("llm: response contains no choices")
	}

	return cleanResponse(chat.Choices[0].Message.Content), nil
}

// cleanResponse strips reasoning blocks and code fences that some models wrap
// around their output.
func cleanResponse(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s, "</think>")
		if end == -1 || end < start {
			s = s[:start]
			break
		}
		s = s[:start] + s[end+len("</think>"):]
	}

	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// extractJSONArray pulls the outermost JSON array out of model output that may
// carry stray prose around it.
func extractJSONArray(s string) (string, bool) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
