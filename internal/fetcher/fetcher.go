// Package fetcher retrieves article pages and reduces them to plain text for
// summarisation. The primary path fetches and parses the page directly; an
// optional render service handles script-heavy pages when configured.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for a fetcher instance
type Config struct {
	Timeout         time.Duration // Per-fetch timeout
	UserAgent       string        // User agent string for requests
	MaxContentChars int           // Cap on extracted text length in runes
	RenderAPIURL    string        // Optional rendering service endpoint for script-heavy pages
	RenderAPIToken  string        // Bearer token for the rendering service
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		Timeout:         10 * time.Second,
		UserAgent:       "DawnChorus/1.0 (+https://github.com/birdsonghq/dawn-chorus)",
		MaxContentChars: 8000,
	}
}

// Content is the usable text of one article page.
type Content struct {
	// Text is the extracted paragraph text, capped at MaxContentChars.
	Text string
	// Description is the meta description when the page carries one.
	Description string
}

// Fetcher extracts article content from URLs.
type Fetcher struct {
	config     *Config
	colly      *colly.Collector
	httpClient *http.Client
}

// New creates a Fetcher. If config is nil, default configuration is used.
func New(config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
	)

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     60 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
	c.SetClient(httpClient)

	return &Fetcher{
		config:     config,
		colly:      c,
		httpClient: httpClient,
	}
}

// Fetch retrieves the page at targetURL and returns its extracted content.
// Non-2xx responses, non-HTML payloads and pages with no usable text are all
// errors; the caller records them against the article and moves on.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*Content, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", targetURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL format: %s", targetURL)
	}

	if f.config.RenderAPIURL != "" {
		return f.fetchRendered(ctx, targetURL)
	}
	return f.fetchDirect(ctx, targetURL)
}

// fetchDirect performs a single synchronous page visit.
func (f *Fetcher) fetchDirect(ctx context.Context, targetURL string) (*Content, error) {
	var (
		statusCode  int
		contentType string
		content     Content
		sawHTML     bool
		visitErr    error
	)

	// Clone shares the backend but carries no callbacks, so each visit gets
	// its own closures and the shared collector stays race-free.
	clone := f.colly.Clone()

	// Browser-like headers to avoid trivial bot blocking
	clone.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	clone.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		contentType = r.Headers.Get("Content-Type")
	})

	clone.OnHTML("html", func(e *colly.HTMLElement) {
		sawHTML = true
		content = extractContent(e.DOM, f.config.MaxContentChars)
	})

	clone.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- clone.Visit(targetURL)
	}()

	select {
	case err := <-done:
		if err != nil {
			// Colly reports non-2xx statuses as visit errors
			if statusCode >= 300 {
				return nil, fmt.Errorf("non-success status %d for %s", statusCode, targetURL)
			}
			return nil, fmt.Errorf("fetch failed for %s: %w", targetURL, err)
		}
	case <-ctx.Done():
		log.Debug().Str("url", targetURL).Msg("Fetch cancelled by context")
		return nil, ctx.Err()
	}

	if visitErr != nil {
		return nil, fmt.Errorf("fetch failed for %s: %w", targetURL, visitErr)
	}
	if !sawHTML {
		return nil, fmt.Errorf("non-HTML content type %q for %s", contentType, targetURL)
	}
	if content.Text == "" && content.Description == "" {
		return nil, fmt.Errorf("no usable text extracted from %s", targetURL)
	}

	return &content, nil
}

// fetchRendered asks the rendering service for the page HTML, then runs the
// same extraction. The service takes {"url": ...} and answers with the
// rendered document body.
func (f *Fetcher) fetchRendered(ctx context.Context, targetURL string) (*Content, error) {
	payload, err := json.Marshal(map[string]string{"url": targetURL})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.RenderAPIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.config.RenderAPIToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.RenderAPIToken)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request failed for %s: %w", targetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render service returned status %d for %s", resp.StatusCode, targetURL)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rendered HTML for %s: %w", targetURL, err)
	}

	content := extractContent(doc.Selection, f.config.MaxContentChars)
	if content.Text == "" && content.Description == "" {
		return nil, fmt.Errorf("no usable text extracted from %s", targetURL)
	}
	return &content, nil
}

// extractContent pulls the meta description and main paragraph text out of a
// parsed document. Boilerplate elements are removed first; the best available
// container wins: article, then main, then the whole body.
func extractContent(sel *goquery.Selection, maxChars int) Content {
	var content Content

	if desc, ok := sel.Find(`meta[name="description"]`).Attr("content"); ok {
		content.Description = strings.TrimSpace(desc)
	}
	if content.Description == "" {
		if desc, ok := sel.Find(`meta[property="og:description"]`).Attr("content"); ok {
			content.Description = strings.TrimSpace(desc)
		}
	}

	sel.Find("script, style, nav, header, footer, aside, noscript, iframe, form").Remove()

	for _, container := range []string{"article", "main", "body"} {
		scope := sel.Find(container)
		if scope.Length() == 0 {
			continue
		}
		if text := paragraphText(scope); text != "" {
			content.Text = truncateRunes(text, maxChars)
			return content
		}
	}

	// Last resort: whole-document text for pages without paragraph markup
	if text := strings.Join(strings.Fields(sel.Text()), " "); text != "" {
		content.Text = truncateRunes(text, maxChars)
	}
	return content
}

// paragraphText joins the non-empty paragraphs inside a container.
func paragraphText(scope *goquery.Selection) string {
	var paragraphs []string
	scope.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.Join(strings.Fields(p.Text()), " ")
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	return strings.Join(paragraphs, "\n\n")
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
