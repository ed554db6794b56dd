package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/birdsonghq/dawn-chorus/internal/digest"
)

const (
	githubBaseURL = "https://api.github.com"
	defaultBranch = "main"
	githubTimeout = 15 * time.Second
)

// GitHubConfig holds the configuration for the repository publisher
type GitHubConfig struct {
	Token      string // Personal access token or app installation token
	Owner      string // Repository owner
	Repo       string // Repository name
	Branch     string // Target branch, defaults to main
	PathPrefix string // Directory inside the repo, e.g. _posts
}

// GitHubPublisher commits the digest file to a git repository through the
// GitHub Contents API. Publishing the same date twice overwrites the file, so
// force-publish and retry flows produce one authoritative artifact per day.
type GitHubPublisher struct {
	config     *GitHubConfig
	httpClient *http.Client
	baseURL    string
}

// NewGitHubPublisher creates a repository publisher.
func NewGitHubPublisher(config *GitHubConfig) *GitHubPublisher {
	if config.Branch == "" {
		config.Branch = defaultBranch
	}
	return &GitHubPublisher{
		config:     config,
		httpClient: &http.Client{Timeout: githubTimeout},
		baseURL:    githubBaseURL,
	}
}

// Name returns the destination name
func (p *GitHubPublisher) Name() string {
	return "github"
}

// Publish writes the rendered document into the repository. An existing file
// for the same date is updated in place via its blob SHA; a missing file is
// created. Either way this costs at most two API calls.
func (p *GitHubPublisher) Publish(ctx context.Context, doc *digest.Document) error {
	path := p.contentPath(doc.Filename())

	sha, err := p.currentSHA(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to check existing digest file: %w", err)
	}

	payload := map[string]string{
		"message": fmt.Sprintf("Add daily digest %s", doc.DigestDate),
		"content": base64.StdEncoding.EncodeToString([]byte(doc.Render())),
		"branch":  p.config.Branch,
	}
	if sha != "" {
		payload["message"] = fmt.Sprintf("Update daily digest %s", doc.DigestDate)
		payload["sha"] = sha
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal commit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.contentURL(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create commit request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("commit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return p.apiError(resp)
	}

	log.Info().
		Str("path", path).
		Str("branch", p.config.Branch).
		Bool("updated", sha != "").
		Msg("Digest committed to repository")

	return nil
}

// currentSHA returns the blob SHA of the file at path, or empty when the file
// does not exist yet.
func (p *GitHubPublisher) currentSHA(ctx context.Context, path string) (string, error) {
	u := p.contentURL(path) + "?ref=" + url.QueryEscape(p.config.Branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create lookup request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", p.apiError(resp)
	}

	var file struct {
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", fmt.Errorf("failed to decode file metadata: %w", err)
	}
	return file.SHA, nil
}

func (p *GitHubPublisher) contentPath(filename string) string {
	prefix := strings.Trim(p.config.PathPrefix, "/")
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}

func (p *GitHubPublisher) contentURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", p.baseURL, p.config.Owner, p.config.Repo, path)
}

func (p *GitHubPublisher) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.config.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// APIError represents an error response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: API error %d: %s", e.StatusCode, e.Message)
}

func (p *GitHubPublisher) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &apiResp) == nil && apiResp.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
