package store

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

	"threatdelta/internal/logger"
)

const defaultAPIBaseURL = "https://api.github.com"

// GitHubConfig configures a contents-API backed store. One store maps to
// one repository and branch; source and output repositories are separate
// store instances.
type GitHubConfig struct {
	Owner   string
	Repo    string
	Branch  string
	Token   string
	Timeout time.Duration
	Retries int

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// GitHubStore reads and writes blobs through the GitHub contents API.
// The blob sha is the content revision.
type GitHubStore struct {
	owner   string
	repo    string
	branch  string
	token   string
	baseURL string
	retries int
	client  *http.Client
}

// NewGitHubStore creates a contents-API store.
func NewGitHubStore(cfg GitHubConfig) (*GitHubStore, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github store requires owner and repo")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultAPIBaseURL
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	return &GitHubStore{
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		branch:  cfg.Branch,
		token:   cfg.Token,
		baseURL: base,
		retries: retries,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type contentsResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type updateResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// Read fetches the blob at path on the configured branch.
func (s *GitHubStore) Read(ctx context.Context, path string) ([]byte, string, error) {
	endpoint := s.contentsURL(path) + "?ref=" + url.QueryEscape(s.branch)

	body, status, err := s.doWithRetry(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if status == http.StatusNotFound {
		return nil, "", fmt.Errorf("read %s: %w", path, ErrNotFound)
	}
	if status >= 300 {
		return nil, "", fmt.Errorf("read %s: unexpected status %d", path, status)
	}

	var resp contentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("read %s: decode response: %w", path, err)
	}
	if resp.Encoding != "base64" {
		return nil, "", fmt.Errorf("read %s: unsupported encoding %q", path, resp.Encoding)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: decode content: %w", path, err)
	}
	return raw, resp.SHA, nil
}

// Write creates or updates the blob at path. An empty revision creates
// the file; otherwise revision must be the blob sha last read, and a
// mismatch surfaces as a ConflictError.
func (s *GitHubStore) Write(ctx context.Context, path string, content []byte, revision string) (string, error) {
	payload := map[string]string{
		"message": fmt.Sprintf("pipeline: update %s", path),
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  s.branch,
	}
	if revision != "" {
		payload["sha"] = revision
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("write %s: encode request: %w", path, err)
	}

	body, status, err := s.doWithRetry(ctx, http.MethodPut, s.contentsURL(path), reqBody)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if status == http.StatusConflict || status == http.StatusUnprocessableEntity {
		return "", &ConflictError{Path: path, Revision: revision}
	}
	if status >= 300 {
		return "", fmt.Errorf("write %s: unexpected status %d", path, status)
	}

	var resp updateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("write %s: decode response: %w", path, err)
	}
	if resp.Content.SHA == "" {
		return "", fmt.Errorf("write %s: response missing content sha", path)
	}
	return resp.Content.SHA, nil
}

// Close releases HTTP resources.
func (s *GitHubStore) Close() error {
	return nil
}

func (s *GitHubStore) contentsURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", s.baseURL, s.owner, s.repo, strings.TrimLeft(path, "/"))
}

// doWithRetry performs one request, retrying transient failures (network
// errors and 5xx responses) with exponential backoff. Non-5xx statuses
// are returned to the caller for mapping.
func (s *GitHubStore) doWithRetry(ctx context.Context, method, endpoint string, reqBody []byte) ([]byte, int, error) {
	backoff := 250 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			logger.Warnf("Retrying %s %s (attempt %d/%d): %v", method, endpoint, attempt, s.retries, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			backoff *= 2
		}

		body, status, err := s.do(ctx, method, endpoint, reqBody)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, err
			}
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("server status %d", status)
			continue
		}
		return body, status, nil
	}

	return nil, 0, lastErr
}

func (s *GitHubStore) do(ctx context.Context, method, endpoint string, reqBody []byte) ([]byte, int, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
