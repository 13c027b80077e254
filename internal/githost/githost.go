// Package githost is a minimal GitHub REST v3 client covering the calls the
// orchestrator needs: open-PR inventory, changed files, combined commit
// status, and PR creation.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub API endpoint.
const DefaultBaseURL = "https://api.github.com"

// PullRequest is the subset of the PR resource the orchestrator reads.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// PRFile is one changed file in a pull request.
type PRFile struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// CombinedStatus is the aggregate commit status for a ref.
type CombinedStatus struct {
	State      string `json:"state"`
	TotalCount int    `json:"total_count"`
}

// APIError is a non-2xx response from the API. The body is truncated and
// never includes credentials.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("githost: api status %d: %s", e.StatusCode, e.Body)
}

// Client talks to one repository on one GitHub host.
type Client struct {
	baseURL string
	owner   string
	repo    string
	token   string
	http    *http.Client
}

// New builds a client for owner/repo. baseURL defaults to the public API;
// the token is trimmed of whitespace and sent as a bearer credential.
func New(baseURL, owner, repo, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		owner:   owner,
		repo:    repo,
		token:   strings.Join(strings.Fields(token), ""),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ParseRepoURL extracts owner and repo from an https clone URL.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("githost: parse repo url: %w", err)
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("githost: repo url %q has no owner/repo path", repoURL)
	}
	return parts[0], parts[1], nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("githost: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("githost: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("githost: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("githost: decode response: %w", err)
	}
	return nil
}

// ListOpenPRs returns all open pull requests, following pagination.
func (c *Client) ListOpenPRs(ctx context.Context) ([]PullRequest, error) {
	var all []PullRequest
	for page := 1; ; page++ {
		var batch []PullRequest
		path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&per_page=100&page=%d", c.owner, c.repo, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			return all, nil
		}
	}
}

// ListPRFiles returns the changed files of one pull request.
func (c *Client) ListPRFiles(ctx context.Context, number int) ([]PRFile, error) {
	var all []PRFile
	for page := 1; ; page++ {
		var batch []PRFile
		path := fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=100&page=%d", c.owner, c.repo, number, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			return all, nil
		}
	}
}

// GetCombinedStatus returns the aggregate status checks for a ref.
func (c *Client) GetCombinedStatus(ctx context.Context, ref string) (*CombinedStatus, error) {
	var status CombinedStatus
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", c.owner, c.repo, url.PathEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CreatePR opens a pull request from head into base.
func (c *Client) CreatePR(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	req := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	if err := c.do(ctx, http.MethodPost, path, req, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// Branch naming produced by current and earlier workers, most specific
// first: the job-executor form carries a hex suffix, the collision form a
// 14-digit UTC timestamp, and the plain form is just the task id.
var branchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^agent/task-exec-attempt-(.+)-[0-9a-f]{8}$`),
	regexp.MustCompile(`^agent/(.+)-\d{14}$`),
	regexp.MustCompile(`^agent/(.+)$`),
}

// TaskIDFromBranch recovers the originating task id from a worker branch
// name, or "" when the branch was not produced by a worker.
func TaskIDFromBranch(branch string) string {
	for _, re := range branchPatterns {
		if m := re.FindStringSubmatch(branch); m != nil {
			return m[1]
		}
	}
	return ""
}
