package hg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/yoyogias2011/TUID/pkg/log"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/types"
)

// Retry policy for upstream requests: 3 attempts, 5 second sleep, on
// transport errors, 5xx and 429 responses.
const retryAttempts = 3

// retrySleep is a variable so tests can shrink it.
var retrySleep = 5 * time.Second

// ErrRevisionNotFound is returned when the upstream does not know the
// requested revision.
var ErrRevisionNotFound = errors.New("revision not found upstream")

// ErrFileNotFound is returned when the file does not exist at the
// requested revision.
var ErrFileNotFound = errors.New("file not found at revision")

// errRetryable marks a response worth retrying (5xx, 429).
type errRetryable struct {
	status int
	url    string
}

func (e *errRetryable) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.status, e.url)
}

// Config holds the upstream endpoints.
type Config struct {
	// URL is the hg web server base, e.g. https://hg.mozilla.org.
	URL string
	// CacheURL is the hg cache service serving enriched changesets with
	// per-file moves. Defaults to URL when empty.
	CacheURL string
	// Branch is the default branch requests are made against.
	Branch string
}

// Client talks to the upstream Mercurial web endpoints.
type Client struct {
	baseURL  string
	cacheURL string
	branch   string
	http     *http.Client
	logger   zerolog.Logger
}

// NewClient creates a new upstream client
func NewClient(cfg Config) *Client {
	cacheURL := cfg.CacheURL
	if cacheURL == "" {
		cacheURL = cfg.URL
	}
	return &Client{
		baseURL:  cfg.URL,
		cacheURL: cacheURL,
		branch:   cfg.Branch,
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   log.WithComponent("hg"),
	}
}

// Branch returns the default branch this client is configured for.
func (c *Client) Branch() string {
	return c.branch
}

// repoOr returns repo, or the configured branch when repo is empty.
func (c *Client) repoOr(repo string) string {
	if repo == "" {
		return c.branch
	}
	return repo
}

// get fetches the URL with the retry policy and returns the body.
// Non-2xx responses below 500, other than 429, are returned without
// retrying.
func (c *Client) get(ctx context.Context, endpoint, rawURL string) (int, []byte, error) {
	var (
		status int
		body   []byte
	)

	operation := func() error {
		timer := metrics.NewTimer()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			return err // transport error, retry
		}
		defer resp.Body.Close()

		timer.ObserveDurationVec(metrics.UpstreamRequestDuration, endpoint)
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		status = resp.StatusCode
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &errRetryable{status: resp.StatusCode, url: rawURL}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retrySleep), retryAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return status, nil, err
	}
	return status, body, nil
}

// getJSON fetches and decodes a JSON document.
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, out interface{}) error {
	status, body, err := c.get(ctx, endpoint, rawURL)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("upstream returned %d for %s", status, rawURL)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// Changelog fetches one json-log page starting at rev, newest first.
// An upstream body holding a bare JSON string means the revision does
// not exist on the branch.
func (c *Client) Changelog(ctx context.Context, repo, rev string) (*ChangelogPage, error) {
	rawURL := fmt.Sprintf("%s/%s/json-log/%s", c.baseURL, c.repoOr(repo), rev)

	status, body, err := c.get(ctx, "json-log", rawURL)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrRevisionNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d for %s", status, rawURL)
	}

	// The endpoint answers a bare string for unknown revisions.
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return nil, ErrRevisionNotFound
	}

	var page ChangelogPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode json-log response: %w", err)
	}
	return &page, nil
}

// Revision fetches phase and parents for rev.
func (c *Client) Revision(ctx context.Context, repo, rev string) (*RevisionInfo, error) {
	rawURL := fmt.Sprintf("%s/%s/json-rev/%s", c.baseURL, c.repoOr(repo), rev)
	var info RevisionInfo
	if err := c.getJSON(ctx, "json-rev", rawURL, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Pushes fetches the pushes containing rev, keyed by push id.
func (c *Client) Pushes(ctx context.Context, repo, rev string) (map[string]Push, error) {
	rawURL := fmt.Sprintf("%s/%s/json-pushes?full=1&changeset=%s",
		c.baseURL, c.repoOr(repo), url.QueryEscape(rev))
	pushes := map[string]Push{}
	if err := c.getJSON(ctx, "json-pushes", rawURL, &pushes); err != nil {
		return nil, err
	}
	return pushes, nil
}

// RevisionFiles fetches the file list a revision touches via json-info.
func (c *Client) RevisionFiles(ctx context.Context, repo, rev string) ([]string, error) {
	rawURL := fmt.Sprintf("%s/%s/json-info/%s", c.baseURL, c.repoOr(repo), rev)
	info := map[string]struct {
		Files []string `json:"files"`
	}{}
	if err := c.getJSON(ctx, "json-info", rawURL, &info); err != nil {
		return nil, err
	}
	entry, ok := info[rev]
	if !ok {
		return nil, fmt.Errorf("json-info response has no entry for %s", rev)
	}
	return entry.Files, nil
}

// RawFileLineCount fetches the raw file and returns its newline
// terminated line count. ErrFileNotFound when the upstream answers a
// non-200 status that is not retried; 5xx and 429 responses that
// outlast the retries return the retry error instead.
func (c *Client) RawFileLineCount(ctx context.Context, repo, rev, file string) (int, error) {
	rawURL := fmt.Sprintf("%s/%s/raw-file/%s/%s", c.baseURL, c.repoOr(repo), rev, file)

	status, body, err := c.get(ctx, "raw-file", rawURL)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		c.logger.Warn().Str("url", rawURL).Int("status", status).
			Msg("Failed to get raw file data")
		return 0, ErrFileNotFound
	}

	return countLines(body), nil
}

// countLines counts newline terminated lines; a trailing fragment
// without a newline still counts as one line.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	count := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		count++
	}
	return count
}

// Diff fetches the per-file change records for rev from the cache
// service. Merge changesets are flagged from the commit description.
func (c *Client) Diff(ctx context.Context, repo, rev string) (*types.Diff, error) {
	rawURL := fmt.Sprintf("%s/%s/json-rev/%s", c.cacheURL, c.repoOr(repo), rev)
	var doc revisionDiff
	if err := c.getJSON(ctx, "rev-diff", rawURL, &doc); err != nil {
		return nil, err
	}
	diff := doc.toDiff()
	return &diff, nil
}
