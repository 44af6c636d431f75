// Package storage is the HTTP client of the durable page and version store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pagesync/internal/util"
)

// SyncTokenHeader authenticates internal calls made on behalf of a room.
const SyncTokenHeader = "x-pagesync-sync-token"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether the store answered 404.
func (e *HTTPError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Page struct {
	EntryID          string    `json:"entry_id"`
	Title            string    `json:"title"`
	HumanizedContent string    `json:"humanized_content"`
	EditedContent    string    `json:"edited_content"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type ProjectPages struct {
	Project Project `json:"project"`
	Pages   []Page  `json:"pages"`
}

// Page returns the page with entryID, if the project has it.
func (p ProjectPages) Page(entryID string) (Page, bool) {
	for _, page := range p.Pages {
		if page.EntryID == entryID {
			return page, true
		}
	}
	return Page{}, false
}

// Version is an immutable snapshot of a page. Content is only filled by
// GetVersion.
type Version struct {
	ID          int64     `json:"id"`
	VersionName string    `json:"version_name"`
	CreatedAt   time.Time `json:"created_at"`
	Content     string    `json:"content,omitempty"`
}

type RoomToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Options struct {
	SyncToken  string
	Retries    int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	syncToken  string
	maxRetries int
	minDelay   time.Duration
	maxDelay   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = 200 * time.Millisecond
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		syncToken:  opts.SyncToken,
		maxRetries: opts.Retries,
		minDelay:   opts.MinDelay,
		maxDelay:   opts.MaxDelay,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
}

func (c *Client) GetProject(ctx context.Context, projectID string) (ProjectPages, error) {
	var out ProjectPages
	err := c.doJSON(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &out)
	return out, err
}

func (c *Client) SavePage(ctx context.Context, projectID, entryID, content string) error {
	body := map[string]string{"content": content}
	return c.doJSON(ctx, http.MethodPut, pagePath(projectID, entryID), body, nil)
}

func (c *Client) ListVersions(ctx context.Context, projectID, entryID string) ([]Version, error) {
	var out struct {
		Versions []Version `json:"versions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, pagePath(projectID, entryID)+"/versions", nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *Client) GetVersion(ctx context.Context, projectID, entryID string, versionID int64) (Version, error) {
	var out Version
	err := c.doJSON(ctx, http.MethodGet, versionPath(projectID, entryID, versionID), nil, &out)
	return out, err
}

func (c *Client) CreateVersion(ctx context.Context, projectID, entryID, versionName, content string) (Version, error) {
	body := map[string]string{"version_name": versionName, "content": content}
	var out Version
	err := c.doJSON(ctx, http.MethodPost, pagePath(projectID, entryID)+"/versions", body, &out)
	return out, err
}

func (c *Client) RevertVersion(ctx context.Context, projectID, entryID string, versionID int64, newVersionName string) (Version, error) {
	body := map[string]string{"new_version_name": newVersionName}
	var out Version
	err := c.doJSON(ctx, http.MethodPost, versionPath(projectID, entryID, versionID)+"/revert", body, &out)
	return out, err
}

func (c *Client) IssueRoomToken(ctx context.Context, projectID, userID, userName string) (RoomToken, error) {
	body := map[string]string{"user_id": userID, "user_name": userName}
	var out RoomToken
	err := c.doJSON(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/room-token", body, &out)
	return out, err
}

func pagePath(projectID, entryID string) string {
	return "/projects/" + url.PathEscape(projectID) + "/page/" + url.PathEscape(entryID)
}

func versionPath(projectID, entryID string, versionID int64) string {
	return pagePath(projectID, entryID) + "/versions/" + strconv.FormatInt(versionID, 10)
}

// doJSON retries transport failures, 429 and 5xx answers, but only for
// idempotent methods. POSTs are sent exactly once.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	retries := 0
	if method == http.MethodGet || method == http.MethodPut {
		retries = c.maxRetries
	}
	delays := c.newBackOff()

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", util.NewID("req"))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.syncToken != "" {
			req.Header.Set(SyncTokenHeader, c.syncToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				c.logger.Info("storage request failed, retrying", "method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(delays, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%s %s: %w", method, requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			c.logger.Info("storage answered with retryable status", "method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(delays, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: message}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minDelay
	b.MaxInterval = c.maxDelay
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (c *Client) retryDelay(b *backoff.ExponentialBackOff, retryAfter string) time.Duration {
	if delay := parseRetryAfter(retryAfter); delay > 0 {
		return min(delay, c.maxDelay)
	}
	return min(b.NextBackOff(), c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
