// Package membership provides the client for the external group-membership
// directory. It is the sole owner of pacing and backoff against the
// external API; no other component talks to the directory.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

var (
	// ErrUnauthorized indicates the directory rejected our credentials.
	// Reconciliation must abort: partial membership data is unsafe.
	ErrUnauthorized = errors.New("membership source rejected credentials")
	// ErrRateLimited indicates the retry budget was exhausted on
	// transient failures.
	ErrRateLimited = errors.New("membership source retry budget exhausted")
)

// GroupMember is one (user, role) pair from the external directory.
type GroupMember struct {
	ExternalUserID int64
	ExternalRoleID int64
	DisplayName    string
}

// GroupRole describes one external role with its rank number.
type GroupRole struct {
	ExternalRoleID int64
	Rank           int
	Name           string
}

// Config holds client tunables.
type Config struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	PageSize    int
}

// Client fetches group membership over HTTP with bounded retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger used to report skipped pages and retries.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		logger:     log.New(log.Writer(), "[membership] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type memberPage struct {
	Data []struct {
		User struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
		Role struct {
			ID int64 `json:"id"`
		} `json:"role"`
	} `json:"data"`
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// ListGroupMembers fetches the entire membership of a group, following
// pagination to exhaustion. A malformed page is logged and skipped; the
// remaining pages are still fetched.
func (c *Client) ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	members := make([]GroupMember, 0, c.cfg.PageSize)

	page := 1
	totalPages := 1
	for page <= totalPages {
		body, err := c.get(ctx, fmt.Sprintf("%s/v1/groups/%d/members?page=%d&limit=%d", c.cfg.BaseURL, groupID, page, c.cfg.PageSize))
		if err != nil {
			return nil, err
		}

		var parsed memberPage
		if err := json.Unmarshal(body, &parsed); err != nil {
			if page == 1 {
				return nil, fmt.Errorf("decode members page 1: %w", err)
			}
			c.logger.Printf("group %d: skipping malformed members page %d: %v", groupID, page, err)
			page++
			continue
		}

		if parsed.TotalPages > totalPages {
			totalPages = parsed.TotalPages
		}
		for _, entry := range parsed.Data {
			members = append(members, GroupMember{
				ExternalUserID: entry.User.ID,
				ExternalRoleID: entry.Role.ID,
				DisplayName:    entry.User.Name,
			})
		}
		page++
	}

	return members, nil
}

// ListGroupRoles fetches the group's role table.
func (c *Client) ListGroupRoles(ctx context.Context, groupID int64) ([]GroupRole, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/v1/groups/%d/roles", c.cfg.BaseURL, groupID))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Roles []struct {
			ID   int64  `json:"id"`
			Rank int    `json:"rank"`
			Name string `json:"name"`
		} `json:"roles"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode group roles: %w", err)
	}

	roles := make([]GroupRole, 0, len(parsed.Roles))
	for _, role := range parsed.Roles {
		roles = append(roles, GroupRole{ExternalRoleID: role.ID, Rank: role.Rank, Name: role.Name})
	}
	return roles, nil
}

// get performs one logical call with bounded retries. Rate limits and
// server/network failures retry with exponential backoff; authorization
// failures surface immediately.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		body, retryable, err := c.attempt(ctx, url)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		delay := c.backoffDelay(attempt)
		c.logger.Printf("transient failure (attempt %d/%d), retrying in %s: %v", attempt, c.cfg.MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRateLimited, lastErr)
}

func (c *Client) attempt(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d from membership source", resp.StatusCode)
	case resp.StatusCode >= 300:
		data, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("membership source error: %s", data)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return data, false, nil
}

// backoffDelay calculates exponential backoff capped at one minute.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * c.cfg.BaseDelay
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
