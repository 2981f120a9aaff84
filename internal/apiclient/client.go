// Package apiclient talks to the famtask server on behalf of one device
// member. Responses are mapped back onto apperr kinds so callers can tell
// retryable failures from rejected writes.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/task"
	"github.com/sethvargo/go-retry"
)

// Config holds the server address and the member's bearer token.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Reads are retried this many times on transient failures.
	ReadRetries uint64
}

// Client is an HTTP implementation of the task and family APIs. The member is the one
// the token was issued to; callerID arguments are not sent.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReadRetries == 0 {
		cfg.ReadRetries = 2
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) CreateTask(ctx context.Context, familyID, _ string, in task.CreateInput) (*model.Task, error) {
	var t model.Task
	if err := c.do(ctx, http.MethodPost, "/api/families/"+url.PathEscape(familyID)+"/tasks", in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) UpdateTask(ctx context.Context, taskID, _ string, patch task.Patch) (*model.Task, error) {
	var t model.Task
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(taskID), patch, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CompleteTask(ctx context.Context, taskID, _, photoRef string) (*task.Completion, error) {
	body := struct {
		PhotoRef string `json:"photo_ref,omitempty"`
	}{photoRef}
	var out task.Completion
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ValidateTask(ctx context.Context, taskID, _ string, approve bool, note string) (*model.Task, error) {
	body := struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note,omitempty"`
	}{approve, note}
	var t model.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/validate", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID, _ string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (c *Client) GetTask(ctx context.Context, taskID, _ string) (*model.Task, error) {
	var t model.Task
	if err := c.read(ctx, "/api/tasks/"+url.PathEscape(taskID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Snapshot returns the server's current task, or nil if it no longer exists.
func (c *Client) Snapshot(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := c.GetTask(ctx, taskID, "")
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (c *Client) GetFamilyTasks(ctx context.Context, familyID, _ string, filter model.TaskFilter) ([]model.Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.AssigneeID != "" {
		q.Set("assignee", filter.AssigneeID)
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	path := "/api/families/" + url.PathEscape(familyID) + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list []model.Task
	if err := c.read(ctx, path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// read is a GET retried on transient failures.
func (c *Client) read(ctx context.Context, path string, out any) error {
	b := retry.WithMaxRetries(c.cfg.ReadRetries, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if apperr.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
