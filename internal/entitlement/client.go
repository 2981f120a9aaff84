// Package entitlement answers whether a family is on the premium tier.
package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Oracle reports a family's premium status.
type Oracle interface {
	IsPremium(ctx context.Context, familyID string) (bool, error)
}

// Config holds entitlement lookup configuration.
type Config struct {
	URL         string
	APIKey      string
	CacheTTL    time.Duration
	GracePeriod time.Duration
}

// Status is the last known answer for one family.
type Status struct {
	Premium     bool      `json:"premium"`
	Plan        string    `json:"plan"`
	LastChecked time.Time `json:"last_checked"`
	Offline     bool      `json:"offline"`
}

type checkRequest struct {
	FamilyID string `json:"family_id"`
}

type checkResponse struct {
	Premium bool   `json:"premium"`
	Plan    string `json:"plan,omitempty"`
}

// Client asks the billing service for premium status and caches answers.
// When the service is unreachable a cached answer younger than the grace
// period is still served.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	cache      map[string]Status
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	return &Client{
		cfg:   cfg,
		cache: make(map[string]Status),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// IsPremium returns the cached status while fresh, otherwise queries the
// billing service.
func (c *Client) IsPremium(ctx context.Context, familyID string) (bool, error) {
	c.mu.RLock()
	st, ok := c.cache[familyID]
	c.mu.RUnlock()

	now := c.now()
	if ok && !st.Offline && now.Sub(st.LastChecked) < c.cfg.CacheTTL {
		return st.Premium, nil
	}

	fresh, err := c.check(ctx, familyID)
	if err != nil {
		if ok && now.Sub(st.LastChecked) < c.cfg.GracePeriod {
			c.mu.Lock()
			st.Offline = true
			c.cache[familyID] = st
			c.mu.Unlock()
			return st.Premium, nil
		}
		return false, err
	}

	fresh.LastChecked = now
	c.mu.Lock()
	c.cache[familyID] = fresh
	c.mu.Unlock()
	return fresh.Premium, nil
}

func (c *Client) check(ctx context.Context, familyID string) (Status, error) {
	body, err := json.Marshal(checkRequest{FamilyID: familyID})
	if err != nil {
		return Status{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Status{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("entitlement request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("entitlement: status %d", resp.StatusCode)
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Status{}, fmt.Errorf("decode response: %w", err)
	}
	plan := cr.Plan
	if plan == "" {
		plan = "free"
		if cr.Premium {
			plan = "premium"
		}
	}
	return Status{Premium: cr.Premium, Plan: plan}, nil
}

// Status returns the cached status for a family.
func (c *Client) Status(familyID string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.cache[familyID]
	return st, ok
}

// Forget drops the cached status so the next lookup hits the service.
func (c *Client) Forget(familyID string) {
	c.mu.Lock()
	delete(c.cache, familyID)
	c.mu.Unlock()
}

// Static is a fixed oracle for tests and self-hosted installs without a
// billing service.
type Static map[string]bool

func (s Static) IsPremium(_ context.Context, familyID string) (bool, error) {
	return s[familyID], nil
}
