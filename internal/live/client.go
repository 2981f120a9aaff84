package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	ws "github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

// Connectivity receives the feed's connection state.
type Connectivity interface {
	Set(online bool)
}

// ClientConfig configures a device-side feed subscription.
type ClientConfig struct {
	URL      string // ws:// or wss:// address of /ws
	Token    string
	FamilyID string
	MinWait  time.Duration
	MaxWait  time.Duration
}

// Client keeps a device subscribed to its family's feed. It reconnects with
// capped exponential backoff and reports connect and disconnect to conn.
type Client struct {
	cfg    ClientConfig
	conn   Connectivity
	handle func(Event)
	logger *slog.Logger
	dial   func(ctx context.Context) (*ws.Conn, error)
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg ClientConfig, conn Connectivity, handle func(Event), logger *slog.Logger) *Client {
	if cfg.MinWait == 0 {
		cfg.MinWait = time.Second
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Minute
	}
	c := &Client{
		cfg:    cfg,
		conn:   conn,
		handle: handle,
		logger: logger.With("component", "live-client"),
	}
	c.dial = c.dialFeed
	return c
}

// Start runs the subscription loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.loop(ctx)
	}()
}

// Stop ends the subscription and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Client) loop(ctx context.Context) {
	b := c.backoff()
	for {
		connected, err := c.session(ctx)
		c.conn.Set(false)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b = c.backoff()
		}

		wait, _ := b.Next()
		c.logger.Warn("feed disconnected", "error", err, "retry_in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) backoff() retry.Backoff {
	return retry.WithCappedDuration(c.cfg.MaxWait, retry.WithJitterPercent(10, retry.NewExponential(c.cfg.MinWait)))
}

// session holds one connection open until it fails. connected reports
// whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	c.conn.Set(true)
	c.logger.Info("feed connected", "family_id", c.cfg.FamilyID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("feed: bad event", "error", err)
			continue
		}
		c.handle(ev)
	}
}

func (c *Client) dialFeed(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("family_id", c.cfg.FamilyID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := ws.Dial(ctx, u.String(), &ws.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}
