package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/store"
)

// Dispatcher periodically delivers due outbox notifications to the
// member's push subscriptions.
type Dispatcher struct {
	mu        sync.RWMutex
	sender    Sender
	outbox    *store.OutboxStore
	subs      *store.PushStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. A nil sender marks notifications
// delivered without sending them.
func NewDispatcher(local database.DBTX, sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:    sender,
		outbox:    store.NewOutboxStore(local),
		subs:      store.NewPushStore(local),
		interval:  30 * time.Second,
		retention: 24 * time.Hour,
		logger:    logger.With("component", "push.dispatcher"),
		now:       time.Now,
	}
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.Tick(ctx); err != nil {
					d.logger.Error("dispatch failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick delivers every due notification once and returns how many were
// marked delivered. A notification whose every send failed is retried on
// the next tick until it is older than the retention period.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	now := d.now().UTC()
	due, err := d.outbox.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, n := range due {
		if !d.deliver(ctx, n) && now.Sub(n.FireAt) < d.retention {
			continue
		}
		if err := d.outbox.MarkDelivered(ctx, n.Handle, now); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := d.outbox.CleanupDelivered(ctx, now.Add(-d.retention)); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// deliver reports whether n is done with: sent to at least one
// subscription, or with nowhere to go.
func (d *Dispatcher) deliver(ctx context.Context, n model.OutboxNotification) bool {
	if d.sender == nil {
		return true
	}
	subs, err := d.subs.ListByMember(ctx, n.MemberID)
	if err != nil {
		d.logger.Error("list subscriptions", "member_id", n.MemberID, "error", err)
		return false
	}

	payload := Payload{Title: n.Title, Body: n.Body, URL: n.URL, Tag: n.Tag}
	live, sent := 0, 0
	for _, sub := range subs {
		err := d.sender.Send(ctx, &sub, payload)
		switch {
		case errors.Is(err, ErrExpired):
			if err := d.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				d.logger.Error("delete expired subscription", "error", err)
			}
			d.logger.Info("removed expired subscription", "member_id", n.MemberID)
		case err != nil:
			live++
			d.logger.Warn("send push", "handle", n.Handle, "error", err)
		default:
			live++
			sent++
		}
	}
	return sent > 0 || live == 0
}
