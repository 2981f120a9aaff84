package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/store"
)

// Request is a write the engine either runs now or queues.
type Request struct {
	Kind          model.OpKind
	Entity        model.EntityRef
	Method        string
	CallerID      string
	Payload       any
	BaseUpdatedAt *time.Time
}

// Result is what a handler reports after running an operation. UpdatedAt is
// the entity's server timestamp after the write, nil when it was deleted.
type Result struct {
	UpdatedAt *time.Time
	Value     any
}

// Outcome is returned by Submit. Value is set when the write ran now.
type Outcome struct {
	Queued bool
	Seq    int64
	Value  any
}

// Handler replays one method. lastKnown is the server timestamp the write
// was made against, or the engine's own earlier write to the same entity.
type Handler func(ctx context.Context, op *model.QueuedOperation, lastKnown *time.Time) (Result, error)

type Engine struct {
	queue    *store.QueueStore
	monitor  *Monitor
	gate     *Gate
	backoff  Backoff
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	onFailed func(model.QueuedOperation)

	replayMu sync.Mutex
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewEngine(local database.DBTX, monitor *Monitor, gate *Gate, backoff Backoff, logger *slog.Logger) *Engine {
	if gate == nil {
		gate = NewGate(nil)
	}
	return &Engine{
		queue:    store.NewQueueStore(local),
		monitor:  monitor,
		gate:     gate,
		backoff:  backoff,
		logger:   logger.With("component", "offline"),
		now:      time.Now,
		interval: time.Second,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

func (e *Engine) Gate() *Gate       { return e.gate }
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Handle registers the handler for a method name such as "task.update".
func (e *Engine) Handle(method string, h Handler) {
	e.mu.Lock()
	e.handlers[method] = h
	e.mu.Unlock()
}

// OnFailed sets a callback run when an operation is marked failed.
func (e *Engine) OnFailed(fn func(model.QueuedOperation)) {
	e.mu.Lock()
	e.onFailed = fn
	e.mu.Unlock()
}

func (e *Engine) handler(method string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[method]
	return h, ok
}

// Submit runs req now when online and nothing is queued for its entity.
// Otherwise, or when running it fails transiently, it is queued. Other
// errors are returned as they are.
func (e *Engine) Submit(ctx context.Context, req Request) (Outcome, error) {
	h, ok := e.handler(req.Method)
	if !ok {
		return Outcome{}, fmt.Errorf("no handler for %q", req.Method)
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode %s payload: %w", req.Method, err)
	}
	now := e.clock()
	op := &model.QueuedOperation{
		Kind:          req.Kind,
		Entity:        req.Entity,
		Method:        req.Method,
		CallerID:      req.CallerID,
		Payload:       payload,
		BaseUpdatedAt: req.BaseUpdatedAt,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Status:        model.OpPending,
	}

	waiting, err := e.queue.CountForEntity(ctx, req.Entity)
	if err != nil {
		return Outcome{}, err
	}
	if !e.monitor.Online() || waiting > 0 {
		return e.enqueue(ctx, op)
	}

	res, err := h(ctx, op, op.BaseUpdatedAt)
	if err == nil {
		e.observe(op.Entity, res)
		return Outcome{Value: res.Value}, nil
	}
	if !apperr.IsTransient(err) {
		return Outcome{}, err
	}
	e.logger.Warn("write failed, queued for retry", "method", op.Method, "entity", op.Entity.String(), "error", err)
	op.RetryCount = 1
	op.NextAttemptAt = now.Add(e.backoff.Delay(0))
	op.LastError = err.Error()
	return e.enqueue(ctx, op)
}

func (e *Engine) enqueue(ctx context.Context, op *model.QueuedOperation) (Outcome, error) {
	e.gate.Hold(op.Entity)
	seq, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	e.logger.Info("operation queued", "seq", seq, "method", op.Method, "entity", op.Entity.String())
	return Outcome{Queued: true, Seq: seq}, nil
}

func (e *Engine) observe(ref model.EntityRef, res Result) {
	if res.UpdatedAt != nil {
		e.gate.Observe(ref, *res.UpdatedAt)
	}
}

// Replay runs due pending operations in sequence order. Once an operation
// on an entity is waiting or has failed, later operations on that entity
// wait too; other entities proceed. It returns the number applied.
func (e *Engine) Replay(ctx context.Context) (int, error) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	if !e.monitor.Online() {
		return 0, nil
	}
	failed, err := e.queue.ListByStatus(ctx, model.OpFailed)
	if err != nil {
		return 0, err
	}
	pending, err := e.queue.ListByStatus(ctx, model.OpPending)
	if err != nil {
		return 0, err
	}

	blocked := make(map[string]bool)
	for _, op := range failed {
		blocked[op.Entity.String()] = true
	}
	ownWrites := make(map[string]time.Time)
	touched := make(map[string]model.EntityRef)
	applied := 0
	now := e.clock()

	for i := range pending {
		op := &pending[i]
		key := op.Entity.String()
		if blocked[key] {
			continue
		}
		if op.NextAttemptAt.After(now) {
			blocked[key] = true
			continue
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if !e.monitor.Online() {
			break
		}

		lastKnown := op.BaseUpdatedAt
		if t, ok := ownWrites[key]; ok {
			lastKnown = &t
		}
		h, ok := e.handler(op.Method)
		if !ok {
			blocked[key] = true
			e.fail(ctx, op, fmt.Errorf("no handler for %q", op.Method))
			continue
		}

		res, err := h(ctx, op, lastKnown)
		switch {
		case err == nil:
			if err := e.queue.Delete(ctx, op.Seq); err != nil {
				return applied, err
			}
			if res.UpdatedAt != nil {
				ownWrites[key] = *res.UpdatedAt
			}
			e.observe(op.Entity, res)
			touched[key] = op.Entity
			applied++
			e.logger.Info("operation replayed", "seq", op.Seq, "method", op.Method, "entity", key)

		case apperr.IsTransient(err):
			blocked[key] = true
			e.retryLater(ctx, op, err, now)

		default:
			blocked[key] = true
			e.fail(ctx, op, err)
		}
	}

	for key, ref := range touched {
		if blocked[key] {
			continue
		}
		if n, err := e.queue.CountForEntity(ctx, ref); err == nil && n == 0 {
			e.gate.Release(ref)
		}
	}
	return applied, nil
}

func (e *Engine) retryLater(ctx context.Context, op *model.QueuedOperation, cause error, now time.Time) {
	attempts := op.RetryCount + 1
	if attempts >= e.backoff.MaxAttempts {
		e.fail(ctx, op, fmt.Errorf("gave up after %d attempts: %w", attempts, cause))
		return
	}
	next := now.Add(e.backoff.Delay(attempts - 1))
	if err := e.queue.Reschedule(ctx, op.Seq, attempts, next, cause.Error()); err != nil {
		e.logger.Error("reschedule operation", "seq", op.Seq, "error", err)
		return
	}
	e.logger.Warn("operation will be retried", "seq", op.Seq, "attempt", attempts, "next_attempt_at", next, "error", cause)
}

func (e *Engine) fail(ctx context.Context, op *model.QueuedOperation, cause error) {
	if err := e.queue.MarkFailed(ctx, op.Seq, cause.Error()); err != nil {
		e.logger.Error("mark operation failed", "seq", op.Seq, "error", err)
		return
	}
	op.Status = model.OpFailed
	op.LastError = cause.Error()
	e.logger.Error("operation failed", "seq", op.Seq, "method", op.Method, "entity", op.Entity.String(), "error", cause)

	e.mu.RLock()
	fn := e.onFailed
	e.mu.RUnlock()
	if fn != nil {
		fn(*op)
	}
}

// Pending lists operations waiting to be replayed.
func (e *Engine) Pending(ctx context.Context) ([]model.QueuedOperation, error) {
	return e.queue.ListByStatus(ctx, model.OpPending)
}

// Failed lists operations that will not be retried without Retry.
func (e *Engine) Failed(ctx context.Context) ([]model.QueuedOperation, error) {
	return e.queue.ListByStatus(ctx, model.OpFailed)
}

// Retry re-arms a failed operation with a fresh attempt budget.
func (e *Engine) Retry(ctx context.Context, seq int64) error {
	op, err := e.failedOp(ctx, seq)
	if err != nil {
		return apperr.E("retry", "operation", fmt.Sprint(seq), err)
	}
	if err := e.queue.Rearm(ctx, op.Seq, e.clock()); err != nil {
		return apperr.E("retry", "operation", fmt.Sprint(seq), err)
	}
	e.logger.Info("operation re-armed", "seq", seq)
	e.Wake()
	return nil
}

// Discard drops a failed operation. It returns the dropped operation so the
// caller can restore the entity's server state.
func (e *Engine) Discard(ctx context.Context, seq int64) (*model.QueuedOperation, error) {
	op, err := e.failedOp(ctx, seq)
	if err != nil {
		return nil, apperr.E("discard", "operation", fmt.Sprint(seq), err)
	}
	if err := e.queue.Delete(ctx, seq); err != nil {
		return nil, apperr.E("discard", "operation", fmt.Sprint(seq), err)
	}
	e.logger.Info("operation discarded", "seq", seq, "method", op.Method, "entity", op.Entity.String())

	n, err := e.queue.CountForEntity(ctx, op.Entity)
	if err == nil && n == 0 {
		e.gate.Release(op.Entity)
	}
	e.Wake()
	return op, nil
}

func (e *Engine) failedOp(ctx context.Context, seq int64) (*model.QueuedOperation, error) {
	op, err := e.queue.Get(ctx, seq)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, apperr.ErrNotFound
	}
	if op.Status != model.OpFailed {
		return nil, apperr.Invalid("seq", "operation has not failed")
	}
	return op, nil
}

// Wake asks the run loop to replay soon.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Restore holds live events for every entity that still has queued
// operations, as after a restart.
func (e *Engine) Restore(ctx context.Context) error {
	for _, status := range []model.OpStatus{model.OpPending, model.OpFailed} {
		ops, err := e.queue.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, op := range ops {
			e.gate.Hold(op.Entity)
		}
	}
	return nil
}

// Start restores held entities and runs the replay loop until Stop. It
// replays on every transition to online, when woken and on a timer.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	changes, unsubscribe := e.monitor.Subscribe()
	go func() {
		defer close(e.done)
		defer unsubscribe()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.replay(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-changes:
				if online {
					e.replay(ctx)
				}
			case <-e.wake:
				e.replay(ctx)
			case <-ticker.C:
				e.replay(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the replay loop and waits for it.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel := e.cancel
	done := e.done
	e.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (e *Engine) replay(ctx context.Context) {
	n, err := e.Replay(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("replay", "error", err)
	}
	if n > 0 {
		e.logger.Info("replay finished", "applied", n)
	}
}
