package model

import (
	"encoding/json"
	"time"
)

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpFailed  OpStatus = "failed"
)

// Entity kinds addressed by queued operations and live events.
const (
	EntityTask   = "task"
	EntityFamily = "family"
)

type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (e EntityRef) String() string { return e.Kind + "/" + e.ID }

// QueuedOperation is one write captured by the sync engine. Method names the
// service call to replay and Payload holds its arguments.
type QueuedOperation struct {
	Seq           int64           `json:"seq"`
	Kind          OpKind          `json:"kind"`
	Entity        EntityRef       `json:"entity"`
	Method        string          `json:"method"`
	CallerID      string          `json:"caller_id"`
	Payload       json.RawMessage `json:"payload"`
	BaseUpdatedAt *time.Time      `json:"base_updated_at,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        OpStatus        `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
}
