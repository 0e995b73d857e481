package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeased is returned when a record is already being delivered.
	ErrLeased = errors.New("operation is already processing")
	// ErrInvalidMethod is returned when enqueueing a non-mutating HTTP method.
	ErrInvalidMethod = errors.New("method must be one of POST, PUT, PATCH, DELETE")
	// ErrInvalidEndpoint is returned when the endpoint is empty or not a path.
	ErrInvalidEndpoint = errors.New("endpoint must be a path starting with /")
)

// Status is the delivery state of a queued operation. Completed operations
// are deleted, so StatusCompleted never appears in the table.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Operation is one queued mutating request awaiting confirmed delivery.
type Operation struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Body          json.RawMessage `json:"body,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	Status        Status          `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// Eligible reports whether the operation can be picked up by a drain.
func (o Operation) Eligible() bool {
	return o.Status == StatusPending || o.Status == StatusFailed
}
