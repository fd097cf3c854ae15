// Package queue implements the durable request queue: a Postgres-backed
// table of VRF fulfillment requests, consumed by multiple workers via
// row-level skip-locking.
package queue

import (
	"time"
)

// Status is the lifecycle state of a Request. Transitions form a DAG:
// Pending -> Processing -> {Fulfilled, Pending, Failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFulfilled  Status = "fulfilled"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetries is the retry cap applied to newly enqueued requests
// unless the caller overrides it.
const DefaultMaxRetries = 5

// Request is the persistent record of a single VRF fulfillment request.
type Request struct {
	RequestID           []byte     `db:"request_id"`
	ContractAddress     string     `db:"contract_address"`
	Status              Status     `db:"status"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	ProcessingStartedAt *time.Time `db:"processing_started_at"`
	FulfilledAt         *time.Time `db:"fulfilled_at"`
	RetryCount          int        `db:"retry_count"`
	MaxRetries          int        `db:"max_retries"`
	LastError           *string    `db:"last_error"`
	Network             string     `db:"network"`
}

// Terminal reports whether the request can never transition again.
func (r *Request) Terminal() bool {
	if r.Status == StatusFulfilled {
		return true
	}
	return r.Status == StatusFailed && r.RetryCount >= r.MaxRetries
}
