package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/smartcontractkit/chainlink-common/pkg/sqlutil"
)

// ORM is the durable queue's public contract.
type ORM interface {
	Enqueue(ctx context.Context, requestID []byte, contractAddress, network string, maxRetries int) error
	Dequeue(ctx context.Context, limit int) ([]*Request, error)
	MarkFulfilled(ctx context.Context, requestID []byte) error
	MarkBatchFulfilled(ctx context.Context, requestIDs [][]byte) error
	MarkFailed(ctx context.Context, requestID []byte, errMsg string) error
	MarkBatchFailed(ctx context.Context, requestIDs [][]byte, errMsg string) error
	MarkTerminallyFailed(ctx context.Context, requestID []byte, errMsg string) error
	RequeueSingle(ctx context.Context, requestID []byte) error
	PendingCount(ctx context.Context) (int64, error)
	OldestPendingAge(ctx context.Context) (time.Duration, bool, error)
	ReclaimStuck(ctx context.Context, threshold time.Duration) (int64, error)
}

type orm struct {
	ds sqlutil.DataSource
}

// NewORM builds a durable queue ORM over the given sqlutil.DataSource.
func NewORM(ds sqlutil.DataSource) ORM {
	return &orm{ds: ds}
}

// Enqueue inserts a new pending request. A primary-key conflict (the
// request was already seen) is treated as a no-op.
func (o *orm) Enqueue(ctx context.Context, requestID []byte, contractAddress, network string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	_, err := o.ds.ExecContext(ctx, `
		INSERT INTO vrf_pending_requests (request_id, contract_address, network, status, max_retries)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, contractAddress, network, maxRetries)
	if err != nil {
		return fmt.Errorf("queue: failed to enqueue request: %w", err)
	}
	return nil
}

// Dequeue selects up to limit pending rows in roughly FIFO order, skipping
// rows already locked by another worker, and transitions them to
// processing.
func (o *orm) Dequeue(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		return nil, nil
	}

	var requests []*Request
	err := sqlutil.TransactDataSource(ctx, o.ds, nil, func(tx sqlutil.DataSource) error {
		rows, err := tx.QueryxContext(ctx, `
			UPDATE vrf_pending_requests
			SET status = 'processing', processing_started_at = NOW()
			WHERE request_id IN (
				SELECT request_id
				FROM vrf_pending_requests
				WHERE status = 'pending'
				ORDER BY created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING request_id, contract_address, status, created_at, updated_at,
				processing_started_at, fulfilled_at, retry_count, max_retries, last_error, network
		`, limit)
		if err != nil {
			return fmt.Errorf("queue: failed to dequeue requests: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r Request
			if err := rows.StructScan(&r); err != nil {
				return fmt.Errorf("queue: failed to scan dequeued request: %w", err)
			}
			requests = append(requests, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// MarkFulfilled transitions a single request to fulfilled. Idempotent: a row
// already fulfilled is left untouched.
func (o *orm) MarkFulfilled(ctx context.Context, requestID []byte) error {
	_, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = 'fulfilled', fulfilled_at = NOW()
		WHERE request_id = $1 AND status != 'fulfilled'
	`, requestID)
	if err != nil {
		return fmt.Errorf("queue: failed to mark request fulfilled: %w", err)
	}
	return nil
}

// MarkBatchFulfilled marks many requests fulfilled in one statement, so
// either all rows transition or none do.
func (o *orm) MarkBatchFulfilled(ctx context.Context, requestIDs [][]byte) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = 'fulfilled', fulfilled_at = NOW()
		WHERE request_id = ANY($1) AND status != 'fulfilled'
	`, pq.ByteaArray(requestIDs))
	if err != nil {
		return fmt.Errorf("queue: failed to mark batch fulfilled: %w", err)
	}
	return nil
}

// MarkFailed applies the retry/fail decision: once retry_count+1 reaches
// max_retries the row becomes terminal, otherwise it returns to pending
// with retry_count incremented.
func (o *orm) MarkFailed(ctx context.Context, requestID []byte, errMsg string) error {
	_, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			retry_count = retry_count + 1,
			last_error = $2,
			processing_started_at = NULL
		WHERE request_id = $1
	`, requestID, errMsg)
	if err != nil {
		return fmt.Errorf("queue: failed to mark request failed: %w", err)
	}
	return nil
}

// MarkBatchFailed is the per-row equivalent of MarkFailed for a whole
// batch, applied in one statement. The whole batch retries together.
func (o *orm) MarkBatchFailed(ctx context.Context, requestIDs [][]byte, errMsg string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			retry_count = retry_count + 1,
			last_error = $2,
			processing_started_at = NULL
		WHERE request_id = ANY($1)
	`, pq.ByteaArray(requestIDs), errMsg)
	if err != nil {
		return fmt.Errorf("queue: failed to mark batch failed: %w", err)
	}
	return nil
}

// MarkTerminallyFailed fails a request immediately, bypassing the retry
// cap. Used when the contract rejects a request it has no record of: the
// request was never actually created on-chain, so retrying it would never
// succeed. retry_count is set to max_retries, so the row reads as having
// exhausted its retries.
func (o *orm) MarkTerminallyFailed(ctx context.Context, requestID []byte, errMsg string) error {
	_, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = 'failed',
			retry_count = max_retries,
			last_error = $2,
			processing_started_at = NULL
		WHERE request_id = $1
	`, requestID, errMsg)
	if err != nil {
		return fmt.Errorf("queue: failed to mark request terminally failed: %w", err)
	}
	return nil
}

// RequeueSingle returns one request to pending without counting it as a
// failure. Used by the observer's on-chain cross-check when a request in a
// successful batch receipt turns out not to have actually been fulfilled
// on-chain. By then the processor has already marked the batch fulfilled,
// so fulfilled rows are requeued too (and their fulfilled_at cleared);
// failed rows are left untouched.
func (o *orm) RequeueSingle(ctx context.Context, requestID []byte) error {
	_, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = 'pending', processing_started_at = NULL, fulfilled_at = NULL
		WHERE request_id = $1 AND status != 'failed'
	`, requestID)
	if err != nil {
		return fmt.Errorf("queue: failed to requeue request: %w", err)
	}
	return nil
}

// PendingCount returns the number of rows currently pending, used by the
// queue processor to decide batch size.
func (o *orm) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := o.ds.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM vrf_pending_requests WHERE status = 'pending'
	`); err != nil {
		return 0, fmt.Errorf("queue: failed to count pending requests: %w", err)
	}
	return count, nil
}

// OldestPendingAge returns the age of the oldest pending row, used to
// decide whether a partial batch should be released.
func (o *orm) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	var createdAt time.Time
	err := o.ds.GetContext(ctx, &createdAt, `
		SELECT created_at FROM vrf_pending_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1
	`)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue: failed to get oldest pending request: %w", err)
	}
	return time.Since(createdAt), true, nil
}

// ReclaimStuck reverts rows left in processing longer than threshold back
// to pending, incrementing retry_count. Guards against workers that
// crashed mid-flight.
func (o *orm) ReclaimStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	res, err := o.ds.ExecContext(ctx, `
		UPDATE vrf_pending_requests
		SET status = 'pending', retry_count = retry_count + 1, processing_started_at = NULL
		WHERE status = 'processing'
			AND processing_started_at < NOW() - ($1 * INTERVAL '1 MICROSECOND')
	`, threshold.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("queue: failed to reclaim stuck requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: failed to count reclaimed rows: %w", err)
	}
	return n, nil
}
