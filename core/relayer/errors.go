package relayer

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrAllBusy is returned when every candidate account was probed and none
// is available. Callers back off and retry.
var ErrAllBusy = errors.New("relayer: all accounts busy")

// ErrNoBatchExecutor is returned by NextAvailableBatch when no configured
// account has a batch executor address set.
var ErrNoBatchExecutor = errors.New("relayer: no account has a batch executor configured")

// ErrReverted tags a submission whose receipt reported failure.
var ErrReverted = errors.New("relayer: transaction reverted")

// SkipReason tags why a candidate account was not selected, for metrics.
type SkipReason string

const (
	SkipLowBalance      SkipReason = "low_balance"
	SkipTooManyPending  SkipReason = "too_many_pending"
	SkipRecentFailure   SkipReason = "recent_failure"
	SkipInUse           SkipReason = "in_use"
	SkipNoBatchExecutor SkipReason = "no_batch_executor"
)

// FailureKind buckets submission failures to decide whether a failure
// should trigger a NonceManager reset, an account cooldown, or a plain
// retry.
//
// FailureAlreadyFulfilled and FailureUnknownRequest refine FailureReverted:
// an already-fulfilled request is recorded as fulfilled rather than
// retried, and an unknown request fails terminally after one attempt since
// retrying it can never succeed. All other reverts retry normally.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailureNonce
	FailureInsufficientBalance
	FailureReverted
	FailureAlreadyFulfilled
	FailureUnknownRequest
)

// ClassifyError inspects an RPC/submission error's text and buckets it
// into a FailureKind. Node errors carry no structured type for these
// cases, so classification matches well-known substrings, including the
// revert reason Account.submit appends from its eth_call re-simulation.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"), strings.Contains(msg, "replacement transaction underpriced"):
		return FailureNonce
	case strings.Contains(msg, "insufficient funds"):
		return FailureInsufficientBalance
	case strings.Contains(msg, "already fulfilled"), strings.Contains(msg, "alreadyfulfilled"):
		return FailureAlreadyFulfilled
	case strings.Contains(msg, "unknown request"), strings.Contains(msg, "invalid request"), strings.Contains(msg, "request not found"):
		return FailureUnknownRequest
	case strings.Contains(msg, "revert"), strings.Contains(msg, "execution reverted"):
		return FailureReverted
	default:
		return FailureTransient
	}
}
