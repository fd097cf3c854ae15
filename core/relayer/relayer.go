package relayer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/metrics"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/oracle"
)

// Relayer is the account pool. It exclusively owns its accounts; callers
// receive a short-lived reference used for one submission cycle, then must
// Release it.
type Relayer struct {
	accounts  []*Account
	scheduler Scheduler
	metrics   *metrics.Sink
	lggr      logger.Logger

	mu    sync.Mutex
	inUse map[common.Address]bool
}

// New constructs a Relayer over accounts, selecting candidates via
// scheduler. The in-use set prevents two concurrent dispatches from
// picking the same account.
func New(accounts []*Account, scheduler Scheduler, sink *metrics.Sink, lggr logger.Logger) *Relayer {
	return &Relayer{
		accounts:  accounts,
		scheduler: scheduler,
		metrics:   sink,
		lggr:      logger.Sugared(lggr).Named("Relayer"),
		inUse:     make(map[common.Address]bool),
	}
}

// HasBatchExecutor reports whether any account in the pool has a batch
// executor configured, i.e. whether the batch path is usable at all.
func (r *Relayer) HasBatchExecutor() bool {
	for _, a := range r.accounts {
		if a.BatchExecutorAddress != nil {
			return true
		}
	}
	return false
}

// NextAvailable runs the scheduler over the whole pool and returns the
// first account that probes healthy and is not already dispatched to
// another in-flight submission.
func (r *Relayer) NextAvailable(ctx context.Context) (*Account, error) {
	return r.next(ctx, false)
}

// NextAvailableBatch is NextAvailable restricted to accounts with a batch
// executor configured.
func (r *Relayer) NextAvailableBatch(ctx context.Context) (*Account, error) {
	return r.next(ctx, true)
}

func (r *Relayer) next(ctx context.Context, requireBatchExecutor bool) (*Account, error) {
	order := r.scheduler.SelectionOrder(len(r.accounts))
	for _, idx := range order {
		account := r.accounts[idx]

		if requireBatchExecutor && account.BatchExecutorAddress == nil {
			r.recordSkip(account, SkipNoBatchExecutor)
			continue
		}

		r.mu.Lock()
		if r.inUse[account.Address] {
			r.mu.Unlock()
			r.recordSkip(account, SkipInUse)
			continue
		}
		r.mu.Unlock()

		available, reason, err := account.IsAvailable(ctx)
		if err != nil {
			r.lggr.Warnw("error probing account availability", "address", account.Address.Hex(), "err", err)
			r.recordSkip(account, SkipRecentFailure)
			continue
		}
		if !available {
			r.recordSkip(account, reason)
			continue
		}

		r.mu.Lock()
		r.inUse[account.Address] = true
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.RelayerSelectedTotal.WithLabelValues(account.Address.Hex()).Inc()
		}
		return account, nil
	}
	if requireBatchExecutor && !r.HasBatchExecutor() {
		return nil, ErrNoBatchExecutor
	}
	return nil, ErrAllBusy
}

func (r *Relayer) recordSkip(account *Account, reason SkipReason) {
	if r.metrics != nil {
		r.metrics.RelayerSkippedTotal.WithLabelValues(account.Address.Hex(), string(reason)).Inc()
	}
}

// Release returns an account to the pool after the caller's submission
// completes, success or failure.
func (r *Relayer) Release(address common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inUse, address)
}

// Submit is a thin dispatcher to account.Send. The caller owns the account
// reference until it calls Release — Submit does not release
// automatically, since a caller may need the same account for several
// sequential single submissions in one processing cycle.
func (r *Relayer) Submit(ctx context.Context, account *Account, call oracle.Call) (*types.Receipt, error) {
	return account.Send(ctx, call)
}

// SubmitBatch is a thin dispatcher to account.SendBatch. As with Submit,
// the caller must Release the account when done with it.
func (r *Relayer) SubmitBatch(ctx context.Context, account *Account, calls []oracle.Call) (*types.Receipt, error) {
	return account.SendBatch(ctx, calls)
}

// Accounts exposes the pool for diagnostics (e.g. per-account metrics
// collection); callers must not mutate the returned slice's contents.
func (r *Relayer) Accounts() []*Account {
	return r.accounts
}
