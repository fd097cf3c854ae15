// Package queueprocessor implements the control loop between the durable
// queue and the relayer pool: it polls the queue, decides batch sizing,
// acquires an account, builds the fulfillment calls, submits them, and
// records the outcome back into the queue.
package queueprocessor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/metrics"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/oracle"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/queue"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/relayer"
)

// Config controls the processor's cadence and sizing decisions.
type Config struct {
	ContractAddress       common.Address
	Network               string
	BatchSize             int
	PartialBatchTimeout   time.Duration
	PollInterval          time.Duration
	ReclaimEvery          int // ReclaimStuck runs every Nth loop iteration
	ReclaimThreshold      time.Duration
	MaxConcurrentBatches  int
	AllBusyBackoff        time.Duration
	EmptyQueueLogInterval time.Duration
}

// DefaultBatchSize is the target batch size when BATCH_SIZE is not set.
const DefaultBatchSize = 10

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PartialBatchTimeout <= 0 {
		c.PartialBatchTimeout = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = 12
	}
	if c.ReclaimThreshold <= 0 {
		c.ReclaimThreshold = 5 * time.Minute
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.AllBusyBackoff <= 0 {
		c.AllBusyBackoff = 500 * time.Millisecond
	}
	if c.EmptyQueueLogInterval <= 0 {
		c.EmptyQueueLogInterval = 10 * time.Second
	}
	return c
}

// BatchVerifier cross-checks a successful batch against the chain. The
// fulfillment observer implements it; a nil verifier skips the check.
type BatchVerifier interface {
	VerifyBatch(ctx context.Context, contractAddress common.Address, requests []*queue.Request) error
}

// Processor runs the fulfillment control loop.
type Processor struct {
	cfg      Config
	orm      queue.ORM
	relay    *relayer.Relayer
	verifier BatchVerifier
	metrics  *metrics.Sink
	lggr     logger.Logger

	once   services.StateMachine
	stopCh services.StopChan
	wg     sync.WaitGroup
	sem    chan struct{}

	emptyLogMu   sync.Mutex
	lastEmptyLog time.Time
}

// New constructs a Processor. Call Start to begin the control loop and
// Close to drain gracefully. verifier may be nil to skip the post-batch
// on-chain cross-check.
func New(cfg Config, orm queue.ORM, relay *relayer.Relayer, verifier BatchVerifier, sink *metrics.Sink, lggr logger.Logger) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:      cfg,
		orm:      orm,
		relay:    relay,
		verifier: verifier,
		metrics:  sink,
		lggr:     logger.Sugared(lggr).Named("QueueProcessor").With("network", cfg.Network),
		stopCh:   make(services.StopChan),
		sem:      make(chan struct{}, cfg.MaxConcurrentBatches),
	}
}

// Start begins the control loop in a background goroutine.
func (p *Processor) Start(context.Context) error {
	return p.once.StartOnce("QueueProcessor", func() error {
		p.wg.Add(1)
		go p.runLoop()
		return nil
	})
}

// Close signals the control loop to stop accepting new dequeues and waits
// for in-flight batches to finish. Any grace period is the caller's to
// impose; rows stranded by a hard kill are recovered by ReclaimStuck on
// the next process.
func (p *Processor) Close() error {
	return p.once.StopOnce("QueueProcessor", func() error {
		close(p.stopCh)
		p.wg.Wait()
		return nil
	})
}

func (p *Processor) runLoop() {
	defer p.wg.Done()

	ctx, cancel := p.stopCh.NewCtx()
	defer cancel()

	reconnectBackoff := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}

	var iteration int64
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		iteration++
		if iteration%int64(p.cfg.ReclaimEvery) == 0 {
			if n, err := p.orm.ReclaimStuck(ctx, p.cfg.ReclaimThreshold); err != nil {
				p.lggr.Errorw("failed to reclaim stuck requests; backing off", "err", err)
				p.sleep(reconnectBackoff.Duration())
				continue
			} else if n > 0 {
				p.lggr.Infow("reclaimed stuck requests", "n", n)
			}
		}
		reconnectBackoff.Reset()

		pending, err := p.orm.PendingCount(ctx)
		if err != nil {
			p.lggr.Errorw("failed to read pending count; backing off", "err", err)
			p.sleep(reconnectBackoff.Duration())
			continue
		}
		if p.metrics != nil {
			p.metrics.PendingRequests.Set(float64(pending))
		}

		if pending == 0 {
			p.logEmptyThrottled()
			p.sleep(p.cfg.PollInterval)
			continue
		}

		batchSize, ready, err := p.decideBatchSize(ctx, pending)
		if err != nil {
			p.lggr.Errorw("failed to decide batch size", "err", err)
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if !ready {
			p.sleep(p.cfg.PollInterval)
			continue
		}

		useBatch := p.relay.HasBatchExecutor()
		account, err := p.acquireAccount(ctx, useBatch)
		if err != nil {
			p.sleep(p.cfg.AllBusyBackoff)
			continue
		}

		requests, err := p.orm.Dequeue(ctx, batchSize)
		if err != nil {
			p.lggr.Errorw("failed to dequeue requests", "err", err)
			p.relay.Release(account.Address)
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if len(requests) == 0 {
			p.relay.Release(account.Address)
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			p.relay.Release(account.Address)
			return
		}

		p.wg.Add(1)
		go func(account *relayer.Account, useBatch bool, requests []*queue.Request) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer p.relay.Release(account.Address)
			p.processRequests(context.Background(), account, useBatch, requests)
		}(account, useBatch, requests)
	}
}

func (p *Processor) acquireAccount(ctx context.Context, useBatch bool) (*relayer.Account, error) {
	if useBatch {
		return p.relay.NextAvailableBatch(ctx)
	}
	return p.relay.NextAvailable(ctx)
}

// decideBatchSize: if the queue is at or above BatchSize, take a full
// batch; else release a partial batch once the oldest pending row has
// waited past PartialBatchTimeout; else wait.
func (p *Processor) decideBatchSize(ctx context.Context, pending int64) (int, bool, error) {
	if pending >= int64(p.cfg.BatchSize) {
		return p.cfg.BatchSize, true, nil
	}
	age, ok, err := p.orm.OldestPendingAge(ctx)
	if err != nil {
		return 0, false, err
	}
	if ok && age > p.cfg.PartialBatchTimeout {
		return int(pending), true, nil
	}
	return 0, false, nil
}

func (p *Processor) logEmptyThrottled() {
	p.emptyLogMu.Lock()
	defer p.emptyLogMu.Unlock()
	if p.lastEmptyLog.IsZero() || time.Since(p.lastEmptyLog) > p.cfg.EmptyQueueLogInterval {
		p.lggr.Infow("queue is empty, waiting for new requests")
		p.lastEmptyLog = time.Now()
	}
}

func (p *Processor) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

// processRequests dispatches a dequeued group of requests either as one
// batch transaction or, when no account has a batch executor yet, as
// sequential single transactions from the same account.
func (p *Processor) processRequests(ctx context.Context, account *relayer.Account, useBatch bool, requests []*queue.Request) {
	if useBatch {
		p.processBatch(ctx, account, requests)
		return
	}
	for _, req := range requests {
		p.processSingle(ctx, account, req)
	}
}

func (p *Processor) processBatch(ctx context.Context, account *relayer.Account, requests []*queue.Request) {
	batchID := uuid.New()
	lggr := logger.Sugared(p.lggr).With("batchID", batchID.String(), "batchSize", len(requests))

	ids := make([][32]byte, len(requests))
	rawIDs := make([][]byte, len(requests))
	for i, req := range requests {
		var id [32]byte
		copy(id[:], req.RequestID)
		ids[i] = id
		rawIDs[i] = req.RequestID
	}

	calls, _, err := oracle.BuildBatch(p.cfg.ContractAddress, ids)
	if err != nil {
		lggr.Errorw("failed to build batch calls", "err", err)
		if markErr := p.orm.MarkBatchFailed(ctx, rawIDs, err.Error()); markErr != nil {
			lggr.Errorw("failed to mark batch failed", "err", markErr)
		}
		return
	}

	_, err = p.relay.SubmitBatch(ctx, account, calls)
	if err != nil {
		lggr.Warnw("batch submission failed, whole batch retries together", "err", err)
		if markErr := p.orm.MarkBatchFailed(ctx, rawIDs, err.Error()); markErr != nil {
			lggr.Errorw("failed to mark batch failed", "err", markErr)
		}
		if p.metrics != nil {
			p.metrics.FailedTotal.Add(float64(len(requests)))
		}
		return
	}

	if err := p.orm.MarkBatchFulfilled(ctx, rawIDs); err != nil {
		lggr.Errorw("failed to mark batch fulfilled", "err", err)
		return
	}
	lggr.Infow("batch fulfilled")
	if p.metrics != nil {
		p.metrics.BatchFulfilledTotal.Inc()
		p.metrics.BatchSize.Observe(float64(len(requests)))
		p.metrics.FulfilledTotal.Add(float64(len(requests)))
		for _, req := range requests {
			p.metrics.ObserveFulfillmentLatency(req.CreatedAt)
		}
	}

	if p.verifier != nil {
		if err := p.verifier.VerifyBatch(ctx, p.cfg.ContractAddress, requests); err != nil {
			lggr.Warnw("post-batch verification failed", "err", err)
		}
	}
}

// processSingle submits one fulfillment as a plain transaction. This path
// is what keeps the engine correct when it starts before the batch
// executor's delegation authorization has completed.
func (p *Processor) processSingle(ctx context.Context, account *relayer.Account, req *queue.Request) {
	var id [32]byte
	copy(id[:], req.RequestID)

	call, _, err := oracle.BuildSingle(p.cfg.ContractAddress, id)
	if err != nil {
		p.lggr.Errorw("failed to build single call", "err", err)
		if markErr := p.orm.MarkFailed(ctx, req.RequestID, err.Error()); markErr != nil {
			p.lggr.Errorw("failed to mark request failed", "err", markErr)
		}
		return
	}

	_, err = p.relay.Submit(ctx, account, call)
	if err != nil {
		p.lggr.Warnw("single submission failed", "requestID", req.RequestID, "err", err)

		switch relayer.ClassifyError(err) {
		case relayer.FailureAlreadyFulfilled:
			// Another worker (or a previous attempt of this one, retried
			// after a crash before its outcome was recorded) already
			// delivered randomness for this request; treat it as success.
			if markErr := p.orm.MarkFulfilled(ctx, req.RequestID); markErr != nil {
				p.lggr.Errorw("failed to mark request fulfilled", "err", markErr)
				return
			}
			if p.metrics != nil {
				p.metrics.FulfilledTotal.Inc()
				p.metrics.ObserveFulfillmentLatency(req.CreatedAt)
			}
			return
		case relayer.FailureUnknownRequest:
			if markErr := p.orm.MarkTerminallyFailed(ctx, req.RequestID, err.Error()); markErr != nil {
				p.lggr.Errorw("failed to mark request terminally failed", "err", markErr)
			}
			if p.metrics != nil {
				p.metrics.FailedTotal.Inc()
			}
			return
		default:
			if markErr := p.orm.MarkFailed(ctx, req.RequestID, err.Error()); markErr != nil {
				p.lggr.Errorw("failed to mark request failed", "err", markErr)
			}
			if p.metrics != nil {
				p.metrics.FailedTotal.Inc()
			}
			return
		}
	}

	if err := p.orm.MarkFulfilled(ctx, req.RequestID); err != nil {
		p.lggr.Errorw("failed to mark request fulfilled", "err", err)
		return
	}
	if p.metrics != nil {
		p.metrics.FulfilledTotal.Inc()
		p.metrics.ObserveFulfillmentLatency(req.CreatedAt)
	}
}
