package queueprocessor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/metrics"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/queue"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/relayer"
)

// fakeORM is a call-recording queue.ORM test double, in the style of
// core/observer/observer_test.go's fakeORM.
type fakeORM struct {
	mu           sync.Mutex
	pending      int64
	oldestAge    time.Duration
	hasOldest    bool
	oldestAgeErr error
	dequeued     []*queue.Request

	markFulfilledCalls        [][]byte
	markBatchFulfilledCalls   [][][]byte
	markFailedCalls           [][]byte
	markBatchFailedCalls      [][][]byte
	markTerminallyFailedCalls [][]byte
	requeueCalls              [][]byte
}

func (f *fakeORM) Enqueue(context.Context, []byte, string, string, int) error { return nil }

func (f *fakeORM) Dequeue(context.Context, int) ([]*queue.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	requests := f.dequeued
	f.dequeued = nil
	return requests, nil
}

func (f *fakeORM) MarkFulfilled(_ context.Context, requestID []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markFulfilledCalls = append(f.markFulfilledCalls, requestID)
	return nil
}

func (f *fakeORM) MarkBatchFulfilled(_ context.Context, requestIDs [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markBatchFulfilledCalls = append(f.markBatchFulfilledCalls, requestIDs)
	return nil
}

func (f *fakeORM) MarkFailed(_ context.Context, requestID []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markFailedCalls = append(f.markFailedCalls, requestID)
	return nil
}

func (f *fakeORM) MarkBatchFailed(_ context.Context, requestIDs [][]byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markBatchFailedCalls = append(f.markBatchFailedCalls, requestIDs)
	return nil
}

func (f *fakeORM) MarkTerminallyFailed(_ context.Context, requestID []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markTerminallyFailedCalls = append(f.markTerminallyFailedCalls, requestID)
	return nil
}

func (f *fakeORM) RequeueSingle(_ context.Context, requestID []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeueCalls = append(f.requeueCalls, requestID)
	return nil
}

func (f *fakeORM) PendingCount(context.Context) (int64, error) { return f.pending, nil }

func (f *fakeORM) OldestPendingAge(context.Context) (time.Duration, bool, error) {
	return f.oldestAge, f.hasOldest, f.oldestAgeErr
}

func (f *fakeORM) ReclaimStuck(context.Context, time.Duration) (int64, error) { return 0, nil }

// fakeChainProvider is a provider.ChainProvider test double whose receipt
// status and eth_call error are configurable per test.
type fakeChainProvider struct {
	mu      sync.Mutex
	receipt *types.Receipt
	callErr error
}

func (f *fakeChainProvider) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChainProvider) SendTransaction(context.Context, *types.Transaction) error { return nil }

func (f *fakeChainProvider) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeChainProvider) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000_000), nil
}

func (f *fakeChainProvider) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeChainProvider) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.callErr
}

func (f *fakeChainProvider) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

// fakeVerifier records VerifyBatch invocations.
type fakeVerifier struct {
	mu    sync.Mutex
	calls [][]*queue.Request
}

func (f *fakeVerifier) VerifyBatch(_ context.Context, _ common.Address, requests []*queue.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, requests)
	return nil
}

var testContract = common.HexToAddress("0x1212121212121212121212121212121212121212")

func newTestAccount(t *testing.T, cp *fakeChainProvider, batchExecutor *common.Address) *relayer.Account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account, err := relayer.NewAccount(relayer.AccountConfig{
		PrivateKeyHex:        common.Bytes2Hex(crypto.FromECDSA(key)),
		MinGasWei:            big.NewInt(1),
		BatchExecutorAddress: batchExecutor,
	}, cp, metrics.New(nil), logger.Test(t))
	require.NoError(t, err)
	return account
}

func newTestProcessor(t *testing.T, orm queue.ORM, cfg Config) *Processor {
	lggr := logger.Test(t)
	pool := relayer.New(nil, relayer.NewRoundRobinScheduler(), metrics.New(nil), lggr)
	return New(cfg, orm, pool, nil, metrics.New(nil), lggr)
}

func testRequest(b byte) *queue.Request {
	var id [32]byte
	id[31] = b
	return &queue.Request{RequestID: id[:], Status: queue.StatusProcessing, CreatedAt: time.Now(), MaxRetries: queue.DefaultMaxRetries}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.PartialBatchTimeout)
	require.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 12, cfg.ReclaimEvery)
	require.Equal(t, 5*time.Minute, cfg.ReclaimThreshold)
	require.Equal(t, 4, cfg.MaxConcurrentBatches)
}

func TestConfig_WithDefaults_PreservesOverrides(t *testing.T) {
	cfg := Config{BatchSize: 25, PollInterval: time.Second}.withDefaults()
	require.Equal(t, 25, cfg.BatchSize)
	require.Equal(t, time.Second, cfg.PollInterval)
}

func TestDecideBatchSize_FullBatchWhenAtOrAboveThreshold(t *testing.T) {
	p := newTestProcessor(t, &fakeORM{}, Config{BatchSize: 10})

	size, ready, err := p.decideBatchSize(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, 10, size)
}

func TestDecideBatchSize_PartialBatchAfterTimeout(t *testing.T) {
	orm := &fakeORM{oldestAge: time.Second, hasOldest: true}
	p := newTestProcessor(t, orm, Config{BatchSize: 10, PartialBatchTimeout: 500 * time.Millisecond})

	size, ready, err := p.decideBatchSize(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, 3, size)
}

func TestDecideBatchSize_WaitsWhenBelowTimeout(t *testing.T) {
	orm := &fakeORM{oldestAge: 100 * time.Millisecond, hasOldest: true}
	p := newTestProcessor(t, orm, Config{BatchSize: 10, PartialBatchTimeout: 500 * time.Millisecond})

	_, ready, err := p.decideBatchSize(context.Background(), 3)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestDecideBatchSize_PropagatesError(t *testing.T) {
	orm := &fakeORM{oldestAgeErr: context.DeadlineExceeded}
	p := newTestProcessor(t, orm, Config{BatchSize: 10})

	_, _, err := p.decideBatchSize(context.Background(), 3)
	require.Error(t, err)
}

func TestNew_AppliesDefaultsAndContractAddress(t *testing.T) {
	p := newTestProcessor(t, &fakeORM{}, Config{ContractAddress: testContract})
	require.Equal(t, testContract, p.cfg.ContractAddress)
	require.Equal(t, DefaultBatchSize, p.cfg.BatchSize)
}

func TestProcessSingle_SuccessMarksFulfilled(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{}
	account := newTestAccount(t, cp, nil)
	p := newTestProcessor(t, orm, Config{ContractAddress: testContract})

	req := testRequest(0xaa)
	p.processSingle(context.Background(), account, req)

	require.Len(t, orm.markFulfilledCalls, 1)
	require.Equal(t, req.RequestID, orm.markFulfilledCalls[0])
	require.Empty(t, orm.markFailedCalls)
	require.Empty(t, orm.markTerminallyFailedCalls)
}

func TestProcessSingle_GenericRevertMarksFailed(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
		callErr: errors.New("execution reverted: fee too low"),
	}
	account := newTestAccount(t, cp, nil)
	p := newTestProcessor(t, orm, Config{ContractAddress: testContract})

	req := testRequest(0xbb)
	p.processSingle(context.Background(), account, req)

	require.Len(t, orm.markFailedCalls, 1)
	require.Equal(t, req.RequestID, orm.markFailedCalls[0])
	require.Empty(t, orm.markFulfilledCalls)
	require.Empty(t, orm.markTerminallyFailedCalls)
}

func TestProcessSingle_AlreadyFulfilledRevertMarksFulfilled(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
		callErr: errors.New("execution reverted: request already fulfilled"),
	}
	account := newTestAccount(t, cp, nil)
	p := newTestProcessor(t, orm, Config{ContractAddress: testContract})

	req := testRequest(0xcc)
	p.processSingle(context.Background(), account, req)

	require.Len(t, orm.markFulfilledCalls, 1)
	require.Equal(t, req.RequestID, orm.markFulfilledCalls[0])
	require.Empty(t, orm.markFailedCalls)
	require.Empty(t, orm.markTerminallyFailedCalls)
}

func TestProcessSingle_UnknownRequestRevertFailsTerminally(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
		callErr: errors.New("execution reverted: unknown request"),
	}
	account := newTestAccount(t, cp, nil)
	p := newTestProcessor(t, orm, Config{ContractAddress: testContract})

	req := testRequest(0xdd)
	p.processSingle(context.Background(), account, req)

	require.Len(t, orm.markTerminallyFailedCalls, 1)
	require.Equal(t, req.RequestID, orm.markTerminallyFailedCalls[0])
	require.Empty(t, orm.markFulfilledCalls)
	require.Empty(t, orm.markFailedCalls)
}

func TestProcessBatch_SuccessMarksBatchFulfilledAndVerifies(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{}
	batchExecutor := common.HexToAddress("0x9999888877776666555544443333222211110000")
	account := newTestAccount(t, cp, &batchExecutor)
	verifier := &fakeVerifier{}

	lggr := logger.Test(t)
	pool := relayer.New([]*relayer.Account{account}, relayer.NewRoundRobinScheduler(), metrics.New(nil), lggr)
	p := New(Config{ContractAddress: testContract}, orm, pool, verifier, metrics.New(nil), lggr)

	requests := []*queue.Request{testRequest(0x01), testRequest(0x02)}
	p.processBatch(context.Background(), account, requests)

	require.Len(t, orm.markBatchFulfilledCalls, 1)
	require.Len(t, orm.markBatchFulfilledCalls[0], 2)
	require.Equal(t, requests[0].RequestID, orm.markBatchFulfilledCalls[0][0])
	require.Empty(t, orm.markBatchFailedCalls)

	require.Len(t, verifier.calls, 1)
	require.Len(t, verifier.calls[0], 2)
}

func TestProcessBatch_RevertedBatchRetriesTogether(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
		callErr: errors.New("execution reverted: request already fulfilled"),
	}
	batchExecutor := common.HexToAddress("0x9999888877776666555544443333222211110000")
	account := newTestAccount(t, cp, &batchExecutor)
	p := newTestProcessor(t, orm, Config{ContractAddress: testContract})

	requests := []*queue.Request{testRequest(0x03), testRequest(0x04), testRequest(0x05)}
	p.processBatch(context.Background(), account, requests)

	require.Len(t, orm.markBatchFailedCalls, 1)
	require.Len(t, orm.markBatchFailedCalls[0], 3)
	require.Empty(t, orm.markBatchFulfilledCalls)
}

func TestProcessRequests_SinglePathFallbackHandlesEachRow(t *testing.T) {
	orm := &fakeORM{}
	cp := &fakeChainProvider{}
	account := newTestAccount(t, cp, nil)
	p := newTestProcessor(t, orm, Config{ContractAddress: testContract})

	requests := []*queue.Request{testRequest(0x06), testRequest(0x07)}
	p.processRequests(context.Background(), account, false, requests)

	require.Len(t, orm.markFulfilledCalls, 2)
	require.Empty(t, orm.markBatchFulfilledCalls)
}

func TestRunLoop_DequeuesAndFulfills(t *testing.T) {
	orm := &fakeORM{
		pending:   2,
		oldestAge: time.Second,
		hasOldest: true,
		dequeued:  []*queue.Request{testRequest(0x08), testRequest(0x09)},
	}
	cp := &fakeChainProvider{}
	account := newTestAccount(t, cp, nil)

	lggr := logger.Test(t)
	pool := relayer.New([]*relayer.Account{account}, relayer.NewRoundRobinScheduler(), metrics.New(nil), lggr)
	p := New(Config{ContractAddress: testContract, PollInterval: 10 * time.Millisecond}, orm, pool, nil, metrics.New(nil), lggr)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		orm.mu.Lock()
		defer orm.mu.Unlock()
		return len(orm.markFulfilledCalls) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Close())
}

func TestProcessor_StartAndCloseDrainCleanly(t *testing.T) {
	p := newTestProcessor(t, &fakeORM{}, Config{PollInterval: 10 * time.Millisecond})

	require.NoError(t, p.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Close())
}

func TestProcessor_StartTwiceFails(t *testing.T) {
	p := newTestProcessor(t, &fakeORM{}, Config{})

	require.NoError(t, p.Start(context.Background()))
	require.Error(t, p.Start(context.Background()))
	require.NoError(t, p.Close())
}
