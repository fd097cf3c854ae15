// Package relayer implements the transaction relayer pool: a set of
// externally-owned accounts, each guarded by its own NonceManager, selected
// by a pluggable scheduling policy and dispatched to for both single and
// batch fulfillment submissions.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pkg/errors"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/chains/evm/noncemgr"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/chains/evm/provider"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/metrics"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/oracle"
)

// balanceCacheTTL bounds how often IsAvailable re-checks on-chain balance,
// so availability probes don't turn into one RPC call each.
const balanceCacheTTL = 60 * time.Second

// failureCooldown is how long an account stays unavailable after a failed
// submission.
const failureCooldown = 30 * time.Second

// defaultGasLimit and defaultGasPriceWei are used when AccountConfig leaves
// them unset. The chain provider exposes no gas estimation operation, so
// the relayer account carries its own fixed policy.
const (
	defaultGasLimit    = uint64(500_000)
	defaultGasPriceWei = int64(1_000_000_000) // 1 gwei
)

// AccountConfig is the static configuration for one relayer account.
type AccountConfig struct {
	PrivateKeyHex         string
	MinGasWei             *big.Int
	MaxPendingBlockThresh int
	BatchExecutorAddress  *common.Address
	GasLimit              uint64
	GasPriceWei           *big.Int
}

// Account wraps a keypair, its NonceManager, and the thresholds that gate
// its availability.
type Account struct {
	Address              common.Address
	BatchExecutorAddress *common.Address

	privateKey  *ecdsa.PrivateKey
	provider    provider.ChainProvider
	nonceMgr    *noncemgr.NonceManager
	minGasWei   *big.Int
	maxPending  int
	gasLimit    uint64
	gasPriceWei *big.Int
	lggr        logger.Logger
	metrics     *metrics.Sink

	mu               sync.Mutex
	cachedBalance    *big.Int
	lastBalanceCheck time.Time
	pendingTxCount   int
	lastFailure      time.Time
	totalTx          uint64
	totalFailures    uint64
}

// NewAccount constructs an Account from cfg. The private key is parsed
// eagerly; balance and nonce are seeded lazily on first use.
func NewAccount(cfg AccountConfig, p provider.ChainProvider, sink *metrics.Sink, lggr logger.Logger) (*Account, error) {
	key, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "relayer: invalid private key")
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	minGas := cfg.MinGasWei
	if minGas == nil {
		minGas = big.NewInt(5_000_000_000_000_000) // 0.005 ETH
	}
	maxPending := cfg.MaxPendingBlockThresh
	if maxPending <= 0 {
		maxPending = 3
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	gasPrice := cfg.GasPriceWei
	if gasPrice == nil {
		gasPrice = big.NewInt(defaultGasPriceWei)
	}

	named := logger.Sugared(lggr).Named("RelayerAccount").With("address", address.Hex())
	return &Account{
		Address:              address,
		BatchExecutorAddress: cfg.BatchExecutorAddress,
		privateKey:           key,
		provider:             p,
		nonceMgr:             noncemgr.New(p, address, named),
		minGasWei:            minGas,
		maxPending:           maxPending,
		gasLimit:             gasLimit,
		gasPriceWei:          gasPrice,
		lggr:                 named,
		metrics:              sink,
	}, nil
}

// IsAvailable reports whether the account may be selected for a new
// submission: balance >= MinGasWei, pending in-flight count below the
// threshold, and no failure within the cooldown window.
func (a *Account) IsAvailable(ctx context.Context) (bool, SkipReason, error) {
	a.mu.Lock()

	if !a.lastFailure.IsZero() && time.Since(a.lastFailure) < failureCooldown {
		a.mu.Unlock()
		return false, SkipRecentFailure, nil
	}
	if a.pendingTxCount >= a.maxPending {
		a.mu.Unlock()
		return false, SkipTooManyPending, nil
	}

	needsRefresh := a.cachedBalance == nil || time.Since(a.lastBalanceCheck) > balanceCacheTTL
	a.mu.Unlock()

	if needsRefresh {
		if err := a.refreshBalance(ctx); err != nil {
			return false, "", err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cachedBalance.Cmp(a.minGasWei) < 0 {
		return false, SkipLowBalance, nil
	}
	return true, "", nil
}

func (a *Account) refreshBalance(ctx context.Context) error {
	balance, err := a.provider.BalanceAt(ctx, a.Address)
	if err != nil {
		return errors.Wrap(err, "relayer: failed to refresh account balance")
	}
	a.mu.Lock()
	a.cachedBalance = balance
	a.lastBalanceCheck = time.Now()
	a.mu.Unlock()
	a.lggr.Debugw("refreshed balance", "balanceWei", balance.String())
	return nil
}

// Send submits a single call through this account's NonceManager and
// awaits the receipt.
func (a *Account) Send(ctx context.Context, call oracle.Call) (*types.Receipt, error) {
	return a.submit(ctx, call.Target, call.CallData)
}

// SendBatch encodes calls via the ERC-7821 execute convention and submits
// them to the account's own address; the batch executor contract has been
// delegated to it via an EIP-7702 authorization performed at setup. The
// executor reverts the whole transaction on any sub-call failure, so a
// successful receipt means every call in the batch succeeded.
func (a *Account) SendBatch(ctx context.Context, calls []oracle.Call) (*types.Receipt, error) {
	if a.BatchExecutorAddress == nil {
		return nil, errors.New("relayer: account has no batch executor configured")
	}
	data, err := oracle.EncodeExecute(calls)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, a.Address, data)
}

func (a *Account) submit(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	a.markSent()

	chainID, err := a.provider.ChainID(ctx)
	if err != nil {
		a.markFailed()
		return nil, errors.Wrap(err, "relayer: failed to read chain id")
	}
	signer := types.LatestSignerForChainID(chainID)

	sign := func(nonce uint64) (*types.Transaction, error) {
		txdata := &types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      a.gasLimit,
			GasPrice: a.gasPriceWei,
			Data:     data,
		}
		return types.SignNewTx(a.privateKey, signer, txdata)
	}

	_, tx, err := a.nonceMgr.SendTransaction(ctx, sign)
	if err != nil {
		a.markFailed()
		if ClassifyError(err) == FailureNonce {
			if resetErr := a.nonceMgr.ResetFromChain(ctx); resetErr != nil {
				a.lggr.Warnw("failed to reset nonce after nonce-related error", "err", resetErr)
			}
		}
		return nil, err
	}

	receipt, err := a.provider.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		a.markFailed()
		return nil, errors.Wrap(err, "relayer: timed out or failed waiting for receipt")
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		a.markFailed()
		reason := a.revertReason(ctx, to, data)
		if reason == "" {
			return receipt, ErrReverted
		}
		return receipt, errors.Wrap(ErrReverted, reason)
	}
	a.markConfirmed()
	return receipt, nil
}

// revertReason best-effort re-simulates a reverted call to recover the
// node's revert message. CallContract takes no historical block parameter,
// so the re-simulation runs at the latest block rather than the failed
// transaction's own block; a stale answer only degrades error
// classification, never correctness.
func (a *Account) revertReason(ctx context.Context, to common.Address, data []byte) string {
	_, err := a.provider.CallContract(ctx, ethereum.CallMsg{From: a.Address, To: &to, Data: data})
	if err == nil {
		return ""
	}
	return err.Error()
}

func (a *Account) markSent() {
	a.mu.Lock()
	a.pendingTxCount++
	a.totalTx++
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.AccountTransactionsTotal.WithLabelValues(a.Address.Hex()).Inc()
	}
}

func (a *Account) markConfirmed() {
	a.mu.Lock()
	if a.pendingTxCount > 0 {
		a.pendingTxCount--
	}
	a.mu.Unlock()
}

func (a *Account) markFailed() {
	a.mu.Lock()
	if a.pendingTxCount > 0 {
		a.pendingTxCount--
	}
	a.lastFailure = time.Now()
	a.totalFailures++
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.AccountFailuresTotal.WithLabelValues(a.Address.Hex()).Inc()
	}
}

// Metrics returns the account's lifetime transaction/failure counters.
func (a *Account) Metrics() (totalTransactions, totalFailures uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalTx, a.totalFailures
}
