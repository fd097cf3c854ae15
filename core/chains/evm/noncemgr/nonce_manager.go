// Package noncemgr implements per-account nonce assignment. The lock is
// held across the RPC submission itself and the nonce only advances once
// the provider has accepted the transaction, so nonces stay gap-free under
// concurrent senders.
package noncemgr

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/chains/evm/provider"
)

// Signer produces a signed transaction for nonce, ready to submit.
type Signer func(nonce uint64) (*types.Transaction, error)

// NonceManager guarantees that every transaction signed under a single
// account receives a unique, gap-free nonce in submission order.
type NonceManager struct {
	provider provider.ChainProvider
	address  common.Address
	lggr     logger.Logger

	mu      sync.Mutex
	current uint64
	seeded  bool
}

// New constructs a NonceManager for address. The nonce is seeded lazily on
// first use.
func New(p provider.ChainProvider, address common.Address, lggr logger.Logger) *NonceManager {
	return &NonceManager{
		provider: p,
		address:  address,
		lggr:     logger.Sugared(lggr).Named("NonceManager").With("address", address.Hex()),
	}
}

// SendTransaction stamps the next nonce onto a transaction built by sign,
// submits it, and only on successful submission advances the counter. On
// submission failure the nonce is not advanced and the caller may retry.
//
// The lock is held across the call to p.provider.SendTransaction
// intentionally: releasing it before submission completes would let a
// second caller acquire the next nonce before the chain has accepted the
// first, risking a nonce gap if the first submission fails.
func (nm *NonceManager) SendTransaction(ctx context.Context, sign Signer) (nonceUsed uint64, tx *types.Transaction, err error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if !nm.seeded {
		if err := nm.resetFromChainLocked(ctx); err != nil {
			return 0, nil, err
		}
	}

	nonce := nm.current
	tx, err = sign(nonce)
	if err != nil {
		return 0, nil, err
	}

	if err := nm.provider.SendTransaction(ctx, tx); err != nil {
		nm.lggr.Warnw("transaction submission failed, nonce not advanced", "nonce", nonce, "err", err)
		return 0, nil, err
	}

	nm.current++
	nm.lggr.Debugw("submitted transaction", "nonce", nonce, "txHash", tx.Hash().Hex())
	return nonce, tx, nil
}

// ResetFromChain rereads the chain's current transaction count for the
// account and sets current to that value. Intended for initialization and
// recovery after extended outages or a nonce-related error.
func (nm *NonceManager) ResetFromChain(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.resetFromChainLocked(ctx)
}

func (nm *NonceManager) resetFromChainLocked(ctx context.Context) error {
	nonce, err := nm.provider.PendingNonceAt(ctx, nm.address)
	if err != nil {
		return err
	}
	nm.current = nonce
	nm.seeded = true
	nm.lggr.Infow("reset nonce from chain", "nonce", nonce)
	return nil
}

// Current returns the next nonce that will be used, for diagnostics/tests.
func (nm *NonceManager) Current() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.current
}
