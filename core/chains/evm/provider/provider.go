// Package provider is a thin façade over the chain RPC client. It exposes
// exactly the operations the fulfillment engine needs and nothing else, so
// the rest of the engine never imports ethclient directly.
package provider

import (
	"context"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// ChainProvider is the Chain Provider Adapter's public contract.
type ChainProvider interface {
	// PendingNonceAt returns the next nonce the chain expects for address,
	// including pending transactions. Used to seed a NonceManager.
	PendingNonceAt(ctx context.Context, address common.Address) (uint64, error)

	// SendTransaction submits a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt blocks (subject to ctx) until a receipt for txHash
	// is available.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// BalanceAt returns the account balance in wei at the latest block.
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)

	// BlockNumber returns the latest observed block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// CallContract executes a read-only call against the chain.
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)

	// ChainID returns the chain's configured chain ID, required to sign
	// transactions.
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config controls retry behavior for transient RPC failures.
type Config struct {
	RetryAttempts  uint
	RetryDelay     time.Duration
	ReceiptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = 60 * time.Second
	}
	return c
}

// rpcClient is the subset of *ethclient.Client (also satisfied by
// simulated.Backend.Client() in tests) that ethChainProvider needs.
type rpcClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ethChainProvider is the rpcClient-backed ChainProvider. Every read
// operation retries on any error, up to cfg.RetryAttempts; errors are not
// classified, so a deterministic failure such as a reverted eth_call is
// retried too. Submission is not retried here: its errors go straight back
// to the caller, and retries are left to the queue so a transaction is
// never double-sent.
type ethChainProvider struct {
	client rpcClient
	cfg    Config
	lggr   logger.Logger
}

var _ ChainProvider = (*ethChainProvider)(nil)

// New dials rpcURL and returns a ChainProvider backed by it.
func New(ctx context.Context, rpcURL string, cfg Config, lggr logger.Logger) (ChainProvider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &ethChainProvider{
		client: client,
		cfg:    cfg.withDefaults(),
		lggr:   logger.Sugared(lggr).Named("ChainProvider"),
	}, nil
}

// NewFromClient wraps an already-dialed client, used by tests that run
// against an in-process simulated backend.
func NewFromClient(client rpcClient, cfg Config, lggr logger.Logger) ChainProvider {
	return &ethChainProvider{
		client: client,
		cfg:    cfg.withDefaults(),
		lggr:   logger.Sugared(lggr).Named("ChainProvider"),
	}
}

func (p *ethChainProvider) retryable(opName string, op func() error) error {
	err := retry.Do(op,
		retry.Attempts(p.cfg.RetryAttempts),
		retry.Delay(p.cfg.RetryDelay),
		retry.OnRetry(func(n uint, err error) {
			p.lggr.Warnw("retrying transient RPC error", "op", opName, "attempt", n, "err", err)
		}),
	)
	if err != nil {
		return err
	}
	return nil
}

func (p *ethChainProvider) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	var nonce uint64
	err := p.retryable("PendingNonceAt", func() error {
		var err error
		nonce, err = p.client.PendingNonceAt(ctx, address)
		return err
	})
	return nonce, err
}

func (p *ethChainProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.client.SendTransaction(ctx, tx)
}

// TransactionReceipt polls for a receipt up to cfg.ReceiptTimeout. Expiry
// counts as a submission failure even though the transaction may still land;
// the fulfillment observer closes the loop in that case.
func (p *ethChainProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := p.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *ethChainProvider) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	var balance *big.Int
	err := p.retryable("BalanceAt", func() error {
		var err error
		balance, err = p.client.BalanceAt(ctx, address, nil)
		return err
	})
	return balance, err
}

func (p *ethChainProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.retryable("BlockNumber", func() error {
		var err error
		n, err = p.client.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (p *ethChainProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var result []byte
	err := p.retryable("CallContract", func() error {
		var err error
		result, err = p.client.CallContract(ctx, msg, nil)
		return err
	})
	return result, err
}

func (p *ethChainProvider) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := p.retryable("ChainID", func() error {
		var err error
		id, err = p.client.ChainID(ctx)
		return err
	})
	return id, err
}
