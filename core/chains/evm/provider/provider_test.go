package provider

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

func newTestBackend(t *testing.T, funded common.Address) *simulated.Backend {
	t.Helper()
	balance, _ := new(big.Int).SetString("100000000000000000000", 10) // 100 ETH
	genesis := types.GenesisAlloc{funded: {Balance: balance}}
	backend := simulated.NewBackend(genesis)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestChainProvider_BalanceAndBlockNumber(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	backend := newTestBackend(t, addr)

	p := NewFromClient(backend.Client(), Config{}, logger.Test(t))

	balance, err := p.BalanceAt(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, int64(100), new(big.Int).Div(balance, big.NewInt(1e18)).Int64())

	blockNum, err := p.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), blockNum)

	backend.Commit()

	blockNum, err = p.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), blockNum)
}

func TestChainProvider_PendingNonceAt(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	backend := newTestBackend(t, addr)

	p := NewFromClient(backend.Client(), Config{}, logger.Test(t))

	nonce, err := p.PendingNonceAt(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), nonce)
}
