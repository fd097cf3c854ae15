package main

import (
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/queueprocessor"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/relayer"
)

// config is the parsed form of the recognized environment keys. The
// environment is read only here; core packages take parsed values.
type config struct {
	DatabaseURL     string
	RPCURL          string
	ContractAddress common.Address
	Network         string

	Accounts  []relayer.AccountConfig
	Scheduler string // "round_robin" or "random"

	BatchExecutorAddress *common.Address
	BatchSize            int

	MetricsAddr string
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RPCURL:      os.Getenv("RPC_URL"),
		Network:     envOr("NETWORK", "anvil"),
		Scheduler:   envOr("RELAYER_SCHEDULER", "round_robin"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
	}

	if cfg.DatabaseURL == "" {
		return config{}, errors.New("DATABASE_URL environment variable is not set")
	}
	if cfg.RPCURL == "" {
		return config{}, errors.New("RPC_URL environment variable is not set")
	}

	contractAddrStr := os.Getenv("CONTRACT_ADDRESS")
	if contractAddrStr == "" {
		return config{}, errors.New("CONTRACT_ADDRESS environment variable is not set")
	}
	if !common.IsHexAddress(contractAddrStr) {
		return config{}, errors.Errorf("CONTRACT_ADDRESS is not a valid address: %q", contractAddrStr)
	}
	cfg.ContractAddress = common.HexToAddress(contractAddrStr)

	if cfg.Scheduler != "round_robin" && cfg.Scheduler != "random" {
		return config{}, errors.Errorf("RELAYER_SCHEDULER must be one of: round_robin, random, got %q", cfg.Scheduler)
	}

	minGasWei, err := parseBigIntEnv("RELAYER_MIN_GAS_WEI", "5000000000000000")
	if err != nil {
		return config{}, err
	}
	pendingThreshold, err := parseIntEnv("RELAYER_PENDING_BLOCK_THRESHOLD", 3)
	if err != nil {
		return config{}, err
	}

	var batchExecutor *common.Address
	if addr := os.Getenv("BEBE_ADDRESS"); addr != "" {
		if !common.IsHexAddress(addr) {
			return config{}, errors.Errorf("BEBE_ADDRESS is not a valid address: %q", addr)
		}
		a := common.HexToAddress(addr)
		batchExecutor = &a
	}
	cfg.BatchExecutorAddress = batchExecutor

	batchSize, err := parseIntEnv("BATCH_SIZE", queueprocessor.DefaultBatchSize)
	if err != nil {
		return config{}, err
	}
	cfg.BatchSize = batchSize

	keys, err := parsePrivateKeys()
	if err != nil {
		return config{}, err
	}
	for _, key := range keys {
		cfg.Accounts = append(cfg.Accounts, relayer.AccountConfig{
			PrivateKeyHex:         key,
			MinGasWei:             minGasWei,
			MaxPendingBlockThresh: pendingThreshold,
			BatchExecutorAddress:  batchExecutor,
		})
	}
	if len(cfg.Accounts) == 0 {
		return config{}, errors.New("no signing keys configured: set RELAYER_PRIVATE_KEYS or ORACLE_PRIVATE_KEY")
	}

	return cfg, nil
}

// parsePrivateKeys reads RELAYER_PRIVATE_KEYS (pool mode) or, failing
// that, ORACLE_PRIVATE_KEY (legacy single-relayer mode).
func parsePrivateKeys() ([]string, error) {
	if raw := os.Getenv("RELAYER_PRIVATE_KEYS"); raw != "" {
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(k), "0x"))
			if k != "" {
				keys = append(keys, k)
			}
		}
		return keys, nil
	}
	if legacy := os.Getenv("ORACLE_PRIVATE_KEY"); legacy != "" {
		return []string{strings.TrimPrefix(legacy, "0x")}, nil
	}
	return nil, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s value %q", key, raw)
	}
	return n, nil
}

func parseBigIntEnv(key, fallback string) (*big.Int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.Errorf("invalid %s value %q", key, raw)
	}
	return n, nil
}
