// Package observer closes the fulfillment loop from the chain side: it
// marks requests fulfilled when the external indexer observes a
// RandomnessFulfilled event, and cross-checks successful batch receipts
// against the contract's own view of fulfillment.
package observer

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pkg/errors"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/chains/evm/provider"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/metrics"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/queue"
)

// getRandomnessABI is the read-only call used by the on-chain cross-check:
// given a request ID, the oracle contract reports the delivered value and
// whether it considers the request fulfilled.
const getRandomnessABI = `[{
	"type":"function",
	"name":"getRandomness",
	"inputs":[{"name":"requestId","type":"bytes32"}],
	"outputs":[
		{"name":"randomness","type":"uint256"},
		{"name":"fulfilled","type":"bool"}
	],
	"stateMutability":"view"
}]`

var readABI abi.ABI

func init() {
	var err error
	readABI, err = abi.JSON(strings.NewReader(getRandomnessABI))
	if err != nil {
		panic(errors.Wrap(err, "observer: invalid getRandomness ABI").Error())
	}
}

// Observer implements the fulfillment-confirmation side of the pipeline:
// the independent path by which a request is marked fulfilled that does
// not depend on the queue processor's own happy path.
type Observer struct {
	orm      queue.ORM
	provider provider.ChainProvider
	metrics  *metrics.Sink
	lggr     logger.Logger
}

// New constructs an Observer.
func New(orm queue.ORM, p provider.ChainProvider, sink *metrics.Sink, lggr logger.Logger) *Observer {
	return &Observer{
		orm:      orm,
		provider: p,
		metrics:  sink,
		lggr:     logger.Sugared(lggr).Named("FulfillmentObserver"),
	}
}

// OnFulfilled is invoked by the (out-of-core) chain log scanner when it
// decodes a RandomnessFulfilled event. MarkFulfilled is idempotent, so
// this is safe to call even if the queue processor's own success path
// already marked the row fulfilled — it exists as a safety net for the
// crash window between a successful on-chain submission and the
// processor's database update.
func (o *Observer) OnFulfilled(ctx context.Context, requestID []byte) error {
	if err := o.orm.MarkFulfilled(ctx, requestID); err != nil {
		return errors.Wrap(err, "observer: failed to mark request fulfilled")
	}
	if o.metrics != nil {
		o.metrics.FulfilledTotal.Inc()
	}
	return nil
}

// VerifyBatch cross-checks a successful batch on-chain: it reads each
// request's fulfillment status directly from the contract rather than
// trusting the receipt alone, and requeues (without counting a retry) any
// request the contract does not yet report as fulfilled. It layers on top
// of, and does not replace, the processor's own batch-level bookkeeping.
func (o *Observer) VerifyBatch(ctx context.Context, contractAddress common.Address, requests []*queue.Request) error {
	var unfulfilled int
	for _, req := range requests {
		var id [32]byte
		copy(id[:], req.RequestID)

		fulfilled, err := o.isFulfilledOnChain(ctx, contractAddress, id)
		if err != nil {
			o.lggr.Warnw("failed to verify fulfillment status, leaving row as-is", "requestID", req.RequestID, "err", err)
			continue
		}
		if fulfilled {
			continue
		}

		unfulfilled++
		if err := o.orm.RequeueSingle(ctx, req.RequestID); err != nil {
			o.lggr.Errorw("failed to requeue unverified request", "requestID", req.RequestID, "err", err)
		}
	}
	if unfulfilled > 0 && o.metrics != nil {
		o.metrics.BatchUnfulfilledTotal.Add(float64(unfulfilled))
	}
	return nil
}

func (o *Observer) isFulfilledOnChain(ctx context.Context, contractAddress common.Address, requestID [32]byte) (bool, error) {
	data, err := readABI.Pack("getRandomness", requestID)
	if err != nil {
		return false, errors.Wrap(err, "observer: failed to encode getRandomness call")
	}

	result, err := o.provider.CallContract(ctx, ethereum.CallMsg{To: &contractAddress, Data: data})
	if err != nil {
		return false, errors.Wrap(err, "observer: getRandomness call failed")
	}

	outputs, err := readABI.Unpack("getRandomness", result)
	if err != nil {
		return false, errors.Wrap(err, "observer: failed to decode getRandomness result")
	}
	if len(outputs) != 2 {
		return false, errors.New("observer: unexpected getRandomness output shape")
	}
	fulfilled, ok := outputs[1].(bool)
	if !ok {
		return false, errors.New("observer: getRandomness fulfilled output is not a bool")
	}
	return fulfilled, nil
}
