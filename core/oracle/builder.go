// Package oracle generates an unpredictable 256-bit value per request and
// ABI-encodes the fulfillRandomness call(s), using the ERC-7821 "execute"
// calling convention when more than one call must land in a single
// transaction through a relayer account's batch executor.
package oracle

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pkg/errors"
)

// fulfillRandomnessABI is the minimal ABI fragment for the VRF oracle
// contract's fulfillRandomness function.
const fulfillRandomnessABI = `[{
	"type":"function",
	"name":"fulfillRandomness",
	"inputs":[
		{"name":"requestId","type":"bytes32"},
		{"name":"randomness","type":"uint256"}
	],
	"outputs":[]
}]`

// executeABI is the ERC-7821 batch executor's calling convention: a mode
// word plus an ABI-encoded array of (target, value, callData) tuples.
const executeABI = `[{
	"type":"function",
	"name":"execute",
	"inputs":[
		{"name":"mode","type":"bytes32"},
		{"name":"executionData","type":"bytes"}
	],
	"outputs":[]
}]`

// batchCallTupleABI describes the (address,uint256,bytes)[] array encoded
// into execute's executionData argument.
const batchCallTupleABI = `[{
	"type":"function",
	"name":"encodeCalls",
	"inputs":[{
		"name":"calls",
		"type":"tuple[]",
		"components":[
			{"name":"target","type":"address"},
			{"name":"value","type":"uint256"},
			{"name":"callData","type":"bytes"}
		]
	}],
	"outputs":[]
}]`

// singleCallMode is the ERC-7821 execution mode for a plain batch of calls
// with no opData, per the convention's "single batch" mode identifier.
var singleCallMode = common.HexToHash("0x0100000000000000000000000000000000007821000000000000000000000000")

var (
	fulfillABI       abi.ABI
	executeABIParsed abi.ABI
	tupleABI         abi.ABI
)

func init() {
	var err error
	fulfillABI, err = abi.JSON(strings.NewReader(fulfillRandomnessABI))
	if err != nil {
		panic(fmt.Sprintf("oracle: invalid fulfillRandomness ABI: %v", err))
	}
	executeABIParsed, err = abi.JSON(strings.NewReader(executeABI))
	if err != nil {
		panic(fmt.Sprintf("oracle: invalid execute ABI: %v", err))
	}
	tupleABI, err = abi.JSON(strings.NewReader(batchCallTupleABI))
	if err != nil {
		panic(fmt.Sprintf("oracle: invalid batch call tuple ABI: %v", err))
	}
}

// Call is a single (target, value, calldata) tuple, the unit the Relayer
// submits either directly (single path) or packed into a batch executor
// transaction (batch path).
type Call struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// call3Tuple mirrors the (address,uint256,bytes) struct abi.Pack expects for
// the tuple[] argument of batchCallTupleABI.
type call3Tuple struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// GenerateRandomValue returns an independent, unpredictable 256-bit value.
// It reads crypto/rand rather than math/rand so the output is not
// predictable from externally observable inputs. The value carries no
// verifiable proof; a future ECVRF-backed generator would replace this.
func GenerateRandomValue() (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, "oracle: failed to read randomness")
	}
	return new(big.Int).SetBytes(buf), nil
}

// BuildSingle generates a random value for requestID and returns the call
// that fulfills it against contractAddress.
func BuildSingle(contractAddress common.Address, requestID [32]byte) (Call, *big.Int, error) {
	value, err := GenerateRandomValue()
	if err != nil {
		return Call{}, nil, err
	}
	data, err := fulfillABI.Pack("fulfillRandomness", requestID, value)
	if err != nil {
		return Call{}, nil, errors.Wrap(err, "oracle: failed to encode fulfillRandomness call")
	}
	return Call{Target: contractAddress, Value: big.NewInt(0), CallData: data}, value, nil
}

// BuildBatch generates an independent random value per request ID and
// returns one call per request, preserving order. The returned slice of
// values lets the caller log/report the randomness delivered to each
// request.
func BuildBatch(contractAddress common.Address, requestIDs [][32]byte) ([]Call, []*big.Int, error) {
	calls := make([]Call, len(requestIDs))
	values := make([]*big.Int, len(requestIDs))
	for i, id := range requestIDs {
		call, value, err := BuildSingle(contractAddress, id)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "oracle: failed to build call %d of %d", i, len(requestIDs))
		}
		calls[i] = call
		values[i] = value
	}
	return calls, values, nil
}

// EncodeExecute packs calls into the calldata for a batch executor's
// ERC-7821 execute(bytes32 mode, bytes executionData) function.
func EncodeExecute(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, errors.New("oracle: cannot encode an empty batch")
	}
	tuples := make([]call3Tuple, len(calls))
	for i, c := range calls {
		v := c.Value
		if v == nil {
			v = big.NewInt(0)
		}
		tuples[i] = call3Tuple{Target: c.Target, Value: v, CallData: c.CallData}
	}
	executionData, err := tupleABI.Pack("encodeCalls", tuples)
	if err != nil {
		return nil, errors.Wrap(err, "oracle: failed to encode batch execution data")
	}
	// encodeCalls packs a 4-byte selector ahead of the tuple array; execute's
	// executionData argument wants only the ABI-encoded array itself.
	executionData = executionData[4:]

	data, err := executeABIParsed.Pack("execute", singleCallMode, executionData)
	if err != nil {
		return nil, errors.Wrap(err, "oracle: failed to encode execute call")
	}
	return data, nil
}
