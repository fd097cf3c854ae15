package oracle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomValue_Independence(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		v, err := GenerateRandomValue()
		require.NoError(t, err)
		require.NotNil(t, v)
		require.True(t, v.BitLen() > 0, "expected a non-zero value")

		key := v.String()
		require.False(t, seen[key], "generated value collided with a previous draw")
		seen[key] = true
	}
}

func TestBuildSingle(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111100")
	var requestID [32]byte
	requestID[31] = 0x7

	call, value, err := BuildSingle(contract, requestID)
	require.NoError(t, err)
	require.Equal(t, contract, call.Target)
	require.Equal(t, big.NewInt(0), call.Value)
	require.NotEmpty(t, call.CallData)
	require.NotNil(t, value)

	method, err := fulfillABI.MethodById(call.CallData[:4])
	require.NoError(t, err)
	require.Equal(t, "fulfillRandomness", method.Name)

	args, err := method.Inputs.Unpack(call.CallData[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	decodedID, ok := args[0].([32]byte)
	require.True(t, ok)
	require.Equal(t, requestID, decodedID)
	decodedValue, ok := args[1].(*big.Int)
	require.True(t, ok)
	require.Equal(t, value, decodedValue)
}

func TestBuildBatch_PreservesOrderAndIndependence(t *testing.T) {
	contract := common.HexToAddress("0x2222222222222222222222222222222222222200")
	requestIDs := make([][32]byte, 4)
	for i := range requestIDs {
		requestIDs[i][31] = byte(i + 1)
	}

	calls, values, err := BuildBatch(contract, requestIDs)
	require.NoError(t, err)
	require.Len(t, calls, len(requestIDs))
	require.Len(t, values, len(requestIDs))

	seen := make(map[string]bool)
	for i, call := range calls {
		require.Equal(t, contract, call.Target)

		method, err := fulfillABI.MethodById(call.CallData[:4])
		require.NoError(t, err)
		args, err := method.Inputs.Unpack(call.CallData[4:])
		require.NoError(t, err)
		decodedID := args[0].([32]byte)
		require.Equal(t, requestIDs[i], decodedID, "batch call %d targets the wrong request", i)

		key := values[i].String()
		require.False(t, seen[key], "batch produced a duplicate randomness value")
		seen[key] = true
	}
}

func TestEncodeExecute_RoundTrip(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333300")
	requestIDs := make([][32]byte, 3)
	for i := range requestIDs {
		requestIDs[i][31] = byte(i + 1)
	}
	calls, _, err := BuildBatch(contract, requestIDs)
	require.NoError(t, err)

	data, err := EncodeExecute(calls)
	require.NoError(t, err)

	method, err := executeABIParsed.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "execute", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	mode, ok := args[0].([32]byte)
	require.True(t, ok)
	require.Equal(t, singleCallMode, common.Hash(mode))

	executionData, ok := args[1].([]byte)
	require.True(t, ok)

	decoded, err := tupleABI.Methods["encodeCalls"].Inputs.Unpack(executionData)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
}

func TestEncodeExecute_RejectsEmptyBatch(t *testing.T) {
	_, err := EncodeExecute(nil)
	require.Error(t, err)
}
