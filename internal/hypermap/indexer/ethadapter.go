package indexer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RawCaller is the narrow surface of the co-resident eth endpoint's
// Manager the indexer drives its reads through: one raw JSON-RPC call per
// method, the same shape every process dials the eth endpoint with over
// the bus. The indexer is co-resident in the same node as the eth
// endpoint, so it calls straight through rather than round-tripping
// through the message bus (spec.md §5: "Indexer: ... cacher RPC, event
// channel receive, periodic timer" lists no bus hop for chain reads).
type RawCaller interface {
	Call(ctx context.Context, chainID uint64, method string, params json.RawMessage) (json.RawMessage, error)
}

// hypermapGetSelector is the 4-byte selector for the Hypermap contract's
// `get(bytes32)` view, used to resolve a dotted note path's current value.
var hypermapGetSelector = crypto.Keccak256([]byte("get(bytes32)"))[:4]

// bytesOutputArg describes a single dynamic-bytes return value, enough for
// abi.Arguments to unpack ResolveNote's eth_call result without hand-rolled
// ABI decoding.
var bytesOutputArgs = func() abi.Arguments {
	t, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{{Type: t}}
}()

// EthChainHelper implements ChainHelper over a RawCaller fixed to one
// chain id and one pair of contract addresses (the Note contract and the
// token-registry contract).
type EthChainHelper struct {
	caller       RawCaller
	chainID      uint64
	noteContract common.Address
	hypermapAddr common.Address
}

func NewEthChainHelper(caller RawCaller, chainID uint64, noteContract, hypermapAddr common.Address) *EthChainHelper {
	return &EthChainHelper{caller: caller, chainID: chainID, noteContract: noteContract, hypermapAddr: hypermapAddr}
}

func (h *EthChainHelper) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := h.caller.Call(ctx, h.chainID, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hexStr hexutil.Uint64
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, fmt.Errorf("indexer: malformed eth_blockNumber response: %w", err)
	}
	return uint64(hexStr), nil
}

func (h *EthChainHelper) FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	filter := map[string]any{
		"address":   contract,
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   hexutil.EncodeUint64(toBlock),
		"topics":    topics,
	}
	params, err := json.Marshal([]any{filter})
	if err != nil {
		return nil, err
	}
	raw, err := h.caller.Call(ctx, h.chainID, "eth_getLogs", params)
	if err != nil {
		return nil, err
	}
	var logs []types.Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("indexer: malformed eth_getLogs response: %w", err)
	}
	return logs, nil
}

// ResolveNote performs the `~metadata-hash.{parent_path}` lookup (spec.md
// §4.F step 3) as an eth_call against the Note (Hypermap) contract's
// get(bytes32) view, keyed by the keccak256 namehash of the dotted path.
func (h *EthChainHelper) ResolveNote(ctx context.Context, fullPath string) ([]byte, bool, error) {
	namehash := crypto.Keccak256([]byte(fullPath))
	calldata := append(append([]byte{}, hypermapGetSelector...), common.LeftPadBytes(namehash, 32)...)
	callObj := map[string]any{
		"to":   h.noteContract,
		"data": hexutil.Encode(calldata),
	}
	params, err := json.Marshal([]any{callObj, "latest"})
	if err != nil {
		return nil, false, err
	}
	raw, err := h.caller.Call(ctx, h.chainID, "eth_call", params)
	if err != nil {
		return nil, false, err
	}
	var hexData hexutil.Bytes
	if err := json.Unmarshal(raw, &hexData); err != nil {
		return nil, false, fmt.Errorf("indexer: malformed eth_call response: %w", err)
	}
	if len(hexData) == 0 {
		return nil, false, nil
	}
	unpacked, err := bytesOutputArgs.Unpack(hexData)
	if err != nil {
		return nil, false, fmt.Errorf("indexer: unpack eth_call result: %w", err)
	}
	decoded, _ := unpacked[0].([]byte)
	return decoded, len(decoded) > 0, nil
}
