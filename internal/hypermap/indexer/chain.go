package indexer

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainHelper is the narrow view of the chain the indexer needs: current
// head, ranged log queries against a fixed contract/topic filter, and the
// Hypermap "resolve a note by its full dotted path" read used to turn a
// `~metadata-uri` Note into its paired `~metadata-hash` value (spec.md
// §4.F step 3). It is satisfied by an adapter over the co-resident eth
// endpoint; the indexer never dials RPC itself.
type ChainHelper interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
	ResolveNote(ctx context.Context, fullPath string) (data []byte, found bool, err error)
}

// NoteEventSignature is the Note event's topic0 (spec.md §4.F "Filter": one
// event signature named Note). The ABI's full signature is a deployment
// detail of the Hypermap contract; what matters here is that it is a fixed,
// known hash computed once.
var NoteEventSignature = crypto.Keccak256Hash([]byte("Note(bytes32,bytes32,bytes)"))

// MetadataURINoteTopic is keccak256("~metadata-uri"), the fixed indexed
// topic value the Note filter narrows to (spec.md §4.F "Filter").
var MetadataURINoteTopic = crypto.Keccak256Hash([]byte("~metadata-uri"))

// TokenRegistryEventSignatures are the fixed set of token-registry event
// topics the indexer additionally subscribes to (spec.md §4.F "Filter":
// "a set of token-registry event signatures on a second fixed contract").
var TokenRegistryEventSignatures = []common.Hash{
	crypto.Keccak256Hash([]byte("LockCreated(address,uint256,uint256)")),
	crypto.Keccak256Hash([]byte("LockExtended(address,uint256)")),
	crypto.Keccak256Hash([]byte("LockWithdrawn(address)")),
	crypto.Keccak256Hash([]byte("LockIncreased(address,uint256)")),
	crypto.Keccak256Hash([]byte("BindCreated(address,bytes32,uint256)")),
	crypto.Keccak256Hash([]byte("BindIncreased(address,bytes32,uint256)")),
	crypto.Keccak256Hash([]byte("BindExtended(address,bytes32,uint256)")),
	crypto.Keccak256Hash([]byte("BindReclaimed(address,bytes32)")),
}

// splitParentPath implements spec.md §4.F step 2: package_id = (package,
// publisher) = split(parent_path, "."), first "." only.
func splitParentPath(parentPath string) (PackageID, bool) {
	i := strings.Index(parentPath, ".")
	if i < 0 {
		return PackageID{}, false
	}
	pkg, pub := parentPath[:i], parentPath[i+1:]
	if pkg == "" || pub == "" {
		return PackageID{}, false
	}
	return PackageID{Package: pkg, Publisher: pub}, true
}

func metadataHashNotePath(parentPath string) string {
	return "~metadata-hash." + parentPath
}
