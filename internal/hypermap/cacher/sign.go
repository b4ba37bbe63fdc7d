package cacher

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// signingPreimage reconstructs serialize(logs) ‖ from_block_be ‖ to_block_be
// exactly as spec.md §4.F and §3 specify, so sign and verify share one
// implementation.
func signingPreimage(logs []json.RawMessage, from, to uint64) ([]byte, error) {
	b, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("cacher: serialize logs: %w", err)
	}
	var fromBE, toBE [8]byte
	binary.BigEndian.PutUint64(fromBE[:], from)
	binary.BigEndian.PutUint64(toBE[:], to)
	out := make([]byte, 0, len(b)+16)
	out = append(out, b...)
	out = append(out, fromBE[:]...)
	out = append(out, toBE[:]...)
	return out, nil
}

func keccak256(b []byte) []byte {
	return crypto.Keccak256(b)
}

// Sign produces a LogCache's hex signature and fills in its metadata
// header (spec.md §4.F step 3).
func Sign(priv ed25519.PrivateKey, createdBy string, chainID, from, to uint64, logs []json.RawMessage, now int64) (LogCache, error) {
	pre, err := signingPreimage(logs, from, to)
	if err != nil {
		return LogCache{}, err
	}
	digest := keccak256(pre)
	sig := ed25519.Sign(priv, digest)
	return LogCache{
		Metadata: LogCacheMetadata{
			ChainID:     chainID,
			FromBlock:   from,
			ToBlock:     to,
			TimeCreated: now,
			CreatedBy:   createdBy,
			Signature:   hex.EncodeToString(sig),
		},
		Logs: logs,
	}, nil
}

// KeyResolver looks up a node's registered Ed25519 public key, for
// signature verification on replay (spec.md §4.F "Signature verification
// on replay").
type KeyResolver interface {
	PublicKeyOf(node string) (ed25519.PublicKey, bool)
}

// Verify reconstructs the LogCache's signing preimage and checks its
// signature against its created_by node's registered key.
func Verify(lc LogCache, keys KeyResolver) error {
	pub, ok := keys.PublicKeyOf(lc.Metadata.CreatedBy)
	if !ok {
		return fmt.Errorf("cacher: unknown node %q", lc.Metadata.CreatedBy)
	}
	pre, err := signingPreimage(lc.Logs, lc.Metadata.FromBlock, lc.Metadata.ToBlock)
	if err != nil {
		return err
	}
	digest := keccak256(pre)
	sig, err := hex.DecodeString(lc.Metadata.Signature)
	if err != nil {
		return fmt.Errorf("cacher: malformed signature: %w", err)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return fmt.Errorf("cacher: signature verification failed for %s", lc.Metadata.CreatedBy)
	}
	return nil
}

// FileHash computes the manifest's file_hash: keccak256 of the fully
// serialized LogCache file, signature included (spec.md §4.F step 4).
func FileHash(lc LogCache) (string, error) {
	b, err := json.Marshal(lc)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(keccak256(b)), nil
}
