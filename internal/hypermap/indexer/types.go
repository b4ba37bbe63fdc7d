// Package indexer is the hypermap chain indexer (spec.md §4.F): it ingests
// one contract's event log, tracks package listings and token-registry
// locks/binds, and computes binding power for app ranking.
//
// Storage is grounded on cuemby-warren/pkg/storage/boltdb.go's
// bucket-per-table, JSON-marshal-value pattern over go.etcd.io/bbolt,
// generalized from warren's fixed infra-object buckets to the schema
// spec.md §4.F names: listings, published, app_namehashes, user_locks,
// user_binds, plus a meta key-value bucket.
package indexer

import (
	"encoding/json"
	"math/big"
)

// PackageID is (package, publisher), split from a Hypermap parent path on
// its first ".".
type PackageID struct {
	Package   string `json:"package"`
	Publisher string `json:"publisher"`
}

func (p PackageID) String() string { return p.Package + "." + p.Publisher }

// Listing is one row of the `listings` table (spec.md §4.F).
type Listing struct {
	Package    PackageID       `json:"package"`
	URI        string          `json:"uri"`
	Hash       string          `json:"hash"`
	Metadata   json.RawMessage `json:"metadata"`
	Block      uint64          `json:"block"`
	AutoUpdate bool            `json:"auto_update"`
}

// Published marks that a package has an active listing, keyed the same as
// Listing; spec.md §4.F deletes both rows together on unpublish.
type Published struct {
	Package PackageID `json:"package"`
	Block   uint64    `json:"block"`
}

// Lock is one row of `user_locks`: a user's staked value locked until
// EndTime (spec.md §4.F binding-power formula).
type Lock struct {
	User    string   `json:"user"`
	Value   *big.Int `json:"value"`
	EndTime int64    `json:"end_time"`
}

// Bind is one row of `user_binds`: a user's commitment of (part of) their
// lock to a specific app namehash.
type Bind struct {
	User     string `json:"user"`
	Namehash string `json:"namehash"`
	EndTime  int64  `json:"end_time"`
}

// Meta keys stored in the `meta` bucket (spec.md §4.F).
const (
	MetaLastSavedBlock    = "last_saved_block"
	MetaLastBindingsBlock = "last_bindings_block"
	MetaSchemaVersion     = "version"
)

// SchemaVersion is written to the meta bucket on first open and checked
// against the on-disk value on every subsequent open.
const SchemaVersion = 1
