package indexer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketListings      = []byte("listings")
	bucketPublished     = []byte("published")
	bucketAppNamehashes = []byte("app_namehashes")
	bucketUserLocks     = []byte("user_locks")
	bucketUserBinds     = []byte("user_binds")
	bucketMeta          = []byte("meta")
)

// Store is the indexer's single-writer embedded database (spec.md §4.F:
// "It owns one database"), one bucket per named table.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) the bbolt file at dir/hypermap.db
// and ensures every table bucket exists.
func OpenStore(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, "hypermap.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("indexer: open db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketListings, bucketPublished, bucketAppNamehashes, bucketUserLocks, bucketUserBinds, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchemaVersion() error {
	v, err := s.MetaInt(MetaSchemaVersion)
	if err != nil {
		return err
	}
	if v == 0 {
		return s.SetMetaInt(MetaSchemaVersion, SchemaVersion)
	}
	if v != SchemaVersion {
		return fmt.Errorf("indexer: schema version mismatch: db has %d, code expects %d", v, SchemaVersion)
	}
	return nil
}

// --- meta ---

func (s *Store) MetaInt(key string) (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta).Get([]byte(key))
		if b == nil {
			return nil
		}
		n, err := strconv.ParseUint(string(b), 10, 64)
		if err != nil {
			return err
		}
		v = n
		return nil
	})
	return v, err
}

func (s *Store) SetMetaInt(key string, v uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(strconv.FormatUint(v, 10)))
	})
}

// LastSavedBlock / SetLastSavedBlock track the indexer's replay cursor
// (spec.md §4.F step 8: "Persist last_saved_block = (event_block - 1)").
func (s *Store) LastSavedBlock() (uint64, error)  { return s.MetaInt(MetaLastSavedBlock) }
func (s *Store) SetLastSavedBlock(b uint64) error { return s.SetMetaInt(MetaLastSavedBlock, b) }

func (s *Store) LastBindingsBlock() (uint64, error) { return s.MetaInt(MetaLastBindingsBlock) }
func (s *Store) SetLastBindingsBlock(b uint64) error {
	return s.SetMetaInt(MetaLastBindingsBlock, b)
}

// --- listings / published ---

func (s *Store) PutListing(l Listing) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketListings).Put([]byte(l.Package.String()), data)
	})
}

func (s *Store) GetListing(pkg PackageID) (*Listing, error) {
	var l Listing
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketListings).Get([]byte(pkg.String()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &l)
	})
	if err != nil || !found {
		return nil, err
	}
	return &l, nil
}

func (s *Store) DeleteListing(pkg PackageID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketListings).Delete([]byte(pkg.String())); err != nil {
			return err
		}
		return tx.Bucket(bucketPublished).Delete([]byte(pkg.String()))
	})
}

func (s *Store) PutPublished(p Published) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPublished).Put([]byte(p.Package.String()), data)
	})
}

func (s *Store) ListListings() ([]Listing, error) {
	var out []Listing
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketListings).ForEach(func(k, v []byte) error {
			var l Listing
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, l)
			return nil
		})
	})
	return out, err
}

// --- app namehashes ---

// PutAppNamehash records that namehash belongs to pkg, so an app lookup by
// namehash can resolve back to a listing.
func (s *Store) PutAppNamehash(namehash string, pkg PackageID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pkg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAppNamehashes).Put([]byte(namehash), data)
	})
}

// NamehashForPackage scans app_namehashes for the entry pointing at pkg.
// The table is small (one row per published app) and written rarely, so a
// linear scan is simpler than maintaining a second reverse-keyed bucket.
func (s *Store) NamehashForPackage(pkg PackageID) (string, bool, error) {
	var found string
	ok := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAppNamehashes).ForEach(func(k, v []byte) error {
			var p PackageID
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p == pkg {
				found = string(k)
				ok = true
			}
			return nil
		})
	})
	return found, ok, err
}

func (s *Store) PackageForNamehash(namehash string) (*PackageID, error) {
	var pkg PackageID
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAppNamehashes).Get([]byte(namehash))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &pkg)
	})
	if err != nil || !found {
		return nil, err
	}
	return &pkg, nil
}

// --- locks ---

func (s *Store) PutLock(l Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUserLocks).Put([]byte(l.User), data)
	})
}

func (s *Store) GetLock(user string) (*Lock, error) {
	var l Lock
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUserLocks).Get([]byte(user))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &l)
	})
	if err != nil || !found {
		return nil, err
	}
	return &l, nil
}

func (s *Store) DeleteLock(user string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserLocks).Delete([]byte(user))
	})
}

// --- binds ---

func bindKey(user, namehash string) []byte { return []byte(user + "|" + namehash) }

func (s *Store) PutBind(b Bind) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUserBinds).Put(bindKey(b.User, b.Namehash), data)
	})
}

func (s *Store) GetBind(user, namehash string) (*Bind, error) {
	var b Bind
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUserBinds).Get(bindKey(user, namehash))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &b)
	})
	if err != nil || !found {
		return nil, err
	}
	return &b, nil
}

// BindsForNamehash returns every bind recorded against namehash, retained
// even when the app namehash itself is unknown (spec.md §4.F: "Binds are
// retained even for unknown app namehashes").
func (s *Store) BindsForNamehash(namehash string) ([]Bind, error) {
	var out []Bind
	suffix := "|" + namehash
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserBinds).ForEach(func(k, v []byte) error {
			if !hasSuffix(string(k), suffix) {
				return nil
			}
			var b Bind
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
