package history

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

var bucketBuilds = []byte("builds")

// Store is a bbolt-backed, bounded, append-only history of completed
// builds, keyed by a monotonically increasing sequence number so listing
// is naturally oldest-first.
type Store struct {
	db        *bolt.DB
	retention int
	seq       atomic.Uint64
}

// Open creates or opens the history database under dataDir, retaining at
// most retention records (oldest pruned first on each Record call).
func Open(dataDir string, retention int) (*Store, error) {
	if retention <= 0 {
		retention = 10000
	}
	dbPath := filepath.Join(dataDir, "rch-history.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeInternal, "failed to open history database", err).
			WithContext("path", dbPath)
	}

	s := &Store{db: db, retention: retention}
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBuilds)
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			var n uint64
			if _, err := fmt.Sscanf(string(k), "%020d", &n); err == nil {
				s.seq.Store(n)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, rcherr.Wrap(rcherr.CodeInternal, "failed to initialize history bucket", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%020d", n))
}

// Record appends a completed build and prunes the oldest entries beyond
// the configured retention. Builds are immutable once written.
func (s *Store) Record(b types.Build) error {
	n := s.seq.Add(1)
	data, err := json.Marshal(b)
	if err != nil {
		return rcherr.Wrap(rcherr.CodeInternal, "failed to marshal build record", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBuilds)
		if err := bucket.Put(seqKey(n), data); err != nil {
			return err
		}
		return pruneLocked(bucket, s.retention)
	})
}

func pruneLocked(bucket *bolt.Bucket, retention int) error {
	// Stats() only sees committed pages, not the Put made in this
	// transaction, so count the keys through a cursor instead.
	count := 0
	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
		count++
	}
	if count <= retention {
		return nil
	}
	excess := count - retention
	for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.Next() {
		if err := bucket.Delete(k); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// Recent returns up to limit most recent builds, newest first.
func (s *Store) Recent(limit int) ([]types.Build, error) {
	var out []types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBuilds)
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(out) < limit; k, v = cursor.Prev() {
			var b types.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeInternal, "failed to read history", err)
	}
	return out, nil
}

// ForWorker returns up to limit most recent builds for a given worker,
// newest first, used by the Selector's cache-affinity and operator tooling.
func (s *Store) ForWorker(workerID string, limit int) ([]types.Build, error) {
	var out []types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBuilds)
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(out) < limit; k, v = cursor.Prev() {
			var b types.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.WorkerID == workerID {
				out = append(out, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeInternal, "failed to read per-worker history", err)
	}
	return out, nil
}

// Count returns the number of retained build records.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBuilds).Stats().KeyN
		return nil
	})
	return n, err
}
