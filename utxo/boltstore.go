package utxo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"
)

var bucketUtxo = []byte("utxo_by_outpoint")

// BoltStore keeps the unspent set in a single bbolt file. Snapshots are
// read-only bolt transactions.
type BoltStore struct {
	mu      sync.Mutex
	db      *bolt.DB
	version uint64
}

// OpenBoltStore opens or creates the store file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: time.Second,

		// Writers only wait for open snapshots when the map must grow.
		InitialMmapSize: 64 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open utxo store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUtxo)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketUtxo, err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the file. Outstanding snapshots must be released first.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// boltSnapshot serializes lookups: a bolt transaction is not safe for
// concurrent use.
type boltSnapshot struct {
	mu      sync.Mutex
	tx      *bolt.Tx
	version uint64
}

func (s *boltSnapshot) LookupEntry(op wire.OutPoint) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.tx.Bucket(bucketUtxo).Get(outPointKey(op))
	if val == nil {
		return nil, false
	}
	var e Entry
	if err := e.Deserialize(bytes.NewReader(val)); err != nil {
		log.Errorf("corrupt entry for %v: %v", op, err)
		return nil, false
	}
	return &e, true
}

func (s *boltSnapshot) Version() uint64 { return s.version }

func (s *boltSnapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
}

// Snapshot begins a read-only transaction. The caller must Release it.
func (s *BoltStore) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltSnapshot{tx: tx, version: s.version}, nil
}

// ApplyBatch writes b in one bolt transaction. Nothing is written if any
// spend is missing or any creation already exists.
func (s *BoltStore) ApplyBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUtxo)
		var (
			buf bytes.Buffer
			err error
		)
		b.each(func(op wire.OutPoint) {
			if err != nil {
				return
			}
			key := outPointKey(op)
			if bucket.Get(key) == nil {
				err = fmt.Errorf("%w: %v", ErrMissingEntry, op)
				return
			}
			err = bucket.Delete(key)
			n++
		}, func(op wire.OutPoint, e *Entry) {
			if err != nil {
				return
			}
			key := outPointKey(op)
			if bucket.Get(key) != nil {
				err = fmt.Errorf("%w: %v", ErrDuplicateEntry, op)
				return
			}
			buf.Reset()
			if err = e.Serialize(&buf); err != nil {
				return
			}
			err = bucket.Put(key, append([]byte(nil), buf.Bytes()...))
			n++
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("write utxo batch at height %d: %w", b.height, err)
	}
	s.version++
	log.Debugf("bolt store version %d: wrote %d records at height %d",
		s.version, n, b.height)
	return nil
}
