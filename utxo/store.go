package utxo

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Store keeps the unspent set in leveldb. Snapshots are leveldb snapshots,
// so they stay consistent while batches are written.
type Store struct {
	mu      sync.Mutex
	db      *leveldb.DB
	version uint64
}

// OpenStore opens or creates a store at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("open utxo store %s: %w", path, err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already open database.
func NewStore(db *leveldb.DB) *Store {
	return &Store{db: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type storeSnapshot struct {
	snap    *leveldb.Snapshot
	version uint64
}

func (s *storeSnapshot) LookupEntry(op wire.OutPoint) (*Entry, bool) {
	val, err := s.snap.Get(outPointKey(op), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			log.Errorf("lookup %v: %v", op, err)
		}
		return nil, false
	}
	var e Entry
	if err := e.Deserialize(bytes.NewReader(val)); err != nil {
		log.Errorf("corrupt entry for %v: %v", op, err)
		return nil, false
	}
	return &e, true
}

func (s *storeSnapshot) Version() uint64 { return s.version }

func (s *storeSnapshot) Release() { s.snap.Release() }

// Snapshot takes a leveldb snapshot. The caller must Release it.
func (s *Store) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &storeSnapshot{snap: snap, version: s.version}, nil
}

// ApplyBatch writes every spend and creation of b in one leveldb batch.
func (s *Store) ApplyBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		batch leveldb.Batch
		buf   bytes.Buffer
		err   error
	)
	b.each(func(op wire.OutPoint) {
		if err != nil {
			return
		}
		key := outPointKey(op)
		ok, herr := s.db.Has(key, nil)
		switch {
		case herr != nil:
			err = herr
		case !ok:
			err = fmt.Errorf("%w: %v", ErrMissingEntry, op)
		default:
			batch.Delete(key)
		}
	}, func(op wire.OutPoint, e *Entry) {
		if err != nil {
			return
		}
		key := outPointKey(op)
		ok, herr := s.db.Has(key, nil)
		switch {
		case herr != nil:
			err = herr
			return
		case ok:
			err = fmt.Errorf("%w: %v", ErrDuplicateEntry, op)
			return
		}
		buf.Reset()
		if serr := e.Serialize(&buf); serr != nil {
			err = serr
			return
		}
		batch.Put(key, append([]byte(nil), buf.Bytes()...))
	})
	if err != nil {
		return err
	}

	if err := s.db.Write(&batch, nil); err != nil {
		return fmt.Errorf("write utxo batch at height %d: %w", b.height, err)
	}
	s.version++
	log.Debugf("store version %d: wrote %d records at height %d",
		s.version, batch.Len(), b.height)
	return nil
}
