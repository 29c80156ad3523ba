package utxo

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
)

// maxOverlayDepth is how many layers a snapshot may stack before the next
// batch flattens them into a fresh base.
const maxOverlayDepth = 16

// layer is one immutable version of the set. A layer records what its
// batch added and spent on top of its parent.
type layer struct {
	parent  *layer
	added   map[wire.OutPoint]*Entry
	spent   map[wire.OutPoint]struct{}
	depth   int
	version uint64
}

func (l *layer) lookup(op wire.OutPoint) (*Entry, bool) {
	for cur := l; cur != nil; cur = cur.parent {
		if _, ok := cur.spent[op]; ok {
			return nil, false
		}
		if e, ok := cur.added[op]; ok {
			return e, true
		}
	}
	return nil, false
}

// flatten collapses the chain under l into a single base layer.
func (l *layer) flatten() *layer {
	var chain []*layer
	for cur := l; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	base := &layer{
		added:   make(map[wire.OutPoint]*Entry),
		spent:   make(map[wire.OutPoint]struct{}),
		version: l.version,
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for op := range chain[i].spent {
			delete(base.added, op)
		}
		for op, e := range chain[i].added {
			base.added[op] = e
		}
	}
	return base
}

// Set is an in-memory versioned overlay of unspent outputs. Readers take
// snapshots without locking; ApplyBatch is single writer.
type Set struct {
	mu  sync.Mutex
	cur atomic.Pointer[layer]
}

// NewSet returns an empty set.
func NewSet() *Set {
	s := &Set{}
	s.cur.Store(&layer{})
	return s
}

type setSnapshot struct {
	l *layer
}

func (s setSnapshot) LookupEntry(op wire.OutPoint) (*Entry, bool) {
	return s.l.lookup(op)
}

func (s setSnapshot) Version() uint64 { return s.l.version }

func (s setSnapshot) Release() {}

// Snapshot returns the current version. It never fails.
func (s *Set) Snapshot() (Snapshot, error) {
	return setSnapshot{l: s.cur.Load()}, nil
}

// ApplyBatch publishes a new version with the batch applied. Either the
// whole batch applies or none of it does.
func (s *Set) ApplyBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.cur.Load()
	if parent.depth >= maxOverlayDepth {
		parent = parent.flatten()
	}
	next := &layer{
		parent:  parent,
		added:   make(map[wire.OutPoint]*Entry, len(b.adds)),
		spent:   make(map[wire.OutPoint]struct{}, len(b.spends)),
		depth:   parent.depth + 1,
		version: parent.version + 1,
	}

	var err error
	b.each(func(op wire.OutPoint) {
		if err != nil {
			return
		}
		if _, ok := parent.lookup(op); !ok {
			err = ErrMissingEntry
			log.Debugf("batch at height %d spends missing %v", b.height, op)
			return
		}
		next.spent[op] = struct{}{}
	}, func(op wire.OutPoint, e *Entry) {
		if err != nil {
			return
		}
		if _, ok := parent.lookup(op); ok {
			err = ErrDuplicateEntry
			return
		}
		next.added[op] = e
	})
	if err != nil {
		return err
	}

	s.cur.Store(next)
	log.Tracef("set version %d: %d spent, %d added", next.version,
		len(next.spent), len(next.added))
	return nil
}

// Len counts the unspent outputs in the current version. It walks every
// layer and is meant for tests and status output.
func (s *Set) Len() int {
	return len(s.cur.Load().flatten().added)
}
