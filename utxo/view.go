package utxo

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// View is a read-only, point in time mapping from outpoints to unspent
// outputs.
type View interface {
	LookupEntry(op wire.OutPoint) (*Entry, bool)
}

// Snapshot is a View that holds resources until released. A snapshot
// never observes writes made after it was taken.
type Snapshot interface {
	View

	// Version increases by one with every applied batch.
	Version() uint64

	Release()
}

// Source supplies snapshots and is the only write path to the set.
// ApplyBatch calls are serialized by the implementation.
type Source interface {
	Snapshot() (Snapshot, error)
	ApplyBatch(b *Batch) error
}

// MapView is a plain in-memory View, handy for single transactions and
// tests.
type MapView map[wire.OutPoint]*Entry

// LookupEntry returns the entry for op.
func (m MapView) LookupEntry(op wire.OutPoint) (*Entry, bool) {
	e, ok := m[op]
	return e, ok
}

// Batch collects the spends and creations of a group of accepted
// transactions. Outputs created and spent within the same batch cancel.
type Batch struct {
	height int32
	adds   map[wire.OutPoint]*Entry
	spends map[wire.OutPoint]struct{}

	// order keeps writes deterministic.
	order []wire.OutPoint
}

// NewBatch starts a batch of transactions confirmed at height.
func NewBatch(height int32) *Batch {
	return &Batch{
		height: height,
		adds:   make(map[wire.OutPoint]*Entry),
		spends: make(map[wire.OutPoint]struct{}),
	}
}

// Height returns the confirmation height of the batch.
func (b *Batch) Height() int32 {
	return b.height
}

// Len is the number of outpoints touched.
func (b *Batch) Len() int {
	return len(b.adds) + len(b.spends)
}

// AddTx records the inputs of tx as spent and its spendable outputs as
// created. Coinbase inputs spend nothing.
func (b *Batch) AddTx(tx *wire.MsgTx) {
	coinbase := blockchain.IsCoinBaseTx(tx)
	if !coinbase {
		for _, in := range tx.TxIn {
			op := in.PreviousOutPoint
			if _, ok := b.adds[op]; ok {
				delete(b.adds, op)
				continue
			}
			b.spends[op] = struct{}{}
			b.order = append(b.order, op)
		}
	}

	txHash := tx.TxHash()
	for i, out := range tx.TxOut {
		if isUnspendable(out.PkScript) {
			continue
		}
		op := wire.OutPoint{Hash: txHash, Index: uint32(i)}
		b.adds[op] = NewEntry(out, b.height, coinbase)
		b.order = append(b.order, op)
	}
}

// AddEntry records a created output directly. Used to seed sets.
func (b *Batch) AddEntry(op wire.OutPoint, e *Entry) {
	b.adds[op] = e
	b.order = append(b.order, op)
}

// Spend records op as spent.
func (b *Batch) Spend(op wire.OutPoint) {
	if _, ok := b.adds[op]; ok {
		delete(b.adds, op)
		return
	}
	b.spends[op] = struct{}{}
	b.order = append(b.order, op)
}

// each walks the batch in insertion order, skipping cancelled entries.
func (b *Batch) each(spend func(wire.OutPoint), add func(wire.OutPoint, *Entry)) {
	seen := make(map[wire.OutPoint]struct{}, len(b.order))
	for _, op := range b.order {
		if _, dup := seen[op]; dup {
			continue
		}
		seen[op] = struct{}{}
		if _, ok := b.spends[op]; ok {
			spend(op)
		}
		if e, ok := b.adds[op]; ok {
			add(op, e)
		}
	}
}

// isUnspendable mirrors the reference node: OP_RETURN outputs and
// oversized scripts never enter the set.
func isUnspendable(pkScript []byte) bool {
	return (len(pkScript) > 0 && pkScript[0] == 0x6a) ||
		len(pkScript) > maxEntryScriptSize
}
