// Package mempool admits batches of unconfirmed transactions. Every
// transaction of a batch is validated in parallel against the snapshot
// taken when the batch started, checked against the registered
// invariants, queued for a differential audit and, if accepted, applied
// to the unspent output set in one write.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/differential"
	"github.com/mit-dci/utxocheck/invariant"
	"github.com/mit-dci/utxocheck/utxo"
)

// ErrHalted is returned once a critical invariant has failed. The pool
// admits nothing until Resume is called.
var ErrHalted = errors.New("admission halted")

// Status is the fate of one transaction in a batch.
type Status int

const (
	Accepted Status = iota
	Rejected

	// Conflicted transactions were valid on their own but spend an
	// output already spent by an earlier transaction of the same batch.
	Conflicted
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "conflicted"
}

// Entry is the outcome for one transaction.
type Entry struct {
	Tx         *wire.MsgTx
	TxID       chainhash.Hash
	Status     Status
	Result     *consensus.Result
	Invariants []invariant.Outcome

	// ConflictsWith is the earlier transaction that won the output.
	ConflictsWith chainhash.Hash
}

// BatchResult lists entries in submission order.
type BatchResult struct {
	Entries []Entry

	// Version is the snapshot version the batch was validated against.
	Version uint64
	Applied bool
}

// Accepted returns the transactions that were applied.
func (b *BatchResult) Accepted() []*wire.MsgTx {
	var txs []*wire.MsgTx
	for _, e := range b.Entries {
		if e.Status == Accepted {
			txs = append(txs, e.Tx)
		}
	}
	return txs
}

// Config wires a Pool.
type Config struct {
	Validator *consensus.Validator
	Source    utxo.Source

	// Checker, if set, runs on every validation result.
	Checker *invariant.Checker

	// Harness, if set, receives every result for an asynchronous audit.
	// Admission never waits for it.
	Harness *differential.Harness

	// Workers bounds validation goroutines. Zero uses three per CPU.
	Workers int
}

// Stats are running totals.
type Stats struct {
	Batches    uint64
	Accepted   uint64
	Rejected   uint64
	Conflicted uint64
}

// Pool admits batches one at a time.
type Pool struct {
	cfg Config

	// mu makes the pool the single writer of its source.
	mu sync.Mutex

	haltMu  sync.Mutex
	haltErr error

	batches, accepted, rejected, conflicted atomic.Uint64
}

// New returns a pool. Validator and Source are required.
func New(cfg Config) (*Pool, error) {
	if cfg.Validator == nil || cfg.Source == nil {
		return nil, errors.New("mempool needs a validator and a source")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 3
	}
	return &Pool{cfg: cfg}, nil
}

// Halted returns the error that stopped admission, or nil.
func (p *Pool) Halted() error {
	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	return p.haltErr
}

// Resume clears a halt.
func (p *Pool) Resume() {
	p.haltMu.Lock()
	if p.haltErr != nil {
		log.Warnf("admission resumed after: %v", p.haltErr)
	}
	p.haltErr = nil
	p.haltMu.Unlock()
}

func (p *Pool) halt(err error) error {
	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	if p.haltErr == nil {
		p.haltErr = fmt.Errorf("%w: %w", ErrHalted, err)
		log.Criticalf("admission halted: %v", err)
	}
	return p.haltErr
}

// Stats returns running totals.
func (p *Pool) Stats() Stats {
	return Stats{
		Batches:    p.batches.Load(),
		Accepted:   p.accepted.Load(),
		Rejected:   p.rejected.Load(),
		Conflicted: p.conflicted.Load(),
	}
}

// AdmitBatch validates txs against one snapshot and applies the accepted
// ones. Transactions of a batch do not see each other's outputs. When a
// critical invariant fails nothing is applied and the pool halts.
func (p *Pool) AdmitBatch(ctx context.Context, txs []*wire.MsgTx) (*BatchResult, error) {
	if err := p.Halted(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.cfg.Source.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	bv := newBatchValidator(p.cfg.Validator, p.cfg.Checker, snap)
	results, err := bv.Validate(ctx, txs, p.cfg.Workers)
	if err != nil {
		return nil, err
	}

	br := &BatchResult{
		Entries: make([]Entry, len(txs)),
		Version: snap.Version(),
	}
	var critical error
	for i, r := range results {
		br.Entries[i] = Entry{
			Tx:         txs[i],
			TxID:       txs[i].TxHash(),
			Status:     Rejected,
			Result:     r.res,
			Invariants: r.outcomes,
		}
		if r.res.Accepted {
			br.Entries[i].Status = Accepted
		}
		if critical == nil {
			critical = invariant.FirstCritical(r.outcomes)
		}
	}
	if critical != nil {
		return br, p.halt(critical)
	}

	resolveConflicts(br.Entries)

	if h := p.cfg.Harness; h != nil {
		for _, e := range br.Entries {
			h.Submit(e.Tx, inputView(e.Tx, snap), e.Result)
		}
	}

	// Some stores make writers wait for open readers.
	snap.Release()

	height := p.cfg.Validator.Chain().Height + 1
	batch := utxo.NewBatch(height)
	for _, e := range br.Entries {
		switch e.Status {
		case Accepted:
			batch.AddTx(e.Tx)
			p.accepted.Add(1)
		case Rejected:
			p.rejected.Add(1)
			log.Debugf("rejected %v: %v", e.TxID, e.Result.Err)
		case Conflicted:
			p.conflicted.Add(1)
			log.Debugf("rejected %v: conflicts with %v", e.TxID,
				e.ConflictsWith)
		}
	}
	p.batches.Add(1)

	if batch.Len() > 0 {
		if err := p.cfg.Source.ApplyBatch(batch); err != nil {
			return br, fmt.Errorf("apply batch: %w", err)
		}
		br.Applied = true
	}
	log.Infof("batch of %d at version %d: %d accepted", len(txs),
		br.Version, len(br.Accepted()))
	return br, nil
}

// resolveConflicts keeps the first of several accepted transactions
// spending the same output.
func resolveConflicts(entries []Entry) {
	spentBy := make(map[wire.OutPoint]chainhash.Hash)
	for i := range entries {
		e := &entries[i]
		if e.Status != Accepted {
			continue
		}
		for _, in := range e.Tx.TxIn {
			if winner, ok := spentBy[in.PreviousOutPoint]; ok {
				e.Status = Conflicted
				e.ConflictsWith = winner
				break
			}
		}
		if e.Status != Accepted {
			continue
		}
		for _, in := range e.Tx.TxIn {
			spentBy[in.PreviousOutPoint] = e.TxID
		}
	}
}

// inputView copies the entries tx spends out of snap so the audit can
// outlive the snapshot.
func inputView(tx *wire.MsgTx, snap utxo.View) utxo.MapView {
	view := make(utxo.MapView, len(tx.TxIn))
	for _, in := range tx.TxIn {
		if e, ok := snap.LookupEntry(in.PreviousOutPoint); ok {
			view[in.PreviousOutPoint] = e
		}
	}
	return view
}
