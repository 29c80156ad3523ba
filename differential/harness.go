package differential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/util"
	"github.com/mit-dci/utxocheck/utxo"
)

// Kind of a differential outcome.
type Kind int

const (
	Agree Kind = iota
	Disagree
	Skipped
)

func (k Kind) String() string {
	switch k {
	case Agree:
		return "Agree"
	case Disagree:
		return "Disagree"
	}
	return "Skipped"
}

// Outcome compares one local result with the reference.
type Outcome struct {
	Kind      Kind
	TxID      chainhash.Hash
	Local     Verdict
	Reference Verdict

	// Reason explains a Skipped outcome.
	Reason string
}

func (o Outcome) String() string {
	switch o.Kind {
	case Disagree:
		return fmt.Sprintf("%v: Disagree{local %v, reference %v}", o.TxID,
			o.Local, o.Reference)
	case Skipped:
		return fmt.Sprintf("%v: Skipped{%s}", o.TxID, o.Reason)
	}
	return fmt.Sprintf("%v: Agree{%v}", o.TxID, o.Local)
}

// DivergenceError is the error form of a Disagree outcome.
type DivergenceError struct {
	Outcome Outcome
}

func (e *DivergenceError) Error() string {
	return "consensus divergence: " + e.Outcome.String()
}

// ErrorClass implements consensus.Classed.
func (e *DivergenceError) ErrorClass() consensus.ErrorClass {
	return consensus.ConsensusDivergence
}

// Err returns a DivergenceError for Disagree outcomes and nil otherwise.
func (o Outcome) Err() error {
	if o.Kind != Disagree {
		return nil
	}
	return &DivergenceError{Outcome: o}
}

// Divergence is what a DivergenceSink receives.
type Divergence struct {
	Time    time.Time
	Outcome Outcome
	Tx      *wire.MsgTx
}

// DivergenceSink records divergences for manual reconciliation.
type DivergenceSink interface {
	Divergence(d Divergence)
}

// MemorySink keeps divergences in memory.
type MemorySink struct {
	mu   sync.Mutex
	divs []Divergence
}

// Divergence implements DivergenceSink.
func (m *MemorySink) Divergence(d Divergence) {
	m.mu.Lock()
	m.divs = append(m.divs, d)
	m.mu.Unlock()
}

// Divergences returns a copy of what was recorded.
func (m *MemorySink) Divergences() []Divergence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Divergence(nil), m.divs...)
}

// Config tunes a Harness.
type Config struct {
	// Workers and QueueSize size the asynchronous audit.
	Workers   int
	QueueSize int

	// CallTimeout bounds each reference call.
	CallTimeout time.Duration

	// Backoff is the retry schedule for unreachable references.
	Backoff util.Backoff
}

// DefaultConfig is a small audit pool with a few retries.
var DefaultConfig = Config{
	Workers:     2,
	QueueSize:   256,
	CallTimeout: 10 * time.Second,
	Backoff:     util.DefaultBackoff,
}

// Stats counts outcomes seen by a Harness.
type Stats struct {
	Agree, Disagree, Skipped, Dropped uint64
}

type auditJob struct {
	tx    *wire.MsgTx
	view  utxo.View
	local *consensus.Result
}

// Harness cross checks local validation against a reference. The
// asynchronous path never blocks the caller.
type Harness struct {
	cfg       Config
	ref       ReferenceClient
	validator *consensus.Validator
	sink      DivergenceSink

	agree, disagree, skipped, dropped atomic.Uint64

	jobs    chan auditJob
	quit    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewHarness wires a reference client to a validator. sink may be nil.
func NewHarness(cfg Config, ref ReferenceClient, v *consensus.Validator,
	sink DivergenceSink) *Harness {

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	return &Harness{
		cfg:       cfg,
		ref:       ref,
		validator: v,
		sink:      sink,
		jobs:      make(chan auditJob, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// CheckAgainstReference validates tx locally in FailFast mode and compares
// with the reference.
func (h *Harness) CheckAgainstReference(ctx context.Context, tx *wire.MsgTx,
	view utxo.View) Outcome {

	return h.Compare(ctx, tx, view, h.validator.Validate(tx, view,
		consensus.FailFast))
}

// Compare checks an existing local result against the reference.
func (h *Harness) Compare(ctx context.Context, tx *wire.MsgTx,
	view utxo.View, local *consensus.Result) Outcome {

	out := Outcome{TxID: tx.TxHash(), Local: LocalVerdict(local)}

	var ref Verdict
	err := util.Retry(ctx, h.cfg.Backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
		defer cancel()

		var err error
		ref, err = h.ref.TestAccept(callCtx, tx, view)
		if err != nil && !errors.Is(err, ErrUnreachable) {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		out.Kind = Skipped
		out.Reason = err.Error()
		return h.record(tx, out)
	}
	out.Reference = ref
	out.Kind, out.Reason = compare(out.Local, ref)
	return h.record(tx, out)
}

// compare decides agreement. Reference policy rejections and reasons with
// no local rule cannot be compared and are skipped.
func compare(local, ref Verdict) (Kind, string) {
	switch {
	case local.Accepted && ref.Accepted:
		return Agree, ""
	case !ref.Accepted && ref.Policy:
		return Skipped, "reference policy: " + ref.Reason
	case !local.Accepted && !ref.Accepted && ref.Rule == "":
		return Skipped, "unmapped reference reason: " + ref.Reason
	case local.Accepted != ref.Accepted:
		return Disagree, ""
	case local.Rule == ref.Rule:
		return Agree, ""
	}
	return Disagree, ""
}

func (h *Harness) record(tx *wire.MsgTx, out Outcome) Outcome {
	switch out.Kind {
	case Agree:
		h.agree.Add(1)
	case Skipped:
		h.skipped.Add(1)
		log.Debugf("differential check skipped: %v", out)
	case Disagree:
		h.disagree.Add(1)
		log.Criticalf("CONSENSUS DIVERGENCE %v", out)
		if h.sink != nil {
			h.sink.Divergence(Divergence{Time: time.Now(), Outcome: out,
				Tx: tx})
		}
	}
	return out
}

// Stats returns the counters so far.
func (h *Harness) Stats() Stats {
	return Stats{
		Agree:    h.agree.Load(),
		Disagree: h.disagree.Load(),
		Skipped:  h.skipped.Load(),
		Dropped:  h.dropped.Load(),
	}
}

// Start launches the audit workers.
func (h *Harness) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < h.cfg.Workers; i++ {
		h.wg.Add(1)
		go h.auditWorker()
	}
}

// Stop shuts the workers down and waits for the job in progress, if any.
// Queued jobs are abandoned.
func (h *Harness) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	close(h.quit)
	h.wg.Wait()
}

func (h *Harness) auditWorker() {
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case job := <-h.jobs:
			h.Compare(ctx, job.tx, job.view, job.local)
		case <-h.quit:
			return
		}
	}
}

// Submit queues an asynchronous audit and returns immediately. When the
// queue is full or the harness is stopped the audit is recorded as
// Skipped and false is returned.
func (h *Harness) Submit(tx *wire.MsgTx, view utxo.View,
	local *consensus.Result) bool {

	if h.stopped.Load() {
		h.dropped.Add(1)
		h.record(tx, Outcome{Kind: Skipped, TxID: tx.TxHash(),
			Local: LocalVerdict(local), Reason: "harness stopped"})
		return false
	}
	select {
	case h.jobs <- auditJob{tx: tx, view: view, local: local}:
		return true
	default:
		h.dropped.Add(1)
		h.record(tx, Outcome{Kind: Skipped, TxID: tx.TxHash(),
			Local: LocalVerdict(local), Reason: "audit queue full"})
		return false
	}
}
