package invariant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/utxo"
)

// Severity of a failed invariant.
type Severity int

const (
	// Critical failures halt the acceptance pipeline.
	Critical Severity = iota

	// Warning failures are logged and reported only.
	Warning
)

func (s Severity) String() string {
	if s == Critical {
		return "Critical"
	}
	return "Warning"
}

var (
	ErrDuplicateInvariant = errors.New("invariant already registered")
	ErrInvalidInvariant   = errors.New("invariant needs a name and a check")
)

// CheckFunc inspects a validation outcome and returns nil when the
// invariant holds. It must not modify its arguments.
type CheckFunc func(tx *wire.MsgTx, view utxo.View, res *consensus.Result) error

// Invariant is a condition every validation outcome must satisfy. A
// failure points at a bug in the validator, not at a bad transaction.
type Invariant struct {
	Name        string
	Description string
	Severity    Severity

	// Reference names the BIP or advisory the invariant comes from.
	Reference string

	Check CheckFunc
}

// Outcome is the result of one invariant for one transaction.
type Outcome struct {
	Name     string
	Severity Severity
	Passed   bool
	Err      error
}

// Violation is the error recorded for a failed invariant.
type Violation struct {
	Invariant string
	Severity  Severity
	Reference string
	TxID      chainhash.Hash
	Detail    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant %s violated by %v: %s", v.Invariant,
		v.TxID, v.Detail)
}

// ErrorClass implements consensus.Classed.
func (v *Violation) ErrorClass() consensus.ErrorClass {
	return consensus.InvariantViolation
}

// Checker runs registered invariants over validation results. It is safe
// for concurrent use; registration may happen while checks run.
type Checker struct {
	mu         sync.RWMutex
	invariants []Invariant
	names      map[string]struct{}

	sink AlertSink
	now  func() time.Time
}

// NewChecker returns a checker with no invariants. Critical failures go
// to sink, which may be nil.
func NewChecker(sink AlertSink) *Checker {
	return &Checker{
		names: make(map[string]struct{}),
		sink:  sink,
		now:   time.Now,
	}
}

// NewDefaultChecker returns a checker with Defaults registered.
func NewDefaultChecker(sink AlertSink) *Checker {
	c := NewChecker(sink)
	for _, inv := range Defaults() {
		if err := c.Register(inv); err != nil {
			panic(err)
		}
	}
	return c
}

// Register adds an invariant. Names are unique.
func (c *Checker) Register(inv Invariant) error {
	if inv.Name == "" || inv.Check == nil {
		return ErrInvalidInvariant
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.names[inv.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInvariant, inv.Name)
	}
	c.names[inv.Name] = struct{}{}
	c.invariants = append(c.invariants, inv)
	return nil
}

// Invariants lists the registered invariants in registration order.
func (c *Checker) Invariants() []Invariant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Invariant(nil), c.invariants...)
}

// Check runs every invariant, in registration order, whether res is an
// accept or a reject. Critical failures are sent to the alert sink.
func (c *Checker) Check(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) []Outcome {

	invs := c.Invariants()
	txid := tx.TxHash()

	outcomes := make([]Outcome, 0, len(invs))
	for _, inv := range invs {
		out := Outcome{Name: inv.Name, Severity: inv.Severity, Passed: true}
		if err := runCheck(inv, tx, view, res); err != nil {
			out.Passed = false
			out.Err = &Violation{
				Invariant: inv.Name,
				Severity:  inv.Severity,
				Reference: inv.Reference,
				TxID:      txid,
				Detail:    err.Error(),
			}
			c.report(inv, txid, err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// runCheck turns a panicking check into a failure.
func runCheck(inv Invariant, tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return inv.Check(tx, view, res)
}

func (c *Checker) report(inv Invariant, txid chainhash.Hash, err error) {
	if inv.Severity != Critical {
		log.Warnf("invariant %s failed for %v: %v", inv.Name, txid, err)
		return
	}
	log.Criticalf("invariant %s (%s) violated by %v: %v", inv.Name,
		inv.Reference, txid, err)
	if c.sink != nil {
		c.sink.Alert(Alert{
			Time:      c.now(),
			Invariant: inv.Name,
			Reference: inv.Reference,
			TxID:      txid,
			Detail:    err.Error(),
		})
	}
}

// HasCritical reports whether any Critical invariant failed.
func HasCritical(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Passed && o.Severity == Critical {
			return true
		}
	}
	return false
}

// FirstCritical returns the first Critical failure, or nil.
func FirstCritical(outcomes []Outcome) error {
	for _, o := range outcomes {
		if !o.Passed && o.Severity == Critical {
			return o.Err
		}
	}
	return nil
}
