package consensus

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/utxo"
)

const (
	// MaxTxWeight bounds the stripped size of a transaction scaled by the
	// witness factor, the same limit a whole block has.
	MaxTxWeight = blockchain.MaxBlockWeight

	// MaxStandardSigOpsCost is the per-transaction sig op cost policy.
	MaxStandardSigOpsCost = blockchain.MaxBlockSigOpsCost / 5

	minCoinbaseScriptLen = 2
	maxCoinbaseScriptLen = 100

	sequenceLockTimeGranularity = 9
)

// Mode selects between stopping at the first violation and collecting all
// of them.
type Mode int

const (
	// FailFast stops at the first violated rule, like the reference node.
	FailFast Mode = iota

	// Diagnostic keeps going and records every violated rule.
	Diagnostic
)

func (m Mode) String() string {
	if m == Diagnostic {
		return "Diagnostic"
	}
	return "FailFast"
}

// ChainContext is the chain state a transaction is validated against. The
// transaction is treated as a candidate for the block after Height.
type ChainContext struct {
	// Height of the current tip.
	Height int32

	// MedianTimePast of the current tip.
	MedianTimePast int64

	// MedianTimeAt returns the median time past of the block at height.
	// It is needed for time based relative locks. When it is nil or
	// reports false such locks are treated as unsatisfied.
	MedianTimeAt func(height int32) (int64, bool)

	Params *chaincfg.Params
}

// InputInfo describes how an input was evaluated.
type InputInfo struct {
	Kind     outscript.Kind
	Path     interpreter.SpendPath
	HasAnnex bool
}

// Result is the outcome of validating one transaction.
type Result struct {
	Accepted bool
	Mode     Mode

	// Rule and Err describe the first violated rule. They are zero when
	// the transaction was accepted.
	Rule  RuleID
	Err   *RuleError
	Class ErrorClass

	// Violations holds every violated rule in Diagnostic mode and only
	// the first in FailFast mode.
	Violations []*RuleError

	// Fee is inputs minus outputs. It is only meaningful when
	// FeeKnown is set, which requires every input to be present.
	Fee      btcutil.Amount
	FeeKnown bool

	Weight int64

	// Inputs is filled once script checks have run.
	Inputs []InputInfo
}

func (r *Result) String() string {
	if r.Accepted {
		return fmt.Sprintf("accepted (fee %v, weight %d)", r.Fee, r.Weight)
	}
	return fmt.Sprintf("rejected: %v", r.Err)
}

// Validator checks transactions against a chain context and an unspent
// output view. It holds no mutable state and may be shared.
type Validator struct {
	chain ChainContext

	// Flags are the script verification flags. Failures are reported as
	// mandatory when they also fail under ConsensusVerifyFlags.
	Flags interpreter.ScriptFlags

	// Policy enables the standardness rules the reference node applies
	// before script checks.
	Policy bool

	// MaxWorkers bounds script check goroutines per transaction. Zero
	// picks a value from the number of CPUs.
	MaxWorkers int
}

// NewValidator returns a validator using the standard script flags.
func NewValidator(chain ChainContext) *Validator {
	if chain.Params == nil {
		chain.Params = &chaincfg.MainNetParams
	}
	return &Validator{
		chain:  chain,
		Flags:  interpreter.StandardVerifyFlags,
		Policy: true,
	}
}

// Chain returns the context the validator was built with.
func (v *Validator) Chain() ChainContext {
	return v.chain
}

// validation carries the state of one Validate call.
type validation struct {
	mode   Mode
	result *Result
}

// fail records a violation and reports whether to stop.
func (s *validation) fail(err *RuleError) bool {
	r := s.result
	if r.Err == nil {
		r.Err = err
		r.Rule = err.Rule
		r.Class = err.ErrorClass()
	}
	r.Violations = append(r.Violations, err)
	return s.mode == FailFast
}

// ValidateRaw decodes a serialized transaction and validates it. Decode
// failures are reported as MalformedInput.
func (v *Validator) ValidateRaw(raw []byte, view utxo.View, mode Mode) (*wire.MsgTx, *Result) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		e := ruleError(RuleMalformed, "decode: %v", err)
		e.Err = err
		return nil, &Result{
			Mode: mode, Rule: e.Rule, Err: e, Class: MalformedInput,
			Violations: []*RuleError{e},
		}
	}
	return &tx, v.Validate(&tx, view, mode)
}

// Validate checks tx in the order the reference node's mempool does:
// structure, coinbase, finality, input presence, relative locks, input
// values and fee, sig op policy and finally scripts.
func (v *Validator) Validate(tx *wire.MsgTx, view utxo.View, mode Mode) *Result {
	s := &validation{mode: mode, result: &Result{Mode: mode}}
	r := s.result
	r.Weight = blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	if v.validate(tx, view, s) {
		log.Debugf("tx %v rejected: %v", tx.TxHash(), r.Err)
		return r
	}
	if r.Err != nil {
		log.Debugf("tx %v rejected with %d violations", tx.TxHash(),
			len(r.Violations))
		return r
	}
	r.Accepted = true
	return r
}

// validate runs every stage and reports whether it stopped early.
func (v *Validator) validate(tx *wire.MsgTx, view utxo.View, s *validation) bool {
	if checkTransactionSanity(tx, s) {
		return true
	}
	if blockchain.IsCoinBaseTx(tx) {
		if s.fail(ruleError(RuleCoinbase, "coinbase as individual tx")) {
			return true
		}
	}
	if v.checkFinal(tx, s) {
		return true
	}

	present := true
	for i, in := range tx.TxIn {
		if _, ok := view.LookupEntry(in.PreviousOutPoint); !ok {
			present = false
			if s.fail(inputError(RuleMissingInputs, i, "output %v "+
				"referenced from input %d either does not exist or "+
				"has already been spent", in.PreviousOutPoint, i)) {

				return true
			}
		}
	}
	// Nothing below can be evaluated without every spent output.
	if !present {
		return false
	}

	if v.checkSequenceLocks(tx, view, s) {
		return true
	}
	if v.checkTransactionInputs(tx, view, s) {
		return true
	}
	if v.Policy {
		if cost := getSigOpCost(tx, view); cost > MaxStandardSigOpsCost {
			if s.fail(ruleError(RuleTooManySigOps, "sig op cost %d "+
				"exceeds %d", cost, MaxStandardSigOpsCost)) {

				return true
			}
		}
	}
	return v.checkScripts(tx, view, s)
}

// checkTransactionSanity performs the context free checks.
func checkTransactionSanity(tx *wire.MsgTx, s *validation) bool {
	if len(tx.TxIn) == 0 {
		if s.fail(ruleError(RuleNoInputs, "transaction has no inputs")) {
			return true
		}
	}
	if len(tx.TxOut) == 0 {
		if s.fail(ruleError(RuleNoOutputs, "transaction has no outputs")) {
			return true
		}
	}

	strippedWeight := int64(tx.SerializeSizeStripped()) *
		blockchain.WitnessScaleFactor
	if strippedWeight > MaxTxWeight {
		if s.fail(ruleError(RuleOversize, "stripped weight %d exceeds %d",
			strippedWeight, MaxTxWeight)) {

			return true
		}
	}

	// Output values must each be in range and so must their sum. The
	// sum cannot overflow since every term is at most MaxSatoshi.
	var totalOut int64
	for i, out := range tx.TxOut {
		switch {
		case out.Value < 0:
			if s.fail(ruleError(RuleOutputNegative, "output %d has "+
				"negative value %d", i, out.Value)) {

				return true
			}
			continue
		case out.Value > btcutil.MaxSatoshi:
			if s.fail(ruleError(RuleOutputTooLarge, "output %d value "+
				"%d is higher than max allowed value of %d", i,
				out.Value, int64(btcutil.MaxSatoshi))) {

				return true
			}
			continue
		}
		totalOut += out.Value
		if totalOut > btcutil.MaxSatoshi {
			if s.fail(ruleError(RuleOutputTotalTooLarge, "total output "+
				"value exceeds %d", int64(btcutil.MaxSatoshi))) {

				return true
			}
			break
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for i, in := range tx.TxIn {
		if _, dup := seen[in.PreviousOutPoint]; dup {
			if s.fail(inputError(RuleDuplicateInputs, i,
				"duplicate input %v", in.PreviousOutPoint)) {

				return true
			}
			break
		}
		seen[in.PreviousOutPoint] = struct{}{}
	}

	if blockchain.IsCoinBaseTx(tx) {
		l := len(tx.TxIn[0].SignatureScript)
		if l < minCoinbaseScriptLen || l > maxCoinbaseScriptLen {
			return s.fail(ruleError(RuleCoinbaseLength, "coinbase "+
				"script length %d out of range", l))
		}
		return false
	}
	for i, in := range tx.TxIn {
		if isNullOutPoint(in.PreviousOutPoint) {
			if s.fail(inputError(RulePrevOutNull, i,
				"input %d references a null outpoint", i)) {

				return true
			}
		}
	}
	return false
}

func isNullOutPoint(op wire.OutPoint) bool {
	return op.Index == wire.MaxPrevOutIndex && op.Hash == zeroHash
}

var zeroHash [32]byte

// checkFinal applies absolute locktime finality for the next block.
func (v *Validator) checkFinal(tx *wire.MsgTx, s *validation) bool {
	if tx.LockTime == 0 {
		return false
	}
	height := v.chain.Height + 1
	var cutoff int64
	if tx.LockTime < interpreter.LockTimeThreshold {
		cutoff = int64(height)
	} else {
		cutoff = v.chain.MedianTimePast
	}
	if int64(tx.LockTime) < cutoff {
		return false
	}
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			return s.fail(ruleError(RuleNonFinal, "lock time %d not "+
				"reached (height %d, median time %d)", tx.LockTime,
				height, v.chain.MedianTimePast))
		}
	}
	return false
}

// checkSequenceLocks applies BIP68 relative lock times for version 2
// transactions. The version is read unsigned, so negative versions count
// as version 2 or higher.
func (v *Validator) checkSequenceLocks(tx *wire.MsgTx, view utxo.View,
	s *validation) bool {

	if uint32(tx.Version) < 2 {
		return false
	}
	minHeight, minTime := int64(-1), int64(-1)
	for i, in := range tx.TxIn {
		seq := in.Sequence
		if seq&interpreter.SequenceLockTimeDisabled != 0 {
			continue
		}
		entry, _ := view.LookupEntry(in.PreviousOutPoint)
		value := int64(seq & interpreter.SequenceLockTimeMask)

		if seq&interpreter.SequenceLockTimeIsSeconds == 0 {
			if h := int64(entry.Height) + value - 1; h > minHeight {
				minHeight = h
			}
			continue
		}

		base := entry.Height - 1
		if base < 0 {
			base = 0
		}
		var (
			coinTime int64
			ok       bool
		)
		if v.chain.MedianTimeAt != nil {
			coinTime, ok = v.chain.MedianTimeAt(base)
		}
		if !ok {
			return s.fail(inputError(RuleNonBIP68Final, i, "median time "+
				"of block %d unavailable for time based lock", base))
		}
		if t := coinTime + value<<sequenceLockTimeGranularity - 1; t > minTime {
			minTime = t
		}
	}

	if minHeight >= int64(v.chain.Height)+1 ||
		minTime >= v.chain.MedianTimePast {

		return s.fail(ruleError(RuleNonBIP68Final, "relative lock not "+
			"satisfied (height %d, time %d)", minHeight, minTime))
	}
	return false
}

// checkTransactionInputs checks coinbase maturity, input value ranges and
// the fee. Every input must be present in view.
func (v *Validator) checkTransactionInputs(tx *wire.MsgTx, view utxo.View,
	s *validation) bool {

	r := s.result
	spendHeight := v.chain.Height + 1
	maturity := int32(v.chain.Params.CoinbaseMaturity)

	var totalIn int64
	valuesOK := true
	for i, in := range tx.TxIn {
		entry, _ := view.LookupEntry(in.PreviousOutPoint)

		if entry.Coinbase && spendHeight-entry.Height < maturity {
			if s.fail(inputError(RulePrematureCoinbase, i, "tried to "+
				"spend coinbase output %v from height %d at height "+
				"%d before required maturity of %d blocks",
				in.PreviousOutPoint, entry.Height, spendHeight,
				maturity)) {

				return true
			}
		}

		amt := entry.Output.Value
		totalIn += amt
		if amt < 0 || amt > btcutil.MaxSatoshi || totalIn > btcutil.MaxSatoshi {
			valuesOK = false
			if s.fail(inputError(RuleInputValueRange, i, "input value "+
				"%d or running total %d out of range", amt, totalIn)) {

				return true
			}
			break
		}
	}
	if !valuesOK {
		return false
	}

	var totalOut int64
	for _, out := range tx.TxOut {
		totalOut += out.Value
	}
	r.Fee = btcutil.Amount(totalIn - totalOut)
	r.FeeKnown = true

	if totalIn < totalOut {
		return s.fail(ruleError(RuleFeeNegative, "total value of all "+
			"inputs %v is less than the amount spent of %v",
			btcutil.Amount(totalIn), btcutil.Amount(totalOut)))
	}
	if r.Fee > btcutil.MaxSatoshi {
		return s.fail(ruleError(RuleFeeOutOfRange, "fee %v out of range",
			r.Fee))
	}
	return false
}

// checkScripts runs every input script. A failure under the configured
// flags is rerun with consensus flags only, which decides whether it is
// reported as mandatory or policy.
func (v *Validator) checkScripts(tx *wire.MsgTx, view utxo.View, s *validation) bool {
	r := s.result
	results := validateTransactionScripts(tx, view, v.Flags, v.MaxWorkers)

	r.Inputs = make([]InputInfo, len(tx.TxIn))
	var failed []inputResult
	for _, res := range results {
		entry, _ := view.LookupEntry(tx.TxIn[res.index].PreviousOutPoint)
		r.Inputs[res.index] = InputInfo{
			Kind:     outscript.Classify(entry.Output.PkScript),
			Path:     res.path,
			HasAnnex: res.hasAnnex,
		}
		if res.err != nil {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return false
	}

	rule := RuleScriptPolicy
	consensusFlags := v.Flags & interpreter.ConsensusVerifyFlags
	if consensusFlags == v.Flags {
		rule = RuleScriptMandatory
	} else {
		// Only the lowest failing input decides the rule, as in the
		// reference node.
		rerun := validateTransactionScripts(tx, view, consensusFlags,
			v.MaxWorkers)
		if rerun[failed[0].index].err != nil {
			rule = RuleScriptMandatory
		}
	}

	for _, f := range failed {
		e := inputError(rule, f.index, "input %d: %v", f.index, f.err)
		e.Err = f.err
		if s.fail(e) {
			return true
		}
	}
	return false
}
