package interpreter

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/taproot"
)

const (
	MaxScriptSize         = 10000
	MaxScriptElementSize  = 520
	MaxOpsPerScript       = 201
	MaxStackSize          = 1000
	MaxPubKeysPerMultiSig = 20

	// LockTimeThreshold separates block heights from unix times in
	// locktime fields.
	LockTimeThreshold = 500000000

	validationWeightPerSigOp = 50
	validationWeightOffset   = 50

	// BIP68 sequence fields.
	SequenceLockTimeDisabled  = 1 << 31
	SequenceLockTimeIsSeconds = 1 << 22
	SequenceLockTimeMask      = 0x0000ffff
)

// sigVersion is the execution context of the evaluation loop.
type sigVersion int

const (
	sigVersionBase sigVersion = iota
	sigVersionWitnessV0
	sigVersionTapscript
)

// SpendPath records how an input satisfied its spent output.
type SpendPath int

const (
	SpendLegacy SpendPath = iota
	SpendWitnessV0
	SpendTaprootKey
	SpendTaprootScript
	SpendWitnessUnknown
)

func (p SpendPath) String() string {
	switch p {
	case SpendLegacy:
		return "legacy"
	case SpendWitnessV0:
		return "witness-v0"
	case SpendTaprootKey:
		return "taproot-key"
	case SpendTaprootScript:
		return "taproot-script"
	case SpendWitnessUnknown:
		return "witness-unknown"
	}
	return fmt.Sprintf("SpendPath(%d)", int(p))
}

// Engine executes the scripts of one transaction input.
type Engine struct {
	flags       ScriptFlags
	tx          *wire.MsgTx
	txIdx       int
	inputAmount int64
	prevOuts    PrevOutFetcher
	hashes      *TxSigHashes
	pkScript    []byte

	// State of the script currently being evaluated.
	script      []byte
	sigVersion  sigVersion
	tokenizer   tokenizer
	lastCodeSep int
	condStack   []bool
	numOps      int
	dstack      stack
	astack      stack

	// Taproot state.
	annex            []byte
	tapLeafHash      []byte
	codeSepPos       uint32
	validationWeight int64

	spendPath SpendPath
}

// NewEngine returns an engine verifying input txIdx of tx against the
// output it spends. hashes may be nil, in which case they are computed
// from tx and prevOuts.
func NewEngine(pkScript []byte, tx *wire.MsgTx, txIdx int, flags ScriptFlags,
	hashes *TxSigHashes, inputAmount int64, prevOuts PrevOutFetcher) (*Engine, error) {

	if txIdx < 0 || txIdx >= len(tx.TxIn) {
		return nil, scriptErrorf(ErrInvalidIndex,
			"transaction input index %d is negative or >= %d", txIdx,
			len(tx.TxIn))
	}
	if flags&ScriptVerifyCleanStack != 0 &&
		(flags&ScriptBip16 == 0 || flags&ScriptVerifyWitness == 0) {

		return nil, scriptError(ErrInvalidFlags,
			"clean stack requires pay-to-script-hash and witness")
	}
	if hashes == nil {
		hashes = NewTxSigHashes(tx, prevOuts)
	}

	vm := &Engine{
		flags:       flags,
		tx:          tx,
		txIdx:       txIdx,
		inputAmount: inputAmount,
		prevOuts:    prevOuts,
		hashes:      hashes,
		pkScript:    pkScript,
	}
	vm.dstack.verifyMinimalData = vm.hasFlag(ScriptVerifyMinimalData)
	return vm, nil
}

func (vm *Engine) hasFlag(flag ScriptFlags) bool {
	return vm.flags&flag == flag
}

func (vm *Engine) hasAnyFlag(flags ScriptFlags) bool {
	return vm.flags&flags != 0
}

// SpendPath is valid after Execute.
func (vm *Engine) SpendPath() SpendPath {
	return vm.spendPath
}

// HasAnnex reports whether a taproot spend carried an annex.
func (vm *Engine) HasAnnex() bool {
	return vm.annex != nil
}

func (vm *Engine) isBranchExecuting() bool {
	for _, c := range vm.condStack {
		if !c {
			return false
		}
	}
	return true
}

// subScript is the script code for signature hashing: the current script
// from the last executed OP_CODESEPARATOR.
func (vm *Engine) subScript() []byte {
	return vm.script[vm.lastCodeSep:]
}

// Execute runs the signature script, the output script and, when
// applicable, the redeem script and the witness program.
func (vm *Engine) Execute() error {
	err := vm.execute()
	if err != nil {
		log.Tracef("input %d of %v failed: %v (spending %s)", vm.txIdx,
			vm.tx.TxHash(), err, disasm(vm.pkScript))
	}
	return err
}

func (vm *Engine) execute() error {
	in := vm.tx.TxIn[vm.txIdx]
	sigScript := in.SignatureScript
	witness := in.Witness

	if vm.hasFlag(ScriptVerifySigPushOnly) && !isPushOnly(sigScript) {
		return scriptError(ErrNotPushOnly,
			"signature script is not push only")
	}

	if err := vm.evalScript(sigScript, sigVersionBase); err != nil {
		return err
	}
	isP2SH := vm.hasFlag(ScriptBip16) && outscript.IsPayToScriptHash(vm.pkScript)
	var savedStack [][]byte
	if isP2SH {
		savedStack = append(savedStack, vm.dstack.stk...)
	}

	if err := vm.evalScript(vm.pkScript, sigVersionBase); err != nil {
		return err
	}
	if err := vm.checkTopTrue(); err != nil {
		return err
	}

	hadWitness := false
	if vm.hasFlag(ScriptVerifyWitness) {
		if version, program, ok := outscript.ExtractWitnessProgram(vm.pkScript); ok {
			hadWitness = true
			if len(sigScript) != 0 {
				return scriptError(ErrWitnessMalleated,
					"native witness program cannot also have a "+
						"signature script")
			}
			if err := vm.runWitness(witness, version, program, false); err != nil {
				return err
			}
		}
	}

	if isP2SH {
		if !isPushOnly(sigScript) {
			return scriptError(ErrNotPushOnly, "pay to script hash "+
				"signature script is not push only")
		}
		vm.dstack.stk = savedStack
		redeem, err := vm.dstack.PopByteArray()
		if err != nil {
			return err
		}
		if err := vm.evalScript(redeem, sigVersionBase); err != nil {
			return err
		}
		if err := vm.checkTopTrue(); err != nil {
			return err
		}

		if vm.hasFlag(ScriptVerifyWitness) {
			if version, program, ok := outscript.ExtractWitnessProgram(redeem); ok {
				hadWitness = true
				if !bytes.Equal(sigScript, canonicalPush(redeem)) {
					return scriptError(ErrWitnessMalleatedP2SH,
						"signature script for witness nested p2sh "+
							"is not canonical")
				}
				err := vm.runWitness(witness, version, program, true)
				if err != nil {
					return err
				}
			}
		}
	}

	if vm.hasFlag(ScriptVerifyCleanStack) && vm.dstack.Depth() != 1 {
		return scriptErrorf(ErrCleanStack, "stack must contain exactly "+
			"one item (contains %d)", vm.dstack.Depth())
	}
	if vm.hasFlag(ScriptVerifyWitness) && !hadWitness && len(witness) > 0 {
		return scriptError(ErrWitnessUnexpected,
			"non-witness inputs cannot have a witness")
	}
	return nil
}

func (vm *Engine) checkTopTrue() error {
	if vm.dstack.Depth() == 0 {
		return scriptError(ErrEvalFalse,
			"stack empty at end of script execution")
	}
	v, err := vm.dstack.PeekBool(0)
	if err != nil {
		return err
	}
	if !v {
		return scriptError(ErrEvalFalse,
			"false stack entry at end of script execution")
	}
	return nil
}

// runWitness verifies a witness program on a fresh stack and leaves the
// outer stack with a single true element on success.
func (vm *Engine) runWitness(witness wire.TxWitness, version int,
	program []byte, isP2SH bool) error {

	outer := vm.dstack
	vm.dstack = stack{verifyMinimalData: outer.verifyMinimalData}
	err := vm.verifyWitnessProgram(witness, version, program, isP2SH)
	vm.dstack = outer
	if err != nil {
		return err
	}
	vm.dstack.stk = vm.dstack.stk[:1]
	return nil
}

func (vm *Engine) verifyWitnessProgram(witness wire.TxWitness, version int,
	program []byte, isP2SH bool) error {

	switch {
	case version == 0:
		vm.spendPath = SpendWitnessV0
		switch len(program) {
		case 32:
			if len(witness) == 0 {
				return scriptError(ErrWitnessProgramEmpty,
					"witness program empty passed empty witness")
			}
			script := witness[len(witness)-1]
			h := sha256.Sum256(script)
			if !bytes.Equal(h[:], program) {
				return scriptError(ErrWitnessProgramMismatch,
					"witness program hash mismatch")
			}
			return vm.executeWitnessScript(witness[:len(witness)-1],
				script, sigVersionWitnessV0)

		case 20:
			if len(witness) != 2 {
				return scriptErrorf(ErrWitnessProgramMismatch,
					"should have exactly two items in witness, "+
						"instead have %d", len(witness))
			}
			script := make([]byte, 0, 25)
			script = append(script, OP_DUP, OP_HASH160, OP_DATA_20)
			script = append(script, program...)
			script = append(script, OP_EQUALVERIFY, OP_CHECKSIG)
			return vm.executeWitnessScript(witness, script,
				sigVersionWitnessV0)
		}
		return scriptErrorf(ErrWitnessProgramWrongLength,
			"witness program must be either 20 or 32 bytes, got %d",
			len(program))

	case version == 1 && len(program) == 32 && !isP2SH:
		if !vm.hasFlag(ScriptVerifyTaproot) {
			vm.spendPath = SpendWitnessUnknown
			return nil
		}
		return vm.verifyTaproot(witness, program)
	}

	vm.spendPath = SpendWitnessUnknown
	if vm.hasFlag(ScriptVerifyDiscourageUpgradeableWitnessProgram) {
		return scriptErrorf(ErrDiscourageUpgradableWitnessProgram,
			"new witness program versions invalid: v%d", version)
	}
	return nil
}

func (vm *Engine) verifyTaproot(witness wire.TxWitness, program []byte) error {
	if len(witness) == 0 {
		return scriptError(ErrWitnessProgramEmpty,
			"taproot spend with empty witness")
	}
	stackItems, annex := taproot.SplitAnnex(witness)
	vm.annex = annex

	if len(stackItems) == 1 {
		vm.spendPath = SpendTaprootKey
		return vm.checkSchnorrSignature(stackItems[0], program,
			&taprootSigHashOpts{annex: annex})
	}

	vm.spendPath = SpendTaprootScript
	rawControl := stackItems[len(stackItems)-1]
	script := stackItems[len(stackItems)-2]

	if len(rawControl) < taproot.ControlBlockBaseSize ||
		len(rawControl) > taproot.ControlBlockMaxSize ||
		(len(rawControl)-taproot.ControlBlockBaseSize)%
			taproot.ControlBlockNodeSize != 0 {

		return scriptErrorf(ErrControlBlockLengthInvalid,
			"control block has invalid length %d", len(rawControl))
	}

	leafVersion := rawControl[0] & taproot.LeafVersionMask
	leafHash := taproot.LeafHash(leafVersion, script)

	cb, err := taproot.ParseControlBlock(rawControl)
	if err != nil {
		return scriptErrorf(ErrTaprootMerkleMismatch,
			"control block: %v", err)
	}
	if err := taproot.VerifyCommitment(program, cb, leafHash[:]); err != nil {
		return scriptErrorf(ErrTaprootMerkleMismatch, "%v", err)
	}

	if leafVersion != taproot.BaseLeafVersion {
		if vm.hasFlag(ScriptVerifyDiscourageUpgradeableTaprootVersion) {
			return scriptErrorf(ErrDiscourageUpgradableTaprootVersion,
				"unknown tapleaf version %#x", leafVersion)
		}
		return nil
	}

	vm.tapLeafHash = leafHash[:]
	vm.validationWeight = int64(witness.SerializeSize()) + validationWeightOffset
	return vm.executeWitnessScript(stackItems[:len(stackItems)-2], script,
		sigVersionTapscript)
}

// executeWitnessScript runs a witness v0 script or a tapscript on the
// given initial stack. Exactly one true element must remain.
func (vm *Engine) executeWitnessScript(initial [][]byte, script []byte,
	sv sigVersion) error {

	if sv == sigVersionTapscript {
		t := newTokenizer(script)
		for t.Next() {
			if isOpSuccess(t.op.value) {
				if vm.hasFlag(ScriptVerifyDiscourageOpSuccess) {
					return scriptErrorf(ErrDiscourageOpSuccess,
						"OP_SUCCESS%d reserved for upgrades",
						t.op.value)
				}
				return nil
			}
		}
		if t.err != nil {
			return t.err
		}
		if len(initial) > MaxStackSize {
			return scriptErrorf(ErrStackOverflow,
				"initial stack has %d elements", len(initial))
		}
	}

	for _, item := range initial {
		if len(item) > MaxScriptElementSize {
			return scriptErrorf(ErrElementTooBig,
				"witness element size %d exceeds the max of %d",
				len(item), MaxScriptElementSize)
		}
	}

	vm.dstack.stk = append([][]byte(nil), initial...)
	if err := vm.evalScript(script, sv); err != nil {
		return err
	}
	if vm.dstack.Depth() != 1 {
		return scriptErrorf(ErrCleanStack, "witness script must leave "+
			"exactly one item (contains %d)", vm.dstack.Depth())
	}
	return vm.checkTopTrue()
}

// evalScript is the evaluation loop shared by every context.
func (vm *Engine) evalScript(script []byte, sv sigVersion) error {
	if sv != sigVersionTapscript && len(script) > MaxScriptSize {
		return scriptErrorf(ErrScriptTooBig, "script size %d is larger "+
			"than the max allowed of %d", len(script), MaxScriptSize)
	}

	vm.script = script
	vm.sigVersion = sv
	vm.tokenizer = newTokenizer(script)
	vm.lastCodeSep = 0
	vm.codeSepPos = 0xffffffff
	vm.condStack = vm.condStack[:0]
	vm.numOps = 0
	vm.astack = stack{verifyMinimalData: vm.dstack.verifyMinimalData}

	for vm.tokenizer.Next() {
		if err := vm.step(vm.tokenizer.op, vm.tokenizer.data); err != nil {
			return err
		}
		if vm.dstack.Depth()+vm.astack.Depth() > MaxStackSize {
			return scriptErrorf(ErrStackOverflow, "combined stack size "+
				"%d > max allowed %d", vm.dstack.Depth()+
				vm.astack.Depth(), MaxStackSize)
		}
	}
	if vm.tokenizer.err != nil {
		return vm.tokenizer.err
	}
	if len(vm.condStack) != 0 {
		return scriptError(ErrUnbalancedConditional,
			"end of script reached in conditional execution")
	}
	return nil
}

func (vm *Engine) step(op *opcode, data []byte) error {
	if len(data) > MaxScriptElementSize {
		return scriptErrorf(ErrElementTooBig, "element size %d exceeds "+
			"max allowed size %d", len(data), MaxScriptElementSize)
	}

	if vm.sigVersion != sigVersionTapscript && op.value > OP_16 {
		vm.numOps++
		if vm.numOps > MaxOpsPerScript {
			return scriptErrorf(ErrTooManyOperations, "exceeded max "+
				"operation limit of %d", MaxOpsPerScript)
		}
	}

	if isDisabled(op.value) {
		return scriptErrorf(ErrDisabledOpcode,
			"attempt to execute disabled opcode %s", op.name)
	}

	exec := vm.isBranchExecuting()
	if !exec && !isConditional(op.value) {
		return nil
	}

	if exec && op.value <= OP_PUSHDATA4 &&
		vm.hasFlag(ScriptVerifyMinimalData) {

		if err := checkMinimalPush(op.value, data); err != nil {
			return err
		}
	}
	return op.opfunc(op, data, vm)
}

// VerifyInput is a convenience wrapper that builds an engine for one input
// and executes it.
func VerifyInput(tx *wire.MsgTx, idx int, prevOut *wire.TxOut,
	flags ScriptFlags, hashes *TxSigHashes, prevOuts PrevOutFetcher) (SpendPath, bool, error) {

	vm, err := NewEngine(prevOut.PkScript, tx, idx, flags, hashes,
		prevOut.Value, prevOuts)
	if err != nil {
		return SpendLegacy, false, err
	}
	err = vm.Execute()
	return vm.SpendPath(), vm.HasAnnex(), err
}
