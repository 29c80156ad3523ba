package interpreter

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/ripemd160"
)

func opcodeInvalid(op *opcode, data []byte, vm *Engine) error {
	return scriptErrorf(ErrReservedOpcode,
		"attempt to execute invalid opcode %s", op.name)
}

func opcodeReserved(op *opcode, data []byte, vm *Engine) error {
	return scriptErrorf(ErrReservedOpcode,
		"attempt to execute reserved opcode %s", op.name)
}

func opcodeDisabled(op *opcode, data []byte, vm *Engine) error {
	return scriptErrorf(ErrDisabledOpcode,
		"attempt to execute disabled opcode %s", op.name)
}

func opcodePushData(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushByteArray(data)
	return nil
}

func opcode1Negate(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushInt(-1)
	return nil
}

func opcodeN(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushInt(scriptNum(op.value - (OP_1 - 1)))
	return nil
}

// opcodeNop covers OP_NOP and the NOPs reserved for soft forks.
func opcodeNop(op *opcode, data []byte, vm *Engine) error {
	if op.value != OP_NOP && vm.hasFlag(ScriptDiscourageUpgradableNops) {
		return scriptErrorf(ErrDiscourageUpgradableNOPs,
			"%s reserved for soft-fork upgrades", op.name)
	}
	return nil
}

func (vm *Engine) checkMinimalIf(so []byte) error {
	minimal := len(so) == 0 || (len(so) == 1 && so[0] == 1)
	if minimal {
		return nil
	}
	if vm.sigVersion == sigVersionTapscript ||
		(vm.sigVersion == sigVersionWitnessV0 &&
			vm.hasFlag(ScriptVerifyMinimalIf)) {

		return scriptError(ErrMinimalIf,
			"conditional argument must be empty or 0x01")
	}
	return nil
}

func opcodeIf(op *opcode, data []byte, vm *Engine) error {
	cond := false
	if vm.isBranchExecuting() {
		so, err := vm.dstack.PopByteArray()
		if err != nil {
			return scriptErrorf(ErrUnbalancedConditional,
				"%s with empty stack", op.name)
		}
		if err := vm.checkMinimalIf(so); err != nil {
			return err
		}
		cond = asBool(so)
		if op.value == OP_NOTIF {
			cond = !cond
		}
	}
	vm.condStack = append(vm.condStack, cond)
	return nil
}

func opcodeNotIf(op *opcode, data []byte, vm *Engine) error {
	return opcodeIf(op, data, vm)
}

func opcodeElse(op *opcode, data []byte, vm *Engine) error {
	if len(vm.condStack) == 0 {
		return scriptError(ErrUnbalancedConditional,
			"encountered opcode OP_ELSE with no matching opcode to begin "+
				"conditional execution")
	}
	top := len(vm.condStack) - 1
	vm.condStack[top] = !vm.condStack[top]
	return nil
}

func opcodeEndif(op *opcode, data []byte, vm *Engine) error {
	if len(vm.condStack) == 0 {
		return scriptError(ErrUnbalancedConditional,
			"encountered opcode OP_ENDIF with no matching opcode to begin "+
				"conditional execution")
	}
	vm.condStack = vm.condStack[:len(vm.condStack)-1]
	return nil
}

// abstractVerify pops the top item and fails with code if it is false.
func abstractVerify(op *opcode, vm *Engine, c ErrorCode) error {
	verified, err := vm.dstack.PopBool()
	if err != nil {
		return err
	}
	if !verified {
		return scriptErrorf(c, "%s failed", op.name)
	}
	return nil
}

func opcodeVerify(op *opcode, data []byte, vm *Engine) error {
	return abstractVerify(op, vm, ErrVerify)
}

func opcodeReturn(op *opcode, data []byte, vm *Engine) error {
	return scriptError(ErrEarlyReturn, "script returned early")
}

func opcodeToAltStack(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	vm.astack.PushByteArray(so)
	return nil
}

func opcodeFromAltStack(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.astack.PopByteArray()
	if err != nil {
		return err
	}
	vm.dstack.PushByteArray(so)
	return nil
}

func opcode2Drop(op *opcode, data []byte, vm *Engine) error { return vm.dstack.DropN(2) }
func opcode2Dup(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.DupN(2) }
func opcode3Dup(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.DupN(3) }
func opcode2Over(op *opcode, data []byte, vm *Engine) error { return vm.dstack.OverN(2) }
func opcode2Rot(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.RotN(2) }
func opcode2Swap(op *opcode, data []byte, vm *Engine) error { return vm.dstack.SwapN(2) }
func opcodeDrop(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.DropN(1) }
func opcodeDup(op *opcode, data []byte, vm *Engine) error   { return vm.dstack.DupN(1) }
func opcodeNip(op *opcode, data []byte, vm *Engine) error   { return vm.dstack.NipN(1) }
func opcodeOver(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.OverN(1) }
func opcodeRot(op *opcode, data []byte, vm *Engine) error   { return vm.dstack.RotN(1) }
func opcodeSwap(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.SwapN(1) }
func opcodeTuck(op *opcode, data []byte, vm *Engine) error  { return vm.dstack.Tuck() }

func opcodeIfDup(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PeekByteArray(0)
	if err != nil {
		return err
	}
	if asBool(so) {
		vm.dstack.PushByteArray(so)
	}
	return nil
}

func opcodeDepth(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushInt(scriptNum(vm.dstack.Depth()))
	return nil
}

func opcodePick(op *opcode, data []byte, vm *Engine) error {
	val, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	return vm.dstack.PickN(val.Int32())
}

func opcodeRoll(op *opcode, data []byte, vm *Engine) error {
	val, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	return vm.dstack.RollN(val.Int32())
}

func opcodeSize(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PeekByteArray(0)
	if err != nil {
		return err
	}
	vm.dstack.PushInt(scriptNum(len(so)))
	return nil
}

func opcodeEqual(op *opcode, data []byte, vm *Engine) error {
	a, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	b, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	vm.dstack.PushBool(bytes.Equal(a, b))
	return nil
}

func opcodeEqualVerify(op *opcode, data []byte, vm *Engine) error {
	if err := opcodeEqual(op, data, vm); err != nil {
		return err
	}
	return abstractVerify(op, vm, ErrEqualVerify)
}

// unaryNum applies fn to the top number.
func unaryNum(vm *Engine, fn func(scriptNum) scriptNum) error {
	m, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	vm.dstack.PushInt(fn(m))
	return nil
}

// binaryNum pops b then a and pushes fn(a, b).
func binaryNum(vm *Engine, fn func(a, b scriptNum) scriptNum) error {
	b, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	a, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	vm.dstack.PushInt(fn(a, b))
	return nil
}

func boolNum(v bool) scriptNum {
	if v {
		return 1
	}
	return 0
}

func opcode1Add(op *opcode, data []byte, vm *Engine) error {
	return unaryNum(vm, func(m scriptNum) scriptNum { return m + 1 })
}

func opcode1Sub(op *opcode, data []byte, vm *Engine) error {
	return unaryNum(vm, func(m scriptNum) scriptNum { return m - 1 })
}

func opcodeNegate(op *opcode, data []byte, vm *Engine) error {
	return unaryNum(vm, func(m scriptNum) scriptNum { return -m })
}

func opcodeAbs(op *opcode, data []byte, vm *Engine) error {
	return unaryNum(vm, func(m scriptNum) scriptNum {
		if m < 0 {
			return -m
		}
		return m
	})
}

func opcodeNot(op *opcode, data []byte, vm *Engine) error {
	return unaryNum(vm, func(m scriptNum) scriptNum { return boolNum(m == 0) })
}

func opcode0NotEqual(op *opcode, data []byte, vm *Engine) error {
	return unaryNum(vm, func(m scriptNum) scriptNum { return boolNum(m != 0) })
}

func opcodeAdd(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return a + b })
}

func opcodeSub(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return a - b })
}

func opcodeBoolAnd(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum {
		return boolNum(a != 0 && b != 0)
	})
}

func opcodeBoolOr(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum {
		return boolNum(a != 0 || b != 0)
	})
}

func opcodeNumEqual(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return boolNum(a == b) })
}

func opcodeNumEqualVerify(op *opcode, data []byte, vm *Engine) error {
	if err := opcodeNumEqual(op, data, vm); err != nil {
		return err
	}
	return abstractVerify(op, vm, ErrNumEqualVerify)
}

func opcodeNumNotEqual(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return boolNum(a != b) })
}

func opcodeLessThan(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return boolNum(a < b) })
}

func opcodeGreaterThan(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return boolNum(a > b) })
}

func opcodeLessThanOrEqual(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return boolNum(a <= b) })
}

func opcodeGreaterThanOrEqual(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum { return boolNum(a >= b) })
}

func opcodeMin(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum {
		if a < b {
			return a
		}
		return b
	})
}

func opcodeMax(op *opcode, data []byte, vm *Engine) error {
	return binaryNum(vm, func(a, b scriptNum) scriptNum {
		if a > b {
			return a
		}
		return b
	})
}

// opcodeWithin pushes min <= x < max.
func opcodeWithin(op *opcode, data []byte, vm *Engine) error {
	maxVal, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	minVal, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	x, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	vm.dstack.PushBool(x >= minVal && x < maxVal)
	return nil
}

func hashTop(vm *Engine, fn func([]byte) []byte) error {
	buf, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	vm.dstack.PushByteArray(fn(buf))
	return nil
}

func opcodeRipemd160(op *opcode, data []byte, vm *Engine) error {
	return hashTop(vm, func(b []byte) []byte {
		h := ripemd160.New()
		h.Write(b)
		return h.Sum(nil)
	})
}

func opcodeSha1(op *opcode, data []byte, vm *Engine) error {
	return hashTop(vm, func(b []byte) []byte {
		h := sha1.Sum(b)
		return h[:]
	})
}

func opcodeSha256(op *opcode, data []byte, vm *Engine) error {
	return hashTop(vm, func(b []byte) []byte {
		h := sha256.Sum256(b)
		return h[:]
	})
}

func opcodeHash160(op *opcode, data []byte, vm *Engine) error {
	return hashTop(vm, btcutil.Hash160)
}

func opcodeHash256(op *opcode, data []byte, vm *Engine) error {
	return hashTop(vm, chainhash.DoubleHashB)
}

func opcodeCodeSeparator(op *opcode, data []byte, vm *Engine) error {
	vm.lastCodeSep = vm.tokenizer.offset
	vm.codeSepPos = uint32(vm.tokenizer.opIdx)
	return nil
}

// checkSig evaluates one signature check in the current context and
// reports whether it succeeded.
func (vm *Engine) checkSig(sig, pubKey []byte) (bool, error) {
	if vm.sigVersion == sigVersionTapscript {
		return vm.checkSigTapscript(sig, pubKey)
	}

	scriptCode := vm.subScript()
	if vm.sigVersion == sigVersionBase {
		scriptCode = findAndDelete(scriptCode, sig)
	}
	if err := vm.checkSignatureEncoding(sig); err != nil {
		return false, err
	}
	if err := vm.checkPubKeyEncoding(pubKey); err != nil {
		return false, err
	}

	ok := vm.verifyECDSA(sig, pubKey, scriptCode)
	if !ok && len(sig) > 0 && vm.hasFlag(ScriptVerifyNullFail) {
		return false, scriptError(ErrSigNullFail,
			"signature not empty on failed checksig")
	}
	return ok, nil
}

func (vm *Engine) checkSigTapscript(sig, pubKey []byte) (bool, error) {
	success := len(sig) > 0
	if success {
		vm.validationWeight -= validationWeightPerSigOp
		if vm.validationWeight < 0 {
			return false, scriptError(ErrTaprootValidationWeight,
				"tapscript validation weight exhausted")
		}
	}

	switch len(pubKey) {
	case 0:
		return false, scriptError(ErrPubKeyType, "empty tapscript public key")
	case 32:
		if success {
			err := vm.checkSchnorrSignature(sig, pubKey, &taprootSigHashOpts{
				annex:       vm.annex,
				tapscript:   true,
				tapLeafHash: vm.tapLeafHash,
				codeSepPos:  vm.codeSepPos,
			})
			if err != nil {
				return false, err
			}
		}
	default:
		if vm.hasFlag(ScriptVerifyDiscourageUpgradeablePubkeyType) {
			return false, scriptErrorf(ErrDiscourageUpgradablePubKeyType,
				"unknown public key type of length %d", len(pubKey))
		}
	}
	return success, nil
}

func opcodeCheckSig(op *opcode, data []byte, vm *Engine) error {
	pubKey, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	sig, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	ok, err := vm.checkSig(sig, pubKey)
	if err != nil {
		return err
	}
	vm.dstack.PushBool(ok)
	return nil
}

func opcodeCheckSigVerify(op *opcode, data []byte, vm *Engine) error {
	if err := opcodeCheckSig(op, data, vm); err != nil {
		return err
	}
	return abstractVerify(op, vm, ErrCheckSigVerify)
}

// opcodeCheckSigAdd is only defined in tapscript.
// [... sig n pubkey] -> [... n+success]
func opcodeCheckSigAdd(op *opcode, data []byte, vm *Engine) error {
	if vm.sigVersion != sigVersionTapscript {
		return opcodeInvalid(op, data, vm)
	}
	if vm.dstack.Depth() < 3 {
		return scriptErrorf(ErrStackUnderflow,
			"%s requires 3 stack items", op.name)
	}
	pubKey, _ := vm.dstack.PopByteArray()
	n, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	sig, _ := vm.dstack.PopByteArray()

	ok, err := vm.checkSigTapscript(sig, pubKey)
	if err != nil {
		return err
	}
	if ok {
		n++
	}
	vm.dstack.PushInt(n)
	return nil
}

// opcodeCheckMultiSig consumes
// [... dummy [sig ...] numsigs [pubkey ...] numpubkeys]
// and matches signatures to keys in order. The dummy element is a
// historical off-by-one and must be empty under NULLDUMMY.
func opcodeCheckMultiSig(op *opcode, data []byte, vm *Engine) error {
	if vm.sigVersion == sigVersionTapscript {
		return scriptError(ErrTapscriptCheckMultiSig,
			"OP_CHECKMULTISIG is disabled in tapscript")
	}

	// Positions count from the top of the stack starting at 1.
	i := int32(1)
	n, err := vm.dstack.PeekInt(i-1, defaultScriptNumLen)
	if err != nil {
		return err
	}
	numKeys := n.Int32()
	if numKeys < 0 || numKeys > MaxPubKeysPerMultiSig {
		return scriptErrorf(ErrInvalidPubKeyCount,
			"number of pubkeys %d is out of range", numKeys)
	}
	vm.numOps += int(numKeys)
	if vm.numOps > MaxOpsPerScript {
		return scriptErrorf(ErrTooManyOperations, "exceeded max "+
			"operation limit of %d", MaxOpsPerScript)
	}

	i++
	ikey := i
	ikey2 := numKeys + 2
	i += numKeys
	if vm.dstack.Depth() < i {
		return scriptError(ErrStackUnderflow, "not enough public keys")
	}

	n, err = vm.dstack.PeekInt(i-1, defaultScriptNumLen)
	if err != nil {
		return err
	}
	numSigs := n.Int32()
	if numSigs < 0 || numSigs > numKeys {
		return scriptErrorf(ErrInvalidSignatureCount,
			"number of signatures %d is out of range", numSigs)
	}
	i++
	isig := i
	i += numSigs
	if vm.dstack.Depth() < i {
		return scriptError(ErrStackUnderflow, "not enough signatures")
	}

	scriptCode := vm.subScript()
	if vm.sigVersion == sigVersionBase {
		for k := int32(0); k < numSigs; k++ {
			sig, _ := vm.dstack.PeekByteArray(isig + k - 1)
			scriptCode = findAndDelete(scriptCode, sig)
		}
	}

	success := true
	for success && numSigs > 0 {
		sig, _ := vm.dstack.PeekByteArray(isig - 1)
		pubKey, _ := vm.dstack.PeekByteArray(ikey - 1)

		if err := vm.checkSignatureEncoding(sig); err != nil {
			return err
		}
		if err := vm.checkPubKeyEncoding(pubKey); err != nil {
			return err
		}
		if vm.verifyECDSA(sig, pubKey, scriptCode) {
			isig++
			numSigs--
		}
		ikey++
		numKeys--
		if numSigs > numKeys {
			success = false
		}
	}

	// Pop everything but the dummy.
	for ; i > 1; i-- {
		if !success && vm.hasFlag(ScriptVerifyNullFail) && ikey2 == 0 {
			top, _ := vm.dstack.PeekByteArray(0)
			if len(top) > 0 {
				return scriptError(ErrSigNullFail,
					"not all signatures empty on failed checkmultisig")
			}
		}
		if ikey2 > 0 {
			ikey2--
		}
		if _, err := vm.dstack.PopByteArray(); err != nil {
			return err
		}
	}

	dummy, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	if vm.hasFlag(ScriptStrictMultiSig) && len(dummy) != 0 {
		return scriptErrorf(ErrSigNullDummy,
			"multisig dummy argument has length %d instead of 0", len(dummy))
	}

	vm.dstack.PushBool(success)
	return nil
}

func opcodeCheckMultiSigVerify(op *opcode, data []byte, vm *Engine) error {
	if err := opcodeCheckMultiSig(op, data, vm); err != nil {
		return err
	}
	return abstractVerify(op, vm, ErrCheckMultiSigVerify)
}

func opcodeCheckLockTimeVerify(op *opcode, data []byte, vm *Engine) error {
	if !vm.hasFlag(ScriptVerifyCheckLockTimeVerify) {
		return opcodeNop(op, data, vm)
	}

	lockTime, err := vm.dstack.PeekInt(0, lockTimeScriptNumLen)
	if err != nil {
		return err
	}
	if lockTime < 0 {
		return scriptErrorf(ErrNegativeLockTime,
			"negative lock time: %d", lockTime)
	}

	txLockTime := int64(vm.tx.LockTime)
	sameKind := (txLockTime < LockTimeThreshold &&
		int64(lockTime) < LockTimeThreshold) ||
		(txLockTime >= LockTimeThreshold &&
			int64(lockTime) >= LockTimeThreshold)
	if !sameKind {
		return scriptErrorf(ErrUnsatisfiedLockTime, "mismatched locktime "+
			"types -- tx locktime %d, stack locktime %d", txLockTime,
			lockTime)
	}
	if int64(lockTime) > txLockTime {
		return scriptErrorf(ErrUnsatisfiedLockTime, "locktime requirement "+
			"not satisfied -- locktime is greater than the transaction "+
			"locktime: %d > %d", lockTime, txLockTime)
	}
	// A final input would make the transaction locktime meaningless.
	if vm.tx.TxIn[vm.txIdx].Sequence == wire.MaxTxInSequenceNum {
		return scriptError(ErrUnsatisfiedLockTime,
			"transaction input is finalized")
	}
	return nil
}

func opcodeCheckSequenceVerify(op *opcode, data []byte, vm *Engine) error {
	if !vm.hasFlag(ScriptVerifyCheckSequenceVerify) {
		return opcodeNop(op, data, vm)
	}

	stackSeq, err := vm.dstack.PeekInt(0, lockTimeScriptNumLen)
	if err != nil {
		return err
	}
	if stackSeq < 0 {
		return scriptErrorf(ErrNegativeLockTime,
			"negative sequence: %d", stackSeq)
	}
	seq := int64(stackSeq)
	if seq&SequenceLockTimeDisabled != 0 {
		return nil
	}

	if uint32(vm.tx.Version) < 2 {
		return scriptErrorf(ErrUnsatisfiedLockTime, "invalid transaction "+
			"version: %d", vm.tx.Version)
	}
	txSeq := int64(vm.tx.TxIn[vm.txIdx].Sequence)
	if txSeq&SequenceLockTimeDisabled != 0 {
		return scriptErrorf(ErrUnsatisfiedLockTime, "transaction sequence "+
			"has sequence locktime disabled bit set: %#x", txSeq)
	}

	mask := int64(SequenceLockTimeIsSeconds | SequenceLockTimeMask)
	txMasked, seqMasked := txSeq&mask, seq&mask
	if (txMasked < SequenceLockTimeIsSeconds) != (seqMasked < SequenceLockTimeIsSeconds) {
		return scriptErrorf(ErrUnsatisfiedLockTime, "mismatched sequence "+
			"types -- tx %d, stack %d", txMasked, seqMasked)
	}
	if seqMasked > txMasked {
		return scriptErrorf(ErrUnsatisfiedLockTime, "sequence requirement "+
			"not satisfied -- %d > %d", seqMasked, txMasked)
	}
	return nil
}
