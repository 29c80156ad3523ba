package interpreter

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/taproot"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return priv
}

// spendingTx builds a version 2 transaction spending each prevout to a
// single P2WPKH output worth the total minus fee.
func spendingTx(fee int64, prevOuts ...*wire.TxOut) (*wire.MsgTx, PrevOutMap) {
	tx := wire.NewMsgTx(2)
	fetcher := make(PrevOutMap)
	var total int64
	for i, prev := range prevOuts {
		op := wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: uint32(i)}
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		fetcher[op] = prev
		total += prev.Value
	}
	tx.AddTxOut(wire.NewTxOut(total-fee,
		outscript.WitnessProgramScript(0, bytes.Repeat([]byte{0x09}, 20))))
	return tx, fetcher
}

func TestScriptNum(t *testing.T) {
	tests := []struct {
		num    scriptNum
		serial []byte
	}{
		{0, nil},
		{1, []byte{0x01}},
		{-1, []byte{0x81}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x00}},
		{-128, []byte{0x80, 0x80}},
		{255, []byte{0xff, 0x00}},
		{32767, []byte{0xff, 0x7f}},
		{-32768, []byte{0x00, 0x80, 0x80}},
		{2147483647, []byte{0xff, 0xff, 0xff, 0x7f}},
		{-2147483648, []byte{0x00, 0x00, 0x00, 0x80, 0x80}},
	}
	for _, test := range tests {
		require.Equal(t, test.serial, test.num.Bytes(), "num %d", test.num)
		if len(test.serial) > defaultScriptNumLen {
			_, err := makeScriptNum(test.serial, true, defaultScriptNumLen)
			require.True(t, IsErrorCode(err, ErrNumberTooBig))
			continue
		}
		got, err := makeScriptNum(test.serial, true, defaultScriptNumLen)
		require.NoError(t, err)
		require.Equal(t, test.num, got)
	}

	// Negative zero and padded values are rejected under minimal data.
	for _, v := range [][]byte{{0x80}, {0x00}, {0x01, 0x00}} {
		_, err := makeScriptNum(v, true, defaultScriptNumLen)
		require.True(t, IsErrorCode(err, ErrMinimalData), "%x", v)
		_, err = makeScriptNum(v, false, defaultScriptNumLen)
		require.NoError(t, err)
	}
}

func TestLegacySigHashMatchesBtcd(t *testing.T) {
	script := outscript.PayToPubKeyHashScript(bytes.Repeat([]byte{0x01}, 20))
	prev := []*wire.TxOut{
		wire.NewTxOut(5000, script), wire.NewTxOut(6000, script),
		wire.NewTxOut(7000, script),
	}
	tx, _ := spendingTx(1000, prev...)
	tx.AddTxOut(wire.NewTxOut(10, script))
	tx.TxIn[1].Sequence = 7

	hashTypes := []SigHashType{
		SigHashAll, SigHashNone, SigHashSingle,
		SigHashAll | SigHashAnyOneCanPay,
		SigHashNone | SigHashAnyOneCanPay,
		SigHashSingle | SigHashAnyOneCanPay,
	}
	for _, ht := range hashTypes {
		for idx := range tx.TxIn {
			want, err := txscript.CalcSignatureHash(script,
				txscript.SigHashType(ht), tx, idx)
			require.NoError(t, err)
			got := CalcSignatureHash(script, ht, tx, idx)
			require.Equal(t, want, got, "hash type %x input %d", ht, idx)
		}
	}
}

func TestWitnessV0SigHashMatchesBtcd(t *testing.T) {
	script := outscript.PayToPubKeyHashScript(bytes.Repeat([]byte{0x02}, 20))
	prev := []*wire.TxOut{wire.NewTxOut(5000, script), wire.NewTxOut(6000, script)}
	tx, fetcher := spendingTx(1000, prev...)

	ours := NewTxSigHashes(tx, fetcher)
	theirs := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(fetcher))

	for _, ht := range []SigHashType{SigHashAll, SigHashNone, SigHashSingle,
		SigHashSingle | SigHashAnyOneCanPay} {

		for idx := range tx.TxIn {
			want, err := txscript.CalcWitnessSigHash(script, theirs,
				txscript.SigHashType(ht), tx, idx, prev[idx].Value)
			require.NoError(t, err)
			got := CalcWitnessV0SignatureHash(script, ours, ht, tx, idx,
				prev[idx].Value)
			require.Equal(t, want, got)
		}
	}
}

func TestTaprootSigHashMatchesBtcd(t *testing.T) {
	script := outscript.WitnessProgramScript(1, bytes.Repeat([]byte{0x03}, 32))
	prev := []*wire.TxOut{wire.NewTxOut(5000, script), wire.NewTxOut(6000, script)}
	tx, fetcher := spendingTx(1000, prev...)

	ours := NewTxSigHashes(tx, fetcher)
	btcdFetcher := txscript.NewMultiPrevOutFetcher(fetcher)
	theirs := txscript.NewTxSigHashes(tx, btcdFetcher)

	for _, ht := range []SigHashType{SigHashDefault, SigHashAll, SigHashNone,
		SigHashSingle, SigHashAll | SigHashAnyOneCanPay} {

		for idx := range tx.TxIn {
			if ht&sigHashMask == SigHashSingle && idx >= len(tx.TxOut) {
				continue
			}
			want, err := txscript.CalcTaprootSignatureHash(theirs,
				txscript.SigHashType(ht), tx, idx, btcdFetcher)
			require.NoError(t, err)
			got, err := CalcTaprootSignatureHash(ours, ht, tx, idx, fetcher, nil)
			require.NoError(t, err)
			require.Equal(t, want, got)
		}
	}

	_, err := CalcTaprootSignatureHash(ours, 0x04, tx, 0, fetcher, nil)
	require.True(t, IsErrorCode(err, ErrSighashTypeInvalid))
}

func TestP2PKHSpend(t *testing.T) {
	priv := testKey(0x11)
	pkScript := outscript.PayToPubKeyHashScript(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()))
	prev := wire.NewTxOut(100000, pkScript)
	tx, fetcher := spendingTx(1000, prev)

	sigScript, err := txscript.SignatureScript(tx, 0, pkScript,
		txscript.SigHashAll, priv, true)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript

	path, _, err := VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.NoError(t, err)
	require.Equal(t, SpendLegacy, path)

	// Changing the spent amount in the outputs breaks the signature.
	tx.TxOut[0].Value--
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrSigNullFail), "%v", err)
	_, _, err = VerifyInput(tx, 0, prev, ConsensusVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrEvalFalse), "%v", err)
}

func TestP2WPKHSpend(t *testing.T) {
	priv := testKey(0x12)
	pkScript := outscript.WitnessProgramScript(0,
		btcutil.Hash160(priv.PubKey().SerializeCompressed()))
	prev := wire.NewTxOut(100000, pkScript)
	tx, fetcher := spendingTx(1000, prev)

	hashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(fetcher))
	witness, err := txscript.WitnessSignature(tx, hashes, 0, prev.Value,
		pkScript, txscript.SigHashAll, priv, true)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	path, _, err := VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.NoError(t, err)
	require.Equal(t, SpendWitnessV0, path)

	// The amount is committed.
	wrongAmount := wire.NewTxOut(prev.Value+1, pkScript)
	_, _, err = VerifyInput(tx, 0, wrongAmount, StandardVerifyFlags, nil, fetcher)
	require.Error(t, err)

	// A signature script next to a native witness program is malleation.
	tx.TxIn[0].SignatureScript = []byte{OP_1}
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrWitnessMalleated))
}

func TestTaprootKeySpend(t *testing.T) {
	priv := testKey(0x13)
	pkScript, err := outscript.BuildTaprootOutput(
		taproot.Commitment{InternalKey: priv.PubKey()})
	require.NoError(t, err)
	prev := wire.NewTxOut(100000, pkScript)
	tx, fetcher := spendingTx(1000, prev)

	hashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(fetcher))
	witness, err := txscript.TaprootWitnessSignature(tx, hashes, 0,
		prev.Value, pkScript, txscript.SigHashDefault, priv)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	path, annex, err := VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.NoError(t, err)
	require.Equal(t, SpendTaprootKey, path)
	require.False(t, annex)

	// A signature by any other key is rejected.
	other := testKey(0x14)
	witness, err = txscript.TaprootWitnessSignature(tx, hashes, 0,
		prev.Value, pkScript, txscript.SigHashDefault, other)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrSignatureVerifyFailed), "%v", err)

	// So is the untweaked internal key.
	h, err := CalcTaprootSignatureHash(NewTxSigHashes(tx, fetcher),
		SigHashDefault, tx, 0, fetcher, nil)
	require.NoError(t, err)
	sig, err := schnorr.Sign(priv, h)
	require.NoError(t, err)
	tx.TxIn[0].Witness = wire.TxWitness{sig.Serialize()}
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrSignatureVerifyFailed))

	// An explicit zero hash type byte is invalid.
	tx.TxIn[0].Witness = wire.TxWitness{append(sig.Serialize(), 0x00)}
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrSighashTypeInvalid))

	tx.TxIn[0].Witness = wire.TxWitness{sig.Serialize()[:63]}
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrSchnorrSigSize))
}

func tapscriptFixture(t *testing.T) (*btcec.PrivateKey, *taproot.Tree,
	*btcec.PublicKey, *wire.MsgTx, PrevOutMap, *wire.TxOut) {

	t.Helper()
	leafKey := testKey(0x21)
	internal := testKey(0x22).PubKey()

	checkSig := append([]byte{OP_DATA_32},
		schnorr.SerializePubKey(leafKey.PubKey())...)
	checkSig = append(checkSig, OP_CHECKSIG)
	tree, err := taproot.AssembleTree(
		taproot.NewBaseLeaf(checkSig),
		taproot.NewBaseLeaf([]byte{OP_1}),
	)
	require.NoError(t, err)

	pkScript, err := outscript.BuildTaprootOutput(tree.Commitment(internal))
	require.NoError(t, err)
	prev := wire.NewTxOut(50000, pkScript)
	tx, fetcher := spendingTx(500, prev)
	return leafKey, tree, internal, tx, fetcher, prev
}

func TestTapscriptSpend(t *testing.T) {
	leafKey, tree, internal, tx, fetcher, prev := tapscriptFixture(t)
	leaf := tree.Leaves[0]

	hashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(fetcher))
	sig, err := txscript.RawTxInTapscriptSignature(tx, hashes, 0, prev.Value,
		prev.PkScript, txscript.NewBaseTapLeaf(leaf.Script),
		txscript.SigHashDefault, leafKey)
	require.NoError(t, err)

	cb, err := tree.ControlBlock(internal, 0)
	require.NoError(t, err)
	tx.TxIn[0].Witness = wire.TxWitness{sig, leaf.Script, cb.Bytes()}

	path, _, err := VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.NoError(t, err)
	require.Equal(t, SpendTaprootScript, path)

	// Our own tapscript sighash signs the same message.
	h, err := CalcTapscriptSignatureHash(NewTxSigHashes(tx, fetcher),
		SigHashDefault, tx, 0, fetcher, leaf.Hash())
	require.NoError(t, err)
	ours, err := schnorr.Sign(leafKey, h)
	require.NoError(t, err)
	tx.TxIn[0].Witness = wire.TxWitness{ours.Serialize(), leaf.Script, cb.Bytes()}
	_, _, err = VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.NoError(t, err)

	// The trivially true leaf with an annex.
	cb1, err := tree.ControlBlock(internal, 1)
	require.NoError(t, err)
	tx.TxIn[0].Witness = wire.TxWitness{{OP_1}, cb1.Bytes(),
		{taproot.AnnexTag, 0x01}}
	path, annex, err := VerifyInput(tx, 0, prev, StandardVerifyFlags, nil, fetcher)
	require.NoError(t, err)
	require.Equal(t, SpendTaprootScript, path)
	require.True(t, annex)
}

func TestTapscriptControlBlockByteFlip(t *testing.T) {
	_, tree, internal, tx, fetcher, prev := tapscriptFixture(t)
	cb, err := tree.ControlBlock(internal, 1)
	require.NoError(t, err)
	raw := cb.Bytes()

	tx.TxIn[0].Witness = wire.TxWitness{{OP_1}, raw}
	_, _, err = VerifyInput(tx, 0, prev, ConsensusVerifyFlags, nil, fetcher)
	require.NoError(t, err)

	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		tx.TxIn[0].Witness = wire.TxWitness{{OP_1}, mutated}
		_, _, err = VerifyInput(tx, 0, prev, ConsensusVerifyFlags, nil, fetcher)
		require.Error(t, err, "byte %d", i)
	}

	tx.TxIn[0].Witness = wire.TxWitness{{OP_1}, raw[:len(raw)-1]}
	_, _, err = VerifyInput(tx, 0, prev, ConsensusVerifyFlags, nil, fetcher)
	require.True(t, IsErrorCode(err, ErrControlBlockLengthInvalid))
}

func TestTapscriptRules(t *testing.T) {
	internal := testKey(0x31).PubKey()

	run := func(script []byte, initial ...[]byte) error {
		tree, err := taproot.AssembleTree(taproot.NewBaseLeaf(script))
		require.NoError(t, err)
		pkScript, err := outscript.BuildTaprootOutput(tree.Commitment(internal))
		require.NoError(t, err)
		prev := wire.NewTxOut(1000, pkScript)
		tx, fetcher := spendingTx(100, prev)
		cb, err := tree.ControlBlock(internal, 0)
		require.NoError(t, err)

		w := append(wire.TxWitness{}, initial...)
		tx.TxIn[0].Witness = append(w, script, cb.Bytes())
		_, _, err = VerifyInput(tx, 0, prev, ConsensusVerifyFlags, nil, fetcher)
		return err
	}

	// OP_CHECKMULTISIG is disabled.
	err := run([]byte{OP_0, OP_0, OP_CHECKMULTISIG})
	require.True(t, IsErrorCode(err, ErrTapscriptCheckMultiSig), "%v", err)

	// OP_SUCCESS makes the script succeed even after a failing opcode.
	require.NoError(t, run([]byte{OP_RETURN, 0x50}))

	// MINIMALIF is consensus.
	err = run([]byte{OP_IF, OP_1, OP_ENDIF}, []byte{0x02})
	require.True(t, IsErrorCode(err, ErrMinimalIf), "%v", err)

	// Empty signature in CHECKSIGADD counts zero.
	key := schnorr.SerializePubKey(testKey(0x32).PubKey())
	script := []byte{OP_0}
	script = append(script, OP_DATA_32)
	script = append(script, key...)
	script = append(script, OP_CHECKSIGADD, OP_0, OP_NUMEQUAL)
	require.NoError(t, run(script, []byte{}))

	// An empty public key is an error.
	err = run([]byte{OP_0, OP_CHECKSIG}, []byte{0x01})
	require.True(t, IsErrorCode(err, ErrPubKeyType), "%v", err)

	// CHECKSIGADD arity failures share the code of every other short stack.
	err = run([]byte{OP_1, OP_1, OP_CHECKSIGADD})
	require.True(t, IsErrorCode(err, ErrStackUnderflow), "%v", err)
}

// TestCheckSequenceVerifyVersion reads the transaction version unsigned,
// like the relative lock time rules of the validator.
func TestCheckSequenceVerifyVersion(t *testing.T) {
	script := []byte{OP_5, OP_CHECKSEQUENCEVERIFY}
	flags := ScriptBip16 | ScriptVerifyCheckSequenceVerify
	btcdFlags := txscript.ScriptBip16 | txscript.ScriptVerifyCheckSequenceVerify

	tests := []struct {
		version int32
		seq     uint32
		ok      bool
	}{
		{2, 5, true},
		{2, 4, false},
		{1, 5, false},
		{0, 5, false},
		{-1, 5, true},
		{-1, 4, false},
		{-2, 6, true},
	}
	for _, test := range tests {
		prev := wire.NewTxOut(1000, script)
		tx, fetcher := spendingTx(100, prev)
		tx.Version = test.version
		tx.TxIn[0].Sequence = test.seq

		_, _, err := VerifyInput(tx, 0, prev, flags, nil, fetcher)
		if test.ok {
			require.NoError(t, err, "version %d seq %d", test.version, test.seq)
		} else {
			require.True(t, IsErrorCode(err, ErrUnsatisfiedLockTime),
				"version %d seq %d: %v", test.version, test.seq, err)
		}

		vm, err := txscript.NewEngine(script, tx, 0, btcdFlags, nil, nil,
			prev.Value, txscript.NewMultiPrevOutFetcher(fetcher))
		require.NoError(t, err)
		require.Equal(t, test.ok, vm.Execute() == nil,
			"btcd: version %d seq %d", test.version, test.seq)
	}
}

// TestScriptsAgainstBtcd runs simple scripts through both engines.
func TestScriptsAgainstBtcd(t *testing.T) {
	data := []byte("utxocheck")
	digest := sha256.Sum256(data)

	hashCheck := append([]byte{byte(len(data))}, data...)
	hashCheck = append(hashCheck, OP_SHA256, OP_DATA_32)
	hashCheck = append(hashCheck, digest[:]...)
	hashCheck = append(hashCheck, OP_EQUAL)

	tooMany := bytes.Repeat([]byte{OP_NOP}, MaxOpsPerScript+1)
	tooMany = append(tooMany, OP_1)

	tests := []struct {
		name   string
		script []byte
		code   ErrorCode
		ok     bool
	}{
		{"true", []byte{OP_1}, 0, true},
		{"false", []byte{OP_0}, ErrEvalFalse, false},
		{"add", []byte{OP_2, OP_3, OP_ADD, OP_5, OP_EQUAL}, 0, true},
		{"if else", []byte{OP_1, OP_IF, OP_0, OP_ELSE, OP_1, OP_ENDIF}, ErrEvalFalse, false},
		{"disabled unexecuted", []byte{OP_0, OP_IF, OP_CAT, OP_ENDIF, OP_1}, ErrDisabledOpcode, false},
		{"reserved unexecuted", []byte{OP_0, OP_IF, OP_VER, OP_ENDIF, OP_1}, 0, true},
		{"verif unexecuted", []byte{OP_0, OP_IF, OP_VERIF, OP_ENDIF, OP_1}, ErrReservedOpcode, false},
		{"underflow", []byte{OP_DROP}, ErrStackUnderflow, false},
		{"unbalanced", []byte{OP_1, OP_IF}, ErrUnbalancedConditional, false},
		{"malformed", []byte{OP_PUSHDATA1, 0x05, 0x01}, ErrMalformedPush, false},
		{"return", []byte{OP_1, OP_RETURN}, ErrEarlyReturn, false},
		{"sha256", hashCheck, 0, true},
		{"negative zero", []byte{0x02, 0x00, 0x80, OP_NOT}, 0, true},
		{"number too big", []byte{0x05, 1, 2, 3, 4, 5, OP_1ADD}, ErrNumberTooBig, false},
		{"within", []byte{OP_1, OP_0, OP_2, OP_WITHIN}, 0, true},
		{"stack overflow", bytes.Repeat([]byte{OP_1}, MaxStackSize+1), ErrStackOverflow, false},
		{"op count", tooMany, ErrTooManyOperations, false},
		{"pick", []byte{OP_5, OP_6, OP_1, OP_PICK, OP_5, OP_EQUAL}, 0, true},
		{"2swap", []byte{OP_1, OP_2, OP_3, OP_4, OP_2SWAP, OP_2, OP_EQUALVERIFY, OP_1, OP_EQUALVERIFY, OP_4, OP_EQUALVERIFY, OP_3, OP_EQUAL}, 0, true},
		{"altstack", []byte{OP_1, OP_TOALTSTACK, OP_FROMALTSTACK}, 0, true},
		{"altstack underflow", []byte{OP_FROMALTSTACK}, ErrStackUnderflow, false},
		{"nop4", []byte{OP_NOP4, OP_1}, 0, true},
	}

	for _, test := range tests {
		prev := wire.NewTxOut(1000, test.script)
		tx, fetcher := spendingTx(100, prev)

		_, _, err := VerifyInput(tx, 0, prev, ScriptBip16, nil, fetcher)
		if test.ok {
			require.NoError(t, err, test.name)
		} else {
			require.Error(t, err, test.name)
			require.Equal(t, test.code, CodeOf(err), "%s: %v", test.name, err)
		}

		vm, err := txscript.NewEngine(test.script, tx, 0, txscript.ScriptBip16,
			nil, nil, prev.Value, txscript.NewMultiPrevOutFetcher(fetcher))
		if err != nil {
			// btcd refuses unparseable scripts up front.
			require.False(t, test.ok, test.name)
			continue
		}
		require.Equal(t, test.ok, vm.Execute() == nil, "btcd: %s", test.name)
	}
}

func TestFindAndDelete(t *testing.T) {
	sig := []byte{0xaa, 0xbb}
	push := canonicalPush(sig)

	script := append([]byte{OP_1}, push...)
	script = append(script, OP_CHECKSIG)
	require.Equal(t, []byte{OP_1, OP_CHECKSIG}, findAndDelete(script, sig))

	// Bytes inside another push are not at an opcode boundary.
	inner := append([]byte{byte(len(push) + 1), 0x00}, push...)
	require.Equal(t, inner, findAndDelete(inner, sig))

	// An empty signature deletes OP_0.
	require.Equal(t, []byte{OP_1}, findAndDelete([]byte{OP_0, OP_1, OP_0}, nil))
}

func TestRemoveCodeSeparators(t *testing.T) {
	script := []byte{OP_1, OP_CODESEPARATOR, 0x01, OP_CODESEPARATOR, OP_CODESEPARATOR}
	require.Equal(t, []byte{OP_1, 0x01, OP_CODESEPARATOR}, removeCodeSeparators(script))
}
