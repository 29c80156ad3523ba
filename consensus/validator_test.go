package consensus

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/utxo"
	"github.com/stretchr/testify/require"
)

const tipHeight = 800000

func testChain() ChainContext {
	return ChainContext{
		Height:         tipHeight,
		MedianTimePast: 1700000000,
		Params:         &chaincfg.RegressionNetParams,
	}
}

func outPoint(n byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{n, 0xaa}, Index: uint32(n)}
}

// p2wpkhSpend builds a version 2 transaction spending one P2WPKH output of
// inValue to a single output of outValue, signed with key.
func p2wpkhSpend(t *testing.T, key *btcec.PrivateKey, inValue,
	outValue int64) (*wire.MsgTx, utxo.MapView) {

	t.Helper()
	pkScript := outscript.WitnessProgramScript(0,
		btcutil.Hash160(key.PubKey().SerializeCompressed()))
	op := outPoint(1)
	view := utxo.MapView{
		op: utxo.NewEntry(wire.NewTxOut(inValue, pkScript), tipHeight-10, false),
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(outValue, pkScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, inValue)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(tx, hashes, 0, inValue,
		pkScript, txscript.SigHashAll, key, true)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness
	return tx, view
}

func testKey(seed byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return priv
}

func TestWitnessV0FeeScenario(t *testing.T) {
	v := NewValidator(testChain())
	key := testKey(0x01)

	tx, view := p2wpkhSpend(t, key, 100000, 99000)
	res := v.Validate(tx, view, FailFast)
	require.True(t, res.Accepted, "%v", res)
	require.True(t, res.FeeKnown)
	require.EqualValues(t, 1000, res.Fee)
	require.Len(t, res.Inputs, 1)
	require.Equal(t, outscript.WitnessV0KeyHash, res.Inputs[0].Kind)
	require.Equal(t, interpreter.SpendWitnessV0, res.Inputs[0].Path)
	require.Empty(t, res.Violations)

	tx, view = p2wpkhSpend(t, key, 100000, 100001)
	res = v.Validate(tx, view, FailFast)
	require.False(t, res.Accepted)
	require.Equal(t, RuleFeeNegative, res.Rule)
	require.Equal(t, "bad-txns-in-belowout", res.Rule.RejectReason())
	require.Equal(t, ConsensusRuleViolation, res.Class)
	require.EqualValues(t, -1, res.Fee)
}

func TestStructuralRules(t *testing.T) {
	script := []byte{interpreter.OP_1}
	base := func() *wire.MsgTx {
		tx := wire.NewMsgTx(1)
		op := outPoint(1)
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		tx.AddTxOut(wire.NewTxOut(1, script))
		return tx
	}

	tests := []struct {
		name   string
		mutate func(tx *wire.MsgTx)
		rule   RuleID
	}{
		{"no inputs", func(tx *wire.MsgTx) { tx.TxIn = nil }, RuleNoInputs},
		{"no outputs", func(tx *wire.MsgTx) { tx.TxOut = nil }, RuleNoOutputs},
		{"negative", func(tx *wire.MsgTx) { tx.TxOut[0].Value = -1 }, RuleOutputNegative},
		{"too large", func(tx *wire.MsgTx) {
			tx.TxOut[0].Value = btcutil.MaxSatoshi + 1
		}, RuleOutputTooLarge},
		{"total too large", func(tx *wire.MsgTx) {
			tx.TxOut[0].Value = btcutil.MaxSatoshi
			tx.AddTxOut(wire.NewTxOut(1, script))
		}, RuleOutputTotalTooLarge},
		{"duplicate", func(tx *wire.MsgTx) {
			tx.AddTxIn(wire.NewTxIn(&tx.TxIn[0].PreviousOutPoint, nil, nil))
		}, RuleDuplicateInputs},
		{"null prevout", func(tx *wire.MsgTx) {
			op := outPoint(2)
			tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
			tx.TxIn[1].PreviousOutPoint = wire.OutPoint{Index: wire.MaxPrevOutIndex}
		}, RulePrevOutNull},
		{"coinbase", func(tx *wire.MsgTx) {
			tx.TxIn[0].PreviousOutPoint = wire.OutPoint{Index: wire.MaxPrevOutIndex}
			tx.TxIn[0].SignatureScript = []byte{0x01, 0x02}
		}, RuleCoinbase},
		{"coinbase length", func(tx *wire.MsgTx) {
			tx.TxIn[0].PreviousOutPoint = wire.OutPoint{Index: wire.MaxPrevOutIndex}
		}, RuleCoinbaseLength},
		{"missing", func(tx *wire.MsgTx) {
			tx.TxIn[0].PreviousOutPoint = outPoint(9)
		}, RuleMissingInputs},
		{"non final", func(tx *wire.MsgTx) {
			tx.LockTime = tipHeight + 1
			tx.TxIn[0].Sequence = 0
		}, RuleNonFinal},
	}

	v := NewValidator(testChain())
	view := utxo.MapView{
		outPoint(1): utxo.NewEntry(wire.NewTxOut(10, script), 1, false),
	}
	for _, test := range tests {
		tx := base()
		test.mutate(tx)
		res := v.Validate(tx, view, FailFast)
		require.False(t, res.Accepted, test.name)
		require.Equal(t, test.rule, res.Rule, "%s: %v", test.name, res.Err)
		require.Len(t, res.Violations, 1, test.name)
		require.NotEmpty(t, res.Rule.RejectReason(), test.name)
	}

	// The untouched transaction passes, including a locktime that has
	// already been reached.
	tx := base()
	tx.LockTime = tipHeight
	tx.TxIn[0].Sequence = 0
	res := v.Validate(tx, view, FailFast)
	require.True(t, res.Accepted, "%v", res)
	require.Equal(t, interpreter.SpendLegacy, res.Inputs[0].Path)
}

func TestDiagnosticCollectsEveryRule(t *testing.T) {
	tx := wire.NewMsgTx(2)
	op := outPoint(1)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(-5, nil))

	v := NewValidator(testChain())
	fast := v.Validate(tx, utxo.MapView{}, FailFast)
	diag := v.Validate(tx, utxo.MapView{}, Diagnostic)

	require.Equal(t, RuleOutputNegative, fast.Rule)
	require.Len(t, fast.Violations, 1)

	require.Equal(t, fast.Rule, diag.Rule)
	var rules []RuleID
	for _, e := range diag.Violations {
		rules = append(rules, e.Rule)
	}
	require.Equal(t, []RuleID{RuleOutputNegative, RuleDuplicateInputs,
		RuleMissingInputs, RuleMissingInputs}, rules)
	require.Equal(t, 1, diag.Violations[3].Input)
	require.False(t, diag.FeeKnown)
}

func TestCoinbaseMaturity(t *testing.T) {
	script := []byte{interpreter.OP_1}
	op := outPoint(1)
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1, script))

	v := NewValidator(testChain())
	maturity := int32(chaincfg.RegressionNetParams.CoinbaseMaturity)

	young := utxo.MapView{op: utxo.NewEntry(wire.NewTxOut(10, script),
		tipHeight+2-maturity, true)}
	res := v.Validate(tx, young, FailFast)
	require.Equal(t, RulePrematureCoinbase, res.Rule)

	mature := utxo.MapView{op: utxo.NewEntry(wire.NewTxOut(10, script),
		tipHeight+1-maturity, true)}
	res = v.Validate(tx, mature, FailFast)
	require.True(t, res.Accepted, "%v", res)
}

func TestSequenceLocks(t *testing.T) {
	script := []byte{interpreter.OP_1}
	op := outPoint(1)
	view := utxo.MapView{op: utxo.NewEntry(wire.NewTxOut(10, script),
		tipHeight-4, false)}

	spend := func(version int32, seq uint32) *wire.MsgTx {
		tx := wire.NewMsgTx(version)
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		tx.TxIn[0].Sequence = seq
		tx.AddTxOut(wire.NewTxOut(1, script))
		return tx
	}

	chain := testChain()
	v := NewValidator(chain)

	// The coin has 5 confirmations in the next block.
	require.True(t, v.Validate(spend(2, 5), view, FailFast).Accepted)
	require.Equal(t, RuleNonBIP68Final, v.Validate(spend(2, 6), view, FailFast).Rule)
	require.True(t, v.Validate(spend(1, 6), view, FailFast).Accepted)

	// Versions compare unsigned: -1 is 0xffffffff and enforces locks.
	require.Equal(t, RuleNonBIP68Final, v.Validate(spend(-1, 6), view, FailFast).Rule)
	require.True(t, v.Validate(spend(-1, 5), view, FailFast).Accepted)
	require.True(t, v.Validate(spend(0, 6), view, FailFast).Accepted)

	require.True(t, v.Validate(spend(2, 6|interpreter.SequenceLockTimeDisabled),
		view, FailFast).Accepted)

	// Time based locks fail closed without median times.
	timeLock := uint32(interpreter.SequenceLockTimeIsSeconds | 1)
	require.Equal(t, RuleNonBIP68Final,
		v.Validate(spend(2, timeLock), view, FailFast).Rule)

	chain.MedianTimeAt = func(height int32) (int64, bool) {
		require.EqualValues(t, tipHeight-5, height)
		return chain.MedianTimePast - 600, true
	}
	v = NewValidator(chain)
	require.True(t, v.Validate(spend(2, timeLock), view, FailFast).Accepted)
	require.Equal(t, RuleNonBIP68Final, v.Validate(
		spend(2, interpreter.SequenceLockTimeIsSeconds|2), view, FailFast).Rule)
}

func TestScriptRuleClassification(t *testing.T) {
	op := outPoint(1)
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&op, []byte{interpreter.OP_1}, nil))
	tx.AddTxOut(wire.NewTxOut(1, []byte{interpreter.OP_1}))

	v := NewValidator(testChain())

	// An extra stack element only breaks the clean stack policy.
	view := utxo.MapView{op: utxo.NewEntry(
		wire.NewTxOut(10, []byte{interpreter.OP_1}), 1, false)}
	res := v.Validate(tx, view, FailFast)
	require.Equal(t, RuleScriptPolicy, res.Rule)
	require.True(t, interpreter.IsErrorCode(res.Err, interpreter.ErrCleanStack))
	require.Equal(t, "non-mandatory-script-verify-flag", res.Rule.RejectReason())

	view = utxo.MapView{op: utxo.NewEntry(
		wire.NewTxOut(10, []byte{interpreter.OP_DROP, interpreter.OP_0}), 1, false)}
	res = v.Validate(tx, view, FailFast)
	require.Equal(t, RuleScriptMandatory, res.Rule)
	require.True(t, interpreter.IsErrorCode(res.Err, interpreter.ErrEvalFalse))

	v.Flags = interpreter.ConsensusVerifyFlags
	view = utxo.MapView{op: utxo.NewEntry(
		wire.NewTxOut(10, []byte{interpreter.OP_1}), 1, false)}
	require.True(t, v.Validate(tx, view, FailFast).Accepted)
}

// TestDeterminism validates a transaction with several failing inputs
// many times on a wide pool. The reported input never changes.
func TestDeterminism(t *testing.T) {
	tx := wire.NewMsgTx(1)
	view := utxo.MapView{}
	for i := byte(0); i < 16; i++ {
		op := outPoint(i + 1)
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		script := []byte{interpreter.OP_1}
		if i == 5 || i == 9 || i == 14 {
			script = []byte{interpreter.OP_0}
		}
		view[op] = utxo.NewEntry(wire.NewTxOut(100, script), 1, false)
	}
	tx.AddTxOut(wire.NewTxOut(1000, []byte{interpreter.OP_1}))

	v := NewValidator(testChain())
	v.MaxWorkers = 16
	first := v.Validate(tx, view, Diagnostic)
	require.Equal(t, 5, first.Err.Input)
	require.Len(t, first.Violations, 3)

	for i := 0; i < 50; i++ {
		res := v.Validate(tx, view, Diagnostic)
		require.Equal(t, first.Rule, res.Rule)
		require.Equal(t, first.Err.Error(), res.Err.Error())
		require.Equal(t, first.Inputs, res.Inputs)
		require.Equal(t, len(first.Violations), len(res.Violations))

		fast := v.Validate(tx, view, FailFast)
		require.Equal(t, 5, fast.Err.Input)
	}
}

func TestValidateRaw(t *testing.T) {
	v := NewValidator(testChain())
	tx, res := v.ValidateRaw([]byte{0x01, 0x00}, utxo.MapView{}, FailFast)
	require.Nil(t, tx)
	require.Equal(t, RuleMalformed, res.Rule)
	require.Equal(t, MalformedInput, res.Class)
	require.Equal(t, MalformedInput, ClassOf(res.Err))

	good, view := p2wpkhSpend(t, testKey(0x02), 5000, 4000)
	var buf bytes.Buffer
	require.NoError(t, good.Serialize(&buf))
	tx, res = v.ValidateRaw(buf.Bytes(), view, FailFast)
	require.True(t, res.Accepted, "%v", res)
	require.Equal(t, good.TxHash(), tx.TxHash())
}

func TestRuleForReason(t *testing.T) {
	for rule, reason := range rejectReasons {
		if rule == RuleMalformed {
			continue
		}
		got, ok := RuleForReason(reason)
		require.True(t, ok, reason)
		require.Equal(t, rule, got)
	}
	got, ok := RuleForReason("mandatory-script-verify-flag-failed " +
		"(Script evaluated without error but finished with a false/empty top stack element)")
	require.True(t, ok)
	require.Equal(t, RuleScriptMandatory, got)

	_, ok = RuleForReason("min relay fee not met")
	require.False(t, ok)
}
