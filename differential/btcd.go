package differential

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/utxo"
)

// Reject reasons the in-process reference produces. They mirror the
// strings a bitcoind node reports.
const (
	reasonMissingInputs = "missing-inputs"
	reasonCoinbase      = "coinbase"
	reasonNonFinal      = "non-final"
	reasonMandatory     = "mandatory-script-verify-flag-failed"
	reasonNonMandatory  = "non-mandatory-script-verify-flag"
)

// btcdConsensusFlags are the script flags every block on the network
// enforces today.
const btcdConsensusFlags = txscript.ScriptBip16 |
	txscript.ScriptVerifyDERSignatures |
	txscript.ScriptVerifyCheckLockTimeVerify |
	txscript.ScriptVerifyCheckSequenceVerify |
	txscript.ScriptVerifyWitness |
	txscript.ScriptStrictMultiSig |
	txscript.ScriptVerifyTaproot

// BtcdReference evaluates transactions with btcd's blockchain and
// txscript packages in process. It is an independent implementation that
// needs no node, at the price of not knowing relative lock times.
type BtcdReference struct {
	Height         int32
	MedianTimePast time.Time
	Params         *chaincfg.Params

	// SigCache, when set, remembers verified signatures across calls.
	SigCache *txscript.SigCache
}

// TestAccept implements ReferenceClient. It never returns an error for a
// well formed call.
func (b *BtcdReference) TestAccept(ctx context.Context, tx *wire.MsgTx,
	view utxo.View) (Verdict, error) {

	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	btx := btcutil.NewTx(tx)

	if err := blockchain.CheckTransactionSanity(btx); err != nil {
		return RejectVerdict(sanityReason(tx, err)), nil
	}
	if blockchain.IsCoinBase(btx) {
		return RejectVerdict(reasonCoinbase), nil
	}
	if !blockchain.IsFinalizedTransaction(btx, b.Height+1, b.MedianTimePast) {
		return RejectVerdict(reasonNonFinal), nil
	}

	utxoView := blockchain.NewUtxoViewpoint()
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		e, ok := view.LookupEntry(in.PreviousOutPoint)
		if !ok {
			return RejectVerdict(reasonMissingInputs), nil
		}
		out := e.Output
		utxoView.Entries()[in.PreviousOutPoint] = blockchain.NewUtxoEntry(
			&out, e.Height, e.Coinbase)
		prevOuts.AddPrevOut(in.PreviousOutPoint, &out)
	}

	if hasRelativeLock(tx) {
		return Verdict{Reason: "relative lock times are not evaluated",
			Policy: true}, nil
	}

	if _, err := blockchain.CheckTransactionInputs(btx, b.Height+1,
		utxoView, b.Params); err != nil {

		return RejectVerdict(inputsReason(err)), nil
	}

	if reason := b.checkScripts(tx, prevOuts); reason != "" {
		return RejectVerdict(reason), nil
	}
	return Verdict{Accepted: true}, nil
}

func (b *BtcdReference) checkScripts(tx *wire.MsgTx,
	prevOuts *txscript.MultiPrevOutFetcher) string {

	hashes := txscript.NewTxSigHashes(tx, prevOuts)
	run := func(idx int, flags txscript.ScriptFlags) error {
		prev := prevOuts.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
		vm, err := txscript.NewEngine(prev.PkScript, tx, idx, flags, b.SigCache,
			hashes, prev.Value, prevOuts)
		if err != nil {
			return err
		}
		return vm.Execute()
	}

	for i := range tx.TxIn {
		if err := run(i, txscript.StandardVerifyFlags); err == nil {
			continue
		}
		if run(i, btcdConsensusFlags) != nil {
			return reasonMandatory
		}
		return reasonNonMandatory
	}
	return ""
}

func hasRelativeLock(tx *wire.MsgTx) bool {
	if tx.Version < 2 {
		return false
	}
	for _, in := range tx.TxIn {
		if in.Sequence&wire.SequenceLockTimeDisabled == 0 {
			return true
		}
	}
	return false
}

// sanityReason maps a CheckTransactionSanity failure to a reject reason.
// btcd uses one code for all output value problems, so those are told
// apart from the transaction itself.
func sanityReason(tx *wire.MsgTx, err error) string {
	var rerr blockchain.RuleError
	if !errors.As(err, &rerr) {
		return err.Error()
	}
	switch rerr.ErrorCode {
	case blockchain.ErrNoTxInputs:
		return "bad-txns-vin-empty"
	case blockchain.ErrNoTxOutputs:
		return "bad-txns-vout-empty"
	case blockchain.ErrTxTooBig:
		return "bad-txns-oversize"
	case blockchain.ErrDuplicateTxInputs:
		return "bad-txns-inputs-duplicate"
	case blockchain.ErrBadCoinbaseScriptLen:
		return "bad-cb-length"
	case blockchain.ErrBadTxInput:
		return "bad-txns-prevout-null"
	case blockchain.ErrBadTxOutValue:
		for _, out := range tx.TxOut {
			if out.Value < 0 {
				return "bad-txns-vout-negative"
			}
		}
		for _, out := range tx.TxOut {
			if out.Value > btcutil.MaxSatoshi {
				return "bad-txns-vout-toolarge"
			}
		}
		return "bad-txns-txouttotal-toolarge"
	}
	return rerr.Description
}

func inputsReason(err error) string {
	var rerr blockchain.RuleError
	if !errors.As(err, &rerr) {
		return err.Error()
	}
	switch rerr.ErrorCode {
	case blockchain.ErrMissingTxOut:
		return reasonMissingInputs
	case blockchain.ErrImmatureSpend:
		return "bad-txns-premature-spend-of-coinbase"
	case blockchain.ErrBadTxOutValue:
		return "bad-txns-inputvalues-outofrange"
	case blockchain.ErrSpendTooHigh:
		return "bad-txns-in-belowout"
	}
	return rerr.Description
}
