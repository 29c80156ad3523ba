// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.
package consensus

import (
	"runtime"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/utxo"
)

// txValidateItem holds a transaction along with which input to validate.
type txValidateItem struct {
	txInIndex int
	tx        *wire.MsgTx
	prevOut   *wire.TxOut
}

// inputResult is the outcome of one input's script check.
type inputResult struct {
	index    int
	path     interpreter.SpendPath
	hasAnnex bool
	err      error
}

// txValidator asynchronously validates transaction inputs. Every input is
// checked so the reported failure is always the lowest failing index, no
// matter which goroutine finishes first.
type txValidator struct {
	validateChan chan *txValidateItem
	quitChan     chan struct{}
	resultChan   chan inputResult
	flags        interpreter.ScriptFlags
	sigHashes    *interpreter.TxSigHashes
	prevOuts     interpreter.PrevOutFetcher
}

// sendResult sends the result of a script pair validation on the internal
// result channel while respecting the quit channel.
func (v *txValidator) sendResult(result inputResult) {
	select {
	case v.resultChan <- result:
	case <-v.quitChan:
	}
}

// validateHandler consumes items from the validate channel until quit is
// closed. It must be run as a goroutine.
func (v *txValidator) validateHandler() {
	for {
		select {
		case item := <-v.validateChan:
			path, annex, err := interpreter.VerifyInput(item.tx,
				item.txInIndex, item.prevOut, v.flags, v.sigHashes,
				v.prevOuts)
			v.sendResult(inputResult{
				index:    item.txInIndex,
				path:     path,
				hasAnnex: annex,
				err:      err,
			})

		case <-v.quitChan:
			return
		}
	}
}

func newTxValidator(flags interpreter.ScriptFlags,
	sigHashes *interpreter.TxSigHashes,
	prevOuts interpreter.PrevOutFetcher) *txValidator {

	return &txValidator{
		validateChan: make(chan *txValidateItem),
		quitChan:     make(chan struct{}),
		resultChan:   make(chan inputResult),
		flags:        flags,
		sigHashes:    sigHashes,
		prevOuts:     prevOuts,
	}
}

// Validate runs every item on a bounded number of goroutines and returns
// the results ordered by input index.
func (v *txValidator) Validate(items []*txValidateItem, maxWorkers int) []inputResult {
	if len(items) == 0 {
		return nil
	}

	// Limit the number of goroutines based on the number of processor
	// cores so the system stays responsive under load.
	maxGoRoutines := maxWorkers
	if maxGoRoutines <= 0 {
		maxGoRoutines = runtime.NumCPU() * 3
	}
	if maxGoRoutines > len(items) {
		maxGoRoutines = len(items)
	}
	for i := 0; i < maxGoRoutines; i++ {
		go v.validateHandler()
	}

	results := make([]inputResult, 0, len(items))
	currentItem := 0
	for len(results) < len(items) {
		// The select statement never selects a nil channel.
		var validateChan chan *txValidateItem
		var item *txValidateItem
		if currentItem < len(items) {
			validateChan = v.validateChan
			item = items[currentItem]
		}

		select {
		case validateChan <- item:
			currentItem++
		case res := <-v.resultChan:
			results = append(results, res)
		}
	}
	close(v.quitChan)

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	return results
}

// validateTransactionScripts checks every input script of tx against the
// outputs it spends in view.
func validateTransactionScripts(tx *wire.MsgTx, view utxo.View,
	flags interpreter.ScriptFlags, maxWorkers int) []inputResult {

	prevOuts := make(interpreter.PrevOutMap, len(tx.TxIn))
	items := make([]*txValidateItem, 0, len(tx.TxIn))
	for i, in := range tx.TxIn {
		entry, _ := view.LookupEntry(in.PreviousOutPoint)
		prevOut := &entry.Output
		prevOuts[in.PreviousOutPoint] = prevOut
		items = append(items, &txValidateItem{
			txInIndex: i,
			tx:        tx,
			prevOut:   prevOut,
		})
	}

	// The sighash midstate is computed once and shared by all workers.
	var sigHashes *interpreter.TxSigHashes
	if flags&interpreter.ScriptVerifyWitness != 0 {
		sigHashes = interpreter.NewTxSigHashes(tx, prevOuts)
	}

	return newTxValidator(flags, sigHashes, prevOuts).Validate(items, maxWorkers)
}

// getSigOpCost returns the unified sig op cost for tx: legacy and P2SH
// counts scaled by the witness factor, plus witness sig ops unscaled.
func getSigOpCost(tx *wire.MsgTx, view utxo.View) int {
	btx := btcutil.NewTx(tx)
	numSigOps := blockchain.CountSigOps(btx) * blockchain.WitnessScaleFactor

	for _, in := range tx.TxIn {
		entry, ok := view.LookupEntry(in.PreviousOutPoint)
		if !ok {
			continue
		}
		pkScript := entry.Output.PkScript
		if outscript.IsPayToScriptHash(pkScript) {
			numSigOps += txscript.GetPreciseSigOpCount(in.SignatureScript,
				pkScript, true) * blockchain.WitnessScaleFactor
		}
		numSigOps += txscript.GetWitnessSigOpCount(in.SignatureScript,
			pkScript, in.Witness)
	}
	return numSigOps
}
