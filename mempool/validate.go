package mempool

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/invariant"
	"github.com/mit-dci/utxocheck/utxo"
)

// validateItem is one transaction of a batch.
type validateItem struct {
	index int
	tx    *wire.MsgTx
}

type validateResult struct {
	index    int
	res      *consensus.Result
	outcomes []invariant.Outcome
}

// batchValidator validates the transactions of a batch on several
// goroutines sharing one read-only view.
type batchValidator struct {
	validator *consensus.Validator
	checker   *invariant.Checker
	view      utxo.View

	validateChan chan *validateItem
	quitChan     chan struct{}
	resultChan   chan validateResult
}

func newBatchValidator(v *consensus.Validator, c *invariant.Checker,
	view utxo.View) *batchValidator {

	return &batchValidator{
		validator:    v,
		checker:      c,
		view:         view,
		validateChan: make(chan *validateItem),
		quitChan:     make(chan struct{}),
		resultChan:   make(chan validateResult),
	}
}

// sendResult delivers a result unless the batch was abandoned.
func (v *batchValidator) sendResult(r validateResult) {
	select {
	case v.resultChan <- r:
	case <-v.quitChan:
	}
}

// validateHandler must be run as a goroutine.
func (v *batchValidator) validateHandler() {
	for {
		select {
		case item := <-v.validateChan:
			res := v.validator.Validate(item.tx, v.view, consensus.FailFast)
			var outcomes []invariant.Outcome
			if v.checker != nil {
				outcomes = v.checker.Check(item.tx, v.view, res)
			}
			v.sendResult(validateResult{
				index:    item.index,
				res:      res,
				outcomes: outcomes,
			})

		case <-v.quitChan:
			return
		}
	}
}

// Validate returns one result per transaction, indexed like txs. It gives
// up with ctx's error if ctx ends first.
func (v *batchValidator) Validate(ctx context.Context, txs []*wire.MsgTx,
	maxWorkers int) ([]validateResult, error) {

	defer close(v.quitChan)

	if err := ctx.Err(); err != nil || len(txs) == 0 {
		return nil, err
	}
	if maxWorkers > len(txs) {
		maxWorkers = len(txs)
	}
	for i := 0; i < maxWorkers; i++ {
		go v.validateHandler()
	}

	results := make([]validateResult, len(txs))
	current, processed := 0, 0
	for processed < len(txs) {
		// A nil channel is never selected, so sending stops once every
		// item is out.
		var validateChan chan *validateItem
		var item *validateItem
		if current < len(txs) {
			validateChan = v.validateChan
			item = &validateItem{index: current, tx: txs[current]}
		}

		select {
		case validateChan <- item:
			current++

		case r := <-v.resultChan:
			results[r.index] = r
			processed++

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
