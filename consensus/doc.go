/*
Package consensus decides whether a transaction would be accepted by the
reference node given the chain tip and a snapshot of the unspent set.

Checks run in the order the reference node's mempool runs them:

 1. Context free sanity: inputs and outputs present, stripped weight,
    output ranges, duplicate inputs, null prevouts.
 2. Standalone coinbases are refused.
 3. Absolute locktime finality for the next block.
 4. Every spent output is present in the view.
 5. BIP68 relative locks for version 2 and later.
 6. Coinbase maturity, input value ranges and a non-negative fee.
 7. Sig op cost when policy is enabled.
 8. Input scripts, on a goroutine pool sharing one sighash midstate.

In FailFast mode the first violation wins. Diagnostic mode keeps going
and records every violation it can reach; stages that need spent outputs
are skipped when some are missing.

Validation is a pure function of the transaction, the view and the
ChainContext. Nothing is retried.
*/
package consensus
