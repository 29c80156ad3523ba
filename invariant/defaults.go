package invariant

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/taproot"
	"github.com/mit-dci/utxocheck/utxo"
)

// Defaults returns the built in invariants.
func Defaults() []Invariant {
	return []Invariant{
		{
			Name:        "accepted-fee-nonnegative",
			Description: "An accepted transaction never spends more than its inputs",
			Severity:    Critical,
			Check:       acceptedFeeNonNegative,
		},
		{
			Name:        "accepted-inputs-present",
			Description: "Every input of an accepted transaction is in the view",
			Severity:    Critical,
			Check:       acceptedInputsPresent,
		},
		{
			Name:        "accepted-no-duplicate-inputs",
			Description: "An accepted transaction spends each outpoint once",
			Severity:    Critical,
			Reference:   "CVE-2018-17144",
			Check:       acceptedNoDuplicateInputs,
		},
		{
			Name:        "accepted-output-range",
			Description: "Accepted output values and their sum are within 0..21e14 sat",
			Severity:    Critical,
			Check:       acceptedOutputRange,
		},
		{
			Name:        "accepted-not-coinbase",
			Description: "A standalone coinbase is never accepted",
			Severity:    Critical,
			Check:       acceptedNotCoinbase,
		},
		{
			Name:        "accepted-weight-limit",
			Description: "Accepted weight is recorded correctly and within the limit",
			Severity:    Critical,
			Check:       acceptedWeightLimit,
		},
		{
			Name:        "fee-matches-values",
			Description: "A reported fee equals input value minus output value",
			Severity:    Critical,
			Check:       feeMatchesValues,
		},
		{
			Name:        "rejected-carries-rule",
			Description: "Rejections name their first rule and accepts name none",
			Severity:    Critical,
			Check:       rejectedCarriesRule,
		},
		{
			Name:        "annex-flag-consistent",
			Description: "The annex flag matches the witness structure of taproot spends",
			Severity:    Critical,
			Reference:   "BIP-341",
			Check:       annexFlagConsistent,
		},
		{
			Name:        "spend-path-matches-kind",
			Description: "Accepted inputs were evaluated in the context their prevout requires",
			Severity:    Critical,
			Reference:   "BIP-141, BIP-341",
			Check:       spendPathMatchesKind,
		},
		{
			Name:        "diagnostic-rule-order",
			Description: "Diagnostic violations are listed in evaluation order",
			Severity:    Warning,
			Check:       diagnosticRuleOrder,
		},
		{
			Name:        "tx-version",
			Description: "Transaction version is 1 or 2",
			Severity:    Warning,
			Check:       txVersion,
		},
	}
}

func acceptedFeeNonNegative(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.Accepted {
		return nil
	}
	if !res.FeeKnown {
		return fmt.Errorf("accepted without a fee")
	}
	if res.Fee < 0 {
		return fmt.Errorf("accepted with fee %v", res.Fee)
	}
	return nil
}

func acceptedInputsPresent(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.Accepted {
		return nil
	}
	for i, in := range tx.TxIn {
		if _, ok := view.LookupEntry(in.PreviousOutPoint); !ok {
			return fmt.Errorf("input %d spends missing %v", i,
				in.PreviousOutPoint)
		}
	}
	return nil
}

func acceptedNoDuplicateInputs(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.Accepted {
		return nil
	}
	seen := make(map[wire.OutPoint]int, len(tx.TxIn))
	for i, in := range tx.TxIn {
		if j, ok := seen[in.PreviousOutPoint]; ok {
			return fmt.Errorf("inputs %d and %d both spend %v", j, i,
				in.PreviousOutPoint)
		}
		seen[in.PreviousOutPoint] = i
	}
	return nil
}

func acceptedOutputRange(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.Accepted {
		return nil
	}
	var total int64
	for i, out := range tx.TxOut {
		if out.Value < 0 || out.Value > btcutil.MaxSatoshi {
			return fmt.Errorf("output %d value %d out of range", i,
				out.Value)
		}
		total += out.Value
		if total > btcutil.MaxSatoshi {
			return fmt.Errorf("output total exceeds max money")
		}
	}
	return nil
}

func acceptedNotCoinbase(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if res.Accepted && blockchain.IsCoinBaseTx(tx) {
		return fmt.Errorf("coinbase accepted")
	}
	return nil
}

func acceptedWeightLimit(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.Accepted {
		return nil
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	if weight != res.Weight {
		return fmt.Errorf("recorded weight %d, actual %d", res.Weight,
			weight)
	}
	stripped := int64(tx.SerializeSizeStripped()) * blockchain.WitnessScaleFactor
	if stripped > consensus.MaxTxWeight {
		return fmt.Errorf("stripped weight %d over limit", stripped)
	}
	return nil
}

func feeMatchesValues(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.FeeKnown {
		return nil
	}
	var in, out int64
	for i, txIn := range tx.TxIn {
		e, ok := view.LookupEntry(txIn.PreviousOutPoint)
		if !ok {
			return fmt.Errorf("fee reported but input %d is missing", i)
		}
		in += e.Output.Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	if btcutil.Amount(in-out) != res.Fee {
		return fmt.Errorf("reported fee %v, values give %v", res.Fee,
			btcutil.Amount(in-out))
	}
	return nil
}

func rejectedCarriesRule(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if res.Accepted {
		if res.Rule != "" || res.Err != nil || len(res.Violations) != 0 {
			return fmt.Errorf("accepted result carries rule %q", res.Rule)
		}
		return nil
	}
	switch {
	case res.Rule == "" || res.Err == nil:
		return fmt.Errorf("rejection without a rule")
	case res.Err.Rule != res.Rule:
		return fmt.Errorf("rule %q but error for %q", res.Rule, res.Err.Rule)
	case len(res.Violations) == 0 || res.Violations[0] != res.Err:
		return fmt.Errorf("first violation is not the reported error")
	case res.Rule.RejectReason() == "":
		return fmt.Errorf("rule %q has no reject reason", res.Rule)
	case res.Class != res.Err.ErrorClass():
		return fmt.Errorf("class %v for rule %q", res.Class, res.Rule)
	}
	return nil
}

// witnessHasAnnex applies the BIP341 annex definition.
func witnessHasAnnex(w wire.TxWitness) bool {
	return len(w) >= 2 && len(w[len(w)-1]) > 0 &&
		w[len(w)-1][0] == taproot.AnnexTag
}

func isTaprootPath(p interpreter.SpendPath) bool {
	return p == interpreter.SpendTaprootKey || p == interpreter.SpendTaprootScript
}

func annexFlagConsistent(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	for i, info := range res.Inputs {
		if i >= len(tx.TxIn) {
			return fmt.Errorf("%d input records for %d inputs",
				len(res.Inputs), len(tx.TxIn))
		}
		want := isTaprootPath(info.Path) && witnessHasAnnex(tx.TxIn[i].Witness)
		if info.HasAnnex != want {
			return fmt.Errorf("input %d annex flag %v, witness says %v",
				i, info.HasAnnex, want)
		}
	}
	return nil
}

func spendPathMatchesKind(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if !res.Accepted {
		return nil
	}
	for i, info := range res.Inputs {
		ok := true
		switch info.Kind {
		case outscript.PayToPubkeyHash:
			ok = info.Path == interpreter.SpendLegacy
		case outscript.WitnessV0KeyHash, outscript.WitnessV0ScriptHash:
			ok = info.Path == interpreter.SpendWitnessV0
		case outscript.WitnessV1Taproot:
			ok = isTaprootPath(info.Path)
		case outscript.PayToScriptHash:
			ok = !isTaprootPath(info.Path)
		}
		if !ok {
			return fmt.Errorf("input %d of kind %v took path %v", i,
				info.Kind, info.Path)
		}
	}
	return nil
}

// ruleRank orders rules the way the validator evaluates them.
var ruleRank = map[consensus.RuleID]int{
	consensus.RuleMalformed:           0,
	consensus.RuleNoInputs:            1,
	consensus.RuleNoOutputs:           2,
	consensus.RuleOversize:            3,
	consensus.RuleOutputNegative:      4,
	consensus.RuleOutputTooLarge:      4,
	consensus.RuleOutputTotalTooLarge: 4,
	consensus.RuleDuplicateInputs:     5,
	consensus.RuleCoinbaseLength:      6,
	consensus.RulePrevOutNull:         6,
	consensus.RuleCoinbase:            7,
	consensus.RuleNonFinal:            8,
	consensus.RuleMissingInputs:       9,
	consensus.RuleNonBIP68Final:       10,
	consensus.RulePrematureCoinbase:   11,
	consensus.RuleInputValueRange:     11,
	consensus.RuleFeeNegative:         12,
	consensus.RuleFeeOutOfRange:       12,
	consensus.RuleTooManySigOps:       13,
	consensus.RuleScriptMandatory:     14,
	consensus.RuleScriptPolicy:        14,
}

func diagnosticRuleOrder(tx *wire.MsgTx, view utxo.View,
	res *consensus.Result) error {

	if res.Mode != consensus.Diagnostic {
		return nil
	}
	last := -1
	for i, v := range res.Violations {
		rank, ok := ruleRank[v.Rule]
		if !ok {
			return fmt.Errorf("unknown rule %q", v.Rule)
		}
		if rank < last {
			return fmt.Errorf("violation %d (%s) out of order", i, v.Rule)
		}
		last = rank
	}
	return nil
}

func txVersion(tx *wire.MsgTx, view utxo.View, res *consensus.Result) error {
	if tx.Version != 1 && tx.Version != 2 {
		return fmt.Errorf("version %d", tx.Version)
	}
	return nil
}
