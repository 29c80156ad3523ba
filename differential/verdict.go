package differential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/utxo"
)

// ErrUnreachable wraps transport failures talking to a reference node.
// Only these are retried.
var ErrUnreachable = errors.New("reference unreachable")

// Verdict is an accept or reject decision with the reference node reject
// reason.
type Verdict struct {
	Accepted bool
	Reason   string

	// Rule is the local rule the reason maps to, if any.
	Rule consensus.RuleID

	// Policy is set when the rejection is a standardness or fee rule
	// that the local validator does not model.
	Policy bool
}

func (v Verdict) String() string {
	if v.Accepted {
		return "accept"
	}
	return fmt.Sprintf("reject(%s)", v.Reason)
}

// RejectVerdict builds a rejection from a reference reject reason.
func RejectVerdict(reason string) Verdict {
	v := Verdict{Reason: reason}
	if rule, ok := consensus.RuleForReason(reason); ok {
		v.Rule = rule
		return v
	}
	v.Policy = isPolicyReason(reason)
	return v
}

// LocalVerdict converts a local validation result.
func LocalVerdict(res *consensus.Result) Verdict {
	if res.Accepted {
		return Verdict{Accepted: true}
	}
	return Verdict{Reason: res.Rule.RejectReason(), Rule: res.Rule}
}

// policyReasons are reference reject reasons that come from mempool
// policy rather than consensus. A reference rejection for one of these
// says nothing about consensus agreement.
var policyReasons = []string{
	"dust",
	"min relay fee not met",
	"mempool min fee not met",
	"insufficient fee",
	"max-fee-exceeded",
	"absurdly-high-fee",
	"tx-size",
	"tx-size-small",
	"version",
	"scriptpubkey",
	"scriptsig-size",
	"scriptsig-not-pushonly",
	"bare-multisig",
	"multi-op-return",
	"bad-txns-nonstandard-inputs",
	"bad-witness-nonstandard",
	"txn-already-in-mempool",
	"txn-already-known",
	"txn-same-nonwitness-data-in-mempool",
	"txn-mempool-conflict",
	"too-long-mempool-chain",
	"too-many-potential-replacements",
	"replacement-adds-unconfirmed",
	"non-final-package",
	"TRUC-violation",
}

func isPolicyReason(reason string) bool {
	for _, p := range policyReasons {
		if reason == p || strings.HasPrefix(reason, p+" ") ||
			strings.HasPrefix(reason, p+",") {

			return true
		}
	}
	return false
}

// ReferenceClient asks an independent implementation whether it would
// accept tx. view holds the outputs tx spends, for clients that do not
// keep their own chain state. Transport failures wrap ErrUnreachable.
type ReferenceClient interface {
	TestAccept(ctx context.Context, tx *wire.MsgTx, view utxo.View) (Verdict, error)
}
