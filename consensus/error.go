package consensus

import (
	"errors"
	"fmt"
)

// ErrorClass is the coarse taxonomy every error in the system falls into.
type ErrorClass int

const (
	ClassNone ErrorClass = iota

	// MalformedInput is a parse failure. Processing stops immediately.
	MalformedInput

	// ConsensusRuleViolation is an ordinary invalid transaction.
	ConsensusRuleViolation

	// InvariantViolation means the validator disagrees with itself.
	InvariantViolation

	// ConsensusDivergence means the validator disagrees with the
	// reference implementation.
	ConsensusDivergence

	// ProviderUnavailable is recovered by signing provider fallback.
	ProviderUnavailable

	// SigningPolicyViolation is terminal and never falls back.
	SigningPolicyViolation
)

var classNames = map[ErrorClass]string{
	ClassNone:              "None",
	MalformedInput:         "MalformedInput",
	ConsensusRuleViolation: "ConsensusRuleViolation",
	InvariantViolation:     "InvariantViolation",
	ConsensusDivergence:    "ConsensusDivergence",
	ProviderUnavailable:    "ProviderUnavailable",
	SigningPolicyViolation: "SigningPolicyViolation",
}

func (c ErrorClass) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

// Critical reports the classes that must halt the acceptance pipeline.
func (c ErrorClass) Critical() bool {
	return c == InvariantViolation || c == ConsensusDivergence
}

// Classed is implemented by errors that know their class.
type Classed interface {
	ErrorClass() ErrorClass
}

// ClassOf returns the class of err, or ClassNone when nothing in its chain
// carries one.
func ClassOf(err error) ErrorClass {
	var c Classed
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return ClassNone
}

// RuleID is a stable identifier for a validation rule.
type RuleID string

const (
	RuleMalformed           RuleID = "Malformed"
	RuleNoInputs            RuleID = "NoInputs"
	RuleNoOutputs           RuleID = "NoOutputs"
	RuleOversize            RuleID = "Oversize"
	RuleOutputNegative      RuleID = "OutputNegative"
	RuleOutputTooLarge      RuleID = "OutputTooLarge"
	RuleOutputTotalTooLarge RuleID = "OutputTotalTooLarge"
	RuleDuplicateInputs     RuleID = "DuplicateInputs"
	RuleCoinbaseLength      RuleID = "CoinbaseLength"
	RulePrevOutNull         RuleID = "PrevOutNull"
	RuleCoinbase            RuleID = "Coinbase"
	RuleNonFinal            RuleID = "NonFinal"
	RuleMissingInputs       RuleID = "MissingInputs"
	RuleNonBIP68Final       RuleID = "NonBIP68Final"
	RulePrematureCoinbase   RuleID = "PrematureCoinbaseSpend"
	RuleInputValueRange     RuleID = "InputValueOutOfRange"
	RuleFeeNegative         RuleID = "FeeNegative"
	RuleFeeOutOfRange       RuleID = "FeeOutOfRange"
	RuleTooManySigOps       RuleID = "TooManySigOps"
	RuleScriptMandatory     RuleID = "ScriptVerifyMandatory"
	RuleScriptPolicy        RuleID = "ScriptVerifyPolicy"
)

// rejectReasons maps rules to the reject reason the reference node
// reports from testmempoolaccept.
var rejectReasons = map[RuleID]string{
	RuleMalformed:           "TX decode failed",
	RuleNoInputs:            "bad-txns-vin-empty",
	RuleNoOutputs:           "bad-txns-vout-empty",
	RuleOversize:            "bad-txns-oversize",
	RuleOutputNegative:      "bad-txns-vout-negative",
	RuleOutputTooLarge:      "bad-txns-vout-toolarge",
	RuleOutputTotalTooLarge: "bad-txns-txouttotal-toolarge",
	RuleDuplicateInputs:     "bad-txns-inputs-duplicate",
	RuleCoinbaseLength:      "bad-cb-length",
	RulePrevOutNull:         "bad-txns-prevout-null",
	RuleCoinbase:            "coinbase",
	RuleNonFinal:            "non-final",
	RuleMissingInputs:       "bad-txns-inputs-missingorspent",
	RuleNonBIP68Final:       "non-BIP68-final",
	RulePrematureCoinbase:   "bad-txns-premature-spend-of-coinbase",
	RuleInputValueRange:     "bad-txns-inputvalues-outofrange",
	RuleFeeNegative:         "bad-txns-in-belowout",
	RuleFeeOutOfRange:       "bad-txns-fee-outofrange",
	RuleTooManySigOps:       "bad-txns-too-many-sigops",
	RuleScriptMandatory:     "mandatory-script-verify-flag-failed",
	RuleScriptPolicy:        "non-mandatory-script-verify-flag",
}

// reasonAliases are other spellings the reference node uses in
// testmempoolaccept results.
var reasonAliases = map[string]RuleID{
	"missing-inputs":                    RuleMissingInputs,
	"mempool-script-verify-flag-failed": RuleScriptPolicy,
}

// RejectReason returns the reference node reject reason for a rule.
func (r RuleID) RejectReason() string {
	return rejectReasons[r]
}

// RuleForReason maps a reference node reject reason back to a rule. Script
// failures carry the interpreter message in parentheses, which is
// ignored.
func RuleForReason(reason string) (RuleID, bool) {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ' ' || reason[i] == '(' {
			reason = reason[:i]
			break
		}
	}
	for rule, r := range rejectReasons {
		if r == reason {
			return rule, true
		}
	}
	rule, ok := reasonAliases[reason]
	return rule, ok
}

// RuleError is a rule violation found while validating a transaction.
type RuleError struct {
	Rule        RuleID
	Description string

	// Input is the offending input index, or -1.
	Input int

	// Err is the underlying cause, for script failures the interpreter's
	// ScriptError.
	Err error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Rule, e.Rule.RejectReason(),
		e.Description)
}

func (e *RuleError) Unwrap() error { return e.Err }

// ErrorClass implements Classed.
func (e *RuleError) ErrorClass() ErrorClass {
	if e.Rule == RuleMalformed {
		return MalformedInput
	}
	return ConsensusRuleViolation
}

func ruleError(rule RuleID, format string, args ...interface{}) *RuleError {
	return &RuleError{Rule: rule, Input: -1,
		Description: fmt.Sprintf(format, args...)}
}

func inputError(rule RuleID, input int, format string,
	args ...interface{}) *RuleError {

	e := ruleError(rule, format, args...)
	e.Input = input
	return e
}
