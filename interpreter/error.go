package interpreter

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of script error.
type ErrorCode int

const (
	// ErrInternal is returned if internal consistency checks fail. In
	// practice this error should never be seen as it would mean there is
	// an error in the engine logic.
	ErrInternal ErrorCode = iota

	ErrInvalidFlags
	ErrInvalidIndex
	ErrMissingPrevOut

	// Failures from the final stack state.
	ErrEvalFalse
	ErrEmptyStack
	ErrCleanStack

	// Resource limits.
	ErrScriptTooBig
	ErrElementTooBig
	ErrTooManyOperations
	ErrStackOverflow
	ErrInvalidPubKeyCount
	ErrInvalidSignatureCount
	ErrNumberTooBig
	ErrTaprootValidationWeight

	// Failed verify opcodes.
	ErrVerify
	ErrEqualVerify
	ErrNumEqualVerify
	ErrCheckSigVerify
	ErrCheckMultiSigVerify
	ErrEarlyReturn

	// Malformed or forbidden opcodes.
	ErrDisabledOpcode
	ErrReservedOpcode
	ErrMalformedPush
	ErrStackUnderflow
	ErrUnbalancedConditional
	ErrMinimalData
	ErrMinimalIf
	ErrNotPushOnly
	ErrTapscriptCheckMultiSig

	// Signature and public key encoding.
	ErrSighashTypeInvalid
	ErrSigDER
	ErrSigHighS
	ErrSigNullDummy
	ErrSigNullFail
	ErrPubKeyType
	ErrWitnessPubKeyType
	ErrSchnorrSigSize
	ErrSignatureVerifyFailed

	// Soft-fork safeness.
	ErrDiscourageUpgradableNOPs
	ErrDiscourageUpgradableWitnessProgram
	ErrDiscourageUpgradableTaprootVersion
	ErrDiscourageOpSuccess
	ErrDiscourageUpgradablePubKeyType

	// Locktime.
	ErrNegativeLockTime
	ErrUnsatisfiedLockTime

	// Segregated witness.
	ErrWitnessProgramEmpty
	ErrWitnessProgramMismatch
	ErrWitnessProgramWrongLength
	ErrWitnessMalleated
	ErrWitnessMalleatedP2SH
	ErrWitnessUnexpected

	// Taproot.
	ErrControlBlockLengthInvalid
	ErrTaprootMerkleMismatch

	numErrorCodes
)

var errorCodeStrings = map[ErrorCode]string{
	ErrInternal:                           "Internal",
	ErrInvalidFlags:                       "InvalidFlags",
	ErrInvalidIndex:                       "InvalidIndex",
	ErrMissingPrevOut:                     "MissingPrevOut",
	ErrEvalFalse:                          "EvalFalse",
	ErrEmptyStack:                         "EmptyStack",
	ErrCleanStack:                         "CleanStack",
	ErrScriptTooBig:                       "ScriptTooBig",
	ErrElementTooBig:                      "ElementTooBig",
	ErrTooManyOperations:                  "TooManyOperations",
	ErrStackOverflow:                      "StackOverflow",
	ErrInvalidPubKeyCount:                 "InvalidPubKeyCount",
	ErrInvalidSignatureCount:              "InvalidSignatureCount",
	ErrNumberTooBig:                       "NumberTooBig",
	ErrTaprootValidationWeight:            "TaprootValidationWeight",
	ErrVerify:                             "Verify",
	ErrEqualVerify:                        "EqualVerify",
	ErrNumEqualVerify:                     "NumEqualVerify",
	ErrCheckSigVerify:                     "CheckSigVerify",
	ErrCheckMultiSigVerify:                "CheckMultiSigVerify",
	ErrEarlyReturn:                        "EarlyReturn",
	ErrDisabledOpcode:                     "DisabledOpcode",
	ErrReservedOpcode:                     "ReservedOpcode",
	ErrMalformedPush:                      "MalformedPush",
	ErrStackUnderflow:                     "StackUnderflow",
	ErrUnbalancedConditional:              "UnbalancedConditional",
	ErrMinimalData:                        "MinimalData",
	ErrMinimalIf:                          "MinimalIf",
	ErrNotPushOnly:                        "NotPushOnly",
	ErrTapscriptCheckMultiSig:             "TapscriptCheckMultiSig",
	ErrSighashTypeInvalid:                 "SighashTypeInvalid",
	ErrSigDER:                             "SigDER",
	ErrSigHighS:                           "SigHighS",
	ErrSigNullDummy:                       "SigNullDummy",
	ErrSigNullFail:                        "SigNullFail",
	ErrPubKeyType:                         "PubKeyType",
	ErrWitnessPubKeyType:                  "WitnessPubKeyType",
	ErrSchnorrSigSize:                     "SchnorrSigSize",
	ErrSignatureVerifyFailed:              "SignatureVerifyFailed",
	ErrDiscourageUpgradableNOPs:           "DiscourageUpgradableNOPs",
	ErrDiscourageUpgradableWitnessProgram: "DiscourageUpgradableWitnessProgram",
	ErrDiscourageUpgradableTaprootVersion: "DiscourageUpgradableTaprootVersion",
	ErrDiscourageOpSuccess:                "DiscourageOpSuccess",
	ErrDiscourageUpgradablePubKeyType:     "DiscourageUpgradablePubKeyType",
	ErrNegativeLockTime:                   "NegativeLockTime",
	ErrUnsatisfiedLockTime:                "UnsatisfiedLockTime",
	ErrWitnessProgramEmpty:                "WitnessProgramEmpty",
	ErrWitnessProgramMismatch:             "WitnessProgramMismatch",
	ErrWitnessProgramWrongLength:          "WitnessProgramWrongLength",
	ErrWitnessMalleated:                   "WitnessMalleated",
	ErrWitnessMalleatedP2SH:               "WitnessMalleatedP2SH",
	ErrWitnessUnexpected:                  "WitnessUnexpected",
	ErrControlBlockLengthInvalid:          "ControlBlockLengthInvalid",
	ErrTaprootMerkleMismatch:              "TaprootMerkleMismatch",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ScriptError identifies a script-related error. Every failure of the
// engine is reported as a ScriptError so callers can dispatch on Code.
type ScriptError struct {
	Code        ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e ScriptError) Error() string {
	return e.Description
}

func scriptError(c ErrorCode, desc string) ScriptError {
	return ScriptError{Code: c, Description: desc}
}

func scriptErrorf(c ErrorCode, format string, args ...interface{}) ScriptError {
	return ScriptError{Code: c, Description: fmt.Sprintf(format, args...)}
}

// IsErrorCode returns whether err is a ScriptError with the given code.
func IsErrorCode(err error, c ErrorCode) bool {
	var serr ScriptError
	return errors.As(err, &serr) && serr.Code == c
}

// CodeOf returns the code of a ScriptError, or ErrInternal for any other
// error.
func CodeOf(err error) ErrorCode {
	var serr ScriptError
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ErrInternal
}
