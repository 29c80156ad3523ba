package interpreter

// ScriptFlags is a bitmask defining additional operations or tests that
// will be done when executing a script pair.
type ScriptFlags uint32

const (
	// ScriptBip16 enables pay-to-script-hash evaluation.
	ScriptBip16 ScriptFlags = 1 << iota

	// ScriptStrictMultiSig requires the CHECKMULTISIG dummy element to be
	// empty (BIP147 NULLDUMMY).
	ScriptStrictMultiSig

	// ScriptDiscourageUpgradableNops fails on execution of NOP1 and
	// NOP4 through NOP10.
	ScriptDiscourageUpgradableNops

	// ScriptVerifyCheckLockTimeVerify enables OP_CHECKLOCKTIMEVERIFY
	// (BIP65).
	ScriptVerifyCheckLockTimeVerify

	// ScriptVerifyCheckSequenceVerify enables OP_CHECKSEQUENCEVERIFY
	// (BIP112).
	ScriptVerifyCheckSequenceVerify

	// ScriptVerifyCleanStack requires exactly one element left on the
	// stack after evaluation.
	ScriptVerifyCleanStack

	// ScriptVerifyDERSignatures requires strict DER signatures (BIP66).
	ScriptVerifyDERSignatures

	// ScriptVerifyLowS requires S <= N/2 for ECDSA signatures.
	ScriptVerifyLowS

	// ScriptVerifyMinimalData requires minimal pushes and minimally
	// encoded numbers.
	ScriptVerifyMinimalData

	// ScriptVerifyNullFail requires failed signatures to be empty.
	ScriptVerifyNullFail

	// ScriptVerifySigPushOnly requires every signature script to be
	// push only.
	ScriptVerifySigPushOnly

	// ScriptVerifyStrictEncoding enforces hash type and public key
	// encoding.
	ScriptVerifyStrictEncoding

	// ScriptVerifyWitness enables segregated witness (BIP141, BIP143).
	ScriptVerifyWitness

	// ScriptVerifyDiscourageUpgradeableWitnessProgram fails on witness
	// programs of unknown versions.
	ScriptVerifyDiscourageUpgradeableWitnessProgram

	// ScriptVerifyMinimalIf requires the argument of OP_IF and OP_NOTIF
	// in witness v0 scripts to be empty or exactly 0x01. Tapscript
	// always enforces this.
	ScriptVerifyMinimalIf

	// ScriptVerifyWitnessPubKeyType requires compressed keys in witness
	// v0 scripts.
	ScriptVerifyWitnessPubKeyType

	// ScriptVerifyTaproot enables taproot and tapscript (BIP341, BIP342).
	ScriptVerifyTaproot

	// ScriptVerifyDiscourageUpgradeableTaprootVersion fails on unknown
	// tapleaf versions.
	ScriptVerifyDiscourageUpgradeableTaprootVersion

	// ScriptVerifyDiscourageOpSuccess fails on OP_SUCCESSx in tapscript.
	ScriptVerifyDiscourageOpSuccess

	// ScriptVerifyDiscourageUpgradeablePubkeyType fails on unknown
	// public key types in tapscript.
	ScriptVerifyDiscourageUpgradeablePubkeyType
)

const (
	// ConsensusVerifyFlags are the flags enforced by every node for
	// transactions in current blocks.
	ConsensusVerifyFlags = ScriptBip16 |
		ScriptVerifyDERSignatures |
		ScriptVerifyCheckLockTimeVerify |
		ScriptVerifyCheckSequenceVerify |
		ScriptVerifyWitness |
		ScriptStrictMultiSig |
		ScriptVerifyTaproot

	// StandardVerifyFlags are the flags applied by the reference node's
	// mempool acceptance. They include low-S and strict encodings.
	StandardVerifyFlags = ConsensusVerifyFlags |
		ScriptVerifyStrictEncoding |
		ScriptVerifyMinimalData |
		ScriptDiscourageUpgradableNops |
		ScriptVerifyCleanStack |
		ScriptVerifyLowS |
		ScriptVerifyNullFail |
		ScriptVerifyDiscourageUpgradeableWitnessProgram |
		ScriptVerifyMinimalIf |
		ScriptVerifyWitnessPubKeyType |
		ScriptVerifyDiscourageUpgradeableTaprootVersion |
		ScriptVerifyDiscourageOpSuccess |
		ScriptVerifyDiscourageUpgradeablePubkeyType
)
