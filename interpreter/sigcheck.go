package interpreter

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	pubKeyCompressedLen   = 33
	pubKeyUncompressedLen = 65
	schnorrSigLen         = 64
)

// isStrictDER checks the BIP66 encoding of a signature including its
// trailing hash type byte:
//
//	0x30 <total len> 0x02 <len R> <R> 0x02 <len S> <S> <hash type>
func isStrictDER(sig []byte) bool {
	if len(sig) < 9 || len(sig) > 73 {
		return false
	}
	if sig[0] != 0x30 || int(sig[1]) != len(sig)-3 {
		return false
	}

	lenR := int(sig[3])
	if 5+lenR >= len(sig) {
		return false
	}
	lenS := int(sig[5+lenR])
	if lenR+lenS+7 != len(sig) {
		return false
	}

	// R must be a positive integer without excess padding.
	if sig[2] != 0x02 || lenR == 0 || sig[4]&0x80 != 0 {
		return false
	}
	if lenR > 1 && sig[4] == 0x00 && sig[5]&0x80 == 0 {
		return false
	}

	// Same for S.
	if sig[lenR+4] != 0x02 || lenS == 0 || sig[lenR+6]&0x80 != 0 {
		return false
	}
	if lenS > 1 && sig[lenR+6] == 0x00 && sig[lenR+7]&0x80 == 0 {
		return false
	}
	return true
}

// hasLowS reports whether S <= N/2. A signature whose scalars do not parse
// passes here and fails verification instead.
func hasLowS(sigNoHashType []byte) bool {
	sig, err := ecdsa.ParseDERSignature(sigNoHashType)
	if err != nil {
		return true
	}
	s := sig.S()
	return !s.IsOverHalfOrder()
}

func isDefinedHashType(h SigHashType) bool {
	base := h &^ SigHashAnyOneCanPay
	return base >= SigHashAll && base <= SigHashSingle
}

// checkSignatureEncoding applies the encoding rules enabled by the flags
// to an ECDSA signature with its hash type byte. Empty signatures are
// allowed so that CHECKSIG can push false.
func (vm *Engine) checkSignatureEncoding(sig []byte) error {
	if len(sig) == 0 {
		return nil
	}
	strict := ScriptVerifyDERSignatures | ScriptVerifyLowS |
		ScriptVerifyStrictEncoding
	if vm.hasAnyFlag(strict) && !isStrictDER(sig) {
		return scriptErrorf(ErrSigDER,
			"signature %x is not strictly DER encoded", sig)
	}
	if vm.hasFlag(ScriptVerifyLowS) && !hasLowS(sig[:len(sig)-1]) {
		return scriptError(ErrSigHighS, "signature is not canonical due "+
			"to unnecessarily high S value")
	}
	if vm.hasFlag(ScriptVerifyStrictEncoding) &&
		!isDefinedHashType(SigHashType(sig[len(sig)-1])) {

		return scriptErrorf(ErrSighashTypeInvalid,
			"invalid hash type %#x", sig[len(sig)-1])
	}
	return nil
}

func isCompressedPubKey(pk []byte) bool {
	return len(pk) == pubKeyCompressedLen && (pk[0] == 0x02 || pk[0] == 0x03)
}

func isCompressedOrUncompressedPubKey(pk []byte) bool {
	return isCompressedPubKey(pk) ||
		(len(pk) == pubKeyUncompressedLen && pk[0] == 0x04)
}

func (vm *Engine) checkPubKeyEncoding(pk []byte) error {
	if vm.hasFlag(ScriptVerifyStrictEncoding) &&
		!isCompressedOrUncompressedPubKey(pk) {

		return scriptErrorf(ErrPubKeyType, "unsupported public key type %x", pk)
	}
	if vm.hasFlag(ScriptVerifyWitnessPubKeyType) &&
		vm.sigVersion == sigVersionWitnessV0 && !isCompressedPubKey(pk) {

		return scriptError(ErrWitnessPubKeyType,
			"only compressed keys are accepted post-segwit")
	}
	return nil
}

// parseECDSAPubKey parses compressed, uncompressed and hybrid keys.
func parseECDSAPubKey(pk []byte) (*btcec.PublicKey, error) {
	if len(pk) == pubKeyUncompressedLen && (pk[0] == 0x06 || pk[0] == 0x07) {
		// Hybrid keys carry the y parity in the prefix as well.
		if pk[64]&0x01 != pk[0]&0x01 {
			return nil, scriptError(ErrPubKeyType, "hybrid key parity mismatch")
		}
		norm := append([]byte{0x04}, pk[1:]...)
		return btcec.ParsePubKey(norm)
	}
	return btcec.ParsePubKey(pk)
}

// verifyECDSA checks an encoded signature over the legacy or witness v0
// signature hash of the current input. Any parse failure is a failed
// check, not an error.
func (vm *Engine) verifyECDSA(sig, pk, scriptCode []byte) bool {
	if len(sig) == 0 {
		return false
	}
	pubKey, err := parseECDSAPubKey(pk)
	if err != nil {
		return false
	}
	hashType := SigHashType(sig[len(sig)-1])
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}

	var hash []byte
	if vm.sigVersion == sigVersionWitnessV0 {
		hash = CalcWitnessV0SignatureHash(scriptCode, vm.hashes, hashType,
			vm.tx, vm.txIdx, vm.inputAmount)
	} else {
		hash = CalcSignatureHash(scriptCode, hashType, vm.tx, vm.txIdx)
	}
	return parsed.Verify(hash, pubKey)
}

// checkSchnorrSignature verifies a BIP340 signature with an optional
// trailing hash type against a 32-byte x-only key.
func (vm *Engine) checkSchnorrSignature(sig, pk []byte,
	opts *taprootSigHashOpts) error {

	hashType := SigHashDefault
	switch len(sig) {
	case schnorrSigLen:
	case schnorrSigLen + 1:
		hashType = SigHashType(sig[schnorrSigLen])
		if hashType == SigHashDefault {
			return scriptError(ErrSighashTypeInvalid,
				"explicit default sighash type")
		}
		sig = sig[:schnorrSigLen]
	default:
		return scriptErrorf(ErrSchnorrSigSize,
			"schnorr signature has length %d", len(sig))
	}

	hash, err := calcTaprootSignatureHash(vm.hashes, hashType, vm.tx,
		vm.txIdx, vm.prevOuts, opts)
	if err != nil {
		return err
	}

	pubKey, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return scriptErrorf(ErrSignatureVerifyFailed,
			"invalid x-only key %x: %v", pk, err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return scriptErrorf(ErrSignatureVerifyFailed,
			"invalid schnorr signature: %v", err)
	}
	if !parsed.Verify(hash, pubKey) {
		return scriptError(ErrSignatureVerifyFailed,
			"schnorr signature verification failed")
	}
	return nil
}
