package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/taproot"
)

// Policy restricts what a provider will sign.
type Policy struct {
	// SigHashTypes lists the allowed hash types. Empty allows every
	// defined type for the scheme.
	SigHashTypes []interpreter.SigHashType

	// PathPrefix, when set, confines keys to paths starting with it.
	PathPrefix []uint32

	// DenySchnorr refuses Schnorr requests, as older tokens do.
	DenySchnorr bool
}

func definedSigHash(scheme Scheme, ht interpreter.SigHashType) bool {
	if scheme == Schnorr && ht == interpreter.SigHashDefault {
		return true
	}
	switch ht &^ interpreter.SigHashAnyOneCanPay {
	case interpreter.SigHashAll, interpreter.SigHashNone,
		interpreter.SigHashSingle:

		return true
	}
	return false
}

func (p *Policy) allowsPath(path []uint32) bool {
	if len(path) < len(p.PathPrefix) {
		return false
	}
	for i, step := range p.PathPrefix {
		if path[i] != step {
			return false
		}
	}
	return true
}

// check validates req against the policy. Digest problems are plain
// errors; everything else is a *PolicyError.
func (p *Policy) check(provider string, req *SigningRequest) error {
	if len(req.Digest) != 32 {
		return fmt.Errorf("%w: got %d", ErrInvalidDigest, len(req.Digest))
	}
	refuse := func(format string, args ...interface{}) error {
		return &PolicyError{Provider: provider,
			Reason: fmt.Sprintf(format, args...)}
	}

	if req.Scheme == ECDSA && req.TaprootTweak != nil {
		return refuse("taproot tweak requires schnorr")
	}
	if req.Scheme == Schnorr && p.DenySchnorr {
		return refuse("schnorr signing disabled")
	}
	if !definedSigHash(req.Scheme, req.SigHashType) {
		return refuse("undefined sighash type 0x%02x", uint32(req.SigHashType))
	}
	if len(p.SigHashTypes) > 0 {
		allowed := false
		for _, ht := range p.SigHashTypes {
			if ht == req.SigHashType {
				allowed = true
				break
			}
		}
		if !allowed {
			return refuse("sighash type 0x%02x not allowed",
				uint32(req.SigHashType))
		}
	}
	if req.Handle != nil && !p.allowsPath(req.Handle.Path) {
		return refuse("key %v outside allowed path", req.Handle)
	}
	return nil
}

// signDigest signs with priv. priv is not modified.
func signDigest(priv *btcec.PrivateKey, req *SigningRequest) ([]byte, error) {
	switch req.Scheme {
	case ECDSA:
		return ecdsa.Sign(priv, req.Digest).Serialize(), nil

	case Schnorr:
		if req.TaprootTweak != nil {
			tweaked, err := taproot.TweakPrivKey(priv,
				req.TaprootTweak.MerkleRoot)
			if err != nil {
				return nil, err
			}
			defer tweaked.Zero()
			priv = tweaked
		}
		sig, err := schnorr.Sign(priv, req.Digest)
		if err != nil {
			return nil, err
		}
		return sig.Serialize(), nil
	}
	return nil, fmt.Errorf("unknown signature scheme %d", req.Scheme)
}

// Verify checks sig over digest. For Schnorr signatures pub is the key
// that verifies, which for taproot key path spends is the tweaked output
// key. sig carries no hash type byte.
func Verify(pub *btcec.PublicKey, digest, sig []byte, scheme Scheme) bool {
	if pub == nil || len(digest) != 32 {
		return false
	}
	switch scheme {
	case ECDSA:
		s, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		return s.Verify(digest, pub)

	case Schnorr:
		s, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false
		}
		xonly, err := schnorr.ParsePubKey(schnorr.SerializePubKey(pub))
		if err != nil {
			return false
		}
		return s.Verify(digest, xonly)
	}
	return false
}

// VerifyResult checks res against the public key of h, applying the
// taproot tweak of req when present.
func VerifyResult(req *SigningRequest, res *SigningResult) bool {
	if req.Handle == nil {
		return false
	}
	pub := req.Handle.PubKey
	if req.TaprootTweak != nil {
		q, err := taproot.ComputeOutputKey(pub, req.TaprootTweak.MerkleRoot)
		if err != nil {
			return false
		}
		pub = q
	}
	return Verify(pub, req.Digest, res.Signature, res.Scheme)
}
