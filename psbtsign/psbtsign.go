// Package psbtsign fills BIP174 packets with signatures from a
// signer.Authority. It computes each input's signature hash itself and
// only asks the authority for keys listed in the packet's derivation
// records under its own master fingerprint.
package psbtsign

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/signer"
	"github.com/mit-dci/utxocheck/taproot"
)

var (
	ErrMissingUtxo      = errors.New("input has no spent output")
	ErrUtxoMismatch     = errors.New("spent output does not match outpoint")
	ErrUnsupportedInput = errors.New("unsupported input script")
	ErrKeyMismatch      = errors.New("derived key does not match packet")
)

// PacketFingerprint converts a master fingerprint as signer reports it
// into the value psbt stores in derivation records. BIP174 keeps the four
// fingerprint bytes in order and the psbt package reads them little
// endian.
func PacketFingerprint(fp uint32) uint32 {
	return bits.ReverseBytes32(fp)
}

// InputResult reports what was done for one input.
type InputResult struct {
	Index      int
	Kind       outscript.Kind
	Nested     bool
	Signatures int

	// Skipped is set for inputs that were already finalized.
	Skipped bool
}

// Result summarizes a Sign call.
type Result struct {
	Inputs []InputResult
}

// Signatures is the number of signatures added to the packet.
func (r *Result) Signatures() int {
	n := 0
	for _, in := range r.Inputs {
		n += in.Signatures
	}
	return n
}

// Signer signs packets with keys of one master.
type Signer struct {
	auth        *signer.Authority
	fingerprint uint32
}

// New returns a Signer using auth for keys under the master with the
// given fingerprint.
func New(auth *signer.Authority, fingerprint uint32) *Signer {
	return &Signer{auth: auth, fingerprint: fingerprint}
}

// session caches handles for one packet and forgets them afterwards.
type session struct {
	s       *Signer
	handles map[string]*signer.KeyHandle
}

func (ss *session) key(ctx context.Context, path []uint32) (*signer.KeyHandle, error) {
	id := signer.KeyID(ss.s.fingerprint, path)
	if h, ok := ss.handles[id]; ok {
		return h, nil
	}
	h, err := ss.s.auth.GenerateKey(ctx, path)
	if err != nil {
		return nil, err
	}
	ss.handles[id] = h
	return h, nil
}

func (ss *session) close(ctx context.Context) {
	for id, h := range ss.handles {
		if err := ss.s.auth.Destroy(ctx, h); err != nil {
			log.Debugf("destroy %s: %v", id, err)
		}
	}
}

func (ss *session) sign(ctx context.Context, h *signer.KeyHandle, digest []byte,
	scheme signer.Scheme, ht interpreter.SigHashType,
	tweak *signer.TaprootTweak) (*signer.SigningResult, error) {

	return ss.s.auth.Sign(ctx, &signer.SigningRequest{
		Handle:       h,
		Digest:       digest,
		Scheme:       scheme,
		SigHashType:  ht,
		TaprootTweak: tweak,
	})
}

// spentOutput returns the output input i spends, preferring the witness
// UTXO field.
func spentOutput(p *psbt.Packet, i int) (*wire.TxOut, error) {
	in := &p.Inputs[i]
	op := p.UnsignedTx.TxIn[i].PreviousOutPoint
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo == nil {
		return nil, fmt.Errorf("input %d: %w", i, ErrMissingUtxo)
	}
	if in.NonWitnessUtxo.TxHash() != op.Hash ||
		int(op.Index) >= len(in.NonWitnessUtxo.TxOut) {

		return nil, fmt.Errorf("input %d: %w", i, ErrUtxoMismatch)
	}
	return in.NonWitnessUtxo.TxOut[op.Index], nil
}

func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// Sign adds every signature the authority can make to p. Inputs already
// finalized are left alone. On error p may hold signatures for the inputs
// before the failing one.
func (s *Signer) Sign(ctx context.Context, p *psbt.Packet) (*Result, error) {
	if err := p.SanityCheck(); err != nil {
		return nil, fmt.Errorf("packet: %w", err)
	}
	tx := p.UnsignedTx

	prevOuts := make(interpreter.PrevOutMap, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		if out, err := spentOutput(p, i); err == nil {
			prevOuts[txIn.PreviousOutPoint] = out
		}
	}
	hashes := interpreter.NewTxSigHashes(tx, prevOuts)

	ss := &session{s: s, handles: make(map[string]*signer.KeyHandle)}
	defer ss.close(ctx)

	u, err := psbt.NewUpdater(p)
	if err != nil {
		return nil, err
	}

	res := &Result{Inputs: make([]InputResult, len(tx.TxIn))}
	for i := range tx.TxIn {
		ir := &res.Inputs[i]
		ir.Index = i
		if isFinalized(&p.Inputs[i]) {
			ir.Skipped = true
			continue
		}
		if err := ss.signInput(ctx, u, hashes, prevOuts, ir); err != nil {
			return res, fmt.Errorf("input %d: %w", i, err)
		}
		log.Debugf("input %d (%v): %d signatures", i, ir.Kind, ir.Signatures)
	}

	log.Infof("signed packet %v: %d signatures over %d inputs", tx.TxHash(),
		res.Signatures(), len(tx.TxIn))
	return res, nil
}

func (ss *session) signInput(ctx context.Context, u *psbt.Updater,
	hashes *interpreter.TxSigHashes, prevOuts interpreter.PrevOutMap,
	ir *InputResult) error {

	p := u.Upsbt
	i := ir.Index
	in := &p.Inputs[i]
	prev, err := spentOutput(p, i)
	if err != nil {
		return err
	}

	script := prev.PkScript
	ir.Kind = outscript.Classify(script)
	if ir.Kind == outscript.PayToScriptHash {
		if in.RedeemScript == nil {
			return fmt.Errorf("%w: p2sh without redeem script", ErrUnsupportedInput)
		}
		want := outscript.PayToScriptHashScript(btcutil.Hash160(in.RedeemScript))
		if !bytes.Equal(want, script) {
			return fmt.Errorf("%w: redeem script hash", ErrUtxoMismatch)
		}
		script = in.RedeemScript
		ir.Nested = true
		ir.Kind = outscript.Classify(script)
	}

	tx := p.UnsignedTx
	ht := interpreter.SigHashType(in.SighashType)

	var digest func(pub []byte) ([]byte, bool)
	switch {
	case ir.Kind == outscript.WitnessV1Taproot:
		if ir.Nested {
			return fmt.Errorf("%w: nested taproot", ErrUnsupportedInput)
		}
		return ss.signTaproot(ctx, tx, hashes, prevOuts, script, ir, in)

	case ir.Kind == outscript.WitnessV0KeyHash:
		program := script[2:]
		digest = func(pub []byte) ([]byte, bool) {
			if !bytes.Equal(btcutil.Hash160(pub), program) {
				return nil, false
			}
			code := outscript.PayToPubKeyHashScript(program)
			return interpreter.CalcWitnessV0SignatureHash(code, hashes,
				sigHashOrAll(ht), tx, i, prev.Value), true
		}

	case ir.Kind == outscript.WitnessV0ScriptHash:
		if in.WitnessScript == nil {
			return fmt.Errorf("%w: p2wsh without witness script", ErrUnsupportedInput)
		}
		h := sha256.Sum256(in.WitnessScript)
		if !bytes.Equal(h[:], script[2:]) {
			return fmt.Errorf("%w: witness script hash", ErrUtxoMismatch)
		}
		code := in.WitnessScript
		digest = func([]byte) ([]byte, bool) {
			return interpreter.CalcWitnessV0SignatureHash(code, hashes,
				sigHashOrAll(ht), tx, i, prev.Value), true
		}

	case ir.Kind == outscript.PayToPubkeyHash:
		program := script[3:23]
		digest = func(pub []byte) ([]byte, bool) {
			if !bytes.Equal(btcutil.Hash160(pub), program) {
				return nil, false
			}
			return interpreter.CalcSignatureHash(script, sigHashOrAll(ht),
				tx, i), true
		}

	case ir.Nested && !outscript.IsWitnessProgram(script):
		// Legacy P2SH, typically bare multisig in the redeem script.
		code := script
		digest = func([]byte) ([]byte, bool) {
			return interpreter.CalcSignatureHash(code, sigHashOrAll(ht),
				tx, i), true
		}

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedInput, ir.Kind)
	}

	for _, d := range in.Bip32Derivation {
		if d.MasterKeyFingerprint != PacketFingerprint(ss.s.fingerprint) ||
			hasPartialSig(in, d.PubKey) {

			continue
		}
		sighash, ok := digest(d.PubKey)
		if !ok {
			continue
		}
		h, err := ss.key(ctx, d.Bip32Path)
		if err != nil {
			return err
		}
		if !bytes.Equal(h.PubKey.SerializeCompressed(), d.PubKey) {
			return fmt.Errorf("%w: %v", ErrKeyMismatch, h)
		}

		sig, err := ss.sign(ctx, h, sighash, signer.ECDSA, sigHashOrAll(ht), nil)
		if err != nil {
			return err
		}
		outcome, err := u.Sign(i, sig.Serialize(), d.PubKey, in.RedeemScript,
			in.WitnessScript)
		if err != nil {
			return fmt.Errorf("attach signature: %w", err)
		}
		if outcome == psbt.SignSuccesful {
			ir.Signatures++
		}
	}
	return nil
}

func (ss *session) signTaproot(ctx context.Context, tx *wire.MsgTx,
	hashes *interpreter.TxSigHashes, prevOuts interpreter.PrevOutMap,
	pkScript []byte, ir *InputResult, in *psbt.PInput) error {

	ht := interpreter.SigHashType(in.SighashType)
	for _, d := range in.TaprootBip32Derivation {
		if d.MasterKeyFingerprint != PacketFingerprint(ss.s.fingerprint) {
			continue
		}
		h, err := ss.key(ctx, d.Bip32Path)
		if err != nil {
			return err
		}
		xonly := schnorr.SerializePubKey(h.PubKey)
		if !bytes.Equal(xonly, d.XOnlyPubKey) {
			return fmt.Errorf("%w: %v", ErrKeyMismatch, h)
		}

		if len(d.LeafHashes) == 0 {
			if !bytes.Equal(in.TaprootInternalKey, xonly) ||
				len(in.TaprootKeySpendSig) > 0 {

				continue
			}
			q, err := taproot.ComputeOutputKey(h.PubKey, in.TaprootMerkleRoot)
			if err != nil {
				return err
			}
			if !bytes.Equal(schnorr.SerializePubKey(q), pkScript[2:]) {
				return fmt.Errorf("%w: output key of %v", ErrKeyMismatch, h)
			}
			sighash, err := interpreter.CalcTaprootSignatureHash(hashes, ht,
				tx, ir.Index, prevOuts, nil)
			if err != nil {
				return err
			}
			sig, err := ss.sign(ctx, h, sighash, signer.Schnorr, ht,
				&signer.TaprootTweak{MerkleRoot: in.TaprootMerkleRoot})
			if err != nil {
				return err
			}
			in.TaprootKeySpendSig = sig.Serialize()
			ir.Signatures++
			continue
		}

		for _, leaf := range d.LeafHashes {
			if hasScriptSpendSig(in, xonly, leaf) {
				continue
			}
			sighash, err := interpreter.CalcTapscriptSignatureHash(hashes, ht,
				tx, ir.Index, prevOuts, leaf)
			if err != nil {
				return err
			}
			sig, err := ss.sign(ctx, h, sighash, signer.Schnorr, ht, nil)
			if err != nil {
				return err
			}
			in.TaprootScriptSpendSig = append(in.TaprootScriptSpendSig,
				&psbt.TaprootScriptSpendSig{
					XOnlyPubKey: xonly,
					LeafHash:    leaf,
					Signature:   sig.Signature,
					SigHash:     txscript.SigHashType(ht),
				})
			ir.Signatures++
		}
	}
	return nil
}

func sigHashOrAll(ht interpreter.SigHashType) interpreter.SigHashType {
	if ht == interpreter.SigHashDefault {
		return interpreter.SigHashAll
	}
	return ht
}

func hasPartialSig(in *psbt.PInput, pub []byte) bool {
	for _, s := range in.PartialSigs {
		if bytes.Equal(s.PubKey, pub) {
			return true
		}
	}
	return false
}

func hasScriptSpendSig(in *psbt.PInput, xonly, leaf []byte) bool {
	for _, s := range in.TaprootScriptSpendSig {
		if bytes.Equal(s.XOnlyPubKey, xonly) && bytes.Equal(s.LeafHash, leaf) {
			return true
		}
	}
	return false
}
