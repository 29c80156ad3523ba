package psbtsign

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/signer"
	"github.com/mit-dci/utxocheck/taproot"
	"github.com/mit-dci/utxocheck/util"
	"github.com/mit-dci/utxocheck/utxo"
	"github.com/stretchr/testify/require"
)

const (
	tipHeight = 800000
	tipTime   = 1700000000
	inValue   = 50000
)

var (
	hard = uint32(hdkeychain.HardenedKeyStart)
	net  = &chaincfg.RegressionNetParams
	seed = bytes.Repeat([]byte{0x42}, 32)
)

func path(purpose, index uint32) []uint32 {
	return []uint32{purpose + hard, 1 + hard, 0 + hard, 0, index}
}

// fixture is a wallet over one seed and the outputs it is spending.
type fixture struct {
	soft   *signer.SoftwareProvider
	auth   *signer.Authority
	signer *Signer
	fp     uint32

	funding *wire.MsgTx
	view    utxo.MapView
}

func newFixture(t *testing.T, policy signer.Policy) *fixture {
	t.Helper()
	soft, err := signer.NewSoftwareProvider("soft", seed, net, policy)
	require.NoError(t, err)
	auth, err := signer.NewAuthority(signer.AuthorityConfig{
		CallTimeout:  time.Second,
		ProbeBackoff: util.Backoff{Attempts: 1},
	}, nil, soft)
	require.NoError(t, err)

	return &fixture{
		soft:    soft,
		auth:    auth,
		signer:  New(auth, soft.Fingerprint()),
		fp:      soft.Fingerprint(),
		funding: wire.NewMsgTx(2),
		view:    make(utxo.MapView),
	}
}

func (f *fixture) pub(t *testing.T, p []uint32) *btcec.PublicKey {
	t.Helper()
	h, err := f.soft.GenerateKey(context.Background(), p)
	require.NoError(t, err)
	return h.PubKey
}

// fund adds an output paying pkScript to the funding transaction.
func (f *fixture) fund(pkScript []byte) int {
	f.funding.AddTxOut(wire.NewTxOut(inValue, pkScript))
	return len(f.funding.TxOut) - 1
}

// packet spends every funding output to a single P2WPKH output and
// records each spent output in the view.
func (f *fixture) packet(t *testing.T) *psbt.Packet {
	t.Helper()
	f.funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xaa}}, nil, nil))
	hash := f.funding.TxHash()

	var ops []*wire.OutPoint
	var seqs []uint32
	for i, out := range f.funding.TxOut {
		op := wire.OutPoint{Hash: hash, Index: uint32(i)}
		ops = append(ops, &op)
		seqs = append(seqs, wire.MaxTxInSequenceNum)
		f.view[op] = utxo.NewEntry(out, tipHeight-10, false)
	}
	change := outscript.WitnessProgramScript(0,
		btcutil.Hash160(f.pub(t, path(84, 99)).SerializeCompressed()))
	total := int64(inValue * len(ops))

	p, err := psbt.New(ops, []*wire.TxOut{wire.NewTxOut(total-10000, change)},
		2, 0, seqs)
	require.NoError(t, err)
	return p
}

func (f *fixture) validate(t *testing.T, p *psbt.Packet) {
	t.Helper()
	require.NoError(t, psbt.MaybeFinalizeAll(p))
	tx, err := psbt.Extract(p)
	require.NoError(t, err)

	v := consensus.NewValidator(consensus.ChainContext{
		Height:         tipHeight,
		MedianTimePast: tipTime,
		Params:         net,
	})
	res := v.Validate(tx, f.view, consensus.FailFast)
	require.True(t, res.Accepted, "%v", res)
}

func TestPacketFingerprint(t *testing.T) {
	require.Equal(t, uint32(0x78563412), PacketFingerprint(0x12345678))
	require.Equal(t, uint32(0x12345678),
		PacketFingerprint(PacketFingerprint(0x12345678)))
}

func TestSignEveryKind(t *testing.T) {
	f := newFixture(t, signer.Policy{})

	pkhPath, wpkhPath, nestedPath := path(44, 0), path(84, 0), path(49, 0)
	msA, msB, trPath := path(48, 0), path(48, 1), path(86, 0)

	pkhPub := f.pub(t, pkhPath).SerializeCompressed()
	pkh := f.fund(outscript.PayToPubKeyHashScript(btcutil.Hash160(pkhPub)))

	wpkhPub := f.pub(t, wpkhPath).SerializeCompressed()
	wpkh := f.fund(outscript.WitnessProgramScript(0, btcutil.Hash160(wpkhPub)))

	nestedPub := f.pub(t, nestedPath).SerializeCompressed()
	redeem := outscript.WitnessProgramScript(0, btcutil.Hash160(nestedPub))
	nested := f.fund(outscript.PayToScriptHashScript(btcutil.Hash160(redeem)))

	pubA := f.pub(t, msA).SerializeCompressed()
	pubB := f.pub(t, msB).SerializeCompressed()
	multisig := append([]byte{txscript.OP_2, txscript.OP_DATA_33}, pubA...)
	multisig = append(append(multisig, txscript.OP_DATA_33), pubB...)
	multisig = append(multisig, txscript.OP_2, txscript.OP_CHECKMULTISIG)
	wsh := sha256.Sum256(multisig)
	p2wsh := f.fund(outscript.WitnessProgramScript(0, wsh[:]))

	trPub := f.pub(t, trPath)
	q, err := taproot.ComputeOutputKey(trPub, nil)
	require.NoError(t, err)
	tr := f.fund(outscript.WitnessProgramScript(1, schnorr.SerializePubKey(q)))

	p := f.packet(t)
	u, err := psbt.NewUpdater(p)
	require.NoError(t, err)
	pfp := PacketFingerprint(f.fp)

	require.NoError(t, u.AddInNonWitnessUtxo(f.funding, pkh))
	require.NoError(t, u.AddInBip32Derivation(pfp, pkhPath, pkhPub, pkh))

	require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[wpkh], wpkh))
	require.NoError(t, u.AddInBip32Derivation(pfp, wpkhPath, wpkhPub, wpkh))

	require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[nested], nested))
	require.NoError(t, u.AddInRedeemScript(redeem, nested))
	require.NoError(t, u.AddInBip32Derivation(pfp, nestedPath, nestedPub, nested))

	require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[p2wsh], p2wsh))
	require.NoError(t, u.AddInWitnessScript(multisig, p2wsh))
	require.NoError(t, u.AddInBip32Derivation(pfp, msA, pubA, p2wsh))
	require.NoError(t, u.AddInBip32Derivation(pfp, msB, pubB, p2wsh))

	require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[tr], tr))
	p.Inputs[tr].TaprootInternalKey = schnorr.SerializePubKey(trPub)
	p.Inputs[tr].TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          schnorr.SerializePubKey(trPub),
		MasterKeyFingerprint: pfp,
		Bip32Path:            trPath,
	}}

	res, err := f.signer.Sign(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 6, res.Signatures())
	require.Equal(t, outscript.PayToPubkeyHash, res.Inputs[pkh].Kind)
	require.True(t, res.Inputs[nested].Nested)
	require.Equal(t, outscript.WitnessV0KeyHash, res.Inputs[nested].Kind)
	require.Equal(t, 2, res.Inputs[p2wsh].Signatures)
	require.Len(t, p.Inputs[tr].TaprootKeySpendSig, schnorr.SignatureSize)

	// A second pass finds nothing left to sign.
	again, err := f.signer.Sign(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, again.Signatures())

	f.validate(t, p)
}

func TestSignTapscriptLeaf(t *testing.T) {
	f := newFixture(t, signer.Policy{})

	internal := f.pub(t, path(86, 1))
	leafPath := path(86, 2)
	leafKey := f.pub(t, leafPath)
	xonly := schnorr.SerializePubKey(leafKey)

	script := append([]byte{txscript.OP_DATA_32}, xonly...)
	script = append(script, txscript.OP_CHECKSIG)
	leaf := taproot.NewBaseLeaf(script)
	tree, err := taproot.AssembleTree(leaf)
	require.NoError(t, err)
	q, err := tree.Commitment(internal).OutputKey()
	require.NoError(t, err)
	cb, err := tree.ControlBlock(internal, 0)
	require.NoError(t, err)

	idx := f.fund(outscript.WitnessProgramScript(1, schnorr.SerializePubKey(q)))
	p := f.packet(t)
	in := &p.Inputs[idx]
	in.WitnessUtxo = f.funding.TxOut[idx]
	in.TaprootInternalKey = schnorr.SerializePubKey(internal)
	in.TaprootMerkleRoot = tree.RootHash()
	in.TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: cb.Bytes(),
		Script:       script,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          xonly,
		LeafHashes:           [][]byte{leaf.Hash()},
		MasterKeyFingerprint: PacketFingerprint(f.fp),
		Bip32Path:            leafPath,
	}}

	res, err := f.signer.Sign(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 1, res.Signatures())
	require.Empty(t, in.TaprootKeySpendSig)
	require.Len(t, in.TaprootScriptSpendSig, 1)

	prevOuts := interpreter.PrevOutMap{
		p.UnsignedTx.TxIn[idx].PreviousOutPoint: f.funding.TxOut[idx],
	}
	digest, err := interpreter.CalcTapscriptSignatureHash(
		interpreter.NewTxSigHashes(p.UnsignedTx, prevOuts),
		interpreter.SigHashDefault, p.UnsignedTx, idx, prevOuts, leaf.Hash())
	require.NoError(t, err)
	require.True(t, signer.Verify(leafKey, digest,
		in.TaprootScriptSpendSig[0].Signature, signer.Schnorr))

	f.validate(t, p)
}

func TestSignSkipsForeignAndFinalized(t *testing.T) {
	f := newFixture(t, signer.Policy{})
	wpkhPath := path(84, 3)
	pub := f.pub(t, wpkhPath).SerializeCompressed()
	a := f.fund(outscript.WitnessProgramScript(0, btcutil.Hash160(pub)))
	b := f.fund(outscript.WitnessProgramScript(0, btcutil.Hash160(pub)))

	p := f.packet(t)
	u, err := psbt.NewUpdater(p)
	require.NoError(t, err)
	require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[a], a))
	require.NoError(t, u.AddInBip32Derivation(PacketFingerprint(f.fp)+1,
		wpkhPath, pub, a))
	require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[b], b))
	p.Inputs[b].FinalScriptWitness = []byte{0x00}

	res, err := f.signer.Sign(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, res.Signatures())
	require.False(t, res.Inputs[a].Skipped)
	require.True(t, res.Inputs[b].Skipped)
	require.Empty(t, p.Inputs[a].PartialSigs)
}

func TestSignErrors(t *testing.T) {
	t.Run("missing utxo", func(t *testing.T) {
		f := newFixture(t, signer.Policy{})
		f.fund(outscript.WitnessProgramScript(0, make([]byte, 20)))
		p := f.packet(t)

		_, err := f.signer.Sign(context.Background(), p)
		require.ErrorIs(t, err, ErrMissingUtxo)
	})

	t.Run("key mismatch", func(t *testing.T) {
		f := newFixture(t, signer.Policy{})
		pubA := f.pub(t, path(48, 5)).SerializeCompressed()
		ws := append(append([]byte{txscript.OP_DATA_33}, pubA...),
			txscript.OP_CHECKSIG)
		h := sha256.Sum256(ws)
		idx := f.fund(outscript.WitnessProgramScript(0, h[:]))

		p := f.packet(t)
		u, err := psbt.NewUpdater(p)
		require.NoError(t, err)
		require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[idx], idx))
		require.NoError(t, u.AddInWitnessScript(ws, idx))
		// The record names pubA but a different path.
		require.NoError(t, u.AddInBip32Derivation(PacketFingerprint(f.fp),
			path(48, 6), pubA, idx))

		_, err = f.signer.Sign(context.Background(), p)
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("policy refusal", func(t *testing.T) {
		f := newFixture(t, signer.Policy{
			SigHashTypes: []interpreter.SigHashType{interpreter.SigHashAll},
		})
		wpkhPath := path(84, 7)
		pub := f.pub(t, wpkhPath).SerializeCompressed()
		idx := f.fund(outscript.WitnessProgramScript(0, btcutil.Hash160(pub)))

		p := f.packet(t)
		u, err := psbt.NewUpdater(p)
		require.NoError(t, err)
		require.NoError(t, u.AddInWitnessUtxo(f.funding.TxOut[idx], idx))
		require.NoError(t, u.AddInSighashType(txscript.SigHashNone, idx))
		require.NoError(t, u.AddInBip32Derivation(PacketFingerprint(f.fp),
			wpkhPath, pub, idx))

		_, err = f.signer.Sign(context.Background(), p)
		var perr *signer.PolicyError
		require.ErrorAs(t, err, &perr)
		require.Empty(t, p.Inputs[idx].PartialSigs)
	})
}
