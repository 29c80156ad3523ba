// Package taproot holds the single canonical definition of the BIP341
// structures used across the module: the output key commitment, the
// control block encoding and the tagged hashes that bind a script tree to
// an output key.
package taproot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// BaseLeafVersion is the tapscript leaf version (BIP342).
	BaseLeafVersion byte = 0xc0

	// LeafVersionMask strips the output key parity bit from the first
	// control block byte.
	LeafVersionMask byte = 0xfe

	// AnnexTag marks the optional last witness element as an annex.
	AnnexTag byte = 0x50

	ControlBlockBaseSize     = 33
	ControlBlockNodeSize     = 32
	ControlBlockMaxNodeCount = 128
	ControlBlockMaxSize      = ControlBlockBaseSize +
		ControlBlockNodeSize*ControlBlockMaxNodeCount
)

var (
	tagTapLeaf   = []byte("TapLeaf")
	tagTapBranch = []byte("TapBranch")
	tagTapTweak  = []byte("TapTweak")
)

var (
	ErrControlBlockLength = errors.New("control block length invalid")
	ErrInvalidInternalKey = errors.New("invalid taproot internal key")
	ErrInvalidTweak       = errors.New("taproot tweak out of range")
	ErrMerkleMismatch     = errors.New("taproot commitment mismatch")
)

// Commitment is an internal key plus the optional Merkle root of a script
// tree. A nil MerkleRoot means the output commits to no scripts.
type Commitment struct {
	InternalKey *btcec.PublicKey
	MerkleRoot  []byte
}

// HasScriptTree reports whether the commitment carries a script tree.
func (c Commitment) HasScriptTree() bool {
	return len(c.MerkleRoot) != 0
}

// OutputKey returns the tweaked output key Q = P + H(P||root)G.
func (c Commitment) OutputKey() (*btcec.PublicKey, error) {
	if c.InternalKey == nil {
		return nil, ErrInvalidInternalKey
	}
	return ComputeOutputKey(c.InternalKey, c.MerkleRoot)
}

// TweakHash computes the TapTweak tagged hash of the x-only internal key
// and the Merkle root.
func TweakHash(internalKey *btcec.PublicKey, merkleRoot []byte) *chainhash.Hash {
	return chainhash.TaggedHash(
		tagTapTweak, schnorr.SerializePubKey(internalKey), merkleRoot,
	)
}

func tweakScalar(internalKey *btcec.PublicKey,
	merkleRoot []byte) (*secp256k1.ModNScalar, error) {

	h := TweakHash(internalKey, merkleRoot)
	var t secp256k1.ModNScalar
	if overflow := t.SetBytes((*[32]byte)(h)); overflow != 0 {
		return nil, ErrInvalidTweak
	}
	return &t, nil
}

// ComputeOutputKey tweaks the even-y lift of internalKey by merkleRoot.
func ComputeOutputKey(internalKey *btcec.PublicKey,
	merkleRoot []byte) (*btcec.PublicKey, error) {

	p, err := schnorr.ParsePubKey(schnorr.SerializePubKey(internalKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInternalKey, err)
	}
	t, err := tweakScalar(p, merkleRoot)
	if err != nil {
		return nil, err
	}

	var pj, tg, q btcec.JacobianPoint
	p.AsJacobian(&pj)
	btcec.ScalarBaseMultNonConst(t, &tg)
	btcec.AddNonConst(&pj, &tg, &q)
	q.ToAffine()
	if q.X.IsZero() && q.Y.IsZero() {
		return nil, ErrInvalidTweak
	}
	return btcec.NewPublicKey(&q.X, &q.Y), nil
}

// TweakPrivKey returns the secret key matching ComputeOutputKey for the
// public key of priv.
func TweakPrivKey(priv *btcec.PrivateKey,
	merkleRoot []byte) (*btcec.PrivateKey, error) {

	pub := priv.PubKey()
	d := priv.Key
	if pub.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		d.Negate()
	}
	t, err := tweakScalar(pub, merkleRoot)
	if err != nil {
		return nil, err
	}
	d.Add(t)
	if d.IsZero() {
		return nil, ErrInvalidTweak
	}
	return btcec.PrivKeyFromScalar(&d), nil
}

// LeafHash computes the TapLeaf tagged hash of a versioned script.
func LeafHash(version byte, script []byte) chainhash.Hash {
	var buf bytes.Buffer
	buf.WriteByte(version)
	_ = wire.WriteVarBytes(&buf, 0, script)
	return *chainhash.TaggedHash(tagTapLeaf, buf.Bytes())
}

// BranchHash combines two child hashes in lexicographic order.
func BranchHash(a, b []byte) chainhash.Hash {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return *chainhash.TaggedHash(tagTapBranch, a, b)
}

// ControlBlock proves that a revealed leaf belongs to the script tree
// committed in an output key.
type ControlBlock struct {
	LeafVersion     byte
	OutputKeyYIsOdd bool
	InternalKey     *btcec.PublicKey

	// InclusionProof is the concatenation of the 32-byte sibling hashes
	// from the leaf up to the root.
	InclusionProof []byte
}

// ParseControlBlock decodes a control block. Its length must be 33 + 32m
// for some 0 <= m <= 128.
func ParseControlBlock(b []byte) (*ControlBlock, error) {
	if len(b) < ControlBlockBaseSize || len(b) > ControlBlockMaxSize ||
		(len(b)-ControlBlockBaseSize)%ControlBlockNodeSize != 0 {

		return nil, fmt.Errorf("%w: %d bytes", ErrControlBlockLength, len(b))
	}

	key, err := schnorr.ParsePubKey(b[1:ControlBlockBaseSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInternalKey, err)
	}

	proof := make([]byte, len(b)-ControlBlockBaseSize)
	copy(proof, b[ControlBlockBaseSize:])

	return &ControlBlock{
		LeafVersion:     b[0] & LeafVersionMask,
		OutputKeyYIsOdd: b[0]&0x01 == 0x01,
		InternalKey:     key,
		InclusionProof:  proof,
	}, nil
}

// Bytes serializes the control block.
func (c *ControlBlock) Bytes() []byte {
	out := make([]byte, 0, ControlBlockBaseSize+len(c.InclusionProof))
	first := c.LeafVersion & LeafVersionMask
	if c.OutputKeyYIsOdd {
		first |= 0x01
	}
	out = append(out, first)
	out = append(out, schnorr.SerializePubKey(c.InternalKey)...)
	return append(out, c.InclusionProof...)
}

// Depth is the number of Merkle path nodes.
func (c *ControlBlock) Depth() int {
	return len(c.InclusionProof) / ControlBlockNodeSize
}

// RootHash folds the inclusion proof over leafHash.
func (c *ControlBlock) RootHash(leafHash []byte) []byte {
	cur := leafHash
	for i := 0; i < len(c.InclusionProof); i += ControlBlockNodeSize {
		h := BranchHash(cur, c.InclusionProof[i:i+ControlBlockNodeSize])
		cur = h[:]
	}
	return cur
}

// VerifyCommitment checks that the control block and revealed leaf
// reconstruct the 32-byte x-only witness program.
func VerifyCommitment(witnessProgram []byte, cb *ControlBlock,
	leafHash []byte) error {

	root := cb.RootHash(leafHash)
	q, err := ComputeOutputKey(cb.InternalKey, root)
	if err != nil {
		return err
	}
	qb := q.SerializeCompressed()
	if !bytes.Equal(qb[1:], witnessProgram) {
		return fmt.Errorf("%w: output key", ErrMerkleMismatch)
	}
	odd := qb[0] == secp256k1.PubKeyFormatCompressedOdd
	if odd != cb.OutputKeyYIsOdd {
		return fmt.Errorf("%w: output key parity", ErrMerkleMismatch)
	}
	return nil
}

// SplitAnnex removes the annex from a taproot witness if one is present.
// The returned witness aliases the input.
func SplitAnnex(witness [][]byte) ([][]byte, []byte) {
	if len(witness) >= 2 {
		last := witness[len(witness)-1]
		if len(last) > 0 && last[0] == AnnexTag {
			return witness[:len(witness)-1], last
		}
	}
	return witness, nil
}
