package taproot

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Leaf is a versioned script in a taproot script tree.
type Leaf struct {
	Version byte
	Script  []byte
}

// NewBaseLeaf returns a tapscript leaf.
func NewBaseLeaf(script []byte) Leaf {
	return Leaf{Version: BaseLeafVersion, Script: script}
}

// Hash returns the TapLeaf hash of l.
func (l Leaf) Hash() []byte {
	h := LeafHash(l.Version, l.Script)
	return h[:]
}

// Tree is a script tree assembled by pairing adjacent nodes level by
// level. It records the inclusion proof of every leaf.
type Tree struct {
	Leaves []Leaf
	root   []byte
	proofs [][]byte
}

type treeNode struct {
	hash   []byte
	leaves []int
}

// AssembleTree builds a tree over the given leaves.
func AssembleTree(leaves ...Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("script tree needs at least one leaf")
	}

	t := &Tree{
		Leaves: leaves,
		proofs: make([][]byte, len(leaves)),
	}
	level := make([]treeNode, len(leaves))
	for i, l := range leaves {
		level[i] = treeNode{hash: l.Hash(), leaves: []int{i}}
	}

	for len(level) > 1 {
		next := make([]treeNode, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			left, right := level[i], level[i+1]
			for _, idx := range left.leaves {
				t.proofs[idx] = append(t.proofs[idx], right.hash...)
			}
			for _, idx := range right.leaves {
				t.proofs[idx] = append(t.proofs[idx], left.hash...)
			}
			h := BranchHash(left.hash, right.hash)
			next = append(next, treeNode{
				hash:   h[:],
				leaves: append(append([]int{}, left.leaves...), right.leaves...),
			})
		}
		level = next
	}
	t.root = level[0].hash

	for _, p := range t.proofs {
		if len(p)/ControlBlockNodeSize > ControlBlockMaxNodeCount {
			return nil, ErrControlBlockLength
		}
	}
	return t, nil
}

// RootHash is the Merkle root committed in the output key.
func (t *Tree) RootHash() []byte {
	return t.root
}

// Commitment binds the tree to an internal key.
func (t *Tree) Commitment(internalKey *btcec.PublicKey) Commitment {
	return Commitment{InternalKey: internalKey, MerkleRoot: t.root}
}

// ControlBlock returns the control block spending leaf idx of the tree
// committed under internalKey.
func (t *Tree) ControlBlock(internalKey *btcec.PublicKey,
	idx int) (*ControlBlock, error) {

	if idx < 0 || idx >= len(t.Leaves) {
		return nil, errors.New("leaf index out of range")
	}
	q, err := ComputeOutputKey(internalKey, t.root)
	if err != nil {
		return nil, err
	}
	return &ControlBlock{
		LeafVersion: t.Leaves[idx].Version,
		OutputKeyYIsOdd: q.SerializeCompressed()[0] ==
			secp256k1.PubKeyFormatCompressedOdd,
		InternalKey:    internalKey,
		InclusionProof: append([]byte(nil), t.proofs[idx]...),
	}, nil
}
