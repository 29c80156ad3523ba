package interpreter

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// SigHashType is the hash type byte appended to a signature. It selects
// which parts of the transaction the signature commits to.
type SigHashType uint32

const (
	SigHashDefault      SigHashType = 0x00
	SigHashAll          SigHashType = 0x01
	SigHashNone         SigHashType = 0x02
	SigHashSingle       SigHashType = 0x03
	SigHashAnyOneCanPay SigHashType = 0x80

	sigHashMask = 0x1f
)

var tagTapSighash = []byte("TapSighash")

// PrevOutFetcher returns the output spent by an outpoint, or nil.
type PrevOutFetcher interface {
	FetchPrevOutput(wire.OutPoint) *wire.TxOut
}

// PrevOutMap is a PrevOutFetcher over a map.
type PrevOutMap map[wire.OutPoint]*wire.TxOut

// FetchPrevOutput implements PrevOutFetcher.
func (m PrevOutMap) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	return m[op]
}

// TxSigHashes holds the per-transaction midstate hashes shared by every
// input's witness v0 and taproot signature hash. Computing them once per
// transaction keeps signature hashing linear in the number of inputs.
type TxSigHashes struct {
	HashPrevOutsV0 chainhash.Hash
	HashSequenceV0 chainhash.Hash
	HashOutputsV0  chainhash.Hash

	HashPrevOutsV1     chainhash.Hash
	HashSequenceV1     chainhash.Hash
	HashOutputsV1      chainhash.Hash
	HashInputAmountsV1 chainhash.Hash
	HashInputScriptsV1 chainhash.Hash

	// taprootReady is false if some prevout could not be fetched, in
	// which case taproot signature hashes cannot be computed.
	taprootReady bool
}

// NewTxSigHashes computes the midstate hashes of tx.
func NewTxSigHashes(tx *wire.MsgTx, prevOuts PrevOutFetcher) *TxSigHashes {
	var prevOutBuf, seqBuf, outBuf, amtBuf, scriptBuf bytes.Buffer
	var b [8]byte

	h := &TxSigHashes{taprootReady: prevOuts != nil}
	for _, in := range tx.TxIn {
		prevOutBuf.Write(in.PreviousOutPoint.Hash[:])
		binary.LittleEndian.PutUint32(b[:4], in.PreviousOutPoint.Index)
		prevOutBuf.Write(b[:4])

		binary.LittleEndian.PutUint32(b[:4], in.Sequence)
		seqBuf.Write(b[:4])

		if !h.taprootReady {
			continue
		}
		prev := prevOuts.FetchPrevOutput(in.PreviousOutPoint)
		if prev == nil {
			h.taprootReady = false
			continue
		}
		binary.LittleEndian.PutUint64(b[:], uint64(prev.Value))
		amtBuf.Write(b[:])
		_ = wire.WriteVarBytes(&scriptBuf, 0, prev.PkScript)
	}
	for _, out := range tx.TxOut {
		_ = wire.WriteTxOut(&outBuf, 0, 0, out)
	}

	h.HashPrevOutsV1 = chainhash.HashH(prevOutBuf.Bytes())
	h.HashSequenceV1 = chainhash.HashH(seqBuf.Bytes())
	h.HashOutputsV1 = chainhash.HashH(outBuf.Bytes())
	h.HashInputAmountsV1 = chainhash.HashH(amtBuf.Bytes())
	h.HashInputScriptsV1 = chainhash.HashH(scriptBuf.Bytes())

	// BIP143 uses the double hash of the same data.
	h.HashPrevOutsV0 = chainhash.HashH(h.HashPrevOutsV1[:])
	h.HashSequenceV0 = chainhash.HashH(h.HashSequenceV1[:])
	h.HashOutputsV0 = chainhash.HashH(h.HashOutputsV1[:])
	return h
}

func writeUint32(w io.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint64(w io.Writer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeOutPoint(w io.Writer, op *wire.OutPoint) {
	w.Write(op.Hash[:])
	writeUint32(w, op.Index)
}

// CalcSignatureHash computes the legacy signature hash of input idx. The
// script code must already have signature pushes removed.
func CalcSignatureHash(scriptCode []byte, hashType SigHashType,
	tx *wire.MsgTx, idx int) []byte {

	// The SIGHASH_SINGLE bug: an input without a matching output signs
	// the number one.
	if hashType&sigHashMask == SigHashSingle && idx >= len(tx.TxOut) {
		var one chainhash.Hash
		one[0] = 0x01
		return one[:]
	}
	scriptCode = removeCodeSeparators(scriptCode)

	txCopy := wire.MsgTx{Version: tx.Version, LockTime: tx.LockTime}
	txCopy.TxIn = make([]*wire.TxIn, len(tx.TxIn))
	for i, in := range tx.TxIn {
		c := *in
		c.Witness = nil
		c.SignatureScript = nil
		if i == idx {
			c.SignatureScript = scriptCode
		}
		txCopy.TxIn[i] = &c
	}
	txCopy.TxOut = make([]*wire.TxOut, len(tx.TxOut))
	for i, out := range tx.TxOut {
		c := *out
		txCopy.TxOut[i] = &c
	}

	switch hashType & sigHashMask {
	case SigHashNone:
		txCopy.TxOut = txCopy.TxOut[:0]
		for i := range txCopy.TxIn {
			if i != idx {
				txCopy.TxIn[i].Sequence = 0
			}
		}

	case SigHashSingle:
		txCopy.TxOut = txCopy.TxOut[:idx+1]
		for i := 0; i < idx; i++ {
			txCopy.TxOut[i].Value = -1
			txCopy.TxOut[i].PkScript = nil
		}
		for i := range txCopy.TxIn {
			if i != idx {
				txCopy.TxIn[i].Sequence = 0
			}
		}
	}

	if hashType&SigHashAnyOneCanPay != 0 {
		txCopy.TxIn = txCopy.TxIn[idx : idx+1]
	}

	var buf bytes.Buffer
	buf.Grow(txCopy.SerializeSizeStripped() + 4)
	_ = txCopy.SerializeNoWitness(&buf)
	writeUint32(&buf, uint32(hashType))
	return chainhash.DoubleHashB(buf.Bytes())
}

// CalcWitnessV0SignatureHash computes the BIP143 signature hash of input
// idx spending amount.
func CalcWitnessV0SignatureHash(scriptCode []byte, hashes *TxSigHashes,
	hashType SigHashType, tx *wire.MsgTx, idx int, amount int64) []byte {

	var zero chainhash.Hash
	var buf bytes.Buffer
	base := hashType & sigHashMask
	anyoneCanPay := hashType&SigHashAnyOneCanPay != 0

	writeUint32(&buf, uint32(tx.Version))

	if !anyoneCanPay {
		buf.Write(hashes.HashPrevOutsV0[:])
	} else {
		buf.Write(zero[:])
	}
	if !anyoneCanPay && base != SigHashSingle && base != SigHashNone {
		buf.Write(hashes.HashSequenceV0[:])
	} else {
		buf.Write(zero[:])
	}

	in := tx.TxIn[idx]
	writeOutPoint(&buf, &in.PreviousOutPoint)
	_ = wire.WriteVarBytes(&buf, 0, scriptCode)
	writeUint64(&buf, uint64(amount))
	writeUint32(&buf, in.Sequence)

	switch {
	case base != SigHashSingle && base != SigHashNone:
		buf.Write(hashes.HashOutputsV0[:])
	case base == SigHashSingle && idx < len(tx.TxOut):
		var out bytes.Buffer
		_ = wire.WriteTxOut(&out, 0, 0, tx.TxOut[idx])
		h := chainhash.DoubleHashH(out.Bytes())
		buf.Write(h[:])
	default:
		buf.Write(zero[:])
	}

	writeUint32(&buf, tx.LockTime)
	writeUint32(&buf, uint32(hashType))
	return chainhash.DoubleHashB(buf.Bytes())
}

// taprootSigHashOpts carries the parts of the BIP341 message that depend
// on the spend path.
type taprootSigHashOpts struct {
	annex []byte

	// Set for tapscript (extension flag 1).
	tapscript   bool
	tapLeafHash []byte
	codeSepPos  uint32
}

func isValidTaprootSigHash(hashType SigHashType) bool {
	switch hashType {
	case SigHashDefault, SigHashAll, SigHashNone, SigHashSingle,
		SigHashAll | SigHashAnyOneCanPay,
		SigHashNone | SigHashAnyOneCanPay,
		SigHashSingle | SigHashAnyOneCanPay:
		return true
	}
	return false
}

// calcTaprootSignatureHash computes the BIP341 signature message digest.
func calcTaprootSignatureHash(hashes *TxSigHashes, hashType SigHashType,
	tx *wire.MsgTx, idx int, prevOuts PrevOutFetcher,
	opts *taprootSigHashOpts) ([]byte, error) {

	if !isValidTaprootSigHash(hashType) {
		return nil, scriptErrorf(ErrSighashTypeInvalid,
			"invalid taproot sighash type %#x", uint32(hashType))
	}
	if !hashes.taprootReady {
		return nil, scriptError(ErrMissingPrevOut,
			"taproot signature hash needs every spent output")
	}

	outType := hashType & 0x03
	if hashType == SigHashDefault {
		outType = SigHashAll
	}
	anyoneCanPay := hashType&SigHashAnyOneCanPay != 0
	if outType == SigHashSingle && idx >= len(tx.TxOut) {
		return nil, scriptErrorf(ErrSighashTypeInvalid,
			"SIGHASH_SINGLE for input %d without a matching output", idx)
	}

	var buf bytes.Buffer
	buf.WriteByte(0x00) // epoch
	buf.WriteByte(byte(hashType))
	writeUint32(&buf, uint32(tx.Version))
	writeUint32(&buf, tx.LockTime)

	if !anyoneCanPay {
		buf.Write(hashes.HashPrevOutsV1[:])
		buf.Write(hashes.HashInputAmountsV1[:])
		buf.Write(hashes.HashInputScriptsV1[:])
		buf.Write(hashes.HashSequenceV1[:])
	}
	if outType == SigHashAll {
		buf.Write(hashes.HashOutputsV1[:])
	}

	var spendType byte
	if opts.tapscript {
		spendType = 2
	}
	if opts.annex != nil {
		spendType |= 1
	}
	buf.WriteByte(spendType)

	in := tx.TxIn[idx]
	if anyoneCanPay {
		prev := prevOuts.FetchPrevOutput(in.PreviousOutPoint)
		if prev == nil {
			return nil, scriptErrorf(ErrMissingPrevOut,
				"missing spent output for input %d", idx)
		}
		writeOutPoint(&buf, &in.PreviousOutPoint)
		writeUint64(&buf, uint64(prev.Value))
		_ = wire.WriteVarBytes(&buf, 0, prev.PkScript)
		writeUint32(&buf, in.Sequence)
	} else {
		writeUint32(&buf, uint32(idx))
	}

	if opts.annex != nil {
		var a bytes.Buffer
		_ = wire.WriteVarBytes(&a, 0, opts.annex)
		h := chainhash.HashH(a.Bytes())
		buf.Write(h[:])
	}
	if outType == SigHashSingle {
		var out bytes.Buffer
		_ = wire.WriteTxOut(&out, 0, 0, tx.TxOut[idx])
		h := chainhash.HashH(out.Bytes())
		buf.Write(h[:])
	}
	if opts.tapscript {
		buf.Write(opts.tapLeafHash)
		buf.WriteByte(0x00) // key version
		writeUint32(&buf, opts.codeSepPos)
	}

	h := chainhash.TaggedHash(tagTapSighash, buf.Bytes())
	return h[:], nil
}

// CalcTaprootSignatureHash computes the key path signature hash of input
// idx. It is exported for signers.
func CalcTaprootSignatureHash(hashes *TxSigHashes, hashType SigHashType,
	tx *wire.MsgTx, idx int, prevOuts PrevOutFetcher, annex []byte) ([]byte, error) {

	return calcTaprootSignatureHash(hashes, hashType, tx, idx, prevOuts,
		&taprootSigHashOpts{annex: annex})
}

// CalcTapscriptSignatureHash computes the script path signature hash of
// input idx for the leaf with the given hash, assuming no code separator
// was executed.
func CalcTapscriptSignatureHash(hashes *TxSigHashes, hashType SigHashType,
	tx *wire.MsgTx, idx int, prevOuts PrevOutFetcher,
	tapLeafHash []byte) ([]byte, error) {

	return calcTaprootSignatureHash(hashes, hashType, tx, idx, prevOuts,
		&taprootSigHashOpts{
			tapscript:   true,
			tapLeafHash: tapLeafHash,
			codeSepPos:  0xffffffff,
		})
}
