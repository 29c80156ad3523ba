package utxo

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func TestEntrySerialize(t *testing.T) {
	entries := []*Entry{
		NewEntry(wire.NewTxOut(0, nil), 0, false),
		NewEntry(wire.NewTxOut(5000, []byte{0x51}), 1, true),
		NewEntry(wire.NewTxOut(2100000000000000,
			bytes.Repeat([]byte{0xab}, 520)), 840000, false),
	}
	for _, e := range entries {
		var buf bytes.Buffer
		require.NoError(t, e.Serialize(&buf))
		require.Equal(t, e.SerializeSize(), buf.Len())

		var got Entry
		require.NoError(t, got.Deserialize(&buf))
		require.Equal(t, e.Height, got.Height)
		require.Equal(t, e.Coinbase, got.Coinbase)
		require.Equal(t, e.Output.Value, got.Output.Value)
		require.Equal(t, len(e.Output.PkScript), len(got.Output.PkScript))
	}

	// The height and coinbase flag share one word.
	var buf bytes.Buffer
	require.NoError(t, NewEntry(wire.NewTxOut(1, nil), 3, true).Serialize(&buf))
	require.Equal(t, []byte{0, 0, 0, 7}, buf.Bytes()[:4])

	big := NewEntry(wire.NewTxOut(1, make([]byte, maxEntryScriptSize+1)), 0, false)
	require.Error(t, big.Serialize(&buf))

	var short Entry
	require.Error(t, short.Deserialize(bytes.NewReader([]byte{0, 1})))
}

func fundingTx(values ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xee}}, nil, nil))
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(v, []byte{0x51}))
	}
	return tx
}

func seed(t *testing.T, src Source, tx *wire.MsgTx) {
	t.Helper()
	b := NewBatch(100)
	for i, out := range tx.TxOut {
		b.AddEntry(wire.OutPoint{Hash: tx.TxHash(), Index: uint32(i)},
			NewEntry(out, 100, false))
	}
	require.NoError(t, src.ApplyBatch(b))
}

// exerciseSource runs the same scenario against any Source.
func exerciseSource(t *testing.T, src Source) {
	fund := fundingTx(1000, 2000)
	seed(t, src, fund)

	before, err := src.Snapshot()
	require.NoError(t, err)
	defer before.Release()

	op0 := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	op1 := wire.OutPoint{Hash: fund.TxHash(), Index: 1}
	e, ok := before.LookupEntry(op0)
	require.True(t, ok)
	require.EqualValues(t, 1000, e.Output.Value)

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(&op0, nil, nil))
	spend.AddTxOut(wire.NewTxOut(900, []byte{0x51}))
	spend.AddTxOut(wire.NewTxOut(0, []byte{0x6a, 0x01, 0x00}))

	// A child spending the new output in the same batch cancels it.
	child := wire.NewMsgTx(2)
	child.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: spend.TxHash()}, nil, nil))
	child.AddTxOut(wire.NewTxOut(800, []byte{0x52}))

	b := NewBatch(101)
	b.AddTx(spend)
	b.AddTx(child)
	require.NoError(t, src.ApplyBatch(b))

	after, err := src.Snapshot()
	require.NoError(t, err)
	defer after.Release()
	require.Equal(t, before.Version()+1, after.Version())

	// The old snapshot is unchanged.
	_, ok = before.LookupEntry(op0)
	require.True(t, ok)

	_, ok = after.LookupEntry(op0)
	require.False(t, ok)
	_, ok = after.LookupEntry(op1)
	require.True(t, ok)
	_, ok = after.LookupEntry(wire.OutPoint{Hash: spend.TxHash()})
	require.False(t, ok)
	_, ok = after.LookupEntry(wire.OutPoint{Hash: spend.TxHash(), Index: 1})
	require.False(t, ok, "OP_RETURN outputs are never stored")
	got, ok := after.LookupEntry(wire.OutPoint{Hash: child.TxHash()})
	require.True(t, ok)
	require.EqualValues(t, 101, got.Height)

	// Spending something missing fails and changes nothing.
	bad := NewBatch(102)
	bad.Spend(op1)
	bad.Spend(op0)
	require.ErrorIs(t, src.ApplyBatch(bad), ErrMissingEntry)

	final, err := src.Snapshot()
	require.NoError(t, err)
	defer final.Release()
	require.Equal(t, after.Version(), final.Version())
	_, ok = final.LookupEntry(op1)
	require.True(t, ok)

	// Re-creating an existing output is refused.
	dup := NewBatch(102)
	dup.AddEntry(op1, NewEntry(wire.NewTxOut(1, nil), 102, false))
	require.ErrorIs(t, src.ApplyBatch(dup), ErrDuplicateEntry)
}

func TestSet(t *testing.T) {
	exerciseSource(t, NewSet())
}

func TestStore(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	store := NewStore(db)
	defer store.Close()

	exerciseSource(t, store)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utxo.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	exerciseSource(t, store)
	require.NoError(t, store.Close())

	// Entries survive a reopen; the version counter does not.
	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.Snapshot()
	require.NoError(t, err)
	require.Zero(t, snap.Version())
	fund := fundingTx(1000, 2000)
	_, ok := snap.LookupEntry(wire.OutPoint{Hash: fund.TxHash(), Index: 1})
	require.True(t, ok)
	snap.Release()
	snap.Release()
}

func TestSetFlattens(t *testing.T) {
	s := NewSet()
	var ops []wire.OutPoint
	for i := 0; i < maxOverlayDepth*3; i++ {
		b := NewBatch(int32(i))
		op := wire.OutPoint{Hash: chainhash.Hash{byte(i)}, Index: uint32(i)}
		b.AddEntry(op, NewEntry(wire.NewTxOut(int64(i), nil), int32(i), false))
		if i > 0 {
			b.Spend(ops[i-1])
		}
		ops = append(ops, op)
		require.NoError(t, s.ApplyBatch(b))
	}
	require.Equal(t, 1, s.Len())
	require.LessOrEqual(t, s.cur.Load().depth, maxOverlayDepth)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.EqualValues(t, maxOverlayDepth*3, snap.Version())
	_, ok := snap.LookupEntry(ops[len(ops)-1])
	require.True(t, ok)
	_, ok = snap.LookupEntry(ops[0])
	require.False(t, ok)
}
