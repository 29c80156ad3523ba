package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/config"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/mempool"
	"github.com/mit-dci/utxocheck/utxo"
	"github.com/stretchr/testify/require"
)

func TestParseOutput(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	op, e, err := parseOutput(txid + ":3 5000 51 120 coinbase")
	require.NoError(t, err)
	require.Equal(t, uint32(3), op.Index)
	require.Equal(t, txid, op.Hash.String())
	require.Equal(t, int64(5000), e.Output.Value)
	require.True(t, e.Coinbase)

	for _, bad := range []string{
		txid + " 5000 51 120",
		txid + ":x 5000 51 120",
		txid + ":0 5000 zz 120",
		txid + ":0 5000 51 120 spent",
		txid + ":0 5000 51",
		"beef:0 5000 51 120",
	} {
		_, _, err := parseOutput(bad)
		require.Error(t, err, bad)
	}
}

func testDaemon(t *testing.T) *daemon {
	t.Helper()
	cfg, _, err := config.Load([]string{"--appdata=" + t.TempDir(),
		"--regtest", "--height=1000", "--mediantime=1700000000",
		"--batchsize=2", "--inmemory"})
	require.NoError(t, err)

	d := &daemon{cfg: cfg, source: utxo.NewSet()}
	d.pool, err = mempool.New(mempool.Config{
		Validator: consensus.NewValidator(cfg.ChainContext()),
		Source:    d.source,
	})
	require.NoError(t, err)
	return d
}

func TestImportAndAdmit(t *testing.T) {
	d := testDaemon(t)

	var outputs bytes.Buffer
	fmt.Fprintln(&outputs, "# funding")
	var ops []wire.OutPoint
	for i := 0; i < 3; i++ {
		op := wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: 0}
		ops = append(ops, op)
		fmt.Fprintf(&outputs, "%v 10000 51 900\n", op)
	}
	require.NoError(t, d.importOutputs(&outputs))

	var txs bytes.Buffer
	for _, op := range ops {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		tx.AddTxOut(wire.NewTxOut(9000, []byte{0x51}))
		var raw bytes.Buffer
		require.NoError(t, tx.Serialize(&raw))
		fmt.Fprintln(&txs, hex.EncodeToString(raw.Bytes()))
	}
	fmt.Fprintln(&txs, "00")

	var out bytes.Buffer
	require.NoError(t, d.admit(context.Background(), &txs, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "accepted fee=1000")
	require.Contains(t, lines[2], "line 4: undecodable")
	require.Contains(t, lines[3], "accepted fee=1000")

	// Batches of two: the first two went together, then the third.
	require.Equal(t, uint64(2), d.pool.Stats().Batches)
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "seed")
	seed, err := loadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed, 32)

	again, err := loadSeed(path)
	require.NoError(t, err)
	require.Equal(t, seed, again)
}
