package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/log"
	"github.com/mit-dci/utxocheck/mempool"
	"github.com/mit-dci/utxocheck/utxo"
)

const maxLineLen = 4 << 20

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	return sc
}

// parseOutput reads "<txid>:<index> <value> <pkscript hex> <height> [coinbase]".
func parseOutput(line string) (wire.OutPoint, *utxo.Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 && len(fields) != 5 {
		return wire.OutPoint{}, nil, fmt.Errorf("want 4 or 5 fields, got %d",
			len(fields))
	}
	op, err := parseOutPoint(fields[0])
	if err != nil {
		return wire.OutPoint{}, nil, err
	}
	value, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return wire.OutPoint{}, nil, fmt.Errorf("value: %w", err)
	}
	script, err := hex.DecodeString(fields[2])
	if err != nil {
		return wire.OutPoint{}, nil, fmt.Errorf("script: %w", err)
	}
	height, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return wire.OutPoint{}, nil, fmt.Errorf("height: %w", err)
	}
	coinbase := len(fields) == 5 && fields[4] == "coinbase"
	if len(fields) == 5 && !coinbase {
		return wire.OutPoint{}, nil, fmt.Errorf("unknown flag %q", fields[4])
	}
	return op, utxo.NewEntry(wire.NewTxOut(value, script), int32(height),
		coinbase), nil
}

func parseOutPoint(s string) (wire.OutPoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return wire.OutPoint{}, fmt.Errorf("outpoint %q has no index", s)
	}
	hash, err := chainhash.NewHashFromStr(s[:i])
	if err != nil {
		return wire.OutPoint{}, err
	}
	index, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("outpoint index: %w", err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(index)}, nil
}

// importOutputs adds unspent outputs to the set in one batch. Blank lines
// and lines starting with # are skipped.
func (d *daemon) importOutputs(r io.Reader) error {
	batch := utxo.NewBatch(d.cfg.Height)
	sc := newScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		op, e, err := parseOutput(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		batch.AddEntry(op, e)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := d.source.ApplyBatch(batch); err != nil {
		return err
	}
	log.Main.Infof("imported %d outputs", batch.Len())
	return nil
}

// admit reads one hex transaction per line and admits them in batches,
// printing one verdict line per transaction.
func (d *daemon) admit(ctx context.Context, r io.Reader, w io.Writer) error {
	var pending []*wire.MsgTx
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		res, err := d.pool.AdmitBatch(ctx, pending)
		if res != nil {
			for _, e := range res.Entries {
				writeEntry(w, e)
			}
		}
		pending = pending[:0]
		return err
	}

	sc := newScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			fmt.Fprintf(w, "line %d: undecodable: %v\n", n, err)
			continue
		}
		pending = append(pending, tx)
		if len(pending) >= d.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

func writeEntry(w io.Writer, e mempool.Entry) {
	switch e.Status {
	case mempool.Accepted:
		fmt.Fprintf(w, "%v accepted fee=%d weight=%d\n", e.TxID, e.Result.Fee,
			e.Result.Weight)
	case mempool.Conflicted:
		fmt.Fprintf(w, "%v conflicted with=%v\n", e.TxID, e.ConflictsWith)
	default:
		fmt.Fprintf(w, "%v rejected %v\n", e.TxID, e.Result.Err)
	}
}

// signPSBT signs a base64 packet with every key we hold and writes it
// back in base64.
func (d *daemon) signPSBT(ctx context.Context, r io.Reader, w io.Writer) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(bytes.TrimSpace(raw)), true)
	if err != nil {
		return fmt.Errorf("decode psbt: %w", err)
	}
	res, err := d.psbt.Sign(ctx, p)
	if err != nil {
		return err
	}
	out, err := p.B64Encode()
	if err != nil {
		return err
	}
	log.Main.Infof("added %d signatures", res.Signatures())
	_, err = fmt.Fprintln(w, out)
	return err
}

func readSeed(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return seed, nil
}

func writeSeed(path string, seed []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0600)
}
