package utxo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// maxEntryScriptSize bounds stored locking scripts. Anything larger can
// never be spent, so it is never stored.
const maxEntryScriptSize = 10000

var (
	// ErrMissingEntry is returned when a batch spends an outpoint that is
	// not in the set.
	ErrMissingEntry = errors.New("outpoint not in unspent set")

	// ErrDuplicateEntry is returned when a batch creates an outpoint that
	// already exists.
	ErrDuplicateEntry = errors.New("outpoint already in unspent set")

	errScriptTooLong = errors.New("entry script too long")
)

// Entry is an unspent output together with where it was confirmed.
type Entry struct {
	Output   wire.TxOut
	Height   int32
	Coinbase bool
}

// NewEntry copies out an unspent output created at height.
func NewEntry(out *wire.TxOut, height int32, coinbase bool) *Entry {
	script := make([]byte, len(out.PkScript))
	copy(script, out.PkScript)
	return &Entry{
		Output:   wire.TxOut{Value: out.Value, PkScript: script},
		Height:   height,
		Coinbase: coinbase,
	}
}

// String gives a short human readable form of the entry.
func (e *Entry) String() string {
	return fmt.Sprintf("h %d cb %v amt %v pks %x", e.Height, e.Coinbase,
		btcutil.Amount(e.Output.Value), e.Output.PkScript)
}

// Serialize writes the entry as
//
//	height<<1|coinbase (4B) | amount (8B) | script length (2B) | script
//
// all big endian.
func (e *Entry) Serialize(w io.Writer) error {
	if len(e.Output.PkScript) > maxEntryScriptSize {
		return fmt.Errorf("%w: %d bytes", errScriptTooLong,
			len(e.Output.PkScript))
	}
	hcb := uint32(e.Height) << 1
	if e.Coinbase {
		hcb |= 1
	}

	var hdr [14]byte
	binary.BigEndian.PutUint32(hdr[0:4], hcb)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(e.Output.Value))
	binary.BigEndian.PutUint16(hdr[12:14], uint16(len(e.Output.PkScript)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(e.Output.PkScript)
	return err
}

// SerializeSize is 14 bytes plus the script.
func (e *Entry) SerializeSize() int {
	return 14 + len(e.Output.PkScript)
}

// Deserialize reads an entry written by Serialize.
func (e *Entry) Deserialize(r io.Reader) error {
	var hdr [14]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	hcb := binary.BigEndian.Uint32(hdr[0:4])
	pkSize := binary.BigEndian.Uint16(hdr[12:14])
	if pkSize > maxEntryScriptSize {
		return fmt.Errorf("%w: %d bytes", errScriptTooLong, pkSize)
	}

	script := make([]byte, pkSize)
	if _, err := io.ReadFull(r, script); err != nil {
		return err
	}
	e.Height = int32(hcb >> 1)
	e.Coinbase = hcb&1 == 1
	e.Output = wire.TxOut{
		Value:    int64(binary.BigEndian.Uint64(hdr[4:12])),
		PkScript: script,
	}
	return nil
}

// outPointKey is the 36 byte txid || big endian index key used in the
// database.
func outPointKey(op wire.OutPoint) []byte {
	key := make([]byte, 36)
	copy(key, op.Hash[:])
	binary.BigEndian.PutUint32(key[32:], op.Index)
	return key
}
