package differential

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/outscript"
	"github.com/mit-dci/utxocheck/util"
	"github.com/mit-dci/utxocheck/utxo"
	"github.com/stretchr/testify/require"
)

const (
	tipHeight = 800000
	tipTime   = 1700000000
)

func testValidator() *consensus.Validator {
	return consensus.NewValidator(consensus.ChainContext{
		Height:         tipHeight,
		MedianTimePast: tipTime,
		Params:         &chaincfg.RegressionNetParams,
	})
}

func testKey(seed byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return priv
}

func p2wpkhCase(t *testing.T, seed byte, inValue, outValue int64) Case {
	t.Helper()
	key := testKey(seed)
	pkScript := outscript.WitnessProgramScript(0,
		btcutil.Hash160(key.PubKey().SerializeCompressed()))
	op := wire.OutPoint{Hash: chainhash.Hash{seed, 0x01}, Index: 0}
	view := utxo.MapView{
		op: utxo.NewEntry(wire.NewTxOut(inValue, pkScript), tipHeight-10, false),
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(outValue, pkScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, inValue)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(tx, hashes, 0, inValue,
		pkScript, txscript.SigHashAll, key, true)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness
	return Case{Name: "p2wpkh", Tx: tx, View: view}
}

func p2pkhCase(t *testing.T, seed byte, inValue, outValue int64) Case {
	t.Helper()
	key := testKey(seed)
	pkScript := outscript.PayToPubKeyHashScript(
		btcutil.Hash160(key.PubKey().SerializeCompressed()))
	op := wire.OutPoint{Hash: chainhash.Hash{seed, 0x02}, Index: 1}
	view := utxo.MapView{
		op: utxo.NewEntry(wire.NewTxOut(inValue, pkScript), tipHeight-10, false),
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(outValue, pkScript))

	sigScript, err := txscript.SignatureScript(tx, 0, pkScript,
		txscript.SigHashAll, key, true)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	return Case{Name: "p2pkh", Tx: tx, View: view}
}

// fakeNode answers testmempoolaccept from a canned function.
type fakeNode struct {
	mu     sync.Mutex
	calls  int
	answer func(tx *wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error)
}

func (f *fakeNode) TestMempoolAccept(txns []*wire.MsgTx,
	maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error) {

	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	res, err := f.answer(txns[0])
	if err != nil {
		return nil, err
	}
	return []*btcjson.TestMempoolAcceptResult{res}, nil
}

func (f *fakeNode) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rejectWith(reason string) func(*wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error) {
	return func(tx *wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error) {
		return &btcjson.TestMempoolAcceptResult{
			Txid:         tx.TxHash().String(),
			Allowed:      false,
			RejectReason: reason,
		}, nil
	}
}

func allow(tx *wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error) {
	return &btcjson.TestMempoolAcceptResult{
		Txid:    tx.TxHash().String(),
		Allowed: true,
	}, nil
}

var fastConfig = Config{
	Workers:     1,
	QueueSize:   4,
	CallTimeout: time.Second,
	Backoff: util.Backoff{
		Attempts: 3,
		Base:     time.Millisecond,
		Max:      2 * time.Millisecond,
	},
}

func TestRejectVerdict(t *testing.T) {
	v := RejectVerdict("mandatory-script-verify-flag-failed (Signature must be zero for failed CHECK(MULTI)SIG operation)")
	require.Equal(t, consensus.RuleScriptMandatory, v.Rule)
	require.False(t, v.Policy)

	v = RejectVerdict("missing-inputs")
	require.Equal(t, consensus.RuleMissingInputs, v.Rule)

	v = RejectVerdict("min relay fee not met, 0 < 110")
	require.True(t, v.Policy)
	require.Empty(t, v.Rule)

	v = RejectVerdict("something-new")
	require.False(t, v.Policy)
	require.Empty(t, v.Rule)
}

func TestHarnessOutcomes(t *testing.T) {
	good := p2wpkhCase(t, 0x01, 100000, 99000)
	overspend := p2wpkhCase(t, 0x02, 100000, 100001)

	tests := []struct {
		name   string
		c      Case
		answer func(*wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error)
		kind   Kind
	}{
		{"both accept", good, allow, Agree},
		{"both reject", overspend, rejectWith("bad-txns-in-belowout"), Agree},
		{"reference rejects", good, rejectWith("bad-txns-in-belowout"), Disagree},
		{"reference accepts", overspend, allow, Disagree},
		{"different rule", overspend, rejectWith("bad-txns-inputs-duplicate"), Disagree},
		{"reference policy", good, rejectWith("dust"), Skipped},
		{"unmapped reason", overspend, rejectWith("something-new"), Skipped},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			node := &fakeNode{answer: test.answer}
			sink := &MemorySink{}
			h := NewHarness(fastConfig, newRPCReference(node, 10),
				testValidator(), sink)

			out := h.CheckAgainstReference(context.Background(),
				test.c.Tx, test.c.View)
			require.Equal(t, test.kind, out.Kind, "%v", out)

			if test.kind == Disagree {
				require.Len(t, sink.Divergences(), 1)
				var derr *DivergenceError
				require.True(t, errors.As(out.Err(), &derr))
				require.Equal(t, consensus.ConsensusDivergence,
					consensus.ClassOf(out.Err()))
				require.EqualValues(t, 1, h.Stats().Disagree)
			} else {
				require.Empty(t, sink.Divergences())
				require.NoError(t, out.Err())
			}
		})
	}
}

func TestHarnessUnreachable(t *testing.T) {
	c := p2wpkhCase(t, 0x01, 100000, 99000)
	node := &fakeNode{answer: func(*wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error) {
		return nil, errors.New("connection refused")
	}}
	h := NewHarness(fastConfig, newRPCReference(node, 10), testValidator(), nil)

	out := h.CheckAgainstReference(context.Background(), c.Tx, c.View)
	require.Equal(t, Skipped, out.Kind)
	require.Contains(t, out.Reason, "connection refused")
	require.Equal(t, fastConfig.Backoff.Attempts, node.callCount())

	// Failures are not cached.
	node.answer = allow
	out = h.CheckAgainstReference(context.Background(), c.Tx, c.View)
	require.Equal(t, Agree, out.Kind)
	require.Equal(t, fastConfig.Backoff.Attempts+1, node.callCount())
}

func TestRPCReferenceCache(t *testing.T) {
	a := p2wpkhCase(t, 0x01, 100000, 99000)
	b := p2wpkhCase(t, 0x02, 100000, 99000)
	node := &fakeNode{answer: allow}
	ref := newRPCReference(node, 1)
	ctx := context.Background()

	_, err := ref.TestAccept(ctx, a.Tx, nil)
	require.NoError(t, err)
	_, err = ref.TestAccept(ctx, a.Tx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, node.callCount())

	// b evicts a.
	_, err = ref.TestAccept(ctx, b.Tx, nil)
	require.NoError(t, err)
	_, err = ref.TestAccept(ctx, a.Tx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, node.callCount())
}

func TestRPCReferenceCancelled(t *testing.T) {
	c := p2wpkhCase(t, 0x01, 100000, 99000)
	release := make(chan struct{})
	defer close(release)
	node := &fakeNode{answer: func(tx *wire.MsgTx) (*btcjson.TestMempoolAcceptResult, error) {
		<-release
		return allow(tx)
	}}
	ref := newRPCReference(node, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ref.TestAccept(ctx, c.Tx, nil)
	require.ErrorIs(t, err, ErrUnreachable)
}

// chanSink hands divergences to a channel.
type chanSink chan Divergence

func (c chanSink) Divergence(d Divergence) { c <- d }

func TestSubmit(t *testing.T) {
	c := p2wpkhCase(t, 0x01, 100000, 99000)
	node := &fakeNode{answer: rejectWith("bad-txns-in-belowout")}
	sink := make(chanSink, 1)
	v := testValidator()
	h := NewHarness(fastConfig, newRPCReference(node, 10), v, sink)

	local := v.Validate(c.Tx, c.View, consensus.FailFast)
	require.True(t, local.Accepted)

	h.Start()
	require.True(t, h.Submit(c.Tx, c.View, local))

	select {
	case d := <-sink:
		require.Equal(t, Disagree, d.Outcome.Kind)
		require.Equal(t, c.Tx.TxHash(), d.Outcome.TxID)
	case <-time.After(5 * time.Second):
		t.Fatal("audit never completed")
	}
	h.Stop()

	require.False(t, h.Submit(c.Tx, c.View, local))
	stats := h.Stats()
	require.EqualValues(t, 1, stats.Disagree)
	require.EqualValues(t, 1, stats.Dropped)
	require.EqualValues(t, 1, stats.Skipped)
}

func TestSubmitQueueFull(t *testing.T) {
	c := p2wpkhCase(t, 0x01, 100000, 99000)
	node := &fakeNode{answer: allow}
	cfg := fastConfig
	cfg.QueueSize = 1
	v := testValidator()
	h := NewHarness(cfg, newRPCReference(node, 10), v, nil)
	local := v.Validate(c.Tx, c.View, consensus.FailFast)

	// Not started, so nothing drains the queue.
	require.True(t, h.Submit(c.Tx, c.View, local))
	require.False(t, h.Submit(c.Tx, c.View, local))
	require.EqualValues(t, 1, h.Stats().Dropped)
	require.EqualValues(t, 1, h.Stats().Skipped)
	require.Zero(t, node.callCount())
}

func TestMutatorDeterministic(t *testing.T) {
	bases := []Case{
		p2wpkhCase(t, 0x01, 100000, 99000),
		p2pkhCase(t, 0x02, 50000, 40000),
	}
	a := NewMutator(42, bases).Generate(20)
	b := NewMutator(42, bases).Generate(20)
	require.Len(t, a, 20)
	for i := range a {
		require.Equal(t, a[i].Name, b[i].Name)
		require.Equal(t, a[i].Tx.WitnessHash(), b[i].Tx.WitnessHash())
	}

	// Bases are untouched.
	require.Equal(t, int64(99000), bases[0].Tx.TxOut[0].Value)
	require.EqualValues(t, 2, bases[0].Tx.Version)
}

func TestCorpusAgreesWithBtcd(t *testing.T) {
	bases := []Case{
		p2wpkhCase(t, 0x01, 100000, 99000),
		p2wpkhCase(t, 0x02, 100000, 100001),
		p2pkhCase(t, 0x03, 50000, 40000),
		p2pkhCase(t, 0x04, 50000, 60000),
	}
	cases := append([]Case{}, bases...)
	cases = append(cases, NewMutator(7, bases).Generate(200)...)

	ref := &BtcdReference{
		Height:         tipHeight,
		MedianTimePast: time.Unix(tipTime, 0),
		Params:         &chaincfg.RegressionNetParams,
	}
	sink := &MemorySink{}
	h := NewHarness(fastConfig, ref, testValidator(), sink)

	rep, err := h.RunCorpus(context.Background(), cases)
	require.NoError(t, err)
	require.Equal(t, len(cases), rep.Total)
	require.Zero(t, rep.Disagree, "%v", rep.Divergences)
	require.Empty(t, sink.Divergences())
	require.GreaterOrEqual(t, rep.Agree, len(bases))
}

func TestRunCorpusCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewHarness(fastConfig, &BtcdReference{Params: &chaincfg.RegressionNetParams},
		testValidator(), nil)
	rep, err := h.RunCorpus(ctx, []Case{p2wpkhCase(t, 0x01, 100000, 99000)})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, rep.Total)
}
