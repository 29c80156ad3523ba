package differential

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/utxo"
)

// DefaultCacheSize bounds the number of cached verdicts.
const DefaultCacheSize = 10000

// mempoolTester is the part of rpcclient.Client the reference uses.
type mempoolTester interface {
	TestMempoolAccept(txns []*wire.MsgTx,
		maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error)
}

// RPCReference asks a bitcoind node through testmempoolaccept. Verdicts
// are cached by wtxid.
type RPCReference struct {
	client mempoolTester

	// MaxFeeRate is passed through; zero disables the node's fee cap so
	// high fees are never mistaken for rejections.
	MaxFeeRate float64

	cacheMu   sync.Mutex
	cache     map[chainhash.Hash]Verdict
	cacheKeys []chainhash.Hash
	cacheSize int
}

// NewRPCReference connects to a node over HTTP POST, the only mode
// bitcoind supports.
func NewRPCReference(host, user, pass string, tls bool) (*RPCReference, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   !tls,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc client for %s: %w", host, err)
	}
	return newRPCReference(client, DefaultCacheSize), nil
}

func newRPCReference(client mempoolTester, cacheSize int) *RPCReference {
	return &RPCReference{
		client:    client,
		cache:     make(map[chainhash.Hash]Verdict),
		cacheSize: cacheSize,
	}
}

func (r *RPCReference) cached(wtxid chainhash.Hash) (Verdict, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	v, ok := r.cache[wtxid]
	return v, ok
}

func (r *RPCReference) store(wtxid chainhash.Hash, v Verdict) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if _, ok := r.cache[wtxid]; ok {
		return
	}
	if len(r.cacheKeys) >= r.cacheSize && len(r.cacheKeys) > 0 {
		delete(r.cache, r.cacheKeys[0])
		r.cacheKeys = r.cacheKeys[1:]
	}
	r.cache[wtxid] = v
	r.cacheKeys = append(r.cacheKeys, wtxid)
}

type rpcReply struct {
	res []*btcjson.TestMempoolAcceptResult
	err error
}

// TestAccept implements ReferenceClient. The node checks tx against its
// own unspent set, so view is not used. The rpc client has no context
// support; a cancelled ctx abandons the call and lets it finish in the
// background.
func (r *RPCReference) TestAccept(ctx context.Context, tx *wire.MsgTx,
	view utxo.View) (Verdict, error) {

	wtxid := tx.WitnessHash()
	if v, ok := r.cached(wtxid); ok {
		return v, nil
	}

	replyChan := make(chan rpcReply, 1)
	go func() {
		res, err := r.client.TestMempoolAccept([]*wire.MsgTx{tx}, r.MaxFeeRate)
		replyChan <- rpcReply{res, err}
	}()

	var reply rpcReply
	select {
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	case reply = <-replyChan:
	}

	if reply.err != nil {
		return Verdict{}, fmt.Errorf("%w: testmempoolaccept: %v",
			ErrUnreachable, reply.err)
	}
	if len(reply.res) != 1 {
		return Verdict{}, fmt.Errorf("%w: %d results for one tx",
			ErrUnreachable, len(reply.res))
	}

	res := reply.res[0]
	v := Verdict{Accepted: true}
	if !res.Allowed {
		reason := res.RejectReason
		if reason == "" {
			reason = res.PackageError
		}
		v = RejectVerdict(reason)
	}
	r.store(wtxid, v)
	log.Tracef("reference verdict for %v: %v", tx.TxHash(), v)
	return v, nil
}
