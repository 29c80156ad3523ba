package differential

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/mit-dci/utxocheck/utxo"
)

// Case is one corpus entry: a transaction and the outputs it spends.
type Case struct {
	Name string
	Tx   *wire.MsgTx
	View utxo.View
}

// Report summarizes a corpus run.
type Report struct {
	Total, Agree, Disagree, Skipped int

	// Divergences holds every Disagree outcome in corpus order.
	Divergences []Outcome
}

func (r Report) String() string {
	return fmt.Sprintf("%d cases: %d agree, %d disagree, %d skipped",
		r.Total, r.Agree, r.Disagree, r.Skipped)
}

// RunCorpus checks every case against the reference in order. It stops
// early only when ctx is done, in which case the partial report is
// returned with ctx's error.
func (h *Harness) RunCorpus(ctx context.Context, cases []Case) (Report, error) {
	var rep Report
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out := h.CheckAgainstReference(ctx, c.Tx, c.View)
		rep.Total++
		switch out.Kind {
		case Agree:
			rep.Agree++
		case Disagree:
			rep.Disagree++
			rep.Divergences = append(rep.Divergences, out)
		default:
			rep.Skipped++
		}
	}
	log.Infof("corpus run: %v", rep)
	return rep, nil
}

// Mutation kinds applied by a Mutator.
const (
	MutateVersion = iota
	MutateLockTime
	MutateSequence
	MutateValue
	MutateWitnessByte
	numMutations
)

// Mutator derives variants of base cases. The same seed and bases always
// give the same variants.
type Mutator struct {
	rng   *rand.Rand
	bases []Case

	// Rate is the chance each of up to MaxMutations rounds mutates.
	Rate         float64
	MaxMutations int
}

// NewMutator returns a Mutator over bases with every round mutating.
func NewMutator(seed int64, bases []Case) *Mutator {
	return &Mutator{
		rng:          rand.New(rand.NewSource(seed)),
		bases:        bases,
		Rate:         1,
		MaxMutations: 3,
	}
}

// Generate returns n variants. Each spends the same outputs as its base
// and shares the base's view.
func (m *Mutator) Generate(n int) []Case {
	if len(m.bases) == 0 {
		return nil
	}
	cases := make([]Case, 0, n)
	for i := 0; i < n; i++ {
		bi := m.rng.Intn(len(m.bases))
		base := m.bases[bi]
		tx := base.Tx.Copy()

		rounds := 1
		if m.MaxMutations > 1 {
			rounds += m.rng.Intn(m.MaxMutations)
		}
		var applied []int
		for r := 0; r < rounds; r++ {
			if m.rng.Float64() >= m.Rate {
				continue
			}
			kind := m.rng.Intn(numMutations)
			m.mutate(tx, kind)
			applied = append(applied, kind)
		}
		cases = append(cases, Case{
			Name: fmt.Sprintf("%s/%d%v", base.Name, i, applied),
			Tx:   tx,
			View: base.View,
		})
	}
	return cases
}

func (m *Mutator) mutate(tx *wire.MsgTx, kind int) {
	switch kind {
	case MutateVersion:
		tx.Version = 1 + m.rng.Int31n(4)

	case MutateLockTime:
		tx.LockTime = m.rng.Uint32()

	case MutateSequence:
		if len(tx.TxIn) == 0 {
			return
		}
		tx.TxIn[m.rng.Intn(len(tx.TxIn))].Sequence = m.rng.Uint32()

	case MutateValue:
		if len(tx.TxOut) == 0 {
			return
		}
		tx.TxOut[m.rng.Intn(len(tx.TxOut))].Value =
			m.rng.Int63n(btcutil.MaxSatoshi + 1)

	case MutateWitnessByte:
		if len(tx.TxIn) == 0 {
			return
		}
		in := tx.TxIn[m.rng.Intn(len(tx.TxIn))]
		var target []byte
		if len(in.Witness) > 0 {
			target = in.Witness[m.rng.Intn(len(in.Witness))]
		} else {
			target = in.SignatureScript
		}
		if len(target) == 0 {
			return
		}
		target[m.rng.Intn(len(target))] ^= byte(1 + m.rng.Intn(255))
	}
}
