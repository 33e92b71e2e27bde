package fitting

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"tractscore/pkg/peaks"
	"tractscore/pkg/tractogram"
)

// Selection records one round of greedy forward selection: the winning
// bundle, its fit at the moment of selection, and the residual field after
// subtracting its contribution.
type Selection struct {
	Bundle   *tractogram.Bundle
	Result   *Result
	Residual *peaks.Field
	Round    int
}

// roundState is the immutable per-round state of the greedy search. Each
// round produces a fresh state instead of mutating shared loop variables,
// which keeps round-by-round behavior testable in isolation.
type roundState struct {
	residual *peaks.Field
	rmse     float64
	pool     []*tractogram.Bundle
}

// candidateFit is the outcome of trying one candidate in one round.
type candidateFit struct {
	res *Result
	err error
}

// SelectGreedy repeatedly fits every remaining candidate bundle against the
// current residual field and selects, per round, the single candidate whose
// fit yields the strictly lowest RMSE. The winner's contribution is
// subtracted (its fit residual becomes the next round's field) and the
// search continues until no candidate improves on the current RMSE or the
// pool is exhausted. Ties break toward the earliest candidate in pool order.
//
// baselineRMSE is the RMSE the first round must improve on, typically the
// anchor fit's RMSE. A non-positive baseline means there is no anchor
// constraint and the first round always selects the best-fitting candidate.
//
// Candidate fits within a round are independent and run in parallel; results
// are reduced in pool order so the output is deterministic. Empty bundles
// are never considered.
func SelectGreedy(field *peaks.Field, pool []*tractogram.Bundle, mask *peaks.Mask, opts Options, baselineRMSE float64, log logrus.FieldLogger) ([]Selection, error) {
	log = ensureLogger(log)

	opts.Regularization = RegNone
	opts.FitPerFiber = false

	if baselineRMSE <= 0 {
		baselineRMSE = math.Inf(1)
	}

	state := roundState{residual: field, rmse: baselineRMSE, pool: filterEmpty(pool)}
	var selections []Selection

	for round := 1; len(state.pool) > 0; round++ {
		fits := make([]candidateFit, len(state.pool))
		var wg sync.WaitGroup
		for i := range state.pool {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := Fit(state.residual, []*tractogram.Bundle{state.pool[i]}, mask, opts, nil)
				fits[i] = candidateFit{res: res, err: err}
			}(i)
		}
		wg.Wait()

		best := -1
		bestRMSE := state.rmse
		for i, f := range fits {
			if f.err != nil {
				return nil, f.err
			}
			if f.res.RMSE < bestRMSE {
				bestRMSE = f.res.RMSE
				best = i
			}
		}
		if best < 0 {
			log.WithField("round", round).Info("no candidate improves the fit, stopping")
			break
		}

		winner := state.pool[best]
		selections = append(selections, Selection{
			Bundle:   winner,
			Result:   fits[best].res,
			Residual: fits[best].res.Residual,
			Round:    round,
		})
		log.WithFields(logrus.Fields{
			"round":  round,
			"bundle": winner.Name,
			"rmse":   bestRMSE,
		}).Info("selected candidate")

		nextPool := make([]*tractogram.Bundle, 0, len(state.pool)-1)
		for i, b := range state.pool {
			if i != best {
				nextPool = append(nextPool, b)
			}
		}
		state = roundState{
			residual: fits[best].res.Residual,
			rmse:     bestRMSE,
			pool:     nextPool,
		}
	}

	return selections, nil
}

// filterEmpty drops bundles without fibers from the candidate pool; they can
// never explain signal and must not occupy selection rounds.
func filterEmpty(pool []*tractogram.Bundle) []*tractogram.Bundle {
	out := make([]*tractogram.Bundle, 0, len(pool))
	for _, b := range pool {
		if b.NumFibers() > 0 {
			out = append(out, b)
		}
	}
	return out
}
