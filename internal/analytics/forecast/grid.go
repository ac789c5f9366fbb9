package forecast

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// GridSearch enumerates candidate SARIMA orders. Each field lists the
// values tried for the corresponding order term.
type GridSearch struct {
	P  []int
	D  []int
	Q  []int
	SP []int
	SD []int
	SQ []int

	// Workers bounds concurrent fits; zero uses the number of CPUs.
	Workers int
}

// Candidate is one (order, seasonal order) pair evaluated by the search.
type Candidate struct {
	Order         Order
	SeasonalOrder SeasonalOrder
}

// Candidates returns the cross product in enumeration order, skipping
// tuples with neither seasonal AR nor seasonal MA terms.
func (g GridSearch) Candidates(period int) []Candidate {
	var out []Candidate
	for _, p := range g.P {
		for _, q := range g.Q {
			for _, d := range g.D {
				for _, sp := range g.SP {
					for _, sd := range g.SD {
						for _, sq := range g.SQ {
							if sp == 0 && sq == 0 {
								continue
							}
							out = append(out, Candidate{
								Order:         Order{P: p, D: d, Q: q},
								SeasonalOrder: SeasonalOrder{P: sp, D: sd, Q: sq, S: period},
							})
						}
					}
				}
			}
		}
	}
	return out
}

func (g GridSearch) workers() int {
	if g.Workers > 0 {
		return g.Workers
	}
	return runtime.NumCPU()
}

// Search fits every candidate on a bounded worker pool and returns the
// model with the lowest AIC. Ties go to the earliest candidate. Candidates
// that fail to fit are skipped.
func (g GridSearch) Search(ctx context.Context, y []float64, period, maxEvaluations int) (*SeasonalParams, error) {
	cands := g.Candidates(period)
	if len(cands) == 0 {
		return nil, &FitError{Kind: KindSeasonal, Reason: ReasonNoCandidate, Detail: "grid search has no candidates"}
	}

	results := make([]*SeasonalParams, len(cands))
	failures := make([]error, len(cands))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers())
	for i, c := range cands {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			params, err := fitSARIMA(y, c.Order, c.SeasonalOrder, nil, maxEvaluations)
			if err != nil {
				if IsFitError(err) {
					failures[i] = err
					return nil
				}
				return fmt.Errorf("candidate %s x %s: %w", c.Order, c.SeasonalOrder, err)
			}
			results[i] = params
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var best *SeasonalParams
	for _, r := range results {
		if r != nil && (best == nil || r.AIC < best.AIC) {
			best = r
		}
	}
	if best == nil {
		return nil, &FitError{
			Kind:   KindSeasonal,
			Reason: ReasonNoCandidate,
			Detail: fmt.Sprintf("all %d candidates failed", len(cands)),
			Err:    failures[0],
		}
	}
	return best, nil
}
