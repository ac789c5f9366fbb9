package forecast

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// penalty is returned by objectives for parameter regions that diverge.
const penalty = 1e100

var errNonFinite = errors.New("objective did not reach a finite minimum")

// minimize runs Nelder-Mead from x0. Hitting the evaluation budget is not
// an error; the best point found so far is returned.
func minimize(f func([]float64) float64, x0 []float64, maxEvaluations int) ([]float64, float64, error) {
	if len(x0) == 0 {
		return nil, f(nil), nil
	}
	problem := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		FuncEvaluations: maxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 200,
		},
	}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if res == nil {
		if err == nil {
			err = errNonFinite
		}
		return nil, 0, err
	}
	if math.IsNaN(res.F) || math.IsInf(res.F, 0) || res.F >= penalty {
		return nil, res.F, errNonFinite
	}
	return res.X, res.F, nil
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func allZero(vs []float64) bool {
	for _, v := range vs {
		if v != 0 {
			return false
		}
	}
	return true
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}
