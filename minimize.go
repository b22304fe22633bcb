package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
	"gonum.org/v1/gonum/optimize"
)

var ErrBounds = errors.New("invalid bounds")

// Minimizer searches the box [lower, upper] for the minimum of eval,
// starting from x0 where the method uses a starting point
type Minimizer interface {
	Run(eval func([]float64) float64, lower, upper, x0 []float64) (
		best []float64, cost float64, err error)
}

// NewMinimizer returns the minimizer called name
func NewMinimizer(name string, maxIter, pop int, seed int64) (Minimizer, error) {
	switch name {
	case "mayfly", "":
		return &Mayfly{MaxIter: maxIter, Pop: pop, Seed: seed}, nil
	case "nelder-mead", "neldermead":
		return &NelderMead{MaxIter: maxIter}, nil
	}
	return nil, fmt.Errorf("unknown minimizer %q", name)
}

func checkBounds(lower, upper, x0 []float64) error {
	if len(lower) != len(upper) || (x0 != nil && len(x0) != len(lower)) {
		return fmt.Errorf("%w: %d lower, %d upper, %d start", ErrBounds,
			len(lower), len(upper), len(x0))
	}
	for i := range lower {
		if !(lower[i] <= upper[i]) {
			return fmt.Errorf("%w: coordinate %d: [%g, %g]", ErrBounds,
				i, lower[i], upper[i])
		}
	}
	return nil
}

// Mayfly runs the mayfly swarm algorithm. The library only takes a
// single scalar bound, so the search happens in the unit box and every
// point is mapped onto [lower, upper] before evaluation
type Mayfly struct {
	MaxIter int
	Pop     int
	Seed    int64
}

func (m *Mayfly) Run(eval func([]float64) float64, lower, upper, x0 []float64) (
	[]float64, float64, error) {
	if err := checkBounds(lower, upper, x0); err != nil {
		return nil, 0, err
	}
	if m.Pop <= 0 {
		return nil, 0, fmt.Errorf("%w: population %d", ErrBounds, m.Pop)
	}
	dim := len(lower)
	scale := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range x {
			x[i] = lower[i] + clamp(u[i], 0, 1)*(upper[i]-lower[i])
		}
		return x
	}
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 { return eval(scale(u)) }
	config.ProblemSize = dim
	config.MaxIterations = m.MaxIter
	// both populations and the offspring pairs index the same swarm
	config.NPop = m.Pop
	config.NPopF = m.Pop
	if config.NC > m.Pop {
		config.NC = m.Pop
	}
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.Seed))
	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}
	return scale(result.GlobalBest.Position), result.GlobalBest.Cost, nil
}

// NelderMead runs gonum's simplex method from x0, with evaluations
// outside the box clamped onto it
type NelderMead struct {
	MaxIter int
}

func (n *NelderMead) Run(eval func([]float64) float64, lower, upper, x0 []float64) (
	[]float64, float64, error) {
	if err := checkBounds(lower, upper, x0); err != nil {
		return nil, 0, err
	}
	if x0 == nil {
		x0 = make([]float64, len(lower))
		for i := range x0 {
			x0[i] = (lower[i] + upper[i]) / 2
		}
	}
	box := func(x []float64) []float64 {
		ret := make([]float64, len(x))
		for i := range x {
			ret[i] = clamp(x[i], lower[i], upper[i])
		}
		return ret
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return eval(box(x)) },
	}
	settings := &optimize.Settings{
		MajorIterations: n.MaxIter,
		FuncEvaluations: n.MaxIter * (len(x0) + 1),
	}
	result, err := optimize.Minimize(problem, box(x0), settings,
		&optimize.NelderMead{})
	if result == nil || len(result.X) != len(x0) {
		if err == nil {
			err = errors.New("no result")
		}
		return nil, 0, fmt.Errorf("nelder-mead: %w", err)
	}
	// running out of iterations still leaves a usable best point
	return box(result.X), result.F, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
