package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Projection maps the anonymous vectors of a minimizer onto named
// scalar parameters. It is the only place that accepts a bare vector
type Projection struct {
	store *Store
	names []string
	keys  []Key
}

// NewProjection parses names once. Every name must address a single
// coordinate, and no coordinate may appear twice
func NewProjection(store *Store, names []string) (*Projection, error) {
	p := &Projection{
		store: store,
		names: append([]string(nil), names...),
		keys:  make([]Key, len(names)),
	}
	seen := make(map[Key]bool, len(names))
	for i, name := range names {
		k, err := ParseKey(name)
		if err != nil {
			return nil, err
		}
		// cxhf and omega are single-slot groups; name them by slot
		if k.Index < 0 && k.Group.Size() == 1 {
			k.Index = 0
		}
		if k.Size() != 1 {
			return nil, fmt.Errorf("%w: %s is a group of %d",
				ErrShapeMismatch, name, k.Size())
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: %s given twice", ErrInvalidKey, name)
		}
		seen[k] = true
		p.keys[i] = k
	}
	return p, nil
}

func (p *Projection) Len() int { return len(p.keys) }

func (p *Projection) Names() []string { return p.names }

// Apply writes x into the store
func (p *Projection) Apply(x []float64) error {
	if len(x) != len(p.keys) {
		return fmt.Errorf("%w: got %d values for %d coordinates",
			ErrDimensionMismatch, len(x), len(p.keys))
	}
	vals := make(map[Key][]float64, len(x))
	for i, k := range p.keys {
		vals[k] = []float64{x[i]}
	}
	return p.store.SetNamed(vals)
}

// Initial returns the current values of the projected coordinates
func (p *Projection) Initial() []float64 {
	cur := p.store.Current()
	ret := make([]float64, len(p.keys))
	for i, k := range p.keys {
		ret[i] = cur.Get(k)[0]
	}
	return ret
}

// Aggregator is anything that can report the per-system errors of the
// training data for the current parameters
type Aggregator interface {
	Errors(ctx context.Context, k Kind) (*mat.VecDense, error)
}

// objective adapts Apply followed by an aggregate MAE to the plain
// function a Minimizer wants. The first error sticks: every later call
// returns +Inf without touching the store, and the error is reported
// once the minimizer returns
type objective struct {
	ctx  context.Context
	proj *Projection
	agg  Aggregator
	kind Kind

	calls int
	err   error
}

func (o *objective) eval(x []float64) float64 {
	if o.err != nil {
		return math.Inf(1)
	}
	if err := o.ctx.Err(); err != nil {
		o.err = err
		return math.Inf(1)
	}
	o.calls++
	if err := o.proj.Apply(x); err != nil {
		o.err = err
		return math.Inf(1)
	}
	errs, err := o.agg.Errors(o.ctx, o.kind)
	if err != nil {
		o.err = err
		return math.Inf(1)
	}
	mae := meanAbs(errs)
	slog.Info("objective", "PAR", formatCoords(x), "MAE", mae,
		"kind", o.kind, "call", o.calls, "moved", o.proj.store.Changed())
	return mae
}

func formatCoords(x []float64) string {
	s := make([]string, len(x))
	for i, v := range x {
		s[i] = fmt.Sprintf("%.8f", v)
	}
	return strings.Join(s, " ")
}

// Optimizer alternates reference recomputations with minimizations of
// the cheaper evaluation energies until the parameters stop moving
type Optimizer struct {
	Store      *Store
	Projection *Projection
	Aggregator Aggregator
	Minimizer  Minimizer
	Lower      []float64
	Upper      []float64
	// energy kind minimized inside a round
	Kind Kind
	// give up after Rounds rounds; 0 means until converged
	Rounds int
	// per-round table
	Out io.Writer
}

// Run performs the rounds and returns the final parameters
func (o *Optimizer) Run(ctx context.Context) (Params, error) {
	n := o.Projection.Len()
	if len(o.Lower) != n || len(o.Upper) != n {
		return o.Store.Current(), fmt.Errorf("%w: %d coordinates, %d lower, %d upper",
			ErrDimensionMismatch, n, len(o.Lower), len(o.Upper))
	}
	out := o.Out
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "%17s%12s%12s%12s%8s%12s\n",
		"kcal/mol", "kcal/mol", "kcal/mol", "kcal/mol", "", "s")
	fmt.Fprintf(out, "%5s%12s%12s%12s%12s%8s%12s\n",
		"Round", "MAE", "ΔMAE", "RMSD", "Max", "N", "Time")
	var (
		lastMAE float64
		start   = time.Now()
	)
	for round := 0; o.Rounds <= 0 || round < o.Rounds; round++ {
		errs, err := o.Aggregator.Errors(ctx, Reference)
		if err != nil {
			return o.Store.Current(), fmt.Errorf("round %d: %w", round, err)
		}
		sum := Summarize(errs)
		o.Store.Checkpoint()
		fmt.Fprintf(out, "%5d%12.4f%12.4f%12.4f%12.4f%8d%12.1f\n",
			round, sum.MAE, sum.MAE-lastMAE, sum.RMSD, sum.Max, sum.N,
			time.Since(start).Seconds())
		slog.Info("round started", "round", round, "MAE", sum.MAE,
			"params", formatCoords(o.Projection.Initial()))
		start = time.Now()
		lastMAE = sum.MAE

		obj := &objective{
			ctx:  ctx,
			proj: o.Projection,
			agg:  o.Aggregator,
			kind: o.Kind,
		}
		best, cost, err := o.Minimizer.Run(obj.eval, o.Lower, o.Upper,
			o.Projection.Initial())
		if obj.err != nil {
			return o.Store.Current(), fmt.Errorf("round %d: %w", round, obj.err)
		}
		if err != nil {
			return o.Store.Current(), fmt.Errorf("round %d: %w", round, err)
		}
		if err := o.Projection.Apply(best); err != nil {
			return o.Store.Current(), fmt.Errorf("round %d: %w", round, err)
		}
		slog.Info("round finished", "round", round, "MAE", cost,
			"kind", o.Kind, "evaluations", obj.calls,
			"params", formatCoords(best))
		if o.Store.Converged() {
			slog.Info("parameters converged", "round", round)
			break
		}
	}
	return o.Store.Current(), nil
}
