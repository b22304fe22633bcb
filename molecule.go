package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
)

var ErrPrerequisiteMissing = errors.New("baseline energy not computed")

// DegenerateThreshold is the smallest magnitude accepted for a total
// energy; anything below it is taken as a placeholder, not a result
const DegenerateThreshold = 1e-8

// Kind selects which of the two energies of a molecule is wanted
type Kind int

const (
	// Reference is the full calculation with a density optimization
	Reference Kind = iota
	// Evaluation re-evaluates the functional on a frozen density
	Evaluation
)

func (k Kind) String() string {
	switch k {
	case Reference:
		return "full"
	case Evaluation:
		return "func"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "full", "reference":
		return Reference, nil
	case "func", "evaluation":
		return Evaluation, nil
	}
	return 0, fmt.Errorf("unknown energy kind %q", s)
}

// Tiers describes which parameter groups each kind of energy depends on
type Tiers struct {
	Reference  GroupSet
	Evaluation GroupSet
	Eps        float64
	// Checkpoint the store after every successful reference
	// calculation
	Checkpoint bool
}

func (t Tiers) deps(k Kind) GroupSet {
	if k == Reference {
		return t.Reference
	}
	return t.Evaluation
}

// cached is one memoized energy together with the parameters it was
// computed with
type cached struct {
	energy float64
	snap   Params
	valid  bool
}

// Molecule is a single geometry of the training set. Its two energies
// are cached separately and only recomputed when the parameters that
// energy depends on have changed
type Molecule struct {
	ID      string
	Name    string
	Dataset string
	Path    string

	store *Store
	eval  Evaluator
	tiers Tiers

	mu       sync.Mutex
	full     cached
	baseline float64
	fun      cached
}

// NewMolecule loads the molecule whose geometry is at path, which is
// expected to look like <dataset>/geometry/<name>.xyz
func NewMolecule(path string, store *Store, eval Evaluator, tiers Tiers) *Molecule {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	base := filepath.Base(abs)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	dset := filepath.Base(filepath.Dir(filepath.Dir(abs)))
	m := &Molecule{
		ID:      dset + "." + name,
		Name:    name,
		Dataset: dset,
		Path:    abs,
		store:   store,
		eval:    eval,
		tiers:   tiers,
	}
	slog.Debug("loaded molecule", "molecule", m.ID, "path", m.Path)
	return m
}

func (m *Molecule) String() string { return "Molecule-" + m.ID }

func (m *Molecule) tier(k Kind) *cached {
	if k == Reference {
		return &m.full
	}
	return &m.fun
}

func (m *Molecule) fresh(k Kind, live Params) bool {
	c := m.tier(k)
	return c.valid && c.snap.EqualIn(live, m.tiers.deps(k), m.tiers.Eps)
}

// Fresh reports whether the cached energy of kind k is still valid for
// the current parameters
func (m *Molecule) Fresh(k Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fresh(k, m.store.Current())
}

// Energy returns the energy of kind k
func (m *Molecule) Energy(ctx context.Context, k Kind) (float64, error) {
	if k == Reference {
		return m.ReferenceEnergy(ctx)
	}
	return m.EvaluationEnergy(ctx)
}

// ReferenceEnergy returns the full energy, running the reference
// calculation if the reference parameters changed since the last one
func (m *Molecule) ReferenceEnergy(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.store.Current()
	if m.fresh(Reference, live) {
		return m.full.energy, nil
	}
	slog.Debug("reference energy started", "molecule", m.ID)
	total, xc, disp, err := m.eval.Reference(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("molecule %s: %w", m.ID, err)
	}
	if !(math.Abs(total) >= DegenerateThreshold) {
		return 0, fmt.Errorf("molecule %s: %w: %g", m.ID,
			ErrDegenerateEnergy, total)
	}
	m.full = cached{energy: total, snap: live, valid: true}
	m.baseline = total - xc - disp
	// the evaluation energy was built on the old baseline
	m.fun.valid = false
	slog.Debug("reference energy done", "molecule", m.ID,
		"energy", total, "baseline", m.baseline)
	if m.tiers.Checkpoint {
		m.store.Checkpoint()
	}
	return total, nil
}

// EvaluationEnergy returns the baseline plus the functional correction
// on the frozen density. The reference calculation must have been done
// at least once
func (m *Molecule) EvaluationEnergy(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full.valid {
		return 0, fmt.Errorf("molecule %s: %w", m.ID, ErrPrerequisiteMissing)
	}
	live := m.store.Current()
	if m.fresh(Evaluation, live) {
		return m.fun.energy, nil
	}
	corr, err := m.eval.Evaluation(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("molecule %s: %w", m.ID, err)
	}
	m.fun = cached{energy: m.baseline + corr, snap: live, valid: true}
	slog.Debug("evaluation energy done", "molecule", m.ID,
		"energy", m.fun.energy)
	return m.fun.energy, nil
}
