package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrIdentityCollision = errors.New("molecule identity already taken")
	ErrUnknownMolecule   = errors.New("unknown molecule")
)

// Registry owns every Molecule of a run, at most one per identity, and
// refreshes the ones that are needed in parallel
type Registry struct {
	store *Store
	eval  Evaluator
	tiers Tiers
	procs int

	// held for the whole of a refresh pass
	refresh sync.Mutex

	mu     sync.RWMutex
	mols   map[string]*Molecule
	order  []string
	needed map[string]struct{}

	// needed molecules whose evaluation energy nothing uses
	refOnly map[string]struct{}
}

// NewRegistry returns an empty Registry that refreshes at most procs
// molecules at a time
func NewRegistry(store *Store, eval Evaluator, tiers Tiers, procs int) *Registry {
	if procs <= 0 {
		procs = runtime.NumCPU()
	}
	return &Registry{
		store:   store,
		eval:    eval,
		tiers:   tiers,
		procs:   procs,
		mols:    make(map[string]*Molecule),
		needed:  make(map[string]struct{}),
		refOnly: make(map[string]struct{}),
	}
}

// LoadOrGet returns the molecule name of the dataset in dsetDir,
// creating it the first time it is asked for
func (r *Registry) LoadOrGet(name, dsetDir string) (*Molecule, error) {
	mols, err := r.LoadOrGetAll([]string{name}, dsetDir)
	if err != nil {
		return nil, err
	}
	return mols[0], nil
}

// LoadOrGetAll is LoadOrGet for several molecules of one dataset. Either
// every molecule is returned or none of them is registered
func (r *Registry) LoadOrGetAll(names []string, dsetDir string) ([]*Molecule, error) {
	mols := make([]*Molecule, len(names))
	for i, name := range names {
		path := filepath.Join(dsetDir, "geometry", name+".xyz")
		mols[i] = NewMolecule(path, r.store, r.eval, r.tiers)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make(map[string]string, len(mols))
	for _, mol := range mols {
		prev, ok := paths[mol.ID]
		if !ok {
			if old, have := r.mols[mol.ID]; have {
				prev, ok = old.Path, true
			}
		}
		if ok && prev != mol.Path {
			return nil, fmt.Errorf("%w: %s is %s, not %s",
				ErrIdentityCollision, mol.ID, prev, mol.Path)
		}
		paths[mol.ID] = mol.Path
	}
	for i, mol := range mols {
		if old, ok := r.mols[mol.ID]; ok {
			slog.Debug("molecule already loaded", "molecule", mol.ID)
			mols[i] = old
			continue
		}
		r.mols[mol.ID] = mol
		r.order = append(r.order, mol.ID)
	}
	return mols, nil
}

// Get returns the molecule with identity id
func (r *Registry) Get(id string) (*Molecule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mol, ok := r.mols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMolecule, id)
	}
	return mol, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mols)
}

// MarkNeeded adds ids to the set of molecules handled by Refresh
func (r *Registry) MarkNeeded(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.needed[id] = struct{}{}
	}
}

// SetEvaluated records, for each molecule in used, whether any system
// uses its evaluation energy. Refresh(ctx, Evaluation) skips the ones
// mapped to false
func (r *Registry) SetEvaluated(used map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ok := range used {
		if ok {
			delete(r.refOnly, id)
		} else {
			r.refOnly[id] = struct{}{}
		}
	}
}

// Needed returns the sorted identities of the needed molecules
func (r *Registry) Needed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.needed))
	for id := range r.needed {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// Report describes the outcome of one Refresh
type Report struct {
	Kind Kind
	// Skipped is set when another refresh was already running and
	// nothing was done
	Skipped  bool
	Computed []string
	Failed   map[string]error
}

// Err joins the errors of every failed molecule
func (rep Report) Err() error {
	ids := make([]string, 0, len(rep.Failed))
	for id := range rep.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, rep.Failed[id])
	}
	return errors.Join(errs...)
}

// Refresh computes the energy of kind k for every needed molecule whose
// cached value is stale. If a refresh is already in progress it returns
// at once with Skipped set. A molecule that fails is recorded in the
// report without stopping the others; only cancellation of ctx is
// returned as an error
func (r *Registry) Refresh(ctx context.Context, k Kind) (Report, error) {
	rep := Report{Kind: k, Failed: make(map[string]error)}
	if !r.refresh.TryLock() {
		slog.Debug("refresh already running", "kind", k)
		rep.Skipped = true
		return rep, nil
	}
	defer r.refresh.Unlock()

	todo := r.stale(k)
	if len(todo) == 0 {
		return rep, nil
	}
	slog.Info("refreshing molecules", "kind", k, "count", len(todo),
		"procs", r.procs)
	start := time.Now()

	done := make([]*Molecule, len(todo))
	errs := make([]error, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.procs)
	for i, mol := range todo {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := mol.Energy(gctx, k); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs[i] = err
				return nil
			}
			done[i] = mol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	for i, mol := range todo {
		if errs[i] != nil {
			slog.Error("molecule failed", "molecule", mol.ID, "kind", k,
				"error", errs[i])
			rep.Failed[mol.ID] = errs[i]
		}
	}
	r.merge(done)
	for _, mol := range done {
		if mol != nil {
			rep.Computed = append(rep.Computed, mol.ID)
		}
	}
	slog.Info("refresh done", "kind", k, "computed", len(rep.Computed),
		"failed", len(rep.Failed), "elapsed", time.Since(start))
	return rep, nil
}

func (r *Registry) stale(k Kind) []*Molecule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret []*Molecule
	for _, id := range r.order {
		if _, ok := r.needed[id]; !ok {
			continue
		}
		if _, ok := r.refOnly[id]; ok && k == Evaluation {
			continue
		}
		mol := r.mols[id]
		if !mol.Fresh(k) {
			ret = append(ret, mol)
		}
	}
	return ret
}

// merge puts computed molecules back by identity, replacing an existing
// entry or appending a new one
func (r *Registry) merge(mols []*Molecule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mol := range mols {
		if mol == nil {
			continue
		}
		if _, ok := r.mols[mol.ID]; !ok {
			r.order = append(r.order, mol.ID)
		}
		r.mols[mol.ID] = mol
	}
}
