package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// HtToKcal converts hartree to kcal/mol
const HtToKcal = 627.5096080305927

// Errors
var (
	ErrRuleShape      = errors.New("malformed rule")
	ErrEmptyAggregate = errors.New("no systems left to average")
	ErrSystemFailed   = errors.New("system energy unavailable")
)

const (
	ruleFile        = "rule.dat"
	blacklistFile   = "blacklist.dat"
	fulldftlistFile = "fulldftlist.dat"
)

// System is a reaction or interaction energy: a linear combination of
// molecular energies that should reproduce Ref
type System struct {
	ID        string
	Name      string
	Dataset   string
	Molecules []string
	Coeffs    []int
	Ref       float64

	Blacklisted     bool
	ForcedReference bool

	reg *Registry
}

// parseRule splits a rule line of the form
//
//	name mol1 ... molN c1 ... cN reference
func parseRule(line string) (name string, mols []string, coeffs []int,
	ref float64, err error) {
	fields := strings.Fields(line)
	n := len(fields) - 2
	if n < 2 || n%2 != 0 {
		err = fmt.Errorf("%w: %d fields in %q", ErrRuleShape,
			len(fields), line)
		return
	}
	n /= 2
	name = fields[0]
	mols = fields[1 : n+1]
	coeffs = make([]int, n)
	for i, f := range fields[n+1 : 2*n+1] {
		coeffs[i], err = strconv.Atoi(f)
		if err != nil {
			err = fmt.Errorf("%w: coefficient %q in %q", ErrRuleShape,
				f, line)
			return
		}
	}
	ref, err = strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		err = fmt.Errorf("%w: reference %q in %q", ErrRuleShape,
			fields[len(fields)-1], line)
	}
	return
}

// NewSystem parses line and registers the molecules it needs. Nothing is
// registered for a malformed line or a colliding molecule
func NewSystem(line, dsetDir string, reg *Registry) (*System, error) {
	name, names, coeffs, ref, err := parseRule(line)
	if err != nil {
		return nil, err
	}
	dset := filepath.Base(dsetDir)
	sys := &System{
		ID:      dset + "." + name,
		Name:    name,
		Dataset: dset,
		Coeffs:  coeffs,
		Ref:     ref,
		reg:     reg,
	}
	mols, err := reg.LoadOrGetAll(names, dsetDir)
	if err != nil {
		return nil, err
	}
	for _, mol := range mols {
		sys.Molecules = append(sys.Molecules, mol.ID)
	}
	reg.MarkNeeded(sys.Molecules...)
	slog.Debug("loaded system", "system", sys.ID,
		"molecules", sys.Molecules, "rule", sys.Coeffs, "ref", sys.Ref)
	return sys, nil
}

func (s *System) String() string { return "System-" + s.ID }

// CombinedEnergy applies the rule to the molecular energies of kind k
// and converts the result to kcal/mol
func (s *System) CombinedEnergy(ctx context.Context, k Kind) (float64, error) {
	if s.Blacklisted {
		slog.Warn("energy of blacklisted system requested", "system", s.ID)
	}
	if s.ForcedReference && k == Evaluation {
		slog.Debug("forced reference energy", "system", s.ID)
		k = Reference
	}
	energies := make([]float64, 0, len(s.Molecules))
	for _, id := range s.Molecules {
		mol, err := s.reg.Get(id)
		if err != nil {
			return 0, err
		}
		e, err := mol.Energy(ctx, k)
		if err != nil {
			return 0, err
		}
		energies = append(energies, e)
	}
	return combine(s.Coeffs, energies)
}

func combine(coeffs []int, energies []float64) (float64, error) {
	if len(coeffs) != len(energies) {
		return 0, fmt.Errorf("%w: %d energies for %d coefficients",
			ErrRuleShape, len(energies), len(coeffs))
	}
	c := make([]float64, len(coeffs))
	for i, v := range coeffs {
		c[i] = float64(v)
	}
	return HtToKcal * floats.Dot(c, energies), nil
}

// Error is the deviation of the combined energy from the reference
func (s *System) Error(ctx context.Context, k Kind) (float64, error) {
	e, err := s.CombinedEnergy(ctx, k)
	if err != nil {
		return 0, err
	}
	return e - s.Ref, nil
}

// failed returns the refresh error of the first of s's molecules that
// failed in rep. Evaluation failures are ignored for a forced system,
// which never uses those energies
func (s *System) failed(rep Report) error {
	if s.ForcedReference && rep.Kind == Evaluation {
		return nil
	}
	for _, id := range s.Molecules {
		if err, ok := rep.Failed[id]; ok {
			return err
		}
	}
	return nil
}

// systemErrors computes the error of every system in systems. Blacklisted
// systems are computed but not returned. A system that cannot be
// computed fails the whole call unless exclude is set
func systemErrors(ctx context.Context, systems []*System, k Kind,
	rep Report, exclude bool) (*mat.VecDense, error) {
	errs := make([]float64, 0, len(systems))
	var left int
	for _, sys := range systems {
		err := sys.failed(rep)
		var e float64
		if err == nil {
			e, err = sys.Error(ctx, k)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case sys.Blacklisted:
			if err != nil {
				slog.Warn("blacklisted system failed", "system", sys.ID,
					"error", err)
			}
			continue
		case err != nil && errors.Is(err, ErrRuleShape):
			return nil, err
		case err != nil && exclude:
			slog.Warn("system left out", "system", sys.ID, "error", err)
			left++
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: %s: %v", ErrSystemFailed, sys.ID, err)
		}
		errs = append(errs, e)
	}
	if left > 0 {
		slog.Warn("systems left out of the error", "kind", k,
			"count", left, "refresh", rep.Err())
	}
	if len(errs) == 0 {
		return nil, ErrEmptyAggregate
	}
	return mat.NewVecDense(len(errs), errs), nil
}

func meanAbs(v *mat.VecDense) float64 {
	abs := make([]float64, v.Len())
	for i := range abs {
		abs[i] = math.Abs(v.AtVec(i))
	}
	return stat.Mean(abs, nil)
}

// nameSet is a persisted list of names, one per line
type nameSet map[string]struct{}

func readNameSet(filename string) (nameSet, error) {
	ret := make(nameSet)
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return ret, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ret[line] = struct{}{}
	}
	return ret, scanner.Err()
}

func (ns nameSet) sorted() []string {
	ret := make([]string, 0, len(ns))
	for n := range ns {
		ret = append(ret, n)
	}
	sort.Strings(ret)
	return ret
}

func (ns nameSet) flush(filename string) error {
	var b strings.Builder
	for _, n := range ns.sorted() {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return writeAtomic(filename, []byte(b.String()))
}

// DataSet is the collection of systems described by the rule file of
// one dataset directory
type DataSet struct {
	Name    string
	Dir     string
	Systems []*System
	// leave systems that could not be computed out of the average
	// instead of failing
	ExcludeFailed bool

	blacklist nameSet
	forced    nameSet
	reg       *Registry
}

// LoadDataSet reads dir/rule.dat and the dataset's persisted lists
func LoadDataSet(dir string, reg *Registry) (*DataSet, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	ds := &DataSet{
		Name: filepath.Base(abs),
		Dir:  abs,
		reg:  reg,
	}
	f, err := os.Open(filepath.Join(abs, ruleFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for i := 1; scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sys, err := NewSystem(line, abs, reg)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.Name(), i, err)
		}
		ds.Systems = append(ds.Systems, sys)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if ds.blacklist, err = readNameSet(ds.listPath(blacklistFile)); err != nil {
		return nil, err
	}
	if ds.forced, err = readNameSet(ds.listPath(fulldftlistFile)); err != nil {
		return nil, err
	}
	for _, sys := range ds.Systems {
		_, sys.Blacklisted = ds.blacklist[sys.Name]
		_, sys.ForcedReference = ds.forced[sys.Name]
	}
	ds.markEvaluated()
	slog.Debug("loaded dataset", "dataset", ds.Name,
		"systems", len(ds.Systems))
	return ds, nil
}

func (ds *DataSet) listPath(name string) string {
	return filepath.Join(ds.Dir, name)
}

// System returns the system called name, or nil
func (ds *DataSet) System(name string) *System {
	for _, sys := range ds.Systems {
		if sys.Name == name {
			return sys
		}
	}
	return nil
}

// Blacklist returns the names of the blacklisted systems
func (ds *DataSet) Blacklist() []string { return ds.blacklist.sorted() }

// ForcedList returns the names of the systems always computed with the
// reference calculation
func (ds *DataSet) ForcedList() []string { return ds.forced.sorted() }

// AddToBlacklist blacklists the named systems and saves the list
func (ds *DataSet) AddToBlacklist(names ...string) error {
	return ds.addTo(ds.blacklist, blacklistFile, names, func(s *System) {
		s.Blacklisted = true
		slog.Info("system blacklisted", "system", s.ID)
	})
}

// AddToForced makes the named systems always use the reference
// calculation and saves the list
func (ds *DataSet) AddToForced(names ...string) error {
	defer ds.markEvaluated()
	return ds.addTo(ds.forced, fulldftlistFile, names, func(s *System) {
		s.ForcedReference = true
		slog.Info("system forced to reference", "system", s.ID)
	})
}

// markEvaluated tells the registry which molecules of the dataset still
// need evaluation energies: those of a system that is not forced
func (ds *DataSet) markEvaluated() {
	used := make(map[string]bool)
	for _, sys := range ds.Systems {
		for _, id := range sys.Molecules {
			used[id] = used[id] || !sys.ForcedReference
		}
	}
	ds.reg.SetEvaluated(used)
}

func (ds *DataSet) addTo(set nameSet, file string, names []string,
	mark func(*System)) error {
	var changed bool
	for _, name := range names {
		sys := ds.System(name)
		if sys == nil {
			slog.Warn("no such system", "dataset", ds.Name, "system", name)
			continue
		}
		mark(sys)
		if _, ok := set[name]; !ok {
			set[name] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return set.flush(ds.listPath(file))
}

// Errors refreshes the molecules and returns the error of every
// non-blacklisted system, in kcal/mol
func (ds *DataSet) Errors(ctx context.Context, k Kind) (*mat.VecDense, error) {
	rep, err := ds.reg.Refresh(ctx, k)
	if err != nil {
		return nil, err
	}
	return systemErrors(ctx, ds.Systems, k, rep, ds.ExcludeFailed)
}

// MeanAbsoluteError is the mean of |Error| over the non-blacklisted
// systems. It is NaN, with an error, when there is nothing to average
func (ds *DataSet) MeanAbsoluteError(ctx context.Context, k Kind) (float64, error) {
	errs, err := ds.Errors(ctx, k)
	if err != nil {
		return math.NaN(), err
	}
	return meanAbs(errs), nil
}

// TrainingSet is every dataset listed in a manifest file
type TrainingSet struct {
	Name     string
	Dir      string
	DataSets []*DataSet
	// see DataSet.ExcludeFailed
	ExcludeFailed bool

	blacklist nameSet
	forced    nameSet
	reg       *Registry
}

// LoadTrainingSet reads the manifest dir/manifest, loads every dataset
// it names, and applies the training set's blacklist and forced list
func LoadTrainingSet(dir, manifest string, reg *Registry) (*TrainingSet, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	ts := &TrainingSet{
		Name: strings.TrimSuffix(manifest, filepath.Ext(manifest)),
		Dir:  abs,
		reg:  reg,
	}
	f, err := os.Open(filepath.Join(abs, manifest))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ds, err := LoadDataSet(filepath.Join(abs, line), reg)
		if err != nil {
			return nil, err
		}
		ts.DataSets = append(ts.DataSets, ds)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if ts.blacklist, err = readNameSet(ts.listPath(blacklistFile)); err != nil {
		return nil, err
	}
	if ts.forced, err = readNameSet(ts.listPath(fulldftlistFile)); err != nil {
		return nil, err
	}
	if err := ts.distribute(ts.blacklist.sorted(), (*DataSet).AddToBlacklist); err != nil {
		return nil, err
	}
	if err := ts.distribute(ts.forced.sorted(), (*DataSet).AddToForced); err != nil {
		return nil, err
	}
	slog.Info("loaded training set", "name", ts.Name,
		"datasets", len(ts.DataSets), "molecules", reg.Len())
	return ts, nil
}

func (ts *TrainingSet) listPath(name string) string {
	return filepath.Join(ts.Dir, ts.Name+"-"+name)
}

// DataSet returns the dataset called name, or nil
func (ts *TrainingSet) DataSet(name string) *DataSet {
	for _, ds := range ts.DataSets {
		if ds.Name == name {
			return ds
		}
	}
	return nil
}

// Systems returns every system of every dataset
func (ts *TrainingSet) Systems() []*System {
	var ret []*System
	for _, ds := range ts.DataSets {
		ret = append(ret, ds.Systems...)
	}
	return ret
}

func (ts *TrainingSet) Blacklist() []string  { return ts.blacklist.sorted() }
func (ts *TrainingSet) ForcedList() []string { return ts.forced.sorted() }

// splitID splits "dataset.system"
func splitID(id string) (dset, sys string, ok bool) {
	dset, sys, ok = strings.Cut(strings.TrimSpace(id), ".")
	return dset, sys, ok && dset != "" && sys != ""
}

// distribute hands each dataset.system id to add on the owning dataset
func (ts *TrainingSet) distribute(ids []string,
	add func(*DataSet, ...string) error) error {
	bySet := make(map[string][]string)
	var order []string
	for _, id := range ids {
		dset, sys, ok := splitID(id)
		if !ok {
			slog.Error("name should be DATASET.SYSTEM", "name", id)
			continue
		}
		if _, ok := bySet[dset]; !ok {
			order = append(order, dset)
		}
		bySet[dset] = append(bySet[dset], sys)
	}
	for _, dset := range order {
		ds := ts.DataSet(dset)
		if ds == nil {
			slog.Warn("no such dataset", "dataset", dset)
			continue
		}
		if err := add(ds, bySet[dset]...); err != nil {
			return err
		}
	}
	return nil
}

// AddToBlacklist blacklists systems given as dataset.system and saves
// both the training set and the dataset lists
func (ts *TrainingSet) AddToBlacklist(ids ...string) error {
	return ts.addTo(ts.blacklist, blacklistFile, ids, (*DataSet).AddToBlacklist)
}

// AddToForced is AddToBlacklist for the forced-reference list
func (ts *TrainingSet) AddToForced(ids ...string) error {
	return ts.addTo(ts.forced, fulldftlistFile, ids, (*DataSet).AddToForced)
}

func (ts *TrainingSet) addTo(set nameSet, file string, ids []string,
	add func(*DataSet, ...string) error) error {
	var (
		changed bool
		known   []string
	)
	for _, id := range ids {
		dset, sys, ok := splitID(id)
		if !ok {
			slog.Error("name should be DATASET.SYSTEM", "name", id)
			continue
		}
		if ds := ts.DataSet(dset); ds == nil || ds.System(sys) == nil {
			slog.Warn("no such system", "system", id)
			continue
		}
		id = dset + "." + sys
		known = append(known, id)
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
			changed = true
		}
	}
	if err := ts.distribute(known, add); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return set.flush(ts.listPath(file))
}

// Errors refreshes every needed molecule once and returns the error of
// every non-blacklisted system
func (ts *TrainingSet) Errors(ctx context.Context, k Kind) (*mat.VecDense, error) {
	rep, err := ts.reg.Refresh(ctx, k)
	if err != nil {
		return nil, err
	}
	return systemErrors(ctx, ts.Systems(), k, rep, ts.ExcludeFailed)
}

// MeanAbsoluteError is the objective minimized by the fit
func (ts *TrainingSet) MeanAbsoluteError(ctx context.Context, k Kind) (float64, error) {
	errs, err := ts.Errors(ctx, k)
	if err != nil {
		return math.NaN(), err
	}
	return meanAbs(errs), nil
}
