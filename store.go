package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// shapeGroups are the groups written to the shape parameter file, in
// file order
var shapeGroups = []Group{Cxhf, CxAA, Omega, CcAA, CcAB}

// StoreConfig says where the parameter files for the external solvers
// live and how strictly the UEG constraint is enforced
type StoreConfig struct {
	// every directory gets its own copy of both files
	Dirs           []string
	ShapeFile      string
	DispersionFile string
	Eps            float64
}

// Store holds the live parameters of a run, the parameters before the
// last write, and the last checkpoint. Every write to the live
// parameters is mirrored into the parameter files
type Store struct {
	mu       sync.RWMutex
	current  Params
	previous Params
	saved    Params
	conf     StoreConfig
}

// NewStore returns a Store whose current, previous and saved parameters
// are all init, and writes the parameter files for init
func NewStore(init Params, conf StoreConfig) (*Store, error) {
	if err := init.CheckUEG(conf.Eps); err != nil {
		return nil, err
	}
	s := &Store{
		current:  init,
		previous: init,
		saved:    init,
		conf:     conf,
	}
	if err := s.persist(init); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Current() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Changed reports whether the latest write moved the parameters
func (s *Store) Changed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.previous.Equal(s.current, s.conf.Eps)
}

func (s *Store) Saved() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saved
}

// Eps is the tolerance used for the UEG constraint and for comparing
// parameter sets
func (s *Store) Eps() float64 { return s.conf.Eps }

// SetNamed applies vals to the current parameters. On any error the
// store is left as it was
func (s *Store) SetNamed(vals map[Key][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.current.Set(vals, s.conf.Eps)
	if err != nil {
		return err
	}
	return s.commit(next)
}

// SetFlat replaces the current parameters with a full vector in
// sorted-group order
func (s *Store) SetFlat(x []float64) error {
	if len(x) != NumCoords {
		return fmt.Errorf("%w: got %d coordinates, want %d",
			ErrDimensionMismatch, len(x), NumCoords)
	}
	vals := make(map[Key][]float64, NumGroups)
	for g := Group(0); g < NumGroups; g++ {
		vals[Key{g, -1}] = x[g.offset() : g.offset()+g.Size()]
	}
	return s.SetNamed(vals)
}

func (s *Store) commit(next Params) error {
	if err := s.persist(next); err != nil {
		return err
	}
	s.previous = s.current
	s.current = next
	return nil
}

// Checkpoint records the current parameters as saved
func (s *Store) Checkpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = s.current
	slog.Debug("parameters checkpointed")
}

// Converged reports whether the current parameters still match the last
// checkpoint
func (s *Store) Converged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saved.Equal(s.current, s.conf.Eps)
}

func (s *Store) persist(p Params) error {
	var shape, disp bytes.Buffer
	if err := WriteShape(&shape, p); err != nil {
		return err
	}
	if err := WriteDispersion(&disp, p); err != nil {
		return err
	}
	for _, dir := range s.conf.Dirs {
		err := writeAtomic(filepath.Join(dir, s.conf.ShapeFile), shape.Bytes())
		if err != nil {
			return err
		}
		err = writeAtomic(filepath.Join(dir, s.conf.DispersionFile), disp.Bytes())
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteShape formats the exchange and correlation coefficients as
// "<group><index>   <value>" lines
func WriteShape(w io.Writer, p Params) error {
	nw := bufio.NewWriter(w)
	for _, g := range shapeGroups {
		for i := 0; i < g.Size(); i++ {
			fmt.Fprintf(nw, "%s%d   %.14f\n", g, i, p.Value(g, i))
		}
	}
	return nw.Flush()
}

// WriteDispersion writes tta and ttb, one value per line
func WriteDispersion(w io.Writer, p Params) error {
	nw := bufio.NewWriter(w)
	fmt.Fprintf(nw, "%.14f\n", p.Value(Tta, 0))
	fmt.Fprintf(nw, "%.14f\n", p.Value(Ttb, 0))
	return nw.Flush()
}

// writeAtomic replaces filename with data through a temporary file in
// the same directory, so readers never see a partial file
func writeAtomic(filename string, data []byte) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", filename, err)
	}
	return nil
}
