package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, dirs ...string) *Store {
	t.Helper()
	if len(dirs) == 0 {
		dirs = []string{t.TempDir()}
	}
	s, err := NewStore(Defaults(), StoreConfig{
		Dirs:           dirs,
		ShapeFile:      "FUNC_PAR.dat",
		DispersionFile: "a0b0",
		Eps:            1e-8,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWriteDispersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDispersion(&buf, Defaults()); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	want := "13.30000019073486\n1.52999997138977\n"
	if got != want {
		t.Errorf("got %q, wanted %q\n", got, want)
	}
}

func TestWriteShape(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteShape(&buf, Defaults()); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 17 {
		t.Fatalf("got %d lines, wanted %d\n", len(lines), 17)
	}
	tests := map[int]string{
		0:  "cxhf0   0.15770600000000",
		1:  "cx_aa0   0.84229400000000",
		5:  "cx_aa4   13.27940000000000",
		6:  "omega0   0.30000000000000",
		7:  "cc_aa0   1.00000000000000",
		16: "cc_ab4   -3.78132000000000",
	}
	for i, want := range tests {
		if lines[i] != want {
			t.Errorf("line %d: got %q, wanted %q\n", i, lines[i], want)
		}
	}
}

func TestNewStoreWritesEveryDir(t *testing.T) {
	full, fun := t.TempDir(), filepath.Join(t.TempDir(), "func")
	newTestStore(t, full, fun)
	for _, dir := range []string{full, fun} {
		for _, name := range []string{"FUNC_PAR.dat", "a0b0"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				t.Errorf("%s: %v", name, err)
			}
		}
		// no temporary files left behind
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Errorf("got %d files in %s, wanted 2\n", len(entries), dir)
		}
	}
}

func TestStoreSetNamed(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	before := s.Current()
	err := s.SetNamed(map[Key][]float64{
		{Omega, -1}: {0.4},
		{Tta, -1}:   {12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Current().Value(Omega, 0); got != 0.4 {
		t.Errorf("got %v, wanted %v\n", got, 0.4)
	}
	if s.previous != before {
		t.Errorf("got %v, wanted %v\n", s.previous, before)
	}
	got, err := os.ReadFile(filepath.Join(dir, "a0b0"))
	if err != nil {
		t.Fatal(err)
	}
	want := "12.00000000000000\n1.52999997138977\n"
	if string(got) != want {
		t.Errorf("got %q, wanted %q\n", got, want)
	}
}

func TestStoreRejectedWrite(t *testing.T) {
	s := newTestStore(t)
	s.SetNamed(map[Key][]float64{{Omega, -1}: {0.4}})
	cur, prev := s.Current(), s.previous
	err := s.SetNamed(map[Key][]float64{{Cxhf, -1}: {0.9}})
	if !errors.Is(err, ErrConstraintViolation) {
		t.Errorf("got %v, wanted %v\n", err, ErrConstraintViolation)
	}
	err = s.SetFlat(make([]float64, 3))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("got %v, wanted %v\n", err, ErrDimensionMismatch)
	}
	if s.Current() != cur || s.previous != prev {
		t.Error("rejected write changed the store")
	}
}

func TestStoreFailedPersist(t *testing.T) {
	s := newTestStore(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	s.conf.Dirs = append(s.conf.Dirs, filepath.Join(blocker, "sub"))
	cur := s.Current()
	if err := s.SetNamed(map[Key][]float64{{Omega, -1}: {0.4}}); err == nil {
		t.Fatal("expected an error writing below a regular file")
	}
	if s.Current() != cur {
		t.Error("failed write changed the current parameters")
	}
}

func TestStoreSetFlat(t *testing.T) {
	s := newTestStore(t)
	x := Defaults().Flat()
	x[CxAA.offset()] = 0.9
	x[Cxhf.offset()] = 0.1
	if err := s.SetFlat(x); err != nil {
		t.Fatal(err)
	}
	want, _ := FromFlat(x)
	if !s.Current().Equal(want, 1e-12) {
		t.Errorf("got %v, wanted %v\n", s.Current(), want)
	}
}

func TestStoreConverged(t *testing.T) {
	s := newTestStore(t)
	if !s.Converged() {
		t.Error("new store should be converged")
	}
	s.SetNamed(map[Key][]float64{{CcAB, 2}: {-11}})
	if s.Converged() {
		t.Error("store should not be converged after a write")
	}
	s.Checkpoint()
	if !s.Converged() {
		t.Error("store should be converged after a checkpoint")
	}
	if s.Saved() != s.Current() {
		t.Errorf("got %v, wanted %v\n", s.Saved(), s.Current())
	}
}

func TestStoreChanged(t *testing.T) {
	s := newTestStore(t)
	if s.Changed() {
		t.Error("new store should not report a change")
	}
	s.SetNamed(map[Key][]float64{{Omega, -1}: {0.4}})
	if !s.Changed() {
		t.Error("write of a new omega should report a change")
	}
	s.SetNamed(map[Key][]float64{{Omega, -1}: {0.4}})
	if s.Changed() {
		t.Error("repeated write should not report a change")
	}
}
