package main

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	got, err := LoadConfig("testfiles/test.toml")
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != "DENS-test" || got.RunName != "test_run" ||
		got.TrainingSetFile != "train.txt" || got.Processes != 4 {
		t.Errorf("got %+v\n", got)
	}
	if got.RunDir() != filepath.Join("trset", "test_run") {
		t.Errorf("got %v\n", got.RunDir())
	}
	wantStore := StoreConfig{
		Dirs:           []string{"params/full", "params/func"},
		ShapeFile:      "FUNC_PAR.dat",
		DispersionFile: "a0b0",
		Eps:            1e-10,
	}
	if !reflect.DeepEqual(got.Store, wantStore) {
		t.Errorf("got %+v, wanted %+v\n", got.Store, wantStore)
	}
	wantTiers := Tiers{
		Reference:  NewGroupSet(Cxhf, Omega, CxAA),
		Evaluation: AllGroups,
		Eps:        1e-10,
	}
	if got.Tiers != wantTiers {
		t.Errorf("got %+v, wanted %+v\n", got.Tiers, wantTiers)
	}
	if got.Wait != 10*time.Millisecond || got.RecheckWarn != 5 || got.MaxPolls != 20 {
		t.Errorf("got %v %v %v\n", got.Wait, got.RecheckWarn, got.MaxPolls)
	}
	if !got.ExcludeFailed {
		t.Error("exclude_failed not set")
	}
	p := got.Initial
	if p.Value(Omega, 0) != 0.25 || p.Value(Tta, 0) != 13 ||
		math.Abs(p.Value(Cxhf, 0)-0.2) > 1e-12 ||
		p.Value(Ttb, 0) != Defaults().Value(Ttb, 0) {
		t.Errorf("got\n%v\n", p)
	}
	wantOpt := OptimizeConf{
		Coords:    []string{"omega", "cx_aa_1"},
		Lower:     []float64{0.1, 0.5},
		Upper:     []float64{0.5, 1.0},
		Kind:      Evaluation,
		Minimizer: "nelder-mead",
		MaxIter:   50,
		Pop:       20,
		Seed:      42,
		Rounds:    3,
	}
	if !reflect.DeepEqual(got.Optimize, wantOpt) {
		t.Errorf("got %+v, wanted %+v\n", got.Optimize, wantOpt)
	}
}

func writeConfig(t *testing.T, cont string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(name, []byte(cont), 0644); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestLoadConfigDefaults(t *testing.T) {
	got, err := LoadConfig(writeConfig(t, "training_set_dir = \"trset\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got.Index, "DENS-") || len(got.Index) != 13 {
		t.Errorf("got index %q\n", got.Index)
	}
	if got.Initial != Defaults() {
		t.Errorf("got\n%v, wanted\n%v\n", got.Initial, Defaults())
	}
	if got.Wait != 30*time.Second || got.MaxPolls != 2880 {
		t.Errorf("got %v %v\n", got.Wait, got.MaxPolls)
	}
	if got.Tiers.Evaluation != AllGroups {
		t.Errorf("got %v, wanted %v\n", got.Tiers.Evaluation, AllGroups)
	}
	if got.Optimize.Kind != Evaluation || got.Optimize.Minimizer != "mayfly" {
		t.Errorf("got %+v\n", got.Optimize)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cont string
		want error
	}{
		{"bounds", "[optimize]\ncoords = [\"omega\"]\nlower = [0.1]\n", ErrDimensionMismatch},
		{"group", "reference_groups = [\"omega\", \"cx_bb\"]\n", ErrInvalidKey},
		{"param key", "[params]\ncx_aa_7 = 1.0\n", ErrInvalidKey},
		{"param shape", "[params]\ncc_aa = [1.0, 2.0]\n", ErrShapeMismatch},
		{"param ueg", "[params]\ncxhf = 0.5\n", ErrConstraintViolation},
	}
	for _, test := range tests {
		_, err := LoadConfig(writeConfig(t, test.cont))
		if !errors.Is(err, test.want) {
			t.Errorf("%s: got %v, wanted %v\n", test.name, err, test.want)
		}
	}
	if _, err := LoadConfig(writeConfig(t, "wait_output = \"soon\"\n")); err == nil {
		t.Error("expected an error for a bad duration")
	}
	if _, err := LoadConfig("testfiles/missing.toml"); err == nil {
		t.Error("expected an error for a missing file")
	}
}
