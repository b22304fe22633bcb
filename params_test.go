package main

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
		err  error
	}{
		{"tta", Key{Tta, -1}, nil},
		{"cx_aa", Key{CxAA, -1}, nil},
		{"cx_aa_0", Key{CxAA, 0}, nil},
		{"cc_ab_4", Key{CcAB, 4}, nil},
		{"omega_0", Key{Omega, 0}, nil},
		{"cx_aa_5", Key{}, ErrInvalidKey},
		{"cx_aa_01", Key{}, ErrInvalidKey},
		{"cx_aa_-1", Key{}, ErrInvalidKey},
		{"omega_1", Key{}, ErrInvalidKey},
		{"cx", Key{}, ErrInvalidKey},
		{"", Key{}, ErrInvalidKey},
	}
	for _, test := range tests {
		got, err := ParseKey(test.in)
		if !errors.Is(err, test.err) {
			t.Errorf("%q: got error %v, wanted %v\n", test.in, err, test.err)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("%q: got %v, wanted %v\n", test.in, got, test.want)
		}
		if err == nil && got.String() != test.in {
			t.Errorf("%q: String got %q\n", test.in, got.String())
		}
	}
}

func TestFlatRoundTrip(t *testing.T) {
	p := Sequential(3)
	q, err := FromFlat(p.Flat())
	if err != nil {
		t.Fatal(err)
	}
	if q != p {
		t.Errorf("got %v, wanted %v\n", q, p)
	}
	if _, err := FromFlat(make([]float64, NumCoords-1)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("got %v, wanted %v\n", err, ErrDimensionMismatch)
	}
}

func TestFlatOrder(t *testing.T) {
	p := Sequential(0)
	tests := []struct {
		key  Key
		want []float64
	}{
		{Key{CcAA, -1}, []float64{0, 1, 2, 3, 4}},
		{Key{CcAB, -1}, []float64{5, 6, 7, 8, 9}},
		{Key{CxAA, -1}, []float64{10, 11, 12, 13, 14}},
		{Key{CxAA, 3}, []float64{13}},
		{Key{Cxhf, -1}, []float64{15}},
		{Key{Omega, -1}, []float64{16}},
		{Key{Tta, -1}, []float64{17}},
		{Key{Ttb, 0}, []float64{18}},
	}
	for _, test := range tests {
		got := p.Get(test.key)
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("%v: got %v, wanted %v\n", test.key, got, test.want)
		}
	}
}

func TestSequentialSub(t *testing.T) {
	got := Sequential(9).Sub(Sequential(100))
	for i, v := range got {
		if v != -91 {
			t.Errorf("coordinate %d: got %v, wanted %v\n", i, v, -91)
		}
	}
	if !Sequential(9).Equal(Sequential(9), 0) {
		t.Error("equal seeds should give equal vectors")
	}
	if Sequential(9).Equal(Sequential(10), 0.5) {
		t.Error("different seeds should give different vectors")
	}
}

func TestDefaults(t *testing.T) {
	p := Defaults()
	if err := p.CheckUEG(1e-12); err != nil {
		t.Fatal(err)
	}
	got := p.Value(Cxhf, 0)
	want := 0.157706
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("got %v, wanted %v\n", got, want)
	}
	if got := p.Value(Omega, 0); got != 0.3 {
		t.Errorf("got %v, wanted %v\n", got, 0.3)
	}
}

func TestSetDerivesCxhf(t *testing.T) {
	p := Defaults()
	for _, k := range []Key{{CxAA, 0}, {CxAA, -1}} {
		v := []float64{0.8}
		if k.Index < 0 {
			v = []float64{0.8, 1, 1, 1, 1}
		}
		q, err := p.Set(map[Key][]float64{k: v}, 1e-12)
		if err != nil {
			t.Fatalf("%v: %v", k, err)
		}
		if got := q.Value(Cxhf, 0); math.Abs(got-0.2) > 1e-12 {
			t.Errorf("%v: got %v, wanted %v\n", k, got, 0.2)
		}
	}
	// writing another slot of cx_aa leaves cxhf alone
	q, err := p.Set(map[Key][]float64{{CxAA, 2}: {7}}, 1e-12)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := q.Value(Cxhf, 0), p.Value(Cxhf, 0); got != want {
		t.Errorf("got %v, wanted %v\n", got, want)
	}
	if p.Value(CxAA, 2) == 7 {
		t.Error("Set modified its receiver")
	}
}

func TestSetErrors(t *testing.T) {
	p := Defaults()
	tests := []struct {
		name string
		vals map[Key][]float64
		want error
	}{
		{"group too short", map[Key][]float64{{CxAA, -1}: {1, 2, 3}}, ErrShapeMismatch},
		{"scalar too long", map[Key][]float64{{Omega, -1}: {1, 2}}, ErrShapeMismatch},
		{"slot too long", map[Key][]float64{{CcAA, 1}: {1, 2}}, ErrShapeMismatch},
		{"bad slot", map[Key][]float64{{CcAA, 5}: {1}}, ErrInvalidKey},
		{"bad group", map[Key][]float64{{NumGroups, -1}: {1}}, ErrInvalidKey},
		{"cxhf alone", map[Key][]float64{{Cxhf, -1}: {0.5}}, ErrConstraintViolation},
		{"nan", map[Key][]float64{{CxAA, 0}: {math.NaN()}}, ErrConstraintViolation},
	}
	for _, test := range tests {
		got, err := p.Set(test.vals, 1e-8)
		if !errors.Is(err, test.want) {
			t.Errorf("%s: got %v, wanted %v\n", test.name, err, test.want)
		}
		if test.want != ErrConstraintViolation && got != p {
			t.Errorf("%s: partial write on error\n", test.name)
		}
	}
}

func TestEqualIn(t *testing.T) {
	p := Defaults()
	q, err := p.Set(map[Key][]float64{{CcAA, 1}: {-4}}, 1e-8)
	if err != nil {
		t.Fatal(err)
	}
	ref := NewGroupSet(Cxhf, Omega, CxAA)
	if !p.EqualIn(q, ref, 1e-8) {
		t.Error("change outside the set should not count")
	}
	if p.EqualIn(q, AllGroups, 1e-8) {
		t.Error("change inside the set should count")
	}
	if !p.EqualIn(q, AllGroups, 1) {
		t.Error("change within tolerance should not count")
	}
}

func TestGroupSet(t *testing.T) {
	got, err := ParseGroupSet([]string{"omega", "cx_aa", "cxhf"})
	if err != nil {
		t.Fatal(err)
	}
	want := NewGroupSet(CxAA, Cxhf, Omega)
	if got != want {
		t.Errorf("got %v, wanted %v\n", got, want)
	}
	if s := got.String(); s != "{cx_aa,cxhf,omega}" {
		t.Errorf("got %q\n", s)
	}
	if _, err := ParseGroupSet([]string{"omega", "nope"}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("got %v, wanted %v\n", err, ErrInvalidKey)
	}
}
