package main

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Errors
var (
	ErrInvalidKey          = errors.New("invalid parameter key")
	ErrShapeMismatch       = errors.New("wrong number of values for parameter")
	ErrConstraintViolation = errors.New("UEG constraint violated")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
)

// Group is one named block of functional parameters. The constants are
// in sorted-name order, which is also the order of the flat vector
type Group int

const (
	CcAA Group = iota
	CcAB
	CxAA
	Cxhf
	Omega
	Tta
	Ttb
	NumGroups
)

// NumCoords is the total number of scalar coordinates across all
// groups
const NumCoords = 19

var (
	groupNames = [NumGroups]string{
		"cc_aa", "cc_ab", "cx_aa", "cxhf", "omega", "tta", "ttb",
	}
	groupSizes   = [NumGroups]int{5, 5, 5, 1, 1, 1, 1}
	groupOffsets [NumGroups]int
)

func init() {
	var off int
	for g := Group(0); g < NumGroups; g++ {
		groupOffsets[g] = off
		off += groupSizes[g]
	}
	if off != NumCoords {
		panic("parameter groups do not add up to NumCoords")
	}
}

func (g Group) String() string {
	if g < 0 || g >= NumGroups {
		return "group(" + strconv.Itoa(int(g)) + ")"
	}
	return groupNames[g]
}

// Size returns the number of coordinates in g
func (g Group) Size() int { return groupSizes[g] }

func (g Group) offset() int { return groupOffsets[g] }

// ParseGroup returns the Group named by name
func ParseGroup(name string) (Group, error) {
	for g := Group(0); g < NumGroups; g++ {
		if groupNames[g] == name {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKey, name)
}

// GroupSet is a set of parameter groups, used to describe which
// parameters a computation depends on
type GroupSet uint8

// AllGroups contains every parameter group
const AllGroups GroupSet = 1<<NumGroups - 1

func NewGroupSet(groups ...Group) (s GroupSet) {
	for _, g := range groups {
		s |= 1 << g
	}
	return
}

// ParseGroupSet builds a GroupSet from group names
func ParseGroupSet(names []string) (GroupSet, error) {
	var s GroupSet
	for _, name := range names {
		g, err := ParseGroup(name)
		if err != nil {
			return 0, err
		}
		s |= 1 << g
	}
	return s, nil
}

func (s GroupSet) Has(g Group) bool { return s&(1<<g) != 0 }

func (s GroupSet) String() string {
	names := make([]string, 0, NumGroups)
	for g := Group(0); g < NumGroups; g++ {
		if s.Has(g) {
			names = append(names, g.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Key addresses either a whole group (Index < 0) or a single slot of a
// group, like cx_aa_2
type Key struct {
	Group Group
	Index int
}

// ParseKey parses a group name ("cx_aa") or an indexed name
// ("cx_aa_2")
func ParseKey(s string) (Key, error) {
	if g, err := ParseGroup(s); err == nil {
		return Key{Group: g, Index: -1}, nil
	}
	i := strings.LastIndexByte(s, '_')
	if i < 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	g, err := ParseGroup(s[:i])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 || idx >= g.Size() ||
		strconv.Itoa(idx) != s[i+1:] {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key{Group: g, Index: idx}, nil
}

func (k Key) String() string {
	if k.Index < 0 {
		return k.Group.String()
	}
	return k.Group.String() + "_" + strconv.Itoa(k.Index)
}

// Size is the number of values a write to k must carry
func (k Key) Size() int {
	if k.Index < 0 {
		return k.Group.Size()
	}
	return 1
}

// coords returns the flat indices addressed by k
func (k Key) coords() (lo, hi int) {
	off := k.Group.offset()
	if k.Index < 0 {
		return off, off + k.Group.Size()
	}
	return off + k.Index, off + k.Index + 1
}

// Params is an immutable set of functional coefficients. Copies are
// independent, so a Params value can be kept as a snapshot
type Params struct {
	v [NumCoords]float64
}

// Defaults returns the published wB97X-dDsC starting coefficients
func Defaults() Params {
	p, err := Params{}.Set(map[Key][]float64{
		{Tta, -1}:   {13.300000190734863},
		{Ttb, -1}:   {1.5299999713897705},
		{Omega, -1}: {0.3},
		{CxAA, -1}:  {0.842294, 0.726479, 1.04760, -5.70635, 13.2794},
		{CcAA, -1}:  {1.000000, -4.33879, 18.2308, -31.7430, 17.2901},
		{CcAB, -1}:  {1.000000, 2.37031, -11.3995, 6.58405, -3.78132},
	}, 1e-12)
	if err != nil {
		panic(err)
	}
	return p
}

// Sequential returns the flat monotone vector seed, seed+1, ...; it does
// not enforce the UEG constraint
func Sequential(seed float64) (p Params) {
	for i := range p.v {
		p.v[i] = seed + float64(i)
	}
	return
}

// FromFlat builds a Params from a vector in sorted-group order
func FromFlat(x []float64) (p Params, err error) {
	if len(x) != NumCoords {
		return p, fmt.Errorf("%w: got %d coordinates, want %d",
			ErrDimensionMismatch, len(x), NumCoords)
	}
	copy(p.v[:], x)
	return p, nil
}

// Flat returns the coordinates in sorted-group order
func (p Params) Flat() []float64 {
	ret := make([]float64, NumCoords)
	copy(ret, p.v[:])
	return ret
}

// Get returns the values addressed by k, always as a slice
func (p Params) Get(k Key) []float64 {
	lo, hi := k.coords()
	ret := make([]float64, hi-lo)
	copy(ret, p.v[lo:hi])
	return ret
}

// Value returns slot i of group g
func (p Params) Value(g Group, i int) float64 {
	return p.v[g.offset()+i]
}

// Set returns a copy of p with vals applied. Every key is checked
// before anything is written. Writing cx_aa_0 re-derives cxhf as
// 1-cx_aa_0, after which the result must satisfy the UEG constraint
// within eps
func (p Params) Set(vals map[Key][]float64, eps float64) (Params, error) {
	keys := make([]Key, 0, len(vals))
	for k, v := range vals {
		if k.Group < 0 || k.Group >= NumGroups ||
			k.Index < -1 || k.Index >= k.Group.Size() {
			return p, fmt.Errorf("%w: %v", ErrInvalidKey, k)
		}
		if len(v) != k.Size() {
			return p, fmt.Errorf("%w: %s takes %d, got %d",
				ErrShapeMismatch, k, k.Size(), len(v))
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Index < keys[j].Index
	})
	var derive bool
	for _, k := range keys {
		lo, _ := k.coords()
		copy(p.v[lo:], vals[k])
		if k.Group == CxAA && k.Index <= 0 {
			derive = true
		}
	}
	if derive {
		p.v[Cxhf.offset()] = 1 - p.v[CxAA.offset()]
	}
	if err := p.CheckUEG(eps); err != nil {
		return p, err
	}
	return p, nil
}

// CheckUEG reports whether cxhf + cx_aa_0 = 1 within eps
func (p Params) CheckUEG(eps float64) error {
	cxhf, cx0 := p.v[Cxhf.offset()], p.v[CxAA.offset()]
	// written so that NaN fails too
	if !(math.Abs(cxhf+cx0-1) <= eps) {
		return fmt.Errorf("%w: cxhf + cx_aa_0 = %g", ErrConstraintViolation,
			cxhf+cx0)
	}
	return nil
}

// Equal reports whether every coordinate of p and q differs by no more
// than eps
func (p Params) Equal(q Params, eps float64) bool {
	return floats.Distance(p.v[:], q.v[:], math.Inf(1)) <= eps
}

// EqualIn is Equal restricted to the groups in set
func (p Params) EqualIn(q Params, set GroupSet, eps float64) bool {
	for g := Group(0); g < NumGroups; g++ {
		if !set.Has(g) {
			continue
		}
		lo, hi := g.offset(), g.offset()+g.Size()
		if !(floats.Distance(p.v[lo:hi], q.v[lo:hi], math.Inf(1)) <= eps) {
			return false
		}
	}
	return true
}

// Sub returns p - q elementwise
func (p Params) Sub(q Params) []float64 {
	ret := make([]float64, NumCoords)
	floats.SubTo(ret, p.v[:], q.v[:])
	return ret
}

func (p Params) String() string {
	var b strings.Builder
	for g := Group(0); g < NumGroups; g++ {
		fmt.Fprintf(&b, "%-8s", g)
		for i := 0; i < g.Size(); i++ {
			fmt.Fprintf(&b, "%20.12f", p.Value(g, i))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
