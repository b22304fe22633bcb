package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

type RawOptimize struct {
	Coords    []string  `toml:"coords"`
	Lower     []float64 `toml:"lower"`
	Upper     []float64 `toml:"upper"`
	Kind      string    `toml:"kind"`
	Minimizer string    `toml:"minimizer"`
	MaxIter   int       `toml:"max_iter"`
	Pop       int       `toml:"pop"`
	Seed      int64     `toml:"seed"`
	Rounds    int       `toml:"rounds"`
}

type RawConf struct {
	TrainingSetDir  string `toml:"training_set_dir"`
	TrainingSetFile string `toml:"training_set_file"`
	RunName         string `toml:"run_name"`
	Index           string `toml:"index"`
	LogLevel        string `toml:"log_level"`
	LogFile         string `toml:"log_file"`

	Processes      int      `toml:"processes"`
	Precision      float64  `toml:"precision"`
	ParamDirs      []string `toml:"param_dirs"`
	ShapeFile      string   `toml:"shape_file"`
	DispersionFile string   `toml:"dispersion_file"`

	WaitOutput  string `toml:"wait_output"`
	RecheckWarn int    `toml:"recheck_warn"`
	MaxPolls    int    `toml:"max_polls"`

	DensitiesRepo    string `toml:"densities_repo"`
	TmpDensitiesRepo string `toml:"tmp_densities_repo"`
	CommandFull      string `toml:"command_full"`
	CommandFunc      string `toml:"command_func"`
	ScriptDir        string `toml:"script_dir"`
	Template         string `toml:"template"`
	Solver           string `toml:"solver"`
	NCPU             int    `toml:"ncpu"`
	Mem              string `toml:"mem"`

	ReferenceGroups       []string `toml:"reference_groups"`
	EvaluationGroups      []string `toml:"evaluation_groups"`
	CheckpointOnReference bool     `toml:"checkpoint_on_reference"`
	ExcludeFailed         bool     `toml:"exclude_failed"`

	Params   map[string]any `toml:"params"`
	Optimize RawOptimize    `toml:"optimize"`
}

// DefaultRawConf returns the configuration used for every key missing
// from the input file
func DefaultRawConf() RawConf {
	return RawConf{
		TrainingSetFile:  "trainingset.txt",
		RunName:          "run",
		LogLevel:         "info",
		Processes:        runtime.NumCPU(),
		Precision:        1e-8,
		ParamDirs:        []string{"params"},
		ShapeFile:        "FUNC_PAR.dat",
		DispersionFile:   "a0b0",
		WaitOutput:       "30s",
		RecheckWarn:      10,
		MaxPolls:         2880,
		DensitiesRepo:    "densities",
		CommandFull:      "sbatch",
		ScriptDir:        "scripts",
		Solver:           "rungms",
		NCPU:             8,
		Mem:              "64000",
		ReferenceGroups:  []string{"cxhf", "omega", "cx_aa"},
		EvaluationGroups: append([]string(nil), groupNames[:]...),
		Optimize: RawOptimize{
			Kind:      "func",
			Minimizer: "mayfly",
			MaxIter:   100,
			Pop:       20,
			Seed:      42,
			Rounds:    10,
		},
	}
}

type OptimizeConf struct {
	Coords    []string
	Lower     []float64
	Upper     []float64
	Kind      Kind
	Minimizer string
	MaxIter   int
	Pop       int
	Seed      int64
	Rounds    int
}

type Config struct {
	TrainingSetDir  string
	TrainingSetFile string
	RunName         string
	Index           string
	LogLevel        string
	LogFile         string

	Processes int
	Store     StoreConfig
	Tiers     Tiers
	Initial   Params

	Wait        time.Duration
	RecheckWarn int
	MaxPolls    int

	DensitiesRepo    string
	TmpDensitiesRepo string
	CommandFull      string
	CommandFunc      string
	ScriptDir        string
	Template         string
	Solver           string
	NCPU             int
	Mem              string

	ExcludeFailed bool
	Optimize      OptimizeConf
}

func (rc RawConf) ToConfig() (conf Config, err error) {
	conf.TrainingSetDir = rc.TrainingSetDir
	conf.TrainingSetFile = rc.TrainingSetFile
	conf.RunName = rc.RunName
	conf.Index = rc.Index
	if conf.Index == "" {
		conf.Index = "DENS-" + uuid.NewString()[:8]
	}
	conf.LogLevel = rc.LogLevel
	conf.LogFile = rc.LogFile
	conf.Processes = rc.Processes
	if len(rc.ParamDirs) == 0 {
		return conf, fmt.Errorf("param_dirs is empty")
	}
	conf.Store = StoreConfig{
		Dirs:           rc.ParamDirs,
		ShapeFile:      rc.ShapeFile,
		DispersionFile: rc.DispersionFile,
		Eps:            rc.Precision,
	}
	conf.Tiers.Eps = rc.Precision
	conf.Tiers.Checkpoint = rc.CheckpointOnReference
	if conf.Tiers.Reference, err = ParseGroupSet(rc.ReferenceGroups); err != nil {
		return conf, fmt.Errorf("reference_groups: %w", err)
	}
	if conf.Tiers.Evaluation, err = ParseGroupSet(rc.EvaluationGroups); err != nil {
		return conf, fmt.Errorf("evaluation_groups: %w", err)
	}
	if conf.Initial, err = initialParams(rc.Params, rc.Precision); err != nil {
		return conf, fmt.Errorf("params: %w", err)
	}
	if conf.Wait, err = time.ParseDuration(rc.WaitOutput); err != nil {
		return conf, fmt.Errorf("wait_output: %w", err)
	}
	conf.RecheckWarn = rc.RecheckWarn
	conf.MaxPolls = rc.MaxPolls
	conf.DensitiesRepo = rc.DensitiesRepo
	conf.TmpDensitiesRepo = rc.TmpDensitiesRepo
	conf.CommandFull = rc.CommandFull
	conf.CommandFunc = rc.CommandFunc
	conf.ScriptDir = rc.ScriptDir
	conf.Template = rc.Template
	conf.Solver = rc.Solver
	conf.NCPU = rc.NCPU
	conf.Mem = rc.Mem
	conf.ExcludeFailed = rc.ExcludeFailed

	ro := rc.Optimize
	if len(ro.Lower) != len(ro.Coords) || len(ro.Upper) != len(ro.Coords) {
		return conf, fmt.Errorf("optimize: %w: %d coords, %d lower, %d upper",
			ErrDimensionMismatch, len(ro.Coords), len(ro.Lower), len(ro.Upper))
	}
	conf.Optimize = OptimizeConf{
		Coords:    ro.Coords,
		Lower:     ro.Lower,
		Upper:     ro.Upper,
		Minimizer: ro.Minimizer,
		MaxIter:   ro.MaxIter,
		Pop:       ro.Pop,
		Seed:      ro.Seed,
		Rounds:    ro.Rounds,
	}
	if conf.Optimize.Kind, err = ParseKind(ro.Kind); err != nil {
		return conf, fmt.Errorf("optimize: %w", err)
	}
	return conf, nil
}

// initialParams applies the [params] table on top of Defaults. Values
// are numbers or arrays of numbers
func initialParams(table map[string]any, eps float64) (Params, error) {
	p := Defaults()
	if len(table) == 0 {
		return p, nil
	}
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	vals := make(map[Key][]float64, len(table))
	for _, name := range names {
		k, err := ParseKey(name)
		if err != nil {
			return p, err
		}
		v, err := toFloats(table[name])
		if err != nil {
			return p, fmt.Errorf("%s: %w", name, err)
		}
		vals[k] = v
	}
	return p.Set(vals, eps)
}

func toFloats(v any) ([]float64, error) {
	switch v := v.(type) {
	case float64:
		return []float64{v}, nil
	case int64:
		return []float64{float64(v)}, nil
	case []any:
		ret := make([]float64, 0, len(v))
		for _, e := range v {
			f, err := toFloats(e)
			if err != nil || len(f) != 1 {
				return nil, fmt.Errorf("%w: %v is not a number",
					ErrShapeMismatch, e)
			}
			ret = append(ret, f...)
		}
		return ret, nil
	}
	return nil, fmt.Errorf("%w: %v is not a number", ErrShapeMismatch, v)
}

// RunDir is where the logs of every calculation of the run go
func (c Config) RunDir() string {
	return filepath.Join(c.TrainingSetDir, c.RunName)
}

func LoadConfig(filename string) (Config, error) {
	cont, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	rc := DefaultRawConf()
	if _, err := toml.Decode(string(cont), &rc); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	return rc.ToConfig()
}
