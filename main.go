package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	kindFlag   string
	conf       Config
	logOut     io.WriteCloser
)

var rootCmd = &cobra.Command{
	Use:   "dftfit",
	Short: "Fit range-separated hybrid functional coefficients to a training set",
	Long: `dftfit adjusts the exchange, correlation and dispersion coefficients of
a wB97X-dDsC type functional to minimize the mean absolute error of a set
of reaction and interaction energies. Full calculations with a density
optimization are run through a batch queue; cheap re-evaluations on the
frozen densities drive the minimizer between them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		conf, err = LoadConfig(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			conf.LogLevel = logLevel
		}
		return setupLogging(conf)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			logOut.Close()
			logOut = nil
		}
	},
}

func setupLogging(conf Config) error {
	var level slog.Level
	switch strings.ToLower(conf.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	if conf.LogFile != "" {
		f, err := os.OpenFile(conf.LogFile,
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		logOut = f
		w = f
	}
	opts := &slog.HandlerOptions{Level: level}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
	return nil
}

// session is everything a command needs, built from the configuration
type session struct {
	store  *Store
	runner *Runner
	reg    *Registry
	ts     *TrainingSet
}

func newStore(conf Config) (*Store, error) {
	store, err := NewStore(conf.Initial, conf.Store)
	if err != nil {
		return nil, fmt.Errorf("initial parameters: %w", err)
	}
	return store, nil
}

func newSession(conf Config) (*session, error) {
	store, err := newStore(conf)
	if err != nil {
		return nil, err
	}
	var tmpl *template.Template
	if conf.Template != "" {
		if tmpl, err = LoadTemplate(conf.Template); err != nil {
			return nil, err
		}
	}
	dirs := conf.Store.Dirs
	runner := &Runner{
		RunDir:           conf.RunDir(),
		Index:            conf.Index,
		CommandFull:      conf.CommandFull,
		CommandFunc:      conf.CommandFunc,
		ScriptDir:        conf.ScriptDir,
		Template:         tmpl,
		Solver:           conf.Solver,
		NCPU:             conf.NCPU,
		Mem:              conf.Mem,
		FullParamDir:     absPath(dirs[0]),
		FuncParamDir:     absPath(dirs[len(dirs)-1]),
		ShapeFile:        conf.Store.ShapeFile,
		DispersionFile:   conf.Store.DispersionFile,
		DensitiesRepo:    conf.DensitiesRepo,
		TmpDensitiesRepo: conf.TmpDensitiesRepo,
		Wait:             conf.Wait,
		RecheckWarn:      conf.RecheckWarn,
		MaxPolls:         conf.MaxPolls,
	}
	reg := NewRegistry(store, runner, conf.Tiers, conf.Processes)
	ts, err := LoadTrainingSet(conf.TrainingSetDir, conf.TrainingSetFile, reg)
	if err != nil {
		return nil, err
	}
	ts.ExcludeFailed = conf.ExcludeFailed
	for _, ds := range ts.DataSets {
		ds.ExcludeFailed = conf.ExcludeFailed
	}
	slog.Info("session ready", "run", conf.RunName, "index", conf.Index,
		"systems", len(ts.Systems()), "molecules", reg.Len(),
		"needed", len(reg.Needed()),
		"reference", conf.Tiers.Reference, "evaluation", conf.Tiers.Evaluation)
	return &session{store: store, runner: runner, reg: reg, ts: ts}, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fit until the parameters converge",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		s, err := newSession(conf)
		if err != nil {
			return err
		}
		oc := conf.Optimize
		proj, err := NewProjection(s.store, oc.Coords)
		if err != nil {
			return err
		}
		minimizer, err := NewMinimizer(oc.Minimizer, oc.MaxIter, oc.Pop, oc.Seed)
		if err != nil {
			return err
		}
		opt := &Optimizer{
			Store:      s.store,
			Projection: proj,
			Aggregator: s.ts,
			Minimizer:  minimizer,
			Lower:      oc.Lower,
			Upper:      oc.Upper,
			Kind:       oc.Kind,
			Rounds:     oc.Rounds,
			Out:        cmd.OutOrStdout(),
		}
		final, err := opt.Run(ctx)
		fmt.Fprint(cmd.OutOrStdout(), final)
		return err
	},
}

var maeCmd = &cobra.Command{
	Use:   "mae",
	Short: "Compute the error statistics for the current parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := ParseKind(kindFlag)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		s, err := newSession(conf)
		if err != nil {
			return err
		}
		return printErrors(ctx, cmd.OutOrStdout(), s.ts, kind)
	},
}

func printErrors(ctx context.Context, w io.Writer, ts *TrainingSet, kind Kind) error {
	if kind == Evaluation {
		// evaluation energies sit on top of the reference baselines
		if _, err := ts.Errors(ctx, Reference); err != nil {
			return err
		}
	}
	errs, err := ts.Errors(ctx, kind)
	if err != nil {
		return err
	}
	sum := Summarize(errs)
	fmt.Fprintf(w, "%12s%12s%12s%8s\n", "MAE", "RMSD", "Max", "N")
	fmt.Fprintf(w, "%12.4f%12.4f%12.4f%8d\n", sum.MAE, sum.RMSD, sum.Max, sum.N)
	return nil
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist DATASET.SYSTEM...",
	Short: "Leave systems out of the error",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(conf)
		if err != nil {
			return err
		}
		return s.ts.AddToBlacklist(args...)
	},
}

var forceCmd = &cobra.Command{
	Use:   "force DATASET.SYSTEM...",
	Short: "Always use full calculations for systems",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(conf)
		if err != nil {
			return err
		}
		return s.ts.AddToForced(args...)
	},
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Write the parameter files for the configured coefficients",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore(conf)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), store.Current())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c",
		"dftfit.toml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")
	maeCmd.Flags().StringVarP(&kindFlag, "kind", "k", "full",
		"energy kind (full or func)")
	rootCmd.AddCommand(runCmd, maeCmd, blacklistCmd, forceCmd, paramsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
