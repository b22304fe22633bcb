package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Errors
var (
	ErrFileNotFound     = errors.New("output file not found")
	ErrEnergyNotFound   = errors.New("energy not found in output")
	ErrDegenerateEnergy = errors.New("energy is indistinguishable from zero")
	ErrExternalTimeout  = errors.New("gave up waiting for solver output")
	ErrNoCommand        = errors.New("no solver command configured")
)

// markers in the reference log and the whitespace field holding each
// value on the marker line
const (
	totalMarker = "FINAL ENERGY INCLUDING dDsC DISPERSION:"
	totalField  = 5
	xcMarker    = "DFT EXCHANGE + CORRELATION ENERGY ="
	xcField     = 6
	dispMarker  = "Final Energy"
	dispField   = 2
)

// Evaluator runs the external solvers for a single molecule
type Evaluator interface {
	// Reference runs the full calculation, including the density
	// optimization, and returns the total energy together with its
	// exchange-correlation and dispersion parts
	Reference(ctx context.Context, mol *Molecule) (total, xc, disp float64, err error)
	// Evaluation re-evaluates the functional on the frozen density
	// and returns the correction to the baseline energy
	Evaluation(ctx context.Context, mol *Molecule) (float64, error)
}

// Runner is the Evaluator that drives the real solvers. The reference
// path goes through a batch script and is detected by polling the log;
// the evaluation path is a direct command whose stdout is parsed
type Runner struct {
	// RunDir/<dataset>/inout/<Index> receives logs for every molecule
	RunDir string
	Index  string
	// CommandFull is called with the batch script as its last
	// argument; leave empty to only wait for an existing log
	CommandFull string
	CommandFunc string
	ScriptDir   string
	Template    *template.Template
	Solver      string
	NCPU        int
	Mem         string

	// reference solver reads from FullParamDir, evaluation solver
	// from FuncParamDir
	FullParamDir   string
	FuncParamDir   string
	ShapeFile      string
	DispersionFile string

	// the batch job leaves densities in TmpDensitiesRepo; they are
	// moved to DensitiesRepo for the evaluation path
	DensitiesRepo    string
	TmpDensitiesRepo string

	Wait        time.Duration
	RecheckWarn int
	// MaxPolls bounds the number of polls; 0 means wait forever
	MaxPolls int
}

func (r *Runner) inoutDir(mol *Molecule) string {
	return filepath.Join(r.RunDir, mol.Dataset, "inout", r.Index)
}

// LogPath is where the reference log for mol is written
func (r *Runner) LogPath(mol *Molecule) string {
	return filepath.Join(r.inoutDir(mol), mol.ID+".log")
}

func (r *Runner) densityPaths(repo string, mol *Molecule) (dens, ddsc string) {
	return filepath.Join(repo, mol.ID+".wb97x"), filepath.Join(repo, mol.ID+".ddsc")
}

func (r *Runner) Reference(ctx context.Context, mol *Molecule) (total, xc, disp float64, err error) {
	logfile := r.LogPath(mol)
	if err = os.MkdirAll(r.inoutDir(mol), 0755); err != nil {
		return
	}
	if r.CommandFull != "" {
		var script string
		script, err = r.writeScript(mol)
		if err != nil {
			return
		}
		// don't pick up the energies of the previous parameters
		if err = os.Remove(logfile); err != nil && !os.IsNotExist(err) {
			return
		}
		args := append(strings.Fields(r.CommandFull), script)
		slog.Debug("submitting reference job", "molecule", mol.ID,
			"command", strings.Join(args, " "))
		var out []byte
		out, err = exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			err = fmt.Errorf("running %q: %w: %s", args, err, out)
			return
		}
	}
	err = r.poll(ctx, logfile, func() (bool, error) {
		var perr error
		total, xc, disp, perr = ReadFullLog(logfile)
		switch {
		case errors.Is(perr, ErrFileNotFound), errors.Is(perr, ErrEnergyNotFound):
			return false, nil
		case perr != nil:
			return false, perr
		}
		return true, nil
	})
	if err != nil {
		return
	}
	if r.TmpDensitiesRepo != "" {
		err = r.moveDensities(ctx, mol)
	}
	return
}

func (r *Runner) writeScript(mol *Molecule) (string, error) {
	if err := os.MkdirAll(r.ScriptDir, 0755); err != nil {
		return "", err
	}
	name := filepath.Join(r.ScriptDir, mol.ID)
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	inout := r.inoutDir(mol)
	dens, ddsc := r.densityPaths(r.TmpDensitiesRepo, mol)
	tmpl := r.Template
	if tmpl == nil {
		tmpl = scriptTemplate
	}
	err = WriteScript(f, tmpl, Script{
		Name:     mol.ID,
		Stdout:   filepath.Join(inout, mol.ID+".stdout"),
		Stderr:   filepath.Join(inout, mol.ID+".stderr"),
		Log:      r.LogPath(mol),
		Geometry: mol.Path,
		ParamFiles: []string{
			filepath.Join(r.FullParamDir, r.DispersionFile),
			filepath.Join(r.FullParamDir, r.ShapeFile),
		},
		Solver:      r.Solver,
		NCPU:        r.NCPU,
		Mem:         r.Mem,
		DensityDest: dens,
		DDSCDest:    ddsc,
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (r *Runner) moveDensities(ctx context.Context, mol *Molecule) error {
	srcDens, srcDDSC := r.densityPaths(r.TmpDensitiesRepo, mol)
	dstDens, dstDDSC := r.densityPaths(r.DensitiesRepo, mol)
	err := r.poll(ctx, srcDDSC, func() (bool, error) {
		return exists(srcDens) && exists(srcDDSC), nil
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.DensitiesRepo, 0755); err != nil {
		return err
	}
	if err := moveFile(srcDens, dstDens); err != nil {
		return err
	}
	return moveFile(srcDDSC, dstDDSC)
}

func (r *Runner) Evaluation(ctx context.Context, mol *Molecule) (float64, error) {
	if r.CommandFunc == "" {
		return 0, ErrNoCommand
	}
	_, mult, err := ReadXYZHeader(mol.Path)
	if err != nil {
		return 0, err
	}
	restricted := "R"
	if mult > 1 {
		restricted = "U"
	}
	dens, ddsc := r.densityPaths(r.DensitiesRepo, mol)
	args := append(strings.Fields(r.CommandFunc),
		dens, ddsc,
		filepath.Join(r.FuncParamDir, r.ShapeFile),
		filepath.Join(r.FuncParamDir, r.DispersionFile),
		restricted,
	)
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return 0, fmt.Errorf("running %q: %w", args, err)
	}
	return ParseFuncOutput(string(out))
}

// poll calls ready every r.Wait, and whenever something changes in the
// directory of path, until it reports true or fails
func (r *Runner) poll(ctx context.Context, path string, ready func() (bool, error)) error {
	if ok, err := ready(); ok || err != nil {
		return err
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			events, errs = w.Events, w.Errors
		}
	}
	wait := r.Wait
	if wait <= 0 {
		wait = time.Second
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()
	path = filepath.Clean(path)
	var (
		polls int
		late  bool
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				slog.Debug("watch error", "file", path, "error", err)
			}
			continue
		case <-ticker.C:
			polls++
			if r.MaxPolls > 0 && polls > r.MaxPolls {
				return fmt.Errorf("%w: %s after %d polls",
					ErrExternalTimeout, path, r.MaxPolls)
			}
			if r.RecheckWarn > 0 && polls%r.RecheckWarn == 0 {
				late = true
				slog.Warn("solver output not found yet",
					"file", path, "polls", polls)
			}
		}
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			if late {
				slog.Warn("solver output found", "file", path,
					"polls", polls)
			}
			return nil
		}
	}
}

// ReadFullLog extracts the total, exchange-correlation, and dispersion
// energies from a reference log. The last occurrence of each marker
// wins. A final line without a newline is still being written by the
// solver and is ignored
func ReadFullLog(filename string) (total, xc, disp float64, err error) {
	f, err := os.Open(filename)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		return
	}
	defer f.Close()
	rd := bufio.NewReader(f)
	var totLine, xcLine, dispLine string
	for {
		line, rerr := rd.ReadString('\n')
		if rerr == io.EOF {
			break
		} else if rerr != nil {
			err = rerr
			return
		}
		switch {
		case strings.Contains(line, totalMarker):
			totLine = line
		case strings.Contains(line, xcMarker):
			xcLine = line
		case strings.Contains(line, dispMarker):
			dispLine = line
		}
	}
	if total, err = fieldFloat(totLine, totalField); err != nil {
		return
	}
	if xc, err = fieldFloat(xcLine, xcField); err != nil {
		return
	}
	disp, err = fieldFloat(dispLine, dispField)
	return
}

// ParseFuncOutput returns the second whitespace-separated field of the
// evaluation solver's output
func ParseFuncOutput(out string) (float64, error) {
	return fieldFloat(out, 1)
}

func fieldFloat(line string, field int) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) <= field {
		return 0, fmt.Errorf("%w: %q", ErrEnergyNotFound, line)
	}
	v, err := strconv.ParseFloat(
		strings.Replace(fields[field], "D", "E", -1), 64,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrEnergyNotFound, line, err)
	}
	return v, nil
}

func exists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

// moveFile renames src to dst, copying when they are on different
// filesystems
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
