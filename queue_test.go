package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

var testScript = Script{
	Name:        "dsA.h2",
	Stdout:      "/run/dsA/inout/1/dsA.h2.stdout",
	Stderr:      "/run/dsA/inout/1/dsA.h2.stderr",
	Log:         "/run/dsA/inout/1/dsA.h2.log",
	Geometry:    "/trset/dsA/geometry/h2.xyz",
	ParamFiles:  []string{"/params/a0b0", "/params/FUNC_PAR.dat"},
	Solver:      "rungms",
	NCPU:        8,
	Mem:         "64000",
	DensityDest: "/tmp_dens/dsA.h2.wb97x",
	DDSCDest:    "/tmp_dens/dsA.h2.ddsc",
}

func TestWriteScript(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteScript(&buf, scriptTemplate, testScript); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	want := `#!/bin/bash
#SBATCH -J dsA.h2
#SBATCH -o /run/dsA/inout/1/dsA.h2.stdout
#SBATCH -e /run/dsA/inout/1/dsA.h2.stderr
#SBATCH --mem=64000
#SBATCH --nodes=1
#SBATCH --ntasks-per-node=8

export EXTBAS=/dev/null
cd $SLURM_TMPDIR
cp /params/a0b0 $SLURM_TMPDIR
cp /params/FUNC_PAR.dat $SLURM_TMPDIR
rungms /trset/dsA/geometry/h2.xyz 8 &> /run/dsA/inout/1/dsA.h2.log
cat $SLURM_TMPDIR/*.data > $SLURM_TMPDIR/PARAM_UNF.dat
cp $SLURM_TMPDIR/PARAM_UNF.dat /tmp_dens/dsA.h2.wb97x
cp $SLURM_TMPDIR/dDsC_PAR /tmp_dens/dsA.h2.ddsc
exit
`
	if got != want {
		t.Errorf("got\n%s, wanted\n%s\n", got, want)
	}
}

func TestLoadTemplate(t *testing.T) {
	name := filepath.Join(t.TempDir(), "pbs.tmpl")
	cont := "#PBS -N {{.Name}}\n{{.Solver}} {{.Geometry}} > {{.Log}}\n"
	if err := os.WriteFile(name, []byte(cont), 0644); err != nil {
		t.Fatal(err)
	}
	tmpl, err := LoadTemplate(name)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteScript(&buf, tmpl, testScript); err != nil {
		t.Fatal(err)
	}
	want := "#PBS -N dsA.h2\nrungms /trset/dsA/geometry/h2.xyz > /run/dsA/inout/1/dsA.h2.log\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, wanted %q\n", got, want)
	}
}
