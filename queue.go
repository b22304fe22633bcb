package main

import (
	"embed"
	"io"
	"text/template"
)

//go:embed full.tmpl
var Templates embed.FS

// Script holds everything the batch script for one reference
// calculation needs
type Script struct {
	Name        string
	Stdout      string
	Stderr      string
	Log         string
	Geometry    string
	ParamFiles  []string
	Solver      string
	NCPU        int
	Mem         string
	DensityDest string
	DDSCDest    string
}

var scriptTemplate *template.Template

func init() {
	var err error
	scriptTemplate, err = template.ParseFS(Templates, "full.tmpl")
	if err != nil {
		panic(err)
	}
}

// LoadTemplate parses a batch script template from filename, to be used
// in place of the built-in one
func LoadTemplate(filename string) (*template.Template, error) {
	return template.ParseFiles(filename)
}

func WriteScript(w io.Writer, t *template.Template, s Script) error {
	return t.Execute(w, s)
}
