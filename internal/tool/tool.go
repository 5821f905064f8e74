// Package tool defines the tool descriptor contract the engine consumes and a
// template-based implementation configured from the engine config.
package tool

import (
	"slices"
)

// Output is a declared output of a tool.
type Output struct {
	Name string
	// Path is relative to the job's outputs/ directory. Defaults to Name.
	Path     string
	Required bool
}

// File returns the output's file name inside outputs/.
func (o Output) File() string {
	if o.Path != "" {
		return o.Path
	}
	return o.Name
}

// Params are the bound values passed to BuildCommandLine. Dataset inputs are
// already materialized to local paths; collection inputs list their element
// paths in element order.
type Params struct {
	Values      map[string]string
	Collections map[string][]string
	Outputs     map[string]string
	WorkingDir  string
}

// Descriptor resolves bound parameters into a command line.
// BuildCommandLine must be deterministic for identical Params.
type Descriptor interface {
	ID() string
	Version() string
	BuildCommandLine(p Params) (string, error)
	Outputs() []Output
	SuccessExitCodes() []int
}

// Succeeded reports whether code is a success exit code for d.
// Tools that declare no codes succeed only on 0.
func Succeeded(d Descriptor, code int) bool {
	codes := d.SuccessExitCodes()
	if len(codes) == 0 {
		return code == 0
	}
	return slices.Contains(codes, code)
}
