package tool

import (
	"fmt"
	"jobengine/internal/apperrors"
	"regexp"
	"strings"
	"text/template"
)

// Definition is the configured form of a template tool.
type Definition struct {
	ID               string             `mapstructure:"id"`
	Version          string             `mapstructure:"version"`
	Command          string             `mapstructure:"command"`
	Outputs          []OutputDefinition `mapstructure:"outputs"`
	SuccessExitCodes []int              `mapstructure:"success_exit_codes"`
}

// OutputDefinition is the configured form of an Output.
type OutputDefinition struct {
	Name     string `mapstructure:"name"`
	Path     string `mapstructure:"path"`
	Required bool   `mapstructure:"required"`
}

// Template is a Descriptor whose command line is a text/template.
//
// The template sees .inputs (scalar values and dataset paths), .collections
// (element paths per collection parameter), .outputs (output paths) and
// .workdir. Referencing a parameter that is not bound is an error.
type Template struct {
	def     Definition
	outputs []Output
	tmpl    *template.Template
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_./:=@%+,-]+$`)

// Quote renders s as a single shell word.
func Quote(s string) string {
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var funcs = template.FuncMap{
	"quote": Quote,
	"join": func(items []string) string {
		quoted := make([]string, len(items))
		for i, item := range items {
			quoted[i] = Quote(item)
		}
		return strings.Join(quoted, " ")
	},
}

// NewTemplate compiles a tool definition.
func NewTemplate(def Definition) (*Template, error) {
	if def.ID == "" {
		return nil, apperrors.Validation("id", "id is required")
	}
	if strings.TrimSpace(def.Command) == "" {
		return nil, apperrors.Validation("command", "must not be empty")
	}
	tmpl, err := template.New(def.ID).Funcs(funcs).Option("missingkey=error").Parse(def.Command)
	if err != nil {
		return nil, apperrors.Validation("command", err.Error())
	}
	outputs := make([]Output, 0, len(def.Outputs))
	seen := make(map[string]bool, len(def.Outputs))
	for _, o := range def.Outputs {
		if o.Name == "" {
			return nil, apperrors.Validation("outputs", "output name is required")
		}
		if seen[o.Name] {
			return nil, apperrors.Validation("outputs", fmt.Sprintf("duplicate output %q", o.Name))
		}
		seen[o.Name] = true
		outputs = append(outputs, Output{Name: o.Name, Path: o.Path, Required: o.Required})
	}
	return &Template{def: def, outputs: outputs, tmpl: tmpl}, nil
}

func (t *Template) ID() string      { return t.def.ID }
func (t *Template) Version() string { return t.def.Version }

func (t *Template) Outputs() []Output {
	return append([]Output(nil), t.outputs...)
}

func (t *Template) SuccessExitCodes() []int {
	return append([]int(nil), t.def.SuccessExitCodes...)
}

// BuildCommandLine renders the command template with p.
func (t *Template) BuildCommandLine(p Params) (string, error) {
	data := map[string]any{
		"inputs":      orEmpty(p.Values),
		"collections": p.Collections,
		"outputs":     orEmpty(p.Outputs),
		"workdir":     p.WorkingDir,
	}
	if data["collections"] == nil {
		data["collections"] = map[string][]string{}
	}
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", apperrors.Tool(fmt.Sprintf("tool %s: cannot build command line: %v", t.def.ID, err))
	}
	return strings.TrimSpace(b.String()), nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Descriptor = (*Template)(nil)
