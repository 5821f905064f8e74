package tool

import (
	"context"
	"errors"
	"jobengine/internal/apperrors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func catTool(t *testing.T) *Template {
	t.Helper()
	tt, err := NewTemplate(Definition{
		ID:      "cat",
		Version: "1.2",
		Command: `cat {{join .collections.files}} {{.inputs.input1}} > {{.outputs.out_file1}}{{if .inputs.header}} && echo {{quote .inputs.header}}{{end}}`,
		Outputs: []OutputDefinition{{Name: "out_file1", Required: true}, {Name: "log", Path: "run.log"}},
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	return tt
}

func TestBuildCommandLineIsDeterministic(t *testing.T) {
	t.Parallel()
	tt := catTool(t)
	p := Params{
		Values:      map[string]string{"input1": "/data/in.txt", "header": "it's here"},
		Collections: map[string][]string{"files": {"/data/a b", "/data/c"}},
		Outputs:     map[string]string{"out_file1": "/work/outputs/out_file1"},
	}
	first, err := tt.BuildCommandLine(p)
	if err != nil {
		t.Fatalf("BuildCommandLine: %v", err)
	}
	want := `cat '/data/a b' /data/c /data/in.txt > /work/outputs/out_file1 && echo 'it'\''s here'`
	if first != want {
		t.Errorf("command line\n got: %s\nwant: %s", first, want)
	}
	for range 10 {
		again, _ := tt.BuildCommandLine(p)
		if again != first {
			t.Fatalf("command line changed: %q vs %q", again, first)
		}
	}
}

func TestBuildCommandLineMissingBinding(t *testing.T) {
	t.Parallel()
	tt := catTool(t)
	_, err := tt.BuildCommandLine(Params{Values: map[string]string{"header": ""}})
	if !errors.Is(err, apperrors.ErrTool) {
		t.Errorf("expected tool error for unbound input, got %v", err)
	}
}

func TestNewTemplateValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing id", Definition{Command: "true"}},
		{"empty command", Definition{ID: "x", Command: "  "}},
		{"bad template", Definition{ID: "x", Command: "{{.inputs"}},
		{"duplicate output", Definition{ID: "x", Command: "true", Outputs: []OutputDefinition{{Name: "a"}, {Name: "a"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewTemplate(tc.def); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSucceeded(t *testing.T) {
	t.Parallel()
	tt := catTool(t)
	if !Succeeded(tt, 0) || Succeeded(tt, 1) {
		t.Error("default success codes should be {0}")
	}
	grep, _ := NewTemplate(Definition{ID: "grep", Command: "grep x", SuccessExitCodes: []int{0, 1}})
	if !Succeeded(grep, 1) || Succeeded(grep, 2) {
		t.Error("declared success codes not honored")
	}
	if got := tt.Outputs()[1].File(); got != "run.log" {
		t.Errorf("output file = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r, err := LoadRegistry([]Definition{
		{ID: "wc", Version: "1", Command: "wc -l {{.inputs.input}}"},
		{ID: "cat", Version: "1", Command: "cat"},
	})
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].ID() != "cat" || list[1].ID() != "wc" {
		t.Errorf("List not sorted: %v", list)
	}
	if err := r.Register(list[0]); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.2", "1.10", -1},
		{"2.0", "1.9.9", 1},
		{"1.0a", "1.0b", -1},
	}
	for _, tc := range tests {
		if got := CompareVersions(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestUpdateCheckerReportsOutdated(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cat": "1.10", "wc": "1", "unknown": "9"}`))
	}))
	defer srv.Close()

	r, _ := LoadRegistry([]Definition{
		{ID: "cat", Version: "1.2", Command: "cat"},
		{ID: "wc", Version: "1", Command: "wc"},
	})
	u := NewUpdateChecker(r, UpdateCheckerConfig{URL: srv.URL})
	updates, err := u.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(updates) != 1 || updates[0] != (Update{ToolID: "cat", Current: "1.2", Latest: "1.10"}) {
		t.Errorf("updates = %+v", updates)
	}
	if got := u.Updates(); len(got) != 1 {
		t.Errorf("Updates() = %+v", got)
	}
}
