package job

import (
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"testing"
)

func TestDestinationsResolve(t *testing.T) {
	t.Parallel()
	d, err := NewDestinations([]model.JobDestination{
		{ID: "local", Runner: "local"},
		{ID: "cluster", Runner: "slurm", MaxConcurrency: 4, Params: map[string]string{"walltime": "1h"}},
	}, map[string]string{"bwa": "cluster"}, "local")
	if err != nil {
		t.Fatalf("NewDestinations: %v", err)
	}

	tests := []struct {
		tool, requested, want string
	}{
		{"cat", "", "local"},
		{"bwa", "", "cluster"},
		{"bwa", "local", "local"},
	}
	for _, tt := range tests {
		got, err := d.Resolve(tt.tool, tt.requested)
		if err != nil {
			t.Fatalf("Resolve(%s, %q): %v", tt.tool, tt.requested, err)
		}
		if got.ID != tt.want {
			t.Errorf("Resolve(%s, %q) = %s, want %s", tt.tool, tt.requested, got.ID, tt.want)
		}
	}

	got, _ := d.Resolve("bwa", "")
	got.Params["walltime"] = "2h"
	again, _ := d.Resolve("bwa", "")
	if again.Params["walltime"] != "1h" {
		t.Error("mutating a resolved destination leaked into the configuration")
	}

	if _, err := d.Resolve("cat", "nowhere"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if all := d.All(); len(all) != 2 || all[0].ID != "cluster" {
		t.Errorf("All() = %v", all)
	}
}

func TestNewDestinationsValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		dests []model.JobDestination
		tools map[string]string
		def   string
	}{
		{"empty", nil, nil, ""},
		{"missing runner", []model.JobDestination{{ID: "a"}}, nil, ""},
		{"duplicate", []model.JobDestination{{ID: "a", Runner: "local"}, {ID: "a", Runner: "local"}}, nil, ""},
		{"unknown default", []model.JobDestination{{ID: "a", Runner: "local"}}, nil, "b"},
		{"unknown tool mapping", []model.JobDestination{{ID: "a", Runner: "local"}}, map[string]string{"cat": "b"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewDestinations(tt.dests, tt.tools, tt.def); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{}.withDefaults()
	if !p.Retryable(apperrors.KindTransient, 0) || !p.Retryable(apperrors.KindTransient, 1) {
		t.Error("transient failures should be retried within the attempt budget")
	}
	if p.Retryable(apperrors.KindTransient, 2) {
		t.Error("third attempt should be the last")
	}
	if p.Retryable(apperrors.KindTool, 0) {
		t.Error("tool errors are not retryable by default")
	}

	bad := RetryPolicy{RetryableKinds: []string{apperrors.KindTool, "cosmic-rays"}}
	err := bad.Validate()
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var merr interface{ WrappedErrors() []error }
	if !errors.As(err, &merr) || len(merr.WrappedErrors()) != 2 {
		t.Errorf("expected both kinds reported, got %v", err)
	}
}
