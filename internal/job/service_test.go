package job

import (
	"context"
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/store"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	svc := &Service{}

	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty tool",
			req:     &Request{ID: "test-job"},
			wantErr: true,
			errMsg:  "tool ID is required",
		},
		{
			name:    "invalid ID",
			req:     &Request{ID: "-job", ToolID: "cat"},
			wantErr: true,
			errMsg:  "must be alphanumeric",
		},
		{
			name:    "ID too long",
			req:     &Request{ID: strings.Repeat("a", maxJobIDLength+1), ToolID: "cat"},
			wantErr: true,
			errMsg:  "exceeds maximum length",
		},
		{
			name:    "generated ID",
			req:     &Request{ToolID: "cat"},
			wantErr: false,
		},
		{
			name:    "valid request",
			req:     &Request{ID: "test_job-1", ToolID: "cat", Params: []model.ParamBinding{{Name: "x", Kind: model.ParamScalar, Value: "1"}}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := svc.validate(tt.req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, apperrors.ErrValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{})
	svc := NewService(f.m, f.q)
	in := f.dataset(t, "in1", "x")

	resp, err := svc.Create(ctx, &Request{ID: "j1", ToolID: "cat", UserID: "u1",
		Params: []model.ParamBinding{{Name: "input1", Kind: model.ParamDataset, DatasetID: in}}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.ID != "j1" || resp.State != model.JobQueued {
		t.Errorf("response = %+v", resp)
	}

	_, err = svc.Create(ctx, &Request{ID: "j1", ToolID: "cat",
		Params: []model.ParamBinding{{Name: "input1", Kind: model.ParamDataset, DatasetID: in}}})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for duplicate id, got %v", err)
	}

	status, err := svc.SetPorts(ctx, "j1", map[string]model.Port{"http": {Host: "10.0.0.5", Port: 8080, Protocol: "tcp"}})
	if err != nil {
		t.Fatalf("SetPorts: %v", err)
	}
	if status.Ports["http"].Port != 8080 {
		t.Errorf("ports = %v", status.Ports)
	}
	if _, err := svc.SetPorts(ctx, "j1", map[string]model.Port{"http": {Host: "10.0.0.5"}}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for missing port, got %v", err)
	}

	list, err := svc.List(ctx, store.JobFilter{UserID: "u1"})
	if err != nil || len(list.Jobs) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}

	if err := svc.Cancel(ctx, "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := svc.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.JobDeleted {
		t.Errorf("state = %s, want deleted", got.State)
	}
	if _, err := svc.SetPorts(ctx, "j1", nil); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for ports on a deleted job, got %v", err)
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
