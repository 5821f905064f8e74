package objectstore

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Hierarchical consults an ordered list of backends. Reads are served by the
// first backend holding the reference; writes always go to the first backend.
type Hierarchical struct {
	backends []ObjectStore
}

// NewHierarchical creates a hierarchical store. At least one backend is required.
func NewHierarchical(backends ...ObjectStore) (*Hierarchical, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("hierarchical object store needs at least one backend")
	}
	return &Hierarchical{backends: backends}, nil
}

// locate returns the first backend holding ref.
func (h *Hierarchical) locate(ctx context.Context, op, ref string) (ObjectStore, error) {
	for _, b := range h.backends {
		ok, err := b.Exists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
	}
	return nil, notFound(op, ref)
}

func (h *Hierarchical) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := h.locate(ctx, "exists", ref)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (h *Hierarchical) Create(ctx context.Context, ref string) error {
	return h.backends[0].Create(ctx, ref)
}

func (h *Hierarchical) Size(ctx context.Context, ref string) (int64, error) {
	b, err := h.locate(ctx, "size", ref)
	if err != nil {
		return 0, err
	}
	return b.Size(ctx, ref)
}

func (h *Hierarchical) GetData(ctx context.Context, ref string, start, count int64) ([]byte, error) {
	b, err := h.locate(ctx, "get_data", ref)
	if err != nil {
		return nil, err
	}
	return b.GetData(ctx, ref, start, count)
}

func (h *Hierarchical) GetFilename(ctx context.Context, ref string) (string, error) {
	b, err := h.locate(ctx, "get_filename", ref)
	if err != nil {
		return "", err
	}
	return b.GetFilename(ctx, ref)
}

func (h *Hierarchical) UpdateFromFile(ctx context.Context, ref, path string) error {
	return h.backends[0].UpdateFromFile(ctx, ref, path)
}

// Delete removes ref from every backend so stale copies cannot shadow a later write.
func (h *Hierarchical) Delete(ctx context.Context, ref string) error {
	var result *multierror.Error
	for _, b := range h.backends {
		if err := b.Delete(ctx, ref); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (h *Hierarchical) GetObjectURL(ctx context.Context, ref string) (string, bool) {
	b, err := h.locate(ctx, "get_object_url", ref)
	if err != nil {
		return "", false
	}
	return b.GetObjectURL(ctx, ref)
}

func (h *Hierarchical) Ready(ctx context.Context) error {
	return readyAll(ctx, h.backends)
}

func readyAll(ctx context.Context, backends []ObjectStore) error {
	var result *multierror.Error
	for _, b := range backends {
		if err := b.Ready(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
