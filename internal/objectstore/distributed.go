package objectstore

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Weighted pairs a backend with its share of new objects.
type Weighted struct {
	Store  ObjectStore
	Weight int
}

// Distributed spreads objects over weighted backends. Placement is a
// deterministic hash of the reference, so the same ref always lands on the
// same backend for a fixed configuration. Reads fall back to the other
// backends to survive weight changes.
type Distributed struct {
	backends []Weighted
	total    uint64
}

// NewDistributed creates a distributed store. Weights must be positive.
func NewDistributed(backends ...Weighted) (*Distributed, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("distributed object store needs at least one backend")
	}
	var total uint64
	for i, b := range backends {
		if b.Weight <= 0 {
			return nil, fmt.Errorf("backend %d: weight must be positive", i)
		}
		total += uint64(b.Weight)
	}
	return &Distributed{backends: backends, total: total}, nil
}

// place returns the index of the backend responsible for new writes of ref.
func (d *Distributed) place(ref string) int {
	h := fnv.New64a()
	h.Write([]byte(ref))
	point := h.Sum64() % d.total
	for i, b := range d.backends {
		if point < uint64(b.Weight) {
			return i
		}
		point -= uint64(b.Weight)
	}
	return len(d.backends) - 1
}

func (d *Distributed) primary(ref string) ObjectStore {
	return d.backends[d.place(ref)].Store
}

// locate checks the placed backend first, then the rest in order.
func (d *Distributed) locate(ctx context.Context, op, ref string) (ObjectStore, error) {
	placed := d.place(ref)
	order := []int{placed}
	for i := range d.backends {
		if i != placed {
			order = append(order, i)
		}
	}
	for _, i := range order {
		b := d.backends[i].Store
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

func (d *Distributed) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := d.locate(ctx, "exists", ref)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (d *Distributed) Create(ctx context.Context, ref string) error {
	return d.primary(ref).Create(ctx, ref)
}

func (d *Distributed) Size(ctx context.Context, ref string) (int64, error) {
	b, err := d.locate(ctx, "size", ref)
	if err != nil {
		return 0, err
	}
	return b.Size(ctx, ref)
}

func (d *Distributed) GetData(ctx context.Context, ref string, start, count int64) ([]byte, error) {
	b, err := d.locate(ctx, "get_data", ref)
	if err != nil {
		return nil, err
	}
	return b.GetData(ctx, ref, start, count)
}

func (d *Distributed) GetFilename(ctx context.Context, ref string) (string, error) {
	b, err := d.locate(ctx, "get_filename", ref)
	if err != nil {
		return "", err
	}
	return b.GetFilename(ctx, ref)
}

func (d *Distributed) UpdateFromFile(ctx context.Context, ref, path string) error {
	b, err := d.locate(ctx, "update_from_file", ref)
	if IsNotFound(err) {
		b, err = d.primary(ref), nil
	}
	if err != nil {
		return err
	}
	return b.UpdateFromFile(ctx, ref, path)
}

func (d *Distributed) Delete(ctx context.Context, ref string) error {
	b, err := d.locate(ctx, "delete", ref)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.Delete(ctx, ref)
}

func (d *Distributed) GetObjectURL(ctx context.Context, ref string) (string, bool) {
	b, err := d.locate(ctx, "get_object_url", ref)
	if err != nil {
		return "", false
	}
	return b.GetObjectURL(ctx, ref)
}

func (d *Distributed) Ready(ctx context.Context) error {
	stores := make([]ObjectStore, len(d.backends))
	for i, b := range d.backends {
		stores[i] = b.Store
	}
	return readyAll(ctx, stores)
}
