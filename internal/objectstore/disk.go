package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Disk stores objects under a hashed directory layout on a local filesystem:
// <root>/<ref[0:3]>/dataset_<ref>.dat.
type Disk struct {
	root string
}

// NewDisk creates a disk backend rooted at root, creating it if needed.
func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, fmt.Errorf("disk object store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) path(ref string) string {
	return filepath.Join(d.root, ref[:min(3, len(ref))], "dataset_"+ref+".dat")
}

func (d *Disk) stat(op, ref string) (fs.FileInfo, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	info, err := os.Stat(d.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(op, ref)
	}
	if err != nil {
		return nil, permanent(op, ref, err)
	}
	return info, nil
}

func (d *Disk) Exists(_ context.Context, ref string) (bool, error) {
	_, err := d.stat("exists", ref)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (d *Disk) Create(ctx context.Context, ref string) error {
	exists, err := d.Exists(ctx, ref)
	if err != nil || exists {
		return err
	}
	if err := writeAtomic(d.path(ref), func(io.Writer) error { return nil }); err != nil {
		return permanent("create", ref, err)
	}
	return nil
}

func (d *Disk) Size(_ context.Context, ref string) (int64, error) {
	info, err := d.stat("size", ref)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *Disk) GetData(_ context.Context, ref string, start, count int64) ([]byte, error) {
	if _, err := d.stat("get_data", ref); err != nil {
		return nil, err
	}
	data, err := readRange(d.path(ref), start, count)
	if err != nil {
		return nil, permanent("get_data", ref, err)
	}
	return data, nil
}

func (d *Disk) GetFilename(_ context.Context, ref string) (string, error) {
	if _, err := d.stat("get_filename", ref); err != nil {
		return "", err
	}
	return d.path(ref), nil
}

func (d *Disk) UpdateFromFile(_ context.Context, ref, path string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	if err := copyFileAtomic(path, d.path(ref)); err != nil {
		return permanent("update_from_file", ref, err)
	}
	return nil
}

func (d *Disk) Delete(_ context.Context, ref string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	if err := os.Remove(d.path(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return permanent("delete", ref, err)
	}
	return nil
}

func (d *Disk) GetObjectURL(context.Context, string) (string, bool) {
	return "", false
}

// Ready checks the root directory is still present and writable.
func (d *Disk) Ready(context.Context) error {
	f, err := os.CreateTemp(d.root, ".ready-*")
	if err != nil {
		return transient("ready", "", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// writeAtomic writes through a temp file in the destination directory and
// renames it into place so readers never observe a partial object.
func writeAtomic(dst string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func readRange(path string, start, count int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return nil, err
		}
	}
	var r io.Reader = f
	if count >= 0 {
		r = io.LimitReader(f, count)
	}
	return io.ReadAll(r)
}
