package objectstore

import (
	"context"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-multierror"
)

// Backend types accepted in Config.Type.
const (
	TypeDisk         = "disk"
	TypeHierarchical = "hierarchical"
	TypeDistributed  = "distributed"
	TypeS3           = "s3"
	TypeRemote       = "remote"
)

// Config is the typed description of an object store tree.
type Config struct {
	Type     string       `mapstructure:"type"`
	Path     string       `mapstructure:"path"`
	Weight   int          `mapstructure:"weight"`
	Backends []Config     `mapstructure:"backends"`
	S3       S3Config     `mapstructure:"s3"`
	Remote   RemoteConfig `mapstructure:"remote"`
}

// Validate checks the whole tree and reports every problem at once.
func (c Config) Validate() error {
	return c.validate("objectstore").ErrorOrNil()
}

func (c Config) validate(prefix string) *multierror.Error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%s: %s", prefix, fmt.Sprintf(format, args...)))
	}
	switch c.Type {
	case TypeDisk:
		if c.Path == "" {
			fail("path is required")
		}
	case TypeHierarchical, TypeDistributed:
		if len(c.Backends) == 0 {
			fail("at least one backend is required")
		}
		for i, b := range c.Backends {
			if c.Type == TypeDistributed && b.Weight <= 0 {
				fail("backends[%d]: weight must be positive", i)
			}
			result = multierror.Append(result, b.validate(fmt.Sprintf("%s.backends[%d]", prefix, i)).WrappedErrors()...)
		}
	case TypeS3:
		if c.S3.Bucket == "" {
			fail("s3.bucket is required")
		}
		if c.S3.CacheDir == "" {
			fail("s3.cache_dir is required")
		}
	case TypeRemote:
		if _, err := url.ParseRequestURI(c.Remote.URL); err != nil {
			fail("remote.url is invalid: %v", err)
		}
		if c.Remote.CacheDir == "" {
			fail("remote.cache_dir is required")
		}
	default:
		fail("unknown type %q", c.Type)
	}
	return result
}

// New builds the object store tree described by cfg.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Type {
	case TypeDisk:
		return NewDisk(cfg.Path)
	case TypeS3:
		return NewS3(ctx, cfg.S3)
	case TypeRemote:
		return NewRemote(cfg.Remote)
	case TypeHierarchical:
		children, err := newChildren(ctx, cfg.Backends)
		if err != nil {
			return nil, err
		}
		return NewHierarchical(children...)
	case TypeDistributed:
		children, err := newChildren(ctx, cfg.Backends)
		if err != nil {
			return nil, err
		}
		weighted := make([]Weighted, len(children))
		for i, child := range children {
			weighted[i] = Weighted{Store: child, Weight: cfg.Backends[i].Weight}
		}
		return NewDistributed(weighted...)
	default:
		return nil, fmt.Errorf("unknown object store type %q", cfg.Type)
	}
}

func newChildren(ctx context.Context, cfgs []Config) ([]ObjectStore, error) {
	children := make([]ObjectStore, 0, len(cfgs))
	for i, c := range cfgs {
		child, err := New(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("backend %d: %w", i, err)
		}
		children = append(children, child)
	}
	return children, nil
}
