package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"jobengine/pkg/backoff"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
	Region       string        `mapstructure:"region"`
	Endpoint     string        `mapstructure:"endpoint"`
	AccessKey    string        `mapstructure:"access_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	UsePathStyle bool          `mapstructure:"use_path_style"`
	CacheDir     string        `mapstructure:"cache_dir"`
	CacheSize    int           `mapstructure:"cache_size"`
	Attempts     int           `mapstructure:"attempts"`
	PresignTTL   time.Duration `mapstructure:"presign_ttl"`
}

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3 stores objects in an S3 bucket and materializes them into a local LRU
// cache for GetFilename.
type S3 struct {
	client     s3API
	presigner  s3Presigner
	bucket     string
	prefix     string
	presignTTL time.Duration
	cache      *fileCache
	attempts   int
	backoff    *backoff.Config
	logger     *slog.Logger
}

// NewS3 creates an S3 backend from configuration.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3(client, s3.NewPresignClient(client), cfg)
}

func newS3(client s3API, presigner s3Presigner, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	cache, err := newFileCache(cfg.CacheDir, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return &S3{
		client:     client,
		presigner:  presigner,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		presignTTL: cfg.PresignTTL,
		cache:      cache,
		attempts:   attempts,
		logger:     slog.With("component", "objectstore.s3", "bucket", cfg.Bucket),
	}, nil
}

func (s *S3) key(ref string) string {
	return path.Join(s.prefix, ref[:min(3, len(ref))], "dataset_"+ref+".dat")
}

// classify turns an SDK error into an *Error. Missing keys are permanent;
// throttling, 5xx and transport failures are transient.
func (s *S3) classify(op, ref string, err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return notFound(op, ref)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return transient(op, ref, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return permanent(op, ref, err)
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		if code == 404 {
			return notFound(op, ref)
		}
		if code >= 500 || code == 429 {
			return transient(op, ref, err)
		}
		return permanent(op, ref, err)
	}
	return transient(op, ref, err)
}

// do runs fn with retries for transient failures.
func (s *S3) do(ctx context.Context, op, ref string, fn func() error) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	opts := append(backoff.RetryOptions(s.attempts, s.backoff, IsTransient),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Retrying object store operation", "op", op, "ref", ref, "attempt", n+1, "error", err)
		}),
	)
	return retry.Do(func() error {
		if err := fn(); err != nil {
			return s.classify(op, ref, err)
		}
		return nil
	}, opts...)
}

func (s *S3) head(ctx context.Context, op, ref string) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := s.do(ctx, op, ref, func() error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(ref))})
		return err
	})
	return out, err
}

func (s *S3) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := s.head(ctx, "exists", ref)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *S3) Create(ctx context.Context, ref string) error {
	exists, err := s.Exists(ctx, ref)
	if err != nil || exists {
		return err
	}
	return s.do(ctx, "create", ref, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key(ref)),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
		return err
	})
}

func (s *S3) Size(ctx context.Context, ref string) (int64, error) {
	out, err := s.head(ctx, "size", ref)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3) GetData(ctx context.Context, ref string, start, count int64) ([]byte, error) {
	if count == 0 {
		return []byte{}, nil
	}
	input := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(ref))}
	switch {
	case count > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, start+count-1))
	case start > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}

	var data []byte
	err := s.do(ctx, "get_data", ref, func() error {
		out, err := s.client.GetObject(ctx, input)
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	return data, err
}

func (s *S3) GetFilename(ctx context.Context, ref string) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	if p, ok := s.cache.get(ref); ok {
		return p, nil
	}
	var p string
	err := s.do(ctx, "get_filename", ref, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(ref))})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		p, err = s.cache.fill(ref, func(w io.Writer) error {
			_, err := io.Copy(w, out.Body)
			return err
		})
		return err
	})
	return p, err
}

func (s *S3) UpdateFromFile(ctx context.Context, ref, localPath string) error {
	err := s.do(ctx, "update_from_file", ref, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return permanent("update_from_file", ref, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return permanent("update_from_file", ref, err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key(ref)),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
		})
		return err
	})
	if err == nil {
		s.cache.evict(ref)
	}
	return err
}

func (s *S3) Delete(ctx context.Context, ref string) error {
	err := s.do(ctx, "delete", ref, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(ref))})
		return err
	})
	if IsNotFound(err) {
		err = nil
	}
	s.cache.evict(ref)
	return err
}

// GetObjectURL returns a presigned GET URL when presigning is configured.
func (s *S3) GetObjectURL(ctx context.Context, ref string) (string, bool) {
	if s.presigner == nil || s.presignTTL <= 0 || ValidateRef(ref) != nil {
		return "", false
	}
	req, err := s.presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(ref))},
		s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		s.logger.Warn("Failed to presign object URL", "ref", ref, "error", err)
		return "", false
	}
	return req.URL, true
}

func (s *S3) Ready(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return s.classify("ready", "", err)
	}
	return nil
}
