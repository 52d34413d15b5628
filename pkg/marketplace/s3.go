package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// IndexFile is the object listing every package in an S3 repository
const IndexFile = "index.json"

// S3API is the subset of the S3 client the repository uses
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configure the S3 client
type S3Options struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Repository serves listings from s3://bucket/prefix/index.json. Download
// URLs in the index are keys relative to the prefix or s3:// URLs in the same bucket.
type S3Repository struct {
	name   string
	bucket string
	prefix string
	api    S3API
}

// NewS3Repository creates a repository for an s3:// URL using the default
// AWS credential chain unless static keys are given.
func NewS3Repository(ctx context.Context, rawURL string, opts S3Options) (*S3Repository, error) {
	bucket, prefix, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		// Static credentials (for MinIO or AWS with explicit keys)
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return NewS3RepositoryWithClient(bucket, prefix, client), nil
}

// NewS3RepositoryWithClient creates a repository over an existing client
func NewS3RepositoryWithClient(bucket, prefix string, api S3API) *S3Repository {
	prefix = strings.Trim(prefix, "/")
	name := "s3://" + bucket
	if prefix != "" {
		name += "/" + prefix
	}
	return &S3Repository{name: name, bucket: bucket, prefix: prefix, api: api}
}

func parseS3URL(rawURL string) (bucket, prefix string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository URL %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 repository URL %q: expected s3://bucket/prefix", rawURL)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// Name returns the s3:// URL of the repository
func (r *S3Repository) Name() string {
	return r.name
}

func (r *S3Repository) key(rel string) string {
	if r.prefix == "" {
		return rel
	}
	return path.Join(r.prefix, rel)
}

func (r *S3Repository) index(ctx context.Context) ([]*Listing, error) {
	body, err := r.get(ctx, r.key(IndexFile))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var idx searchResponse
	if err := json.NewDecoder(io.LimitReader(body, maxResponseSize)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("failed to decode index from %s: %w", r.name, err)
	}
	out := make([]*Listing, 0, len(idx.Plugins))
	for _, l := range idx.Plugins {
		if l == nil || l.Name == "" || l.Version == "" {
			continue
		}
		l.Repository = r.name
		out = append(out, l)
	}
	return out, nil
}

// Search filters the index
func (r *S3Repository) Search(ctx context.Context, q SearchQuery) ([]*Listing, error) {
	items, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	return filterListings(items, q), nil
}

// Get returns the newest indexed version of name
func (r *S3Repository) Get(ctx context.Context, name string) (*Listing, error) {
	items, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	if l := newest(items, name); l != nil {
		return l, nil
	}
	return nil, notFound(name)
}

// Fetch opens the package object
func (r *S3Repository) Fetch(ctx context.Context, l *Listing) (io.ReadCloser, error) {
	key := l.DownloadURL
	if strings.HasPrefix(key, "s3://") {
		bucket, k, err := parseS3URL(key)
		if err != nil {
			return nil, err
		}
		if bucket != r.bucket {
			return nil, fmt.Errorf("download URL %s is outside bucket %s", l.DownloadURL, r.bucket)
		}
		key = k
	} else {
		if strings.Contains(key, "://") {
			return nil, fmt.Errorf("unsupported download URL %s for %s", l.DownloadURL, r.name)
		}
		key = r.key(strings.TrimPrefix(key, "/"))
	}
	return r.get(ctx, key)
}

func (r *S3Repository) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", r.bucket, key, err)
	}
	return out.Body, nil
}
