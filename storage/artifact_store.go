package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ArtifactStore persists the files a job leaves behind
type ArtifactStore interface {
	// Upload copies every regular file under dir and returns their URIs
	Upload(ctx context.Context, jobID, dir string) ([]string, error)
}

// S3Config selects the bucket and client settings for S3ArtifactStore
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArtifactStore uploads job outputs to {prefix}/{jobID}/{relpath}
type S3ArtifactStore struct {
	client objectPutter
	bucket string
	prefix string
	log    *zap.SugaredLogger
}

var _ ArtifactStore = (*S3ArtifactStore)(nil)

// NewS3ArtifactStore builds an S3 client from the default credential chain
func NewS3ArtifactStore(ctx context.Context, cfg S3Config) (*S3ArtifactStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3ArtifactStore(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3ArtifactStore(client objectPutter, bucket, prefix string) *S3ArtifactStore {
	return &S3ArtifactStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    zap.S().Named("artifacts"),
	}
}

func (s *S3ArtifactStore) Upload(ctx context.Context, jobID, dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat artifact dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact path %s is not a directory", dir)
	}

	var uris []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := s.key(jobID, rel)
		if err := s.put(ctx, key, p); err != nil {
			return err
		}
		uris = append(uris, fmt.Sprintf("s3://%s/%s", s.bucket, key))
		return nil
	})
	if err != nil {
		return uris, err
	}

	s.log.Infow("uploaded artifacts", "job_id", jobID, "dir", dir, "objects", len(uris))
	return uris, nil
}

func (s *S3ArtifactStore) key(jobID, rel string) string {
	return path.Join(s.prefix, jobID, filepath.ToSlash(rel))
}

func (s *S3ArtifactStore) put(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
