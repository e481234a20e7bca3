package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store is a FileStore over S3-compatible object storage. The URL form is
// s3://bucket/prefix with optional region, endpoint, and pathStyle query
// parameters; credentials come from URL userinfo or the default chain.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds a client from an s3:// URL.
func NewS3Store(ctx context.Context, u *url.URL) (*S3Store, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 URL %q has no bucket", u.String())
	}
	q := u.Query()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := q.Get("region"); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if user := u.User; user != nil {
		secret, _ := user.Password()
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(user.Username(), secret, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := q.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if q.Get("pathStyle") == "1" || q.Get("pathStyle") == "true" {
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	return path.Join(s.prefix, key)
}

// Put buffers the reader to a temp file so the object is uploaded with a
// known content length.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp("", "ash-s3-put-")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return size, nil
}

// Get returns an io.ReadCloser streaming the object from S3. The caller
// must close the reader when done.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from S3: %w", key, err)
	}
	return resp.Body, nil
}

// Delete removes the object from S3.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from S3: %w", key, err)
	}
	return nil
}

// List returns keys under prefix, relative to the store root.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.prefix
	if prefix != "" {
		if err := ValidateKey(prefix); err != nil {
			return nil, err
		}
		full = path.Join(s.prefix, prefix)
	}
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ObjectSnapshotStore addresses snapshots by session id on top of any
// object-backed FileStore.
type ObjectSnapshotStore struct {
	files FileStore
}

// NewObjectSnapshotStore wraps a FileStore.
func NewObjectSnapshotStore(files FileStore) *ObjectSnapshotStore {
	return &ObjectSnapshotStore{files: files}
}

func (s *ObjectSnapshotStore) Upload(ctx context.Context, sessionID, tarPath string) (int64, error) {
	key, err := snapshotKey("", sessionID)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(tarPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.files.Put(ctx, key, f)
}

func (s *ObjectSnapshotStore) Download(ctx context.Context, sessionID, destPath string) error {
	key, err := snapshotKey("", sessionID)
	if err != nil {
		return err
	}
	r, err := s.files.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(path.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
	}
	return err
}

func (s *ObjectSnapshotStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	key, err := snapshotKey("", sessionID)
	if err != nil {
		return false, err
	}
	return s.files.Exists(ctx, key)
}

func (s *ObjectSnapshotStore) Delete(ctx context.Context, sessionID string) error {
	key, err := snapshotKey("", sessionID)
	if err != nil {
		return err
	}
	return s.files.Delete(ctx, key)
}
