package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ErrObjectNotFound is returned by ObjectStore implementations for missing
// keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore abstracts the archive backend. The production implementation is
// S3; tests use an in-memory fake.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	Head(ctx context.Context, key string) (map[string]string, error)
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}

// ArchiveConfig tunes the object-store tier.
type ArchiveConfig struct {
	Enabled bool          `yaml:"enabled"`
	Bucket  string        `yaml:"bucket"`
	Region  string        `yaml:"region"`
	Prefix  string        `yaml:"prefix"` // object key prefix, default "cache/"
	TTL     time.Duration `yaml:"ttl"`    // default 7 days; eviction is TTL-only
}

func (c *ArchiveConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "cache/"
	}
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
}

// Object metadata keys carried alongside archived entries.
const (
	metaBackendID    = "backend-id"
	metaDocumentType = "document-type"
	metaCreatedAt    = "created-at"
)

// ArchiveTier stores large or cold entries as objects. Eviction is TTL-only,
// driven by the created-at object metadata.
type ArchiveTier struct {
	objects ObjectStore
	cfg     ArchiveConfig
	clock   clockwork.Clock

	evictions atomic.Int64
}

// NewArchiveTier builds the archive tier over an object store.
func NewArchiveTier(objects ObjectStore, cfg ArchiveConfig, clock clockwork.Clock) *ArchiveTier {
	cfg.applyDefaults()
	return &ArchiveTier{objects: objects, cfg: cfg, clock: clock}
}

func (t *ArchiveTier) objectKey(key string) string { return t.cfg.Prefix + key }

// Get fetches and decodes an archived entry. Missing or corrupted objects
// return (nil, false, nil).
func (t *ArchiveTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, _, err := t.objects.Get(ctx, t.objectKey(key))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		logrus.Warnf("cache: corrupted archive object %q dropped: %v", key, err)
		_ = t.objects.Delete(ctx, t.objectKey(key))
		return nil, false, nil
	}
	if e.Expired(t.clock.Now()) {
		_ = t.objects.Delete(ctx, t.objectKey(key))
		return nil, false, nil
	}
	e.Tier = TierArchive
	return &e, true, nil
}

// Put stores an entry as an object. The entry's placement metadata rides in
// object metadata so sweeps can expire without fetching bodies.
func (t *ArchiveTier) Put(ctx context.Context, e *Entry) error {
	e.Tier = TierArchive
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = t.clock.Now().Add(t.cfg.TTL)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.objects.Put(ctx, t.objectKey(e.Key), data, map[string]string{
		metaBackendID:    e.BackendID,
		metaDocumentType: e.DocumentType,
		metaCreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// Delete removes an archived entry.
func (t *ArchiveTier) Delete(ctx context.Context, key string) (bool, error) {
	err := t.objects.Delete(ctx, t.objectKey(key))
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Clear removes every archived entry.
func (t *ArchiveTier) Clear(ctx context.Context) error {
	keys, err := t.objects.List(ctx, t.cfg.Prefix, 0)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.objects.Delete(ctx, k); err != nil && !errors.Is(err, ErrObjectNotFound) {
			return err
		}
	}
	return nil
}

// Sweep deletes objects whose created-at metadata is older than the archive
// TTL. Objects without parseable metadata are left alone.
func (t *ArchiveTier) Sweep(ctx context.Context, limit int) (int, error) {
	keys, err := t.objects.List(ctx, t.cfg.Prefix, limit)
	if err != nil {
		return 0, err
	}
	cutoff := t.clock.Now().Add(-t.cfg.TTL)
	removed := 0
	for _, k := range keys {
		meta, err := t.objects.Head(ctx, k)
		if err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, meta[metaCreatedAt])
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			if err := t.objects.Delete(ctx, k); err == nil {
				removed++
				t.evictions.Add(1)
			}
		}
	}
	return removed, nil
}

// Evictions returns the cumulative count of objects removed by sweeps.
func (t *ArchiveTier) Evictions() int64 { return t.evictions.Load() }

// S3ObjectStore implements ObjectStore on an S3 bucket.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewS3ObjectStore resolves AWS configuration for the region and wraps the
// bucket.
func NewS3ObjectStore(ctx context.Context, bucket, region string) (*S3ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &S3ObjectStore{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// NewS3ObjectStoreFromClient wraps an existing client.
func NewS3ObjectStoreFromClient(client *s3.Client, bucket string) *S3ObjectStore {
	return &S3ObjectStore{client: client, bucket: bucket}
}

func (s *S3ObjectStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, out.Metadata, nil
}

func (s *S3ObjectStore) Head(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return out.Metadata, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	})
	return err
}

func (s *S3ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3ObjectStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	p := s3.NewListObjectsV2Paginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return keys, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}
