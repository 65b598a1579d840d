// Package s3 implements the snapshot store on Amazon S3 or any
// S3-compatible object store.
//
// Publication state is carried as an object tag (publication_state) so
// that flipping a snapshot from pending to published never rewrites the
// object bytes. Published objects are immutable.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metrics"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

const stateTagKey = "publication_state"

// retryConfig holds retry settings for S3 operations.
type retryConfig struct {
	maxRetries        uint
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// Config contains configuration for the S3 snapshot store.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	KeyPrefix string

	// MaxRetries is the maximum number of retry attempts for transient
	// errors (default: 3).
	MaxRetries uint

	// InitialBackoff is the backoff before the first retry (default: 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff (default: 2s).
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential backoff factor (default: 2.0).
	BackoffMultiplier float64

	// Metrics is an optional metrics collector.
	Metrics metrics.SnapshotMetrics
}

// Store is the S3-backed snapshot store.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	retry     retryConfig
	metrics   metrics.SnapshotMetrics
}

// NewClientFromConfig creates an S3 client from configuration parameters.
// This is a helper for wiring the store from YAML configuration.
func NewClientFromConfig(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates the S3 snapshot store and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 2 * time.Second
	}
	backoffMultiplier := cfg.BackoffMultiplier
	if backoffMultiplier == 0 {
		backoffMultiplier = 2.0
	}

	return &Store{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   cfg.Metrics,
		retry: retryConfig{
			maxRetries:        maxRetries,
			initialBackoff:    initialBackoff,
			maxBackoff:        maxBackoff,
			backoffMultiplier: backoffMultiplier,
		},
	}, nil
}

var _ snapshot.Store = (*Store)(nil)

func (s *Store) key(uri string) string {
	if s.keyPrefix != "" {
		return s.keyPrefix + uri
	}
	return uri
}

// withRetry runs op with exponential backoff. Only transient failures are
// retried; typed domain errors pass through immediately.
func (s *Store) withRetry(ctx context.Context, name string, op func() error) error {
	backoff := s.retry.initialBackoff
	var err error
	for attempt := uint(0); ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return err
		}
		if attempt >= s.retry.maxRetries {
			return err
		}

		logger.WarnCtx(ctx, "retrying S3 operation",
			logger.KeyComponent, "snapshot-s3",
			logger.KeyAttempt, attempt+1,
			"operation", name,
			logger.KeyError, err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * s.retry.backoffMultiplier)
		if backoff > s.retry.maxBackoff {
			backoff = s.retry.maxBackoff
		}
	}
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, time.Since(start), err)
	}
}

func (s *Store) Put(ctx context.Context, uri string, data []byte, state entity.PublicationState) (err error) {
	start := time.Now()
	defer func() { s.observe("Put", start, err) }()

	key := s.key(uri)

	// Snapshot objects are write-once. Identical bytes are an idempotent
	// replay; different bytes mean either a concurrent writer staged this
	// revision first (retry case) or a published object is being rewritten
	// (broken invariant).
	existing, existingState, getErr := s.getObject(ctx, key)
	if getErr == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		if existingState == entity.StatePublished {
			return entity.NewInvariantViolationError("attempt to overwrite published snapshot " + uri)
		}
		return entity.NewAlreadyExistsError("pending snapshot " + uri + " already staged with different content")
	}
	if !entity.IsCode(getErr, entity.ErrRevisionNotFound) {
		return getErr
	}

	// If-None-Match closes the window between the existence check and the
	// put: a racing writer who lands first turns this into a 412, never an
	// overwrite.
	err = s.withRetry(ctx, "PutObject", func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
			IfNoneMatch: aws.String("*"),
			Tagging:     aws.String(stateTagKey + "=" + string(state)),
		})
		if putErr != nil {
			var apiErr smithy.APIError
			if errors.As(putErr, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
				return entity.NewAlreadyExistsError("pending snapshot " + uri + " already staged with different content")
			}
		}
		return putErr
	})
	if err != nil {
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return err
		}
		return entity.NewWriteFailedError("", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, uri string) (data []byte, state entity.PublicationState, err error) {
	start := time.Now()
	defer func() { s.observe("Get", start, err) }()

	key := s.key(uri)
	data, state, err = s.getObject(ctx, key)
	return data, state, err
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, entity.PublicationState, error) {
	var data []byte
	err := s.withRetry(ctx, "GetObject", func() error {
		out, getErr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if getErr != nil {
			var noKey *types.NoSuchKey
			if errors.As(getErr, &noKey) {
				return &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no snapshot at " + key}
			}
			return getErr
		}
		defer out.Body.Close()

		data, getErr = io.ReadAll(out.Body)
		return getErr
	})
	if err != nil {
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return nil, "", err
		}
		return nil, "", entity.NewTransientError("snapshot read failed", err)
	}

	state, err := s.objectState(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, state, nil
}

func (s *Store) objectState(ctx context.Context, key string) (entity.PublicationState, error) {
	var state entity.PublicationState
	err := s.withRetry(ctx, "GetObjectTagging", func() error {
		out, tagErr := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if tagErr != nil {
			return tagErr
		}
		state = entity.StatePending
		for _, tag := range out.TagSet {
			if aws.ToString(tag.Key) == stateTagKey {
				state = entity.PublicationState(aws.ToString(tag.Value))
			}
		}
		return nil
	})
	if err != nil {
		return "", entity.NewTransientError("snapshot tag read failed", err)
	}
	return state, nil
}

func (s *Store) SetState(ctx context.Context, uri string, state entity.PublicationState) (err error) {
	start := time.Now()
	defer func() { s.observe("SetState", start, err) }()

	key := s.key(uri)

	current, err := s.objectStateChecked(ctx, key)
	if err != nil {
		return err
	}
	if current == state {
		return nil
	}
	if current == entity.StatePublished && state == entity.StatePending {
		return entity.NewInvariantViolationError("attempt to demote published snapshot " + uri)
	}

	err = s.withRetry(ctx, "PutObjectTagging", func() error {
		_, tagErr := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Tagging: &types.Tagging{
				TagSet: []types.Tag{{
					Key:   aws.String(stateTagKey),
					Value: aws.String(string(state)),
				}},
			},
		})
		return tagErr
	})
	if err != nil {
		return entity.NewTransientError("snapshot state flip failed", err)
	}
	return nil
}

// objectStateChecked distinguishes a missing object from a tag failure.
func (s *Store) objectStateChecked(ctx context.Context, key string) (entity.PublicationState, error) {
	err := s.withRetry(ctx, "HeadObject", func() error {
		_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if headErr != nil {
			var notFound *types.NotFound
			if errors.As(headErr, &notFound) {
				return &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no snapshot at " + key}
			}
			return headErr
		}
		return nil
	})
	if err != nil {
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return "", err
		}
		return "", entity.NewTransientError("snapshot head failed", err)
	}
	return s.objectState(ctx, key)
}

func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) (uris []string, err error) {
	start := time.Now()
	defer func() { s.observe("ListPendingOlderThan", start, err) }()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})

	for paginator.HasMorePages() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		page, pageErr := paginator.NextPage(ctx)
		if pageErr != nil {
			return nil, entity.NewTransientError("snapshot listing failed", pageErr)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			key := aws.ToString(obj.Key)
			state, stateErr := s.objectState(ctx, key)
			if stateErr != nil {
				return nil, stateErr
			}
			if state != entity.StatePending {
				continue
			}
			uris = append(uris, key[len(s.keyPrefix):])
			if limit > 0 && len(uris) >= limit {
				sort.Strings(uris)
				return uris, nil
			}
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return entity.NewTransientError("snapshot bucket unreachable", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
