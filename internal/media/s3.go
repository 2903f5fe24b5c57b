// Package media provides an S3-compatible photo store. It is an alternative to the
// backend's photo conversion endpoint for obtaining durable photo references.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// Options configures a PhotoStore.
type Options struct {
	Endpoint  string // S3 service endpoint URL
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PublicURL string // Base URL under which stored objects are reachable
	Prefix    string // Key prefix, "photos" when empty
}

// PhotoStore stores gallery photos as S3 objects.
// The object key is the photo's server id and its public URL the durable reference.
type PhotoStore struct {
	client    *s3.Client
	bucket    string
	publicURL string
	prefix    string
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewPhotoStore creates a store for AWS S3 or an S3-compatible service like MinIO.
func NewPhotoStore(ctx context.Context, opts Options) (*PhotoStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithBaseEndpoint(opts.Endpoint),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     opts.AccessKey,
					SecretAccessKey: opts.SecretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	publicURL := strings.TrimRight(opts.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(opts.Endpoint, "/") + "/" + opts.Bucket
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "photos"
	}

	return &PhotoStore{
		client:    client,
		bucket:    opts.Bucket,
		publicURL: publicURL,
		prefix:    prefix,
		metrics:   metrics.NewMetrics(),
		now:       time.Now,
	}, nil
}

// UploadPhoto stores a data-URI photo and returns its durable reference.
func (s *PhotoStore) UploadPhoto(ctx context.Context, imageDataURI, filename string) (model.RemoteRef, error) {
	mimeType, data, err := model.DecodeDataURI(imageDataURI)
	if err != nil {
		return model.RemoteRef{}, fmt.Errorf("decode photo: %w", err)
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	key := s.objectKey(filename)
	sum := sha256.Sum256(data)

	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
		Metadata: map[string]string{
			"sha256":   base64.StdEncoding.EncodeToString(sum[:]),
			"filename": filename,
		},
	})
	s.observe("put", start, err)
	if err != nil {
		return model.RemoteRef{}, fmt.Errorf("failed to store photo: %w", err)
	}

	slog.Debug("photo stored", "key", key, "bytes", len(data))
	return model.RemoteRef{URL: s.publicURL + "/" + key, ServerID: key}, nil
}

// DeletePhoto removes a stored photo. Deleting a missing key succeeds.
func (s *PhotoStore) DeletePhoto(ctx context.Context, ref model.RemoteRef) error {
	key := ref.ServerID
	if key == "" {
		key = strings.TrimPrefix(ref.URL, s.publicURL+"/")
	}
	if key == "" || key == ref.URL {
		return fmt.Errorf("photo reference %q is not in this store", ref.URL)
	}

	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *PhotoStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("failed to reach bucket: %w", err)
	}
	return nil
}

// objectKey lays photos out by day: <prefix>/<yyyy>/<mm>/<dd>/<uuid>-<name>.
func (s *PhotoStore) objectKey(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "photo.jpg"
	}
	day := s.now().UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, uuid.NewString()+"-"+name)
}

func (s *PhotoStore) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.StorageOperationTotal.WithLabelValues("s3_"+op, status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues("s3_"+op, status).Observe(time.Since(start).Seconds())
}
