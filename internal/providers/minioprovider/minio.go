// Package minioprovider stores uploads in a MinIO bucket.
package minioprovider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dmitrijs2005/uploadgate/internal/providers"
)

type Config struct {
	Name      string
	Endpoint  string
	Region    string // skips the bucket location lookup when set
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Limits    providers.Limits
}

// api is the subset of *minio.Client used here.
type api interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

type Provider struct {
	name   string
	bucket string
	limits providers.Limits
	client api
	now    func() time.Time
}

// New connects to MinIO and creates the bucket when it does not exist.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	// Retries are driven by the upload orchestrator, one attempt per call.
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:     cfg.UseSSL,
		Region:     cfg.Region,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return newProvider(cfg, client), nil
}

func newProvider(cfg Config, client api) *Provider {
	return &Provider{name: cfg.Name, bucket: cfg.Bucket, limits: cfg.Limits, client: client, now: time.Now}
}

func (p *Provider) Name() string              { return p.name }
func (p *Provider) Limits() providers.Limits { return p.limits }

func (p *Provider) Upload(ctx context.Context, u providers.Upload) (string, error) {
	if err := providers.CheckLimits(p.name, p.limits, u); err != nil {
		return "", err
	}

	d := p.now().UTC()
	key := fmt.Sprintf("%s/%d/%02d/%02d/%s", u.Purpose, d.Year(), d.Month(), d.Day(), uuid.New())

	opts := minio.PutObjectOptions{
		ContentType:  u.MimeType,
		UserMetadata: map[string]string{"purpose": u.Purpose},
	}
	if u.Name != "" {
		opts.UserMetadata["original-name"] = u.Name
	}

	if _, err := p.client.PutObject(ctx, p.bucket, key, u.Body, u.Size, opts); err != nil {
		return "", p.classify("upload", err)
	}
	return key, nil
}

func (p *Provider) Delete(ctx context.Context, fileID string) error {
	if err := p.client.RemoveObject(ctx, p.bucket, fileID, minio.RemoveObjectOptions{}); err != nil {
		return p.classify("delete", err)
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	ok, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return p.classify("health", err)
	}
	if !ok {
		return &providers.StatusError{Provider: p.name, Op: "health", Code: http.StatusNotFound,
			Err: fmt.Errorf("bucket %s does not exist", p.bucket)}
	}
	return nil
}

func (p *Provider) classify(op string, err error) error {
	if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 {
		return &providers.StatusError{Provider: p.name, Op: op, Code: resp.StatusCode, Err: err}
	}
	return fmt.Errorf("%s %s: %w", p.name, op, err)
}
