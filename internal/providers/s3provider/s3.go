// Package s3provider stores uploads as objects in an S3-compatible bucket.
package s3provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/uploadgate/internal/providers"
)

type Config struct {
	Name         string
	Region       string
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Limits       providers.Limits
}

// api is the subset of *s3.Client used here.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Provider struct {
	name   string
	bucket string
	limits providers.Limits
	client api
	now    func() time.Time
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// Retries are driven by the upload orchestrator, one attempt per call.
		o.Retryer = aws.NopRetryer{}
	})
	return newProvider(cfg, client), nil
}

func newProvider(cfg Config, client api) *Provider {
	return &Provider{
		name:   cfg.Name,
		bucket: cfg.Bucket,
		limits: cfg.Limits,
		client: client,
		now:    time.Now,
	}
}

func (p *Provider) Name() string              { return p.name }
func (p *Provider) Limits() providers.Limits { return p.limits }

// objectKey lays objects out as <purpose>/<yyyy>/<mm>/<dd>/<uuid>.
func (p *Provider) objectKey(purpose string) string {
	d := p.now().UTC()
	return fmt.Sprintf("%s/%d/%02d/%02d/%s", purpose, d.Year(), d.Month(), d.Day(), uuid.New())
}

func (p *Provider) Upload(ctx context.Context, u providers.Upload) (string, error) {
	if err := providers.CheckLimits(p.name, p.limits, u); err != nil {
		return "", err
	}

	key := p.objectKey(u.Purpose)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          u.Body,
		ContentLength: aws.Int64(u.Size),
		Metadata:      map[string]string{"purpose": u.Purpose},
	}
	if u.MimeType != "" {
		in.ContentType = aws.String(u.MimeType)
	}
	if u.Name != "" {
		in.Metadata["original-name"] = u.Name
	}

	if _, err := p.client.PutObject(ctx, in); err != nil {
		return "", p.classify("upload", err)
	}
	return key, nil
}

func (p *Provider) Delete(ctx context.Context, fileID string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return p.classify("delete", err)
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return p.classify("health", err)
	}
	return nil
}

// classify attaches the HTTP status of an SDK response error. Transport
// errors and timeouts are returned as they are.
func (p *Provider) classify(op string, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return &providers.StatusError{Provider: p.name, Op: op, Code: re.HTTPStatusCode(), Err: err}
	}
	return fmt.Errorf("%s %s: %w", p.name, op, err)
}
