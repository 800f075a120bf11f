package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config configures an S3Presigner.
type S3Config struct {
	Bucket   string
	Region   string
	MaxBytes int64
	Expiry   time.Duration
}

type putPresigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Presigner presigns PUT requests against a single bucket.
type S3Presigner struct {
	client putPresigner
	bucket string
	policy Policy
	expiry time.Duration
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

// S3Option configures an S3Presigner.
type S3Option func(*S3Presigner)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) S3Option {
	return func(p *S3Presigner) { p.log = l }
}

// WithClock overrides the time source used for object keys and expiry.
func WithClock(now func() time.Time) S3Option {
	return func(p *S3Presigner) { p.now = now }
}

// NewS3Presigner loads AWS credentials from the default chain and returns a
// presigner for cfg.Bucket.
func NewS3Presigner(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Presigner, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3PresignerFromClient(s3.NewFromConfig(awsCfg), cfg, opts...)
}

// NewS3PresignerFromClient wraps an existing S3 client.
func NewS3PresignerFromClient(client *s3.Client, cfg S3Config, opts ...S3Option) (*S3Presigner, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	p := &S3Presigner{
		client: s3.NewPresignClient(client),
		bucket: cfg.Bucket,
		policy: Policy{MaxBytes: cfg.MaxBytes},
		expiry: cfg.Expiry,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	if p.expiry <= 0 {
		p.expiry = DefaultExpiry
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p, nil
}

// Presign checks req against the upload policy and returns a PUT grant.
func (p *S3Presigner) Presign(ctx context.Context, req Request) (Grant, error) {
	mt, err := p.policy.Check(req)
	if err != nil {
		return Grant{}, err
	}
	now := p.now()
	key := ObjectKey(now, p.newID(), req.FileName)
	ctype := mt.Type + "/" + mt.Subtype

	out, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(ctype),
		ContentLength: aws.Int64(req.Size),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		p.log.ErrorContext(ctx, "uploads.presign.fail", slog.String("err", err.Error()))
		return Grant{}, fmt.Errorf("presign put: %w", err)
	}

	headers := make(map[string]string, len(out.SignedHeader))
	for k, v := range out.SignedHeader {
		if len(v) > 0 && k != "Host" {
			headers[k] = v[0]
		}
	}
	p.log.InfoContext(ctx, "uploads.presign.ok", slog.String("key", key), slog.String("content_type", ctype), slog.Int64("size", req.Size))
	return Grant{
		URL:       out.URL,
		Method:    out.Method,
		Key:       key,
		Headers:   headers,
		ExpiresAt: now.Add(p.expiry),
	}, nil
}

var _ Presigner = (*S3Presigner)(nil)
