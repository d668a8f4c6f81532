// Package metadata hosts off-chain badge metadata documents and returns the
// URI the minting collaborator embeds in the token.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config configures the S3 publisher.
type Config struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint points the client at an S3-compatible service. Requests are
	// path-style when set.
	Endpoint string

	// PublicBaseURL is prepended to object keys to form the returned URI.
	// Defaults to the virtual-hosted bucket URL.
	PublicBaseURL string

	// Prefix is the key prefix for all documents.
	Prefix string

	Timeout time.Duration
}

// Enabled reports whether enough is configured to use S3.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.Region != ""
}

// ══════════════════════════════════════════════════════════════════════════════
// S3 PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// S3Publisher uploads badge documents as public JSON objects.
type S3Publisher struct {
	client  *s3.Client
	cfg     Config
	baseURL string
	retrier *retry.Retrier
	log     *logger.Logger
}

var _ badge.MetadataPublisher = (*S3Publisher)(nil)

// NewS3Publisher builds an S3 client from static credentials.
func NewS3Publisher(ctx context.Context, cfg Config, log *logger.Logger) (*S3Publisher, error) {
	if !cfg.Enabled() {
		return nil, shared.NewDomainError("metadata", "NewS3Publisher", shared.ErrInvalidInput, "bucket and region are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
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

	return &S3Publisher{
		client:  client,
		cfg:     cfg,
		baseURL: publicBaseURL(cfg),
		retrier: retry.New(
			retry.WithMaxAttempts(3),
			retry.WithInitialDelay(250*time.Millisecond),
			retry.WithRetryIf(func(err error) bool { return !errors.Is(err, context.Canceled) }),
		),
		log: log.With(logger.Component("metadata_s3")),
	}, nil
}

func publicBaseURL(cfg Config) string {
	switch {
	case cfg.PublicBaseURL != "":
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
}

// Key returns the object key of doc.
func (p *S3Publisher) Key(doc badge.Document) string {
	key := fmt.Sprintf("badges/lesson-%d/%s.json", doc.LessonID, doc.Owner)
	if p.cfg.Prefix == "" {
		return key
	}
	return strings.Trim(p.cfg.Prefix, "/") + "/" + key
}

// Publish uploads doc and returns its public URI.
func (p *S3Publisher) Publish(ctx context.Context, doc badge.Document) (string, error) {
	key := p.Key(doc)
	uri := p.baseURL + "/" + key
	if len(uri) > badge.MaxURILen {
		return "", &badge.MintError{Category: badge.FailureMetadataTooLarge, Err: shared.ErrBadgeMetadataTooBig}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	start := time.Now()
	err = p.retrier.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		_, err := p.client.PutObject(callCtx, &s3.PutObjectInput{
			Bucket:       aws.String(p.cfg.Bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(body),
			ContentType:  aws.String("application/json"),
			CacheControl: aws.String("public, max-age=31536000"),
			ACL:          types.ObjectCannedACLPublicRead,
		})
		return err
	})
	if err != nil {
		p.log.Error("metadata upload failed", logger.String("key", key), logger.Err(err))
		return "", shared.WrapError("metadata", "Publish", shared.ErrExternalService, "upload badge metadata", err)
	}

	p.log.Debug("metadata uploaded",
		logger.String("key", key),
		logger.LessonID(doc.LessonID),
		logger.Latency(time.Since(start)),
	)
	return uri, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATIC PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// StaticURIFormat is the pre-hosted per-lesson document location.
const StaticURIFormat = "https://arweave.net/lesson-%d-badge.json"

// StaticPublisher returns pre-hosted per-lesson URIs without uploading.
type StaticPublisher struct{}

var _ badge.MetadataPublisher = StaticPublisher{}

// Publish returns the static URI of doc's lesson.
func (StaticPublisher) Publish(_ context.Context, doc badge.Document) (string, error) {
	return fmt.Sprintf(StaticURIFormat, doc.LessonID), nil
}

// FallbackPublisher tries Primary and falls back to Secondary on failure.
type FallbackPublisher struct {
	Primary   badge.MetadataPublisher
	Secondary badge.MetadataPublisher
	Log       *logger.Logger
}

var _ badge.MetadataPublisher = (*FallbackPublisher)(nil)

// Publish implements badge.MetadataPublisher.
func (f *FallbackPublisher) Publish(ctx context.Context, doc badge.Document) (string, error) {
	uri, err := f.Primary.Publish(ctx, doc)
	if err == nil {
		return uri, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	if f.Log != nil {
		f.Log.Warn("primary metadata publisher failed; using fallback", logger.LessonID(doc.LessonID), logger.Err(err))
	}
	return f.Secondary.Publish(ctx, doc)
}
