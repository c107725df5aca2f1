// Package archive stores raw webhook payloads and inline media in S3 or an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
)

// ErrInvalidDataURL is returned when inline media cannot be decoded.
var ErrInvalidDataURL = errors.New("invalid data url")

// Config configures the bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// objectAPI is the subset of the S3 client used here.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Archive uploads objects to one bucket.
type Archive struct {
	client    objectAPI
	bucket    string
	region    string
	endpoint  string
	pathStyle bool
	publicURL string
	now       func() time.Time
}

// New creates an Archive from static credentials.
func New(cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available, set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	endpoint := cfg.Endpoint
	// An endpoint that already contains the bucket is a common misconfiguration.
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("endpoint", endpoint).Str("bucket", cfg.Bucket).Msg("Cleaned bucket name from S3 endpoint")
	}

	// Dotted bucket names break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 archive initialized")

	return newArchive(client, cfg, endpoint, pathStyle), nil
}

func newArchive(client objectAPI, cfg Config, endpoint string, pathStyle bool) *Archive {
	return &Archive{
		client:    client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		endpoint:  endpoint,
		pathStyle: pathStyle,
		publicURL: cfg.PublicURL,
		now:       time.Now,
	}
}

// PutObject uploads data under key.
func (a *Archive) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Str("key", key).Str("bucket", a.bucket).Int("size", len(data)).Msg("Failed to upload object to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().Str("key", key).Str("bucket", a.bucket).Str("contentType", contentType).Int("size", len(data)).Msg("Object uploaded to S3")
	return nil
}

// PutJSON uploads a JSON document.
func (a *Archive) PutJSON(ctx context.Context, key string, data []byte) error {
	return a.PutObject(ctx, key, data, "application/json")
}

// WebhookKey is the object key of an archived webhook payload.
func (a *Archive) WebhookKey(accountID, logID string) string {
	now := a.now().UTC()
	return fmt.Sprintf("webhooks/%s/%s/%s/%s/%s.json",
		cleanSegment(accountID), now.Format("2006"), now.Format("01"), now.Format("02"), cleanSegment(logID))
}

// ArchiveWebhook uploads a raw webhook payload.
func (a *Archive) ArchiveWebhook(ctx context.Context, accountID, logID string, payload []byte) error {
	return a.PutJSON(ctx, a.WebhookKey(accountID, logID), payload)
}

// ObjectKey is the object key of a media file.
func ObjectKey(accountID, conversationID, messageID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("media/%s/%s/%s%s", cleanSegment(accountID), cleanSegment(conversationID), cleanSegment(messageID), ext)
}

// OffloadDataURL decodes an inline data: URL, uploads it and returns its public URL.
func (a *Archive) OffloadDataURL(ctx context.Context, accountID, conversationID, messageID, raw string) (string, error) {
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	mimeType := du.ContentType()
	key := ObjectKey(accountID, conversationID, messageID, extensionFor(mimeType))
	if err := a.PutObject(ctx, key, du.Data, mimeType); err != nil {
		return "", err
	}
	return a.PublicURL(key), nil
}

func extensionFor(mimeType string) string {
	kind := decoder.TypeDocument
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		kind = decoder.TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		kind = decoder.TypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		kind = decoder.TypeAudio
	}
	return decoder.Extension(kind, mimeType)
}

// PublicURL is the URL an object is served from.
func (a *Archive) PublicURL(key string) string {
	if a.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.publicURL, "/"), a.bucket, key)
	}
	if a.endpoint != "" && !strings.Contains(a.endpoint, "amazonaws.com") {
		if a.pathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.endpoint, "/"), a.bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(a.endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", a.bucket, strings.TrimRight(host, "/"), key)
	}
	if a.pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", a.region, a.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key)
}

// Ping checks that the bucket is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func cleanSegment(s string) string {
	return strings.NewReplacer("/", "_", "@", "_", ":", "_", " ", "_").Replace(s)
}
