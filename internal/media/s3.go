// Package media issues presigned upload URLs for message attachments.
package media

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/crypto"
)

// DefaultUploadTTL is how long a presigned upload URL stays valid.
const DefaultUploadTTL = 15 * time.Minute

// UploadRequest describes a file the client is about to upload.
type UploadRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Upload is a presigned PUT the client performs directly against the bucket.
// MediaURL is what goes into the message content once the upload succeeds.
type Upload struct {
	Key       string            `json:"key"`
	Method    string            `json:"method"`
	UploadURL string            `json:"uploadUrl"`
	Headers   map[string]string `json:"headers,omitempty"`
	MediaURL  string            `json:"mediaUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// S3Presigner signs upload URLs for one bucket.
type S3Presigner struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
	now     func() time.Time
}

// NewS3Presigner loads the default AWS credential chain for region.
func NewS3Presigner(ctx context.Context, region, bucket string) (*S3Presigner, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3PresignerFromConfig(cfg, bucket), nil
}

// NewS3PresignerFromConfig creates a presigner from an existing AWS config.
func NewS3PresignerFromConfig(cfg aws.Config, bucket string) *S3Presigner {
	return &S3Presigner{
		presign: s3.NewPresignClient(s3.NewFromConfig(cfg)),
		bucket:  bucket,
		ttl:     DefaultUploadTTL,
		now:     time.Now,
	}
}

// PresignUpload validates req and returns a presigned PUT under the user's prefix.
func (p *S3Presigner) PresignUpload(ctx context.Context, userID string, req UploadRequest) (*Upload, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := p.now()
	key := path.Join("media", userID, crypto.NewMessageID(now), sanitizeName(req.Name))

	signed, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(req.ContentType),
		ContentLength: aws.Int64(req.SizeBytes),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	mediaURL, err := objectURL(signed.URL)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(signed.SignedHeader))
	for name, values := range signed.SignedHeader {
		if strings.EqualFold(name, "host") || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	return &Upload{
		Key:       key,
		Method:    signed.Method,
		UploadURL: signed.URL,
		Headers:   headers,
		MediaURL:  mediaURL,
		ExpiresAt: now.Add(p.ttl).UTC(),
	}, nil
}

func (r UploadRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", chat.ErrValidation)
	}
	if len(r.Name) > chat.MaxMediaNameBytes {
		return fmt.Errorf("%w: name exceeds %d bytes", chat.ErrValidation, chat.MaxMediaNameBytes)
	}
	if r.ContentType == "" || !strings.Contains(r.ContentType, "/") {
		return fmt.Errorf("%w: contentType must be a MIME type", chat.ErrValidation)
	}
	if r.SizeBytes <= 0 || r.SizeBytes > chat.MaxMediaSizeBytes {
		return fmt.Errorf("%w: sizeBytes must be between 1 and %d", chat.ErrValidation, chat.MaxMediaSizeBytes)
	}
	return nil
}

// sanitizeName keeps the base name and replaces characters that need escaping in a key.
func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if out := strings.Trim(b.String(), "."); out != "" {
		return out
	}
	return "file"
}

// objectURL strips the signature from a presigned URL.
func objectURL(presigned string) (string, error) {
	u, err := url.Parse(presigned)
	if err != nil {
		return "", fmt.Errorf("parse presigned url: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
