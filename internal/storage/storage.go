// Package storage uploads photo attachments and hands back references. Raw
// bytes never reach the message store.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// Uploader stores one attachment and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, accountID, contentType string, body io.Reader, size int64) (models.Attachment, error)
}

// ObjectKey builds a collision-free key for an upload.
func ObjectKey(accountID, contentType string) (string, error) {
	ext, ok := allowedTypes[contentType]
	if !ok {
		return "", errs.E("storage.upload", errs.InvalidInput, "unsupported attachment type "+contentType)
	}
	return path.Join("attachments", accountID, uuid.NewString()+ext), nil
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
}

// S3Uploader writes attachments to an S3-compatible bucket.
type S3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Uploader builds an uploader. A custom endpoint switches to path-style
// addressing for MinIO and R2.
func NewS3Uploader(cfg S3Config) *S3Uploader {
	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket, publicURL: strings.TrimRight(cfg.PublicURL, "/")}
}

func (u *S3Uploader) Upload(ctx context.Context, accountID, contentType string, body io.Reader, size int64) (models.Attachment, error) {
	key, err := ObjectKey(accountID, contentType)
	if err != nil {
		return models.Attachment{}, err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return models.Attachment{}, errs.Wrap("storage.upload", errs.UploadFailed, fmt.Errorf("s3 put %s: %w", key, err))
	}

	ref := key
	if u.publicURL != "" {
		ref = u.publicURL + "/" + key
	}
	return models.Attachment{Type: models.AttachmentPhoto, Ref: ref, ContentType: contentType, Size: size}, nil
}

// DiskUploader writes attachments under a local directory. Used when no
// bucket is configured.
type DiskUploader struct {
	dir     string
	baseURL string
}

func NewDiskUploader(dir, baseURL string) *DiskUploader {
	return &DiskUploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (u *DiskUploader) Upload(_ context.Context, accountID, contentType string, body io.Reader, size int64) (models.Attachment, error) {
	key, err := ObjectKey(accountID, contentType)
	if err != nil {
		return models.Attachment{}, err
	}

	full := filepath.Join(u.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return models.Attachment{}, errs.Wrap("storage.upload", errs.UploadFailed, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return models.Attachment{}, errs.Wrap("storage.upload", errs.UploadFailed, err)
	}
	defer f.Close()

	written, err := io.Copy(f, body)
	if err != nil {
		return models.Attachment{}, errs.Wrap("storage.upload", errs.UploadFailed, err)
	}
	if size > 0 && written != size {
		return models.Attachment{}, errs.E("storage.upload", errs.UploadFailed, "short write")
	}

	ref := "/" + key
	if u.baseURL != "" {
		ref = u.baseURL + "/" + key
	}
	return models.Attachment{Type: models.AttachmentPhoto, Ref: ref, ContentType: contentType, Size: written}, nil
}
