// Package objectstore transfers upload payloads into an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"kbupload/internal/config"
	"kbupload/internal/services/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the part of the S3 client the transferer needs
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies. A
// base endpoint switches to path-style addressing for MinIO and friends.
func NewClient(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Transferer stores each file as <prefix>/<targetID>/<filename>. The object
// store has no processing stage, so every transfer completes synchronously.
type Transferer struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

func NewTransferer(client PutObjectAPI, bucket, prefix string, logger *slog.Logger) *Transferer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transferer{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("component", "objectstore"),
	}
}

// ObjectKey returns the key a file is stored under
func (t *Transferer) ObjectKey(targetID, filename string) string {
	return path.Join(t.prefix, targetID, path.Base(filename))
}

// SubmitTransfer implements upload.Transferer
func (t *Transferer) SubmitTransfer(ctx context.Context, filename string, payload upload.Payload, targetID string) (upload.TransferResult, error) {
	content, err := payload.Open()
	if err != nil {
		return upload.TransferResult{}, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer content.Close()

	body, err := seekable(content)
	if err != nil {
		return upload.TransferResult{}, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	key := t.ObjectKey(targetID, filename)
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(payload.Size()),
	})
	if err != nil {
		return upload.TransferResult{}, fmt.Errorf("put s3://%s/%s: %w", t.bucket, key, err)
	}

	t.logger.Debug("object stored", "bucket", t.bucket, "key", key, "size", payload.Size())
	return upload.TransferResult{}, nil
}

// seekable returns r as an io.ReadSeeker, buffering it when needed. The SDK
// needs to rewind bodies for signing and retries.
func seekable(r io.Reader) (io.ReadSeeker, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// ErrNoBucket is returned when the s3 backend is selected without a bucket.
var ErrNoBucket = errors.New("s3 bucket is required")

// New wires a Transferer for cfg.
func New(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*Transferer, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewTransferer(client, cfg.Bucket, cfg.Prefix, logger), nil
}
