// Package s3 implements storage.Gateway on Amazon S3 or any S3-compatible
// service (MinIO, the Alexander storage server, localstack).
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/config"
	"github.com/prn-tf/alexander-uploads/internal/storage"
)

var _ storage.Gateway = (*Gateway)(nil)

// Gateway drives S3 multipart copy for part composition and the S3
// presigner for client URLs.
type Gateway struct {
	client    *s3.Client
	presigner *s3.PresignClient
	logger    zerolog.Logger
}

// NewClient builds an S3 client from configuration. Static credentials are
// used when both keys are set; otherwise the default AWS chain applies.
func NewClient(ctx context.Context, cfg config.S3StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewGateway creates a gateway over client.
func NewGateway(client *s3.Client, logger zerolog.Logger) *Gateway {
	return &Gateway{
		client:    client,
		presigner: s3.NewPresignClient(client),
		logger:    logger.With().Str("component", "s3_gateway").Logger(),
	}
}

// IssuePartUploadURL presigns a PUT for one part object.
func (g *Gateway) IssuePartUploadURL(ctx context.Context, bucket, key string, partNumber int, ttl time.Duration) (*storage.PresignedURL, error) {
	req, err := g.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign part %d: %w", partNumber, err)
	}

	return &storage.PresignedURL{
		URL:       req.URL,
		Method:    req.Method,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

// IssueDownloadURL presigns a GET for a composed object.
func (g *Gateway) IssueDownloadURL(ctx context.Context, bucket, key string, ttl time.Duration) (*storage.PresignedURL, error) {
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}

	return &storage.PresignedURL{
		URL:       req.URL,
		Method:    req.Method,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

// ComposeParts copies parts into key. A single part is copied directly;
// more parts go through a multipart upload assembled server side with
// UploadPartCopy. Every copy is conditioned on the reported ETag.
func (g *Gateway) ComposeParts(ctx context.Context, bucket, key string, parts []storage.PartRef) error {
	if len(parts) == 0 {
		return fmt.Errorf("compose %s: no parts", key)
	}

	if len(parts) == 1 {
		_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(bucket),
			Key:               aws.String(key),
			CopySource:        aws.String(copySource(bucket, parts[0].Key)),
			CopySourceIfMatch: aws.String(quoteETag(parts[0].ETag)),
		})
		if err != nil {
			return &storage.PartError{Number: parts[0].Number, Err: translateError(err)}
		}
		return nil
	}

	createOut, err := g.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(createOut.UploadId)

	if err := g.copyParts(ctx, bucket, key, uploadID, parts); err != nil {
		if _, abortErr := g.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			g.logger.Error().Err(abortErr).Str("key", key).Str("upload_id", uploadID).Msg("failed to abort multipart upload")
		}
		return err
	}

	return nil
}

func (g *Gateway) copyParts(ctx context.Context, bucket, key, uploadID string, parts []storage.PartRef) error {
	completed := make([]types.CompletedPart, 0, len(parts))

	for i, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}

		partNumber := aws.Int32(int32(i + 1))
		out, err := g.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:            aws.String(bucket),
			Key:               aws.String(key),
			UploadId:          aws.String(uploadID),
			PartNumber:        partNumber,
			CopySource:        aws.String(copySource(bucket, p.Key)),
			CopySourceIfMatch: aws.String(quoteETag(p.ETag)),
		})
		if err != nil {
			return &storage.PartError{Number: p.Number, Err: translateError(err)}
		}

		completed = append(completed, types.CompletedPart{
			ETag:       out.CopyPartResult.ETag,
			PartNumber: partNumber,
		})
	}

	_, err := g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	g.logger.Debug().Str("key", key).Int("parts", len(completed)).Msg("composed object")
	return nil
}

// DeleteObject removes key. S3 treats deleting a missing key as success.
func (g *Gateway) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists checks key with HEAD.
func (g *Gateway) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if storage.IsNotFound(translateError(err)) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

func translateError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, apiErr.ErrorMessage())
	case "PreconditionFailed":
		return fmt.Errorf("%w: %s", storage.ErrPartMismatch, apiErr.ErrorMessage())
	}
	return err
}

func copySource(bucket, key string) string {
	return bucket + "/" + key
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}
