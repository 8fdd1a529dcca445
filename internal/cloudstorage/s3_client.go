// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cloudstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/lakestage/internal/awsclient"
)

type s3Client struct {
	awsS3Client *awsclient.S3Client
	bucket      string
	prefix      string
}

func s3ErrorIs404(err error) bool {
	var noKeyErr *types.NoSuchKey
	if errors.As(err, &noKeyErr) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

func (c *s3Client) UploadObject(ctx context.Context, key, sourceFilename string) error {
	objectID := fullKey(c.prefix, key)
	uploader := manager.NewUploader(c.awsS3Client.Client)
	file, err := os.Open(sourceFilename)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", sourceFilename, err)
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.uploadS3Object",
		trace.WithAttributes(
			attribute.String("bucketID", c.bucket),
			attribute.String("objectID", objectID),
		),
	)
	defer span.End()

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(objectID),
		Body:        file,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"writer": "lakestage",
		},
	})
	if err != nil {
		span.RecordError(err)
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", c.bucket)))
		return fmt.Errorf("upload s3://%s/%s: %w", c.bucket, objectID, err)
	}

	uploadCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", c.bucket),
	))
	uploadBytes.Add(ctx, stat.Size(), metric.WithAttributes(
		attribute.String("bucket", c.bucket),
	))
	return nil
}

func (c *s3Client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	objectID := fullKey(c.prefix, key)
	out, err := c.awsS3Client.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectID),
	})
	if err != nil {
		if s3ErrorIs404(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", c.bucket, objectID, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", c.bucket, objectID, err)
	}
	return out.Body, nil
}

func (c *s3Client) DeleteObject(ctx context.Context, key string) error {
	objectID := fullKey(c.prefix, key)
	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.deleteS3Object",
		trace.WithAttributes(
			attribute.String("bucketID", c.bucket),
		),
	)
	defer span.End()

	_, err := c.awsS3Client.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectID),
	})
	if err != nil && !s3ErrorIs404(err) {
		return fmt.Errorf("failed to delete S3 object: %w", err)
	}
	return nil
}
